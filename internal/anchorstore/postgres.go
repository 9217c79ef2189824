// Package anchorstore implements the durable anchor store over PostgreSQL
// with a PostGIS-style geometry column (§4.I): spatial_anchor,
// anchor_sharing, and anchor_history tables, grounded on the source's
// persistence_engine.py schema.
package anchorstore

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"spatialmesh/internal/anchor"
	"spatialmesh/internal/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS spatial_anchor (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	position GEOMETRY(POINT) NOT NULL,
	rotation_x DOUBLE PRECISION NOT NULL,
	rotation_y DOUBLE PRECISION NOT NULL,
	rotation_z DOUBLE PRECISION NOT NULL,
	rotation_w DOUBLE PRECISION NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	tracking_state TEXT NOT NULL,
	anchor_type TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS spatial_anchor_position_gist ON spatial_anchor USING GIST (position);
CREATE INDEX IF NOT EXISTS spatial_anchor_session_idx ON spatial_anchor (session_id);
CREATE INDEX IF NOT EXISTS spatial_anchor_user_idx ON spatial_anchor (user_id);
CREATE INDEX IF NOT EXISTS spatial_anchor_type_idx ON spatial_anchor (anchor_type);
CREATE INDEX IF NOT EXISTS spatial_anchor_expires_idx ON spatial_anchor (expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS anchor_sharing (
	anchor_id TEXT NOT NULL,
	shared_with_user TEXT NOT NULL,
	granted_by TEXT NOT NULL,
	permission_level TEXT NOT NULL,
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (anchor_id, shared_with_user)
);

CREATE TABLE IF NOT EXISTS anchor_history (
	id BIGSERIAL PRIMARY KEY,
	anchor_id TEXT NOT NULL,
	action TEXT NOT NULL,
	user_id TEXT NOT NULL,
	before JSONB,
	after JSONB,
	metadata_diff JSONB,
	ts TIMESTAMPTZ NOT NULL
);
`

// Store implements anchor.Persistence (and the richer sharing/history
// surface used by internal/httpapi) over a pooled *sql.DB.
type Store struct {
	db *sql.DB
}

// Open connects to databaseURL, applies the schema, and bounds the
// connection pool per §5 (default 10, overflow 20).
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	db.SetMaxOpenConns(30) // 10 base + 20 overflow
	db.SetMaxIdleConns(10)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pooled connection for callers outside this package that
// need their own tables against the same database (e.g. the credential
// store's user_account table) without opening a second pool.
func (s *Store) DB() *sql.DB { return s.db }

// HealthCheck is a trivial SELECT 1 gate (§4.I).
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return errors.Wrap(err, "health check")
	}
	return nil
}

// Store upserts an anchor (create or full update). z is stashed in
// metadata.z_coordinate (§3, §4.I) since the position column is 2-D.
func (s *Store) Store(ctx context.Context, a *anchor.Anchor) error {
	meta := cloneMetadata(a.Metadata)
	meta["z_coordinate"] = a.Position.Z
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "marshal metadata")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO spatial_anchor (
			id, session_id, user_id, position,
			rotation_x, rotation_y, rotation_z, rotation_w,
			confidence, tracking_state, anchor_type, metadata,
			created_at, updated_at, expires_at
		) VALUES (
			$1, $2, $3, ST_SetSRID(ST_MakePoint($4, $5), 4326),
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16
		)
		ON CONFLICT (id) DO UPDATE SET
			position = EXCLUDED.position,
			rotation_x = EXCLUDED.rotation_x,
			rotation_y = EXCLUDED.rotation_y,
			rotation_z = EXCLUDED.rotation_z,
			rotation_w = EXCLUDED.rotation_w,
			confidence = EXCLUDED.confidence,
			tracking_state = EXCLUDED.tracking_state,
			anchor_type = EXCLUDED.anchor_type,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
	`,
		a.ID, a.SessionID, a.UserID, a.Position.X, a.Position.Y,
		a.Rotation.X, a.Rotation.Y, a.Rotation.Z, a.Rotation.W,
		a.Confidence, string(a.TrackingState), string(a.AnchorType), metaJSON,
		a.CreatedAt, a.UpdatedAt, a.ExpiresAt,
	)
	if err != nil {
		return errors.Wrap(err, "upsert anchor")
	}
	return nil
}

// Load fetches a single anchor by id.
func (s *Store) Load(ctx context.Context, id string) (*anchor.Anchor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_id, ST_X(position), ST_Y(position),
			rotation_x, rotation_y, rotation_z, rotation_w,
			confidence, tracking_state, anchor_type, metadata,
			created_at, updated_at, expires_at
		FROM spatial_anchor WHERE id = $1
	`, id)
	return scanAnchor(row)
}

// LoadActive returns every non-expired anchor.
func (s *Store) LoadActive(ctx context.Context) ([]*anchor.Anchor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, ST_X(position), ST_Y(position),
			rotation_x, rotation_y, rotation_z, rotation_w,
			confidence, tracking_state, anchor_type, metadata,
			created_at, updated_at, expires_at
		FROM spatial_anchor WHERE expires_at IS NULL OR expires_at > now()
	`)
	if err != nil {
		return nil, errors.Wrap(err, "load active anchors")
	}
	defer rows.Close()
	return scanAnchors(rows)
}

// LoadSessionAnchors returns every anchor belonging to sessionID.
func (s *Store) LoadSessionAnchors(ctx context.Context, sessionID string) ([]*anchor.Anchor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, ST_X(position), ST_Y(position),
			rotation_x, rotation_y, rotation_z, rotation_w,
			confidence, tracking_state, anchor_type, metadata,
			created_at, updated_at, expires_at
		FROM spatial_anchor WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "load session anchors")
	}
	defer rows.Close()
	return scanAnchors(rows)
}

// FindNearby implements the spatial index path (§4.H Query, §4.I
// find_nearby): ST_DWithin in meters, filtered to non-expired and
// tracking_state='tracking', ordered by distance.
func (s *Store) FindNearby(ctx context.Context, pos protocol.Vector3, radiusMeters float64, limit int) ([]*anchor.Anchor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, ST_X(position), ST_Y(position),
			rotation_x, rotation_y, rotation_z, rotation_w,
			confidence, tracking_state, anchor_type, metadata,
			created_at, updated_at, expires_at
		FROM spatial_anchor
		WHERE tracking_state = 'tracking'
			AND (expires_at IS NULL OR expires_at > now())
			AND ST_DWithin(position::geography, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography, $3)
		ORDER BY ST_Distance(position::geography, ST_SetSRID(ST_MakePoint($1, $2), 4326)::geography)
		LIMIT $4
	`, pos.X, pos.Y, radiusMeters, limit)
	if err != nil {
		return nil, errors.Wrap(err, "find nearby anchors")
	}
	defer rows.Close()
	return scanAnchors(rows)
}

// Delete removes an anchor, cascading its sharing grants, and writes a
// "deleted" history row.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO anchor_history (anchor_id, action, user_id, ts)
		SELECT id, 'deleted', user_id, now() FROM spatial_anchor WHERE id = $1
	`, id); err != nil {
		return errors.Wrap(err, "insert history")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM anchor_sharing WHERE anchor_id = $1`, id); err != nil {
		return errors.Wrap(err, "delete sharing grants")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM spatial_anchor WHERE id = $1`, id); err != nil {
		return errors.Wrap(err, "delete anchor")
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Share upserts a sharing grant on (anchor_id, shared_with_user) and writes
// a "shared" history row (§4.I).
func (s *Store) Share(ctx context.Context, g anchor.ShareGrant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO anchor_sharing (anchor_id, shared_with_user, granted_by, permission_level, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (anchor_id, shared_with_user) DO UPDATE SET
			granted_by = EXCLUDED.granted_by,
			permission_level = EXCLUDED.permission_level,
			expires_at = EXCLUDED.expires_at
	`, g.AnchorID, g.SharedWithUser, g.GrantedBy, string(g.Permission), g.ExpiresAt); err != nil {
		return errors.Wrap(err, "upsert sharing grant")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO anchor_history (anchor_id, action, user_id, ts)
		VALUES ($1, 'shared', $2, now())
	`, g.AnchorID, g.GrantedBy); err != nil {
		return errors.Wrap(err, "insert history")
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// GetSharedAnchors returns every anchor shared with userID.
func (s *Store) GetSharedAnchors(ctx context.Context, userID string) ([]*anchor.Anchor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sa.id, sa.session_id, sa.user_id, ST_X(sa.position), ST_Y(sa.position),
			sa.rotation_x, sa.rotation_y, sa.rotation_z, sa.rotation_w,
			sa.confidence, sa.tracking_state, sa.anchor_type, sa.metadata,
			sa.created_at, sa.updated_at, sa.expires_at
		FROM spatial_anchor sa
		JOIN anchor_sharing s ON s.anchor_id = sa.id
		WHERE s.shared_with_user = $1 AND (s.expires_at IS NULL OR s.expires_at > now())
	`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "get shared anchors")
	}
	defer rows.Close()
	return scanAnchors(rows)
}

// CleanupExpired deletes expired anchors, their history insert, and their
// sharing grants inside one explicit transaction, returning the count
// deleted. The source issues these as independent statements with no
// encompassing transaction; §4.I requires one, implemented literally here.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO anchor_history (anchor_id, action, user_id, ts)
		SELECT id, 'expired', user_id, now() FROM spatial_anchor WHERE expires_at IS NOT NULL AND expires_at <= now()
	`); err != nil {
		return 0, errors.Wrap(err, "insert expired history")
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM anchor_sharing WHERE anchor_id IN (
			SELECT id FROM spatial_anchor WHERE expires_at IS NOT NULL AND expires_at <= now()
		)
	`); err != nil {
		return 0, errors.Wrap(err, "delete expired sharing grants")
	}
	res, err := tx.ExecContext(ctx, `
		DELETE FROM spatial_anchor WHERE expires_at IS NOT NULL AND expires_at <= now()
	`)
	if err != nil {
		return 0, errors.Wrap(err, "delete expired anchors")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAnchor(row scanner) (*anchor.Anchor, error) {
	var (
		a          anchor.Anchor
		trackingS  string
		anchorType string
		metaJSON   []byte
		expiresAt  sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.SessionID, &a.UserID, &a.Position.X, &a.Position.Y,
		&a.Rotation.X, &a.Rotation.Y, &a.Rotation.Z, &a.Rotation.W,
		&a.Confidence, &trackingS, &anchorType, &metaJSON,
		&a.CreatedAt, &a.UpdatedAt, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan anchor row")
	}
	return finishScan(&a, trackingS, anchorType, metaJSON, expiresAt)
}

func scanAnchors(rows *sql.Rows) ([]*anchor.Anchor, error) {
	var out []*anchor.Anchor
	for rows.Next() {
		var (
			a          anchor.Anchor
			trackingS  string
			anchorType string
			metaJSON   []byte
			expiresAt  sql.NullTime
		)
		if err := rows.Scan(
			&a.ID, &a.SessionID, &a.UserID, &a.Position.X, &a.Position.Y,
			&a.Rotation.X, &a.Rotation.Y, &a.Rotation.Z, &a.Rotation.W,
			&a.Confidence, &trackingS, &anchorType, &metaJSON,
			&a.CreatedAt, &a.UpdatedAt, &expiresAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan anchor row")
		}
		anchorPtr, err := finishScan(&a, trackingS, anchorType, metaJSON, expiresAt)
		if err != nil {
			return nil, err
		}
		out = append(out, anchorPtr)
	}
	return out, rows.Err()
}

func finishScan(a *anchor.Anchor, trackingS, anchorType string, metaJSON []byte, expiresAt sql.NullTime) (*anchor.Anchor, error) {
	a.TrackingState = anchor.TrackingState(trackingS)
	a.AnchorType = anchor.Type(anchorType)
	if expiresAt.Valid {
		t := expiresAt.Time
		a.ExpiresAt = &t
	}
	meta := make(map[string]interface{})
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return nil, errors.Wrap(err, "unmarshal metadata")
		}
	}
	if z, ok := meta["z_coordinate"].(float64); ok {
		a.Position.Z = z
	}
	delete(meta, "z_coordinate")
	a.Metadata = meta
	return a, nil
}

func cloneMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
