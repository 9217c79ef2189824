package identity

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
)

const credentialSchema = `
CREATE TABLE IF NOT EXISTS user_account (
	id TEXT PRIMARY KEY,
	username TEXT UNIQUE NOT NULL,
	display_name TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	roles TEXT NOT NULL DEFAULT 'default'
);
`

// PostgresCredentialStore is the production login lookup (§4.E). Account
// creation/management is out of scope (§1); this only reads the row a
// login needs to verify a bcrypt hash and mint an Identity.
type PostgresCredentialStore struct {
	db *sql.DB
}

// NewPostgresCredentialStore applies the user_account schema against the
// given pool (shared with internal/anchorstore via its DB() accessor) and
// returns a ready store.
func NewPostgresCredentialStore(ctx context.Context, db *sql.DB) (*PostgresCredentialStore, error) {
	if _, err := db.ExecContext(ctx, credentialSchema); err != nil {
		return nil, errors.Wrap(err, "apply user_account schema")
	}
	return &PostgresCredentialStore{db: db}, nil
}

// Lookup implements httpapi.CredentialStore.
func (s *PostgresCredentialStore) Lookup(ctx context.Context, username string) (string, Identity, error) {
	var (
		id, displayName, hash, roleCSV string
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, password_hash, roles FROM user_account WHERE username = $1`, username)
	if err := row.Scan(&id, &displayName, &hash, &roleCSV); err != nil {
		return "", Identity{}, errors.Wrap(err, "lookup user_account")
	}

	var roles []Role
	for _, r := range strings.Split(roleCSV, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, Role(r))
		}
	}

	return hash, Identity{
		Kind:        KindUser,
		ID:          id,
		Username:    username,
		DisplayName: displayName,
		Roles:       roles,
	}, nil
}
