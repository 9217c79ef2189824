package anchor

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	deadlock "github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"

	"spatialmesh/internal/apierr"
	"spatialmesh/internal/protocol"
)

// Persistence is the narrow surface internal/anchorstore implements; kept
// here (rather than imported from anchorstore) to avoid a manager<->store
// import cycle and to let tests substitute a fake.
type Persistence interface {
	Store(ctx context.Context, a *Anchor) error
	Delete(ctx context.Context, id string) error
	FindNearby(ctx context.Context, pos protocol.Vector3, radiusMeters float64, limit int) ([]*Anchor, error)
}

// Broadcaster is the narrow surface internal/anchorsync implements to
// re-broadcast anchor mutations to session subscribers (§4.J).
type Broadcaster interface {
	BroadcastCreated(sessionID string, a *Anchor, originatorUserID string)
	BroadcastUpdated(sessionID string, a *Anchor, originatorUserID string)
	BroadcastDeleted(sessionID, anchorID, originatorUserID string)
}

// Config holds the manager's tunables (§4.H defaults, grounded on the
// source's AnchorManager.__init__).
type Config struct {
	MaxAnchorsPerSession   int
	DefaultAnchorLifetime  time.Duration
	CleanupInterval        time.Duration
	MinConfidenceThreshold float64
}

func DefaultConfig() Config {
	return Config{
		MaxAnchorsPerSession:   100,
		DefaultAnchorLifetime:  24 * time.Hour,
		CleanupInterval:        5 * time.Minute,
		MinConfidenceThreshold: 0.5,
	}
}

// quaternionTolerance is the anchor-storage invariant (§3): stricter than
// the [0.9, 1.1] tolerance internal/validate applies to inbound wire
// frames, since a stored anchor's rotation must stay unit-norm across both
// the REST and WebSocket transports, not just pass a loose sanity check.
const quaternionTolerance = 1e-3

func validateRotation(q protocol.Quaternion) error {
	if math.Abs(q.Norm()-1) >= quaternionTolerance {
		return apierr.New(apierr.ValidationError, "rotation must be a unit quaternion (tolerance 1e-3)")
	}
	return nil
}

func validateExpiry(createdAt time.Time, expiresAt *time.Time) error {
	if expiresAt != nil && !expiresAt.After(createdAt) {
		return apierr.New(apierr.ValidationError, "expires_at must be after created_at")
	}
	return nil
}

// Manager owns the in-memory anchor cache, write-through persistence, and
// the expiry sweeper.
type Manager struct {
	cfg    Config
	store  Persistence
	bcast  Broadcaster
	logger *zap.Logger

	mu        deadlock.RWMutex
	anchors   map[string]*Anchor  // anchor id -> anchor
	bySession map[string][]string // session id -> anchor ids
}

func NewManager(cfg Config, store Persistence, bcast Broadcaster, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		bcast:     bcast,
		logger:    logger,
		anchors:   make(map[string]*Anchor),
		bySession: make(map[string][]string),
	}
}

// Create validates the session-level cap, mints defaults, inserts into the
// cache and per-session index, and writes through to persistence (§4.H).
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Anchor, error) {
	if err := validateRotation(in.Rotation); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.bySession[in.SessionID]) >= m.cfg.MaxAnchorsPerSession {
		m.mu.Unlock()
		return nil, apierr.New(apierr.AnchorLimitExceeded, "session anchor limit reached")
	}
	m.mu.Unlock()

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()

	var expiresAt *time.Time
	lifetime := m.cfg.DefaultAnchorLifetime
	if in.LifetimeOverride != nil {
		lifetime = *in.LifetimeOverride
	}
	if in.AnchorType == TypeTemporary || in.LifetimeOverride != nil {
		t := now.Add(lifetime)
		expiresAt = &t
	}
	if err := validateExpiry(now, expiresAt); err != nil {
		return nil, err
	}

	a := &Anchor{
		ID:            id,
		SessionID:     in.SessionID,
		UserID:        in.UserID,
		Position:      in.Position,
		Rotation:      in.Rotation,
		Confidence:    1.0,
		TrackingState: TrackingTracking,
		AnchorType:    in.AnchorType,
		Metadata:      in.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     expiresAt,
	}

	if err := m.store.Store(ctx, a); err != nil {
		return nil, apierr.New(apierr.PersistenceError, "failed to persist anchor")
	}

	m.mu.Lock()
	m.anchors[id] = a
	m.bySession[in.SessionID] = append(m.bySession[in.SessionID], id)
	m.mu.Unlock()

	if m.bcast != nil {
		m.bcast.BroadcastCreated(in.SessionID, a, in.UserID)
	}
	return a, nil
}

// Update applies a partial update, shallow-merging metadata, and persists.
// Returns nil, nil if id is unknown (caller maps to 404).
func (m *Manager) Update(ctx context.Context, id string, in UpdateInput, actorUserID string) (*Anchor, error) {
	if in.Rotation != nil {
		if err := validateRotation(*in.Rotation); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	a, ok := m.anchors[id]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}

	updated := *a // shallow copy to allow rollback on persistence failure
	if in.Position != nil {
		updated.Position = *in.Position
	}
	if in.Rotation != nil {
		updated.Rotation = *in.Rotation
	}
	if in.Confidence != nil {
		updated.Confidence = *in.Confidence
	}
	if in.TrackingState != nil {
		updated.TrackingState = *in.TrackingState
	}
	if in.Metadata != nil {
		merged := make(map[string]interface{}, len(a.Metadata)+len(in.Metadata))
		for k, v := range a.Metadata {
			merged[k] = v
		}
		for k, v := range in.Metadata {
			merged[k] = v
		}
		updated.Metadata = merged
	}
	updated.UpdatedAt = time.Now()
	m.mu.Unlock()

	if err := m.store.Store(ctx, &updated); err != nil {
		return nil, apierr.New(apierr.PersistenceError, "failed to persist anchor update")
	}

	m.mu.Lock()
	m.anchors[id] = &updated
	m.mu.Unlock()

	if m.bcast != nil {
		m.bcast.BroadcastUpdated(updated.SessionID, &updated, actorUserID)
	}
	return &updated, nil
}

// Delete removes the anchor from the cache and session index, and deletes
// it from persistence (cascading sharing grants and writing a history row
// at the store layer). Idempotent.
func (m *Manager) Delete(ctx context.Context, id, actorUserID string) error {
	m.mu.Lock()
	a, ok := m.anchors[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.anchors, id)
	m.bySession[a.SessionID] = removeID(m.bySession[a.SessionID], id)
	m.mu.Unlock()

	if err := m.store.Delete(ctx, id); err != nil {
		return apierr.New(apierr.PersistenceError, "failed to delete anchor")
	}

	if m.bcast != nil {
		m.bcast.BroadcastDeleted(a.SessionID, id, actorUserID)
	}
	return nil
}

// Get returns an anchor by id, or ok=false if unknown or expired.
func (m *Manager) Get(id string) (*Anchor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.anchors[id]
	if !ok || a.IsExpired(time.Now()) {
		return nil, false
	}
	return a, true
}

// Query filters anchors per §4.H. When (position, radius) is given without
// a session_id filter, the query is delegated entirely to the persistence
// layer's spatial index — a deliberate strengthening over the ungrounded
// source, which always linear-scanned in memory regardless of filters.
func (m *Manager) Query(ctx context.Context, q Query) ([]*Anchor, error) {
	if q.Position != nil && q.SessionID == "" {
		limit := q.Limit
		if limit <= 0 {
			limit = 100
		}
		return m.store.FindNearby(ctx, *q.Position, q.Radius, limit)
	}

	now := time.Now()
	m.mu.RLock()
	var candidates []*Anchor
	if q.SessionID != "" {
		for _, id := range m.bySession[q.SessionID] {
			if a, ok := m.anchors[id]; ok {
				candidates = append(candidates, a)
			}
		}
	} else {
		for _, a := range m.anchors {
			candidates = append(candidates, a)
		}
	}
	m.mu.RUnlock()

	var filtered []*Anchor
	for _, a := range candidates {
		if a.IsExpired(now) {
			continue
		}
		if q.UserID != "" && a.UserID != q.UserID {
			continue
		}
		if q.AnchorType != "" && a.AnchorType != q.AnchorType {
			continue
		}
		if q.TrackingState != "" && a.TrackingState != q.TrackingState {
			continue
		}
		minConfidence := m.cfg.MinConfidenceThreshold
		if q.MinConfidence != nil {
			minConfidence = *q.MinConfidence
		}
		if a.Confidence < minConfidence {
			continue
		}
		filtered = append(filtered, a)
	}

	if q.Position != nil {
		pos := *q.Position
		sort.Slice(filtered, func(i, j int) bool {
			return distance(pos, filtered[i].Position) < distance(pos, filtered[j].Position)
		})
	}

	if q.Limit > 0 && len(filtered) > q.Limit {
		filtered = filtered[:q.Limit]
	}
	return filtered, nil
}

func distance(a, b protocol.Vector3) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// RunCleanupSweeper blocks, deleting expired anchors every cfg.CleanupInterval
// until ctx is cancelled (§4.H expiry sweeper). Bound to the manager's
// lifetime, cancellable on shutdown (§9 "avoid fire-and-forget tasks").
func (m *Manager) RunCleanupSweeper(ctx context.Context) {
	t := time.NewTicker(m.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweepExpired(ctx)
		}
	}
}

func (m *Manager) sweepExpired(ctx context.Context) {
	now := time.Now()
	m.mu.RLock()
	var expired []*Anchor
	for _, a := range m.anchors {
		if a.IsExpired(now) {
			expired = append(expired, a)
		}
	}
	m.mu.RUnlock()

	for _, a := range expired {
		if err := m.Delete(ctx, a.ID, a.UserID); err != nil && m.logger != nil {
			m.logger.Warn("failed to delete expired anchor", zap.String("anchor_id", a.ID), zap.Error(err))
		}
	}
}

// Shutdown is a no-op: Create and Update write through to persistence
// synchronously, so there is nothing buffered to flush on exit. It is
// still called from the process shutdown sequence so the manager's
// lifecycle matches its sibling components.
func (m *Manager) Shutdown(ctx context.Context) error {
	return nil
}

// HealthCheck always returns nil: the manager has no failure state of its
// own, and it does not probe the persistence layer.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return nil
}
