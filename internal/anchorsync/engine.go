// Package anchorsync implements the per-session anchor sync engine (§4.J):
// subscriber sets, initial-state batching on join, and concurrent broadcast
// of anchor mutations to subscribed peers. It satisfies anchor.Broadcaster.
package anchorsync

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"spatialmesh/internal/anchor"
)

// Config holds the engine's tunables (grounded in synchronization_manager.py).
type Config struct {
	HeartbeatInterval   time.Duration
	ClientTimeout       time.Duration
	MaxClientsPerSession int
	SyncBatchSize       int
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		ClientTimeout:        90 * time.Second,
		MaxClientsPerSession: 50,
		SyncBatchSize:        100,
	}
}

// Sender delivers an outbound frame (whatever envelope the transport layer
// knows how to marshal) to one client; wsengine supplies the concrete
// implementation.
type Sender interface {
	Send(frame interface{}) error
}

// Client is one sync-protocol participant within a session.
type Client struct {
	UserID      string
	Sender      Sender
	LastActive  time.Time
	subscribed  map[string]bool
}

func newClient(userID string, sender Sender) *Client {
	return &Client{UserID: userID, Sender: sender, LastActive: time.Now(), subscribed: make(map[string]bool)}
}

func (c *Client) IsSubscribed(anchorID string) bool { return c.subscribed[anchorID] }

type sessionClients struct {
	mu      sync.RWMutex
	clients map[string]*Client // user id -> client
}

// InitialAnchorsBatch is the wire shape for a single page of the initial
// anchor dump sent to a freshly-joined sync client.
type InitialAnchorsBatch struct {
	Type         string           `json:"type"`
	BatchIndex   int              `json:"batch_index"`
	TotalBatches int              `json:"total_batches"`
	TotalAnchors int              `json:"total_anchors"`
	Anchors      []*anchor.Anchor `json:"anchors"`
}

// MutationFrame is the wire shape broadcast on anchor create/update/delete.
type MutationFrame struct {
	Type   string        `json:"type"`
	Anchor *anchor.Anchor `json:"anchor,omitempty"`
	AnchorID string       `json:"anchor_id,omitempty"`
}

const (
	frameInitialAnchors = "initial_anchors"
	frameAnchorCreated  = "anchor_created"
	frameAnchorUpdated  = "anchor_updated"
	frameAnchorDeleted  = "anchor_deleted"
	frameAnchorState    = "anchor_state"
)

// Engine owns the per-session client sets and dispatches broadcasts.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionClients
}

func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger, sessions: make(map[string]*sessionClients)}
}

func (e *Engine) sessionFor(sessionID string) *sessionClients {
	e.mu.Lock()
	defer e.mu.Unlock()
	sc, ok := e.sessions[sessionID]
	if !ok {
		sc = &sessionClients{clients: make(map[string]*Client)}
		e.sessions[sessionID] = sc
	}
	return sc
}

// Join registers userID as a sync client for sessionID and pushes the
// initial anchor dump in sync_batch_size pages (§4.J step 1-2).
func (e *Engine) Join(sessionID, userID string, sender Sender, anchors []*anchor.Anchor) {
	sc := e.sessionFor(sessionID)
	sc.mu.Lock()
	sc.clients[userID] = newClient(userID, sender)
	sc.mu.Unlock()

	e.sendInitialBatches(sender, anchors)
}

func (e *Engine) sendInitialBatches(sender Sender, anchors []*anchor.Anchor) {
	batchSize := e.cfg.SyncBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	total := len(anchors)
	totalBatches := (total + batchSize - 1) / batchSize
	if totalBatches == 0 {
		totalBatches = 1
	}
	for i := 0; i < totalBatches; i++ {
		start := i * batchSize
		end := start + batchSize
		if end > total {
			end = total
		}
		batch := InitialAnchorsBatch{
			Type:         frameInitialAnchors,
			BatchIndex:   i,
			TotalBatches: totalBatches,
			TotalAnchors: total,
			Anchors:      anchors[start:end],
		}
		if err := sender.Send(batch); err != nil && e.logger != nil {
			e.logger.Debug("initial anchor batch send failed", zap.Error(err))
			return
		}
	}
}

// Leave removes userID as a sync client for sessionID.
func (e *Engine) Leave(sessionID, userID string) {
	e.mu.RLock()
	sc, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	sc.mu.Lock()
	delete(sc.clients, userID)
	empty := len(sc.clients) == 0
	sc.mu.Unlock()

	if empty {
		e.mu.Lock()
		delete(e.sessions, sessionID)
		e.mu.Unlock()
	}
}

// Subscribe marks userID as subscribed to anchorID within sessionID.
func (e *Engine) Subscribe(sessionID, userID, anchorID string) {
	e.mu.RLock()
	sc, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	sc.mu.Lock()
	if c, ok := sc.clients[userID]; ok {
		c.subscribed[anchorID] = true
	}
	sc.mu.Unlock()
}

// Unsubscribe clears userID's subscription to anchorID within sessionID.
func (e *Engine) Unsubscribe(sessionID, userID, anchorID string) {
	e.mu.RLock()
	sc, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	sc.mu.Lock()
	if c, ok := sc.clients[userID]; ok {
		delete(c.subscribed, anchorID)
	}
	sc.mu.Unlock()
}

// Touch records activity for userID within sessionID, resetting its idle
// clock (§4.J heartbeat).
func (e *Engine) Touch(sessionID, userID string) {
	e.mu.RLock()
	sc, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	sc.mu.Lock()
	if c, ok := sc.clients[userID]; ok {
		c.LastActive = time.Now()
	}
	sc.mu.Unlock()
}

// BroadcastCreated implements anchor.Broadcaster.
func (e *Engine) BroadcastCreated(sessionID string, a *anchor.Anchor, originatorUserID string) {
	e.broadcast(sessionID, originatorUserID, a.ID, MutationFrame{Type: frameAnchorCreated, Anchor: a}, false)
}

// BroadcastUpdated implements anchor.Broadcaster.
func (e *Engine) BroadcastUpdated(sessionID string, a *anchor.Anchor, originatorUserID string) {
	e.broadcast(sessionID, originatorUserID, a.ID, MutationFrame{Type: frameAnchorUpdated, Anchor: a}, false)
}

// BroadcastDeleted implements anchor.Broadcaster. Delete broadcasts
// unconditionally regardless of subscription (§4.J).
func (e *Engine) BroadcastDeleted(sessionID, anchorID, originatorUserID string) {
	e.broadcast(sessionID, originatorUserID, anchorID, MutationFrame{Type: frameAnchorDeleted, AnchorID: anchorID}, true)
}

// broadcast fans out frame to every session client except originatorUserID,
// subject to the subscription rule unless unconditional (delete) is set.
// Recipients are notified concurrently and joined before returning (§4.J,
// §5); a send failure marks that client inactive without aborting the rest.
func (e *Engine) broadcast(sessionID, originatorUserID, anchorID string, frame interface{}, unconditional bool) {
	e.mu.RLock()
	sc, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	sc.mu.RLock()
	var recipients []*Client
	for userID, c := range sc.clients {
		if userID == originatorUserID {
			continue
		}
		if unconditional || c.IsSubscribed(anchorID) {
			recipients = append(recipients, c)
		}
	}
	sc.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range recipients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := c.Sender.Send(frame); err != nil {
				e.markInactive(sessionID, c.UserID)
				if e.logger != nil {
					e.logger.Debug("anchor broadcast send failed", zap.String("user_id", c.UserID), zap.Error(err))
				}
			}
		}(c)
	}
	wg.Wait()
}

func (e *Engine) markInactive(sessionID, userID string) {
	e.mu.RLock()
	sc, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	sc.mu.Lock()
	delete(sc.clients, userID)
	sc.mu.Unlock()
}

// SendAnchorState replies to a subscribe_anchor request with the anchor's
// current state.
func (e *Engine) SendAnchorState(sender Sender, a *anchor.Anchor) error {
	return sender.Send(MutationFrame{Type: frameAnchorState, Anchor: a})
}

// SweepIdle removes clients idle longer than cfg.ClientTimeout across every
// session, returning the (sessionID, userID) pairs removed so the caller can
// also drop them from the fan-out roster (§4.G/§4.J unified 90s threshold).
func (e *Engine) SweepIdle() []PlayerRef {
	cutoff := time.Now().Add(-e.cfg.ClientTimeout)

	e.mu.RLock()
	sessions := make(map[string]*sessionClients, len(e.sessions))
	for id, sc := range e.sessions {
		sessions[id] = sc
	}
	e.mu.RUnlock()

	var removed []PlayerRef
	for sessionID, sc := range sessions {
		sc.mu.Lock()
		for userID, c := range sc.clients {
			if c.LastActive.Before(cutoff) {
				delete(sc.clients, userID)
				removed = append(removed, PlayerRef{SessionID: sessionID, UserID: userID})
			}
		}
		sc.mu.Unlock()
	}
	return removed
}

// PlayerRef identifies one client within one session.
type PlayerRef struct {
	SessionID string
	UserID    string
}

var _ anchor.Broadcaster = (*Engine)(nil)
