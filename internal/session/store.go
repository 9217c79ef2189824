package session

import (
	"sort"
	"time"

	"github.com/google/uuid"
	deadlock "github.com/sasha-s/go-deadlock"

	"spatialmesh/internal/apierr"
	"spatialmesh/internal/protocol"
)

// CreateOptions configures a new session (§4.C create_session).
type CreateOptions struct {
	MaxPlayers           int
	ColocalizationMethod protocol.ColocalizationMethod
}

// Store is a thread-safe, process-wide map from session id to Session, with
// a reverse user_id -> session_id index for O(1) lookup on disconnect. The
// shape is the same read-mostly RWMutex-guarded map the teacher's document
// store used for open editor buffers, generalized to session lifecycle plus
// host election and idle sweeping.
type Store struct {
	mu       deadlock.RWMutex
	sessions map[string]*Session
	byUser   map[string]string // user_id -> session_id
}

// New returns an initialized Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]string),
	}
}

// Create allocates a new, empty session and returns it. Its
// CoordinateSystem stays nil until the host publishes one, and no host is
// recorded here: the first player to Join becomes host.
func (s *Store) Create(opts CreateOptions) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &Session{
		ID:                   uuid.NewString(),
		CreationTime:         time.Now(),
		MaxPlayers:           opts.MaxPlayers,
		ColocalizationMethod: opts.ColocalizationMethod,
		Players:              make(map[string]*Player),
	}
	s.sessions[sess.ID] = sess
	return sess
}

// Get looks up a session by id.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// GetByUser looks up the session a user is currently connected to.
func (s *Store) GetByUser(userID string) (*Session, bool) {
	s.mu.RLock()
	sessID, ok := s.byUser[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.Get(sessID)
}

// Join inserts player into the session, marking it host if it is the
// session's first player. Fails with apierr.SessionFull once at capacity.
func (s *Store) Join(sessionID string, player *Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return apierr.New(apierr.SessionNotFound, "session not found")
	}
	if len(sess.Players) >= sess.MaxPlayers {
		return apierr.New(apierr.SessionFull, "session is full")
	}

	if len(sess.Players) == 0 {
		player.IsHost = true
		sess.HostUserID = player.UserID
	}
	sess.Players[player.UserID] = player
	s.byUser[player.UserID] = sessionID
	return nil
}

// Leave removes userID from its session. If the departing player was host,
// a new host is elected deterministically (earliest join_time, ties broken
// by user_id ascending — §4.C, §9 Open Question resolution). found reports
// whether sessionID/userID resolved to anything at all; emptied reports
// whether the session has no players left. The caller never receives a raw
// *Session, so it cannot read or mutate session state outside this lock
// (§5 — all reads of session state go through the store).
func (s *Store) Leave(sessionID, userID string) (found, emptied bool, newHost string, hostChanged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return false, false, "", false
	}
	departing, ok := sess.Players[userID]
	if !ok {
		return false, false, "", false
	}
	delete(sess.Players, userID)
	delete(s.byUser, userID)

	if departing.IsHost && len(sess.Players) > 0 {
		next := electHost(sess.Players)
		next.IsHost = true
		sess.HostUserID = next.UserID
		return true, false, next.UserID, true
	}
	if len(sess.Players) == 0 {
		sess.HostUserID = ""
		return true, true, "", false
	}
	return true, false, "", false
}

// electHost picks the earliest-joined remaining player, ties broken by
// user_id ascending (deterministic resolution of the source's unspecified
// tie-break, per SPEC_FULL.md §4.C).
func electHost(players map[string]*Player) *Player {
	candidates := make([]*Player, 0, len(players))
	for _, p := range players {
		candidates = append(candidates, p)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].JoinTime.Equal(candidates[j].JoinTime) {
			return candidates[i].JoinTime.Before(candidates[j].JoinTime)
		}
		return candidates[i].UserID < candidates[j].UserID
	})
	return candidates[0]
}

// Delete removes a session outright (used once it is confirmed empty).
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// HostTransfer reports a host re-election that occurred as a side effect
// of a sweep.
type HostTransfer struct {
	SessionID string
	NewHostID string
}

// SweepIdle removes sessions with zero players and marks/removes players
// whose last_ping exceeds idleThreshold, re-electing a host (§4.C) for any
// session whose host was dropped this way. It returns the ids of players
// removed for idleness, any host transfers that resulted, and the ids of
// sessions deleted outright, so the caller (internal/wsengine) can emit
// user_left / host_transfer broadcasts.
func (s *Store) SweepIdle(idleThreshold time.Duration) (idlePlayers []PlayerRef, transfers []HostTransfer, emptied []string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		for uid, p := range sess.Players {
			if now.Sub(p.LastPing) > idleThreshold {
				idlePlayers = append(idlePlayers, PlayerRef{SessionID: id, UserID: uid})
			}
		}
	}

	touchedSessions := make(map[string]bool)
	for _, ref := range idlePlayers {
		sess, ok := s.sessions[ref.SessionID]
		if !ok {
			continue
		}
		departing := sess.Players[ref.UserID]
		delete(sess.Players, ref.UserID)
		delete(s.byUser, ref.UserID)
		if departing != nil && departing.IsHost {
			touchedSessions[ref.SessionID] = true
		}
	}

	for id := range touchedSessions {
		sess, ok := s.sessions[id]
		if !ok || sess.IsEmpty() {
			continue
		}
		next := electHost(sess.Players)
		next.IsHost = true
		sess.HostUserID = next.UserID
		transfers = append(transfers, HostTransfer{SessionID: id, NewHostID: next.UserID})
	}

	for id, sess := range s.sessions {
		if sess.IsEmpty() {
			delete(s.sessions, id)
			emptied = append(emptied, id)
		}
	}
	return idlePlayers, transfers, emptied
}

// PlayerRef identifies a player within a session for sweeper reporting.
type PlayerRef struct {
	SessionID string
	UserID    string
}

// Touch updates a player's last_ping to now, extending its idle deadline.
func (s *Store) Touch(sessionID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if p, ok := sess.Players[userID]; ok {
		p.LastPing = time.Now()
	}
}

// Roster returns the user ids currently in sessionID, copied under lock so
// the caller can range over it freely.
func (s *Store) Roster(sessionID string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	roster := make([]string, 0, len(sess.Players))
	for uid := range sess.Players {
		roster = append(roster, uid)
	}
	return roster, true
}

// Recipients returns the players in sessionID for which include returns
// true, excluding excludeUserID, as a snapshot slice built under lock. The
// slice itself is safe to range over and send on without holding any lock
// (§5 — process-wide maps behind a reader-writer lock; all reads of a
// session's state go through the store that owns it).
func (s *Store) Recipients(sessionID, excludeUserID string, include func(*Player) bool) []*Player {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	recipients := make([]*Player, 0, len(sess.Players))
	for userID, p := range sess.Players {
		if userID == excludeUserID || p.Send == nil {
			continue
		}
		if include(p) {
			recipients = append(recipients, p)
		}
	}
	return recipients
}

// PlayerIsHost reports whether userID is currently marked host of sessionID.
func (s *Store) PlayerIsHost(sessionID, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	p, ok := sess.Players[userID]
	return ok && p.IsHost
}

// SetPose records a player's latest pose under lock.
func (s *Store) SetPose(sessionID, userID string, pose protocol.Pose) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	p, ok := sess.Players[userID]
	if !ok {
		return false
	}
	p.Pose = &pose
	return true
}

// SetColocalized records a player's self-reported colocalized flag under
// lock.
func (s *Store) SetColocalized(sessionID, userID string, colocalized bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	p, ok := sess.Players[userID]
	if !ok {
		return false
	}
	p.Colocalized = colocalized
	return true
}

// PublishCoordinateSystem installs the host-published coordinate system and
// marks the session colocalized, under lock.
func (s *Store) PublishCoordinateSystem(sessionID string, cs *CoordinateSystem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	sess.CoordinateSystem = cs
	sess.IsColocalized = true
	return true
}

// Summary is a point-in-time, already-copied view of a session's state for
// transports that only need to read it (the session_state frame, the REST
// session summary endpoint) without holding the store's lock themselves.
type Summary struct {
	ID                   string
	PlayerCount          int
	MaxPlayers           int
	ColocalizationMethod protocol.ColocalizationMethod
	CoordinateSystem     *CoordinateSystem
	IsColocalized        bool
	HostUserID           string
}

// SessionSummary copies sessionID's current state under lock.
func (s *Store) SessionSummary(sessionID string) (Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Summary{}, false
	}
	return Summary{
		ID:                   sess.ID,
		PlayerCount:          len(sess.Players),
		MaxPlayers:           sess.MaxPlayers,
		ColocalizationMethod: sess.ColocalizationMethod,
		CoordinateSystem:     sess.CoordinateSystem,
		IsColocalized:        sess.IsColocalized,
		HostUserID:           sess.HostUserID,
	}, true
}
