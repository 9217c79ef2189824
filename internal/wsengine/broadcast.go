package wsengine

import (
	"sync"

	"go.uber.org/zap"

	"spatialmesh/internal/session"
)

// broadcastToPeers fans frame out to every player in sessionID other than
// excludeUserID, concurrently, joining on completion before returning
// (§4.G Broadcast semantics). A send failure is logged and otherwise
// ignored here; the departed connection is reaped by the idle sweeper or
// its own read loop's eventual disconnect.
func (e *Engine) broadcastToPeers(sessionID, excludeUserID string, frame interface{}) {
	e.fanOut(sessionID, excludeUserID, frame, func(p *session.Player) bool { return true })
}

// broadcastToColocalizedPeers is the pose_update special case: only peers
// that have themselves reported colocalized=true receive the update.
func (e *Engine) broadcastToColocalizedPeers(sessionID, excludeUserID string, frame interface{}) {
	e.fanOut(sessionID, excludeUserID, frame, func(p *session.Player) bool { return p.Colocalized })
}

// fanOut takes its recipient snapshot from the session store under its
// lock, then sends outside the lock so a slow or blocked peer connection
// never holds up the store (§5).
func (e *Engine) fanOut(sessionID, excludeUserID string, frame interface{}, include func(p *session.Player) bool) {
	recipients := e.sessions.Recipients(sessionID, excludeUserID, include)

	var wg sync.WaitGroup
	for _, p := range recipients {
		wg.Add(1)
		go func(p *session.Player) {
			defer wg.Done()
			if err := p.Send(frame); err != nil && e.logger != nil {
				e.logger.Debug("peer broadcast send failed", zap.String("user_id", p.UserID), zap.Error(err))
			}
		}(p)
	}
	wg.Wait()
}
