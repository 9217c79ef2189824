package wsengine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunIdleSweeper blocks, periodically dropping idle players from both the
// session roster and the sync engine's subscriber sets, until ctx is
// cancelled (§4.G/§4.J unified 90s idle threshold). Bound to the engine's
// lifetime, cancellable on shutdown.
func (e *Engine) RunIdleSweeper(ctx context.Context) {
	t := time.NewTicker(e.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.sweepIdle()
		}
	}
}

func (e *Engine) sweepIdle() {
	idlePlayers, transfers, emptied := e.sessions.SweepIdle(e.cfg.IdleTimeout)

	for _, ref := range idlePlayers {
		e.sync.Leave(ref.SessionID, ref.UserID)
		e.limiter.Forget(ref.UserID)
		if e.logger != nil {
			e.logger.Info("dropped idle player", zap.String("session_id", ref.SessionID), zap.String("user_id", ref.UserID))
		}

		e.broadcastToPeers(ref.SessionID, ref.UserID, userLeftFrame{Type: "user_left", UserID: ref.UserID})
	}

	for _, tr := range transfers {
		e.broadcastToPeers(tr.SessionID, "", hostTransferFrame{Type: "host_transfer", NewHostUserID: tr.NewHostID})
	}

	for _, sessionID := range emptied {
		if e.logger != nil {
			e.logger.Debug("session emptied by idle sweep", zap.String("session_id", sessionID))
		}
	}
}
