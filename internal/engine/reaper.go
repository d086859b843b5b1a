package engine

import (
	"context"
	"time"
)

// reapScanInterval is how often the idle reaper wakes up.
const reapScanInterval = 30 * time.Second

// RunReaper periodically deletes running sandboxes whose last activity is
// older than the idle threshold. Activity is whatever last touched the
// sandbox's agent connection. Runs until ctx is canceled.
func (e *Engine) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(reapScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reapOnce(ctx)
		}
	}
}

func (e *Engine) reapOnce(ctx context.Context) {
	sandboxes, err := e.db.ListSandboxes(StateRunning)
	if err != nil {
		e.logger.Error().Err(err).Msg("reaper: list sandboxes")
		return
	}

	now := time.Now()
	for _, s := range sandboxes {
		maxIdle := e.cfg.MaxIdleTime
		if s.TimeoutSeconds > 0 {
			maxIdle = time.Duration(s.TimeoutSeconds) * time.Second
		}
		if maxIdle <= 0 {
			continue
		}

		conn, ok := e.registry.Get(s.ID)
		if !ok {
			// Running with no connection: the agent has not re-dialed since a
			// server restart. Give it the dial-in window, then fail it.
			if now.Sub(s.UpdatedAt) > e.cfg.AgentTimeout {
				e.logger.Warn().Str("sandbox_id", s.ID).Msg("reaper: running sandbox has no agent")
				e.onAgentLost(s.ID, "agent unreachable")
			}
			continue
		}

		idle := now.Sub(conn.LastActivity())
		if idle < maxIdle {
			continue
		}

		e.logger.Info().
			Str("sandbox_id", s.ID).
			Dur("idle", idle).
			Msg("reaper: deleting idle sandbox")
		if err := e.DeleteSandbox(ctx, s.ID, false); err != nil {
			e.logger.Error().Err(err).Str("sandbox_id", s.ID).Msg("reaper: delete failed")
		}
	}
}
