package engine

import (
	"context"
	"os"
	"path/filepath"
)

// Reconcile realigns the three sources of truth (metadata store, container
// runtime, host filesystem) after a restart. It runs as a deterministic
// three-phase pass (scan, diff, fix) before the server starts accepting
// requests.
func (e *Engine) Reconcile(ctx context.Context) error {
	// Phase 1: scan.
	containers, err := e.driver.ListManaged(ctx)
	if err != nil {
		return err
	}
	sandboxes, err := e.db.ListSandboxes("")
	if err != nil {
		return err
	}
	workspaces, err := e.db.ListWorkspaces()
	if err != nil {
		return err
	}

	known := make(map[string]string, len(sandboxes)) // sandbox id → state
	for _, s := range sandboxes {
		known[s.ID] = s.State
	}
	byID := make(map[string]bool, len(containers)) // sandbox id → container running
	for _, c := range containers {
		byID[c.SandboxID] = c.Running
	}

	// Phase 2+3: diff and fix, containers first.
	for _, c := range containers {
		state, ok := known[c.SandboxID]
		if ok && !IsTerminal(state) {
			continue
		}
		// A labelled container whose sandbox the store does not know (or
		// knows as terminal) is an orphan.
		e.logger.Info().Str("container_id", c.ID).Str("sandbox_id", c.SandboxID).Msg("reconcile: removing orphan container")
		if err := e.driver.Stop(ctx, c.ID, stopGrace); err != nil {
			e.logger.Warn().Err(err).Str("container_id", c.ID).Msg("reconcile: stop orphan")
		}
		if err := e.driver.Remove(ctx, c.ID, true); err != nil {
			e.logger.Warn().Err(err).Str("container_id", c.ID).Msg("reconcile: remove orphan")
		}
	}

	// Stored sandboxes whose container is gone (or stopped) cannot recover.
	for _, s := range sandboxes {
		if IsTerminal(s.State) || s.State == StateStopping {
			if s.State == StateStopping {
				// Interrupted mid-shutdown; finish the job.
				e.removeContainer(ctx, s, true)
				if err := e.db.UpdateSandboxState(s.ID, StateStopped, ""); err != nil {
					e.logger.Error().Err(err).Str("sandbox_id", s.ID).Msg("reconcile: finish stop")
				}
			}
			continue
		}
		if running := byID[s.ID]; running {
			continue
		}
		e.logger.Warn().Str("sandbox_id", s.ID).Str("state", s.State).Msg("reconcile: container missing, failing sandbox")
		if err := e.db.UpdateSandboxState(s.ID, StateFailed, "unavailable: container missing"); err != nil {
			e.logger.Error().Err(err).Str("sandbox_id", s.ID).Msg("reconcile: fail sandbox")
		}
	}

	// Workspace rows are the source of truth for directories: recreate
	// missing dirs, sweep dirs with no row.
	rows := make(map[string]bool, len(workspaces))
	for _, w := range workspaces {
		rows[w.ID] = true
		if !e.files.Exists(w.ID) {
			e.logger.Warn().Str("workspace_id", w.ID).Msg("reconcile: recreating missing workspace directory")
			if err := e.files.Create(w.ID); err != nil {
				e.logger.Error().Err(err).Str("workspace_id", w.ID).Msg("reconcile: recreate dir")
			}
		}
	}
	entries, err := os.ReadDir(e.files.Root())
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(e.files.Root(), 0o755)
		}
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() || rows[entry.Name()] {
			continue
		}
		e.logger.Info().Str("dir", entry.Name()).Msg("reconcile: removing orphan workspace directory")
		if err := os.RemoveAll(filepath.Join(e.files.Root(), entry.Name())); err != nil {
			e.logger.Error().Err(err).Str("dir", entry.Name()).Msg("reconcile: remove orphan dir")
		}
	}

	return nil
}
