package engine

import (
	"context"
	"time"

	"github.com/luna-badge/taskcore/internal/domain"
)

// Watch force-terminates drives that made no progress within the progress
// timeout, checking every watchdog interval until ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.CheckProgress()
		}
	}
}

type stall struct {
	s    *session
	idle time.Duration
}

// CheckProgress terminates stalled drives with a timeout error and returns
// their task ids. A stalled insertion ends as cancelled so its parent
// resumes.
func (e *Engine) CheckProgress() []string {
	now := e.now()

	e.mu.Lock()
	var stalled []stall
	for _, s := range []*session{e.inserted, e.main} {
		if s == nil || s.finished || s.stop == nil {
			continue
		}
		if idle := now.Sub(s.lastProgress); idle > e.cfg.ProgressTimeout {
			stalled = append(stalled, stall{s: s, idle: idle})
		}
	}
	e.mu.Unlock()

	ids := make([]string, 0, len(stalled))
	for _, st := range stalled {
		e.logger.Error("task made no progress, terminating",
			"task_id", st.s.taskID,
			"idle", st.idle,
			"progress_timeout", e.cfg.ProgressTimeout)
		e.telemetry.watchdogFired(e.ctx)
		e.finish(st.s, domain.GraphStatusError, timeoutError(st.s.taskID, st.idle))
		ids = append(ids, st.s.taskID)
	}
	return ids
}
