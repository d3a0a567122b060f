package approval

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs the expiry pass on a ticker until its context is done.
type Sweeper struct {
	workflow *Workflow
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper over the workflow. A zero interval
// defaults to one minute.
func NewSweeper(workflow *Workflow, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{workflow: workflow, interval: interval, logger: logger}
}

// Run blocks, sweeping on every tick, until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.workflow.Sweep(ctx)
			if err != nil {
				s.logger.Error("approval sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				s.logger.Info("expired overdue approvals", "count", expired)
			}
		}
	}
}
