package audit

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner is any sink that can drop entries older than a cutoff.
type Pruner interface {
	Prune(before time.Time) (int, error)
}

// retentionSpec runs the sweep nightly, off peak.
const retentionSpec = "0 3 * * *"

// Retention prunes audit sinks on a cron schedule according to the configured
// retention window.
type Retention struct {
	c      *cron.Cron
	days   int
	sinks  []Pruner
	logger *slog.Logger
}

// NewRetention builds a retention sweeper over the given sinks. days <= 0
// disables pruning entirely.
func NewRetention(days int, logger *slog.Logger, sinks ...Pruner) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{
		c:      cron.New(),
		days:   days,
		sinks:  sinks,
		logger: logger.With("component", "audit-retention"),
	}
}

// Start schedules the nightly sweep.
func (r *Retention) Start() error {
	if r.days <= 0 || len(r.sinks) == 0 {
		r.logger.Info("audit retention disabled")
		return nil
	}
	if _, err := r.c.AddFunc(retentionSpec, r.Sweep); err != nil {
		return err
	}
	r.c.Start()
	r.logger.Info("audit retention scheduled", "days", r.days, "spec", retentionSpec)
	return nil
}

// Sweep prunes every sink now. Also callable directly by operational tooling.
func (r *Retention) Sweep() {
	cutoff := time.Now().AddDate(0, 0, -r.days)
	for _, sink := range r.sinks {
		if _, err := sink.Prune(cutoff); err != nil {
			r.logger.Error("audit prune failed", "error", err)
		}
	}
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (r *Retention) Stop() {
	ctx := r.c.Stop()
	<-ctx.Done()
}
