package joblog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mattjoyce/rota/internal/log"
)

// DefaultPruneSchedule runs the pruner hourly.
const DefaultPruneSchedule = "@every 1h"

// Pruner deletes job records older than the retention window on a cron
// schedule.
type Pruner struct {
	store     *Store
	retention time.Duration
	cron      *cron.Cron
	logger    *slog.Logger
	now       func() time.Time
}

// ParseSchedule validates a standard five-field cron expression or a
// descriptor such as "@every 30m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", spec, err)
	}
	return sched, nil
}

// NewPruner creates a Pruner. It does nothing until Start is called.
func NewPruner(store *Store, retention time.Duration, schedule string) (*Pruner, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	if schedule == "" {
		schedule = DefaultPruneSchedule
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}

	p := &Pruner{
		store:     store,
		retention: retention,
		cron:      cron.New(),
		logger:    log.WithComponent("joblog-pruner"),
		now:       time.Now,
	}
	p.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := p.RunOnce(context.Background()); err != nil {
			p.logger.Error("prune failed", "error", err)
		}
	}))
	return p, nil
}

// RunOnce prunes immediately.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("pruned job records", "removed", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return n, nil
}

// Start runs the schedule until ctx is cancelled, then waits for a running
// prune to finish.
func (p *Pruner) Start(ctx context.Context) error {
	p.logger.Info("pruner started", "retention", p.retention.String())
	p.cron.Start()
	<-ctx.Done()
	stopCtx := p.cron.Stop()
	<-stopCtx.Done()
	p.logger.Info("pruner stopped")
	return nil
}
