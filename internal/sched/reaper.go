package sched

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openneutron/aonp/internal/store"
)

const defaultReapInterval = 30 * time.Second

// Reaper requeues runs whose workers stopped renewing their lease. Safe to
// run on every node; the store makes each requeue atomic.
type Reaper struct {
	Store    store.Store
	Interval time.Duration
	Log      *zap.Logger
}

// Run sweeps on an interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}
	interval := r.Interval
	if interval <= 0 {
		interval = defaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			requeued, err := r.Store.RequeueExpired(ctx)
			if err != nil {
				log.Warn("reap failed", zap.Error(err))
				continue
			}
			for _, run := range requeued {
				log.Info("requeued expired lease",
					zap.String("run_id", run.RunID),
					zap.Int("attempt", run.Attempt))
			}
		}
	}
}
