package sched

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openneutron/aonp/internal/store"
)

// Handler processes one claimed run to completion. It owns releasing the run;
// the claimer only finds work.
type Handler func(ctx context.Context, run store.Run)

// Claimer polls the store for eligible runs and hands each claim to the
// handler, backing off while the queue is empty.
type Claimer struct {
	Store    store.Store
	WorkerID string
	LeaseTTL time.Duration
	Handle   Handler
	Backoff  BackoffConfig
	Log      *zap.Logger
}

// Run polls until the context is cancelled. Runs are processed one at a time;
// a worker's concurrency is its process count.
func (c *Claimer) Run(ctx context.Context) error {
	if c.Handle == nil {
		return fmt.Errorf("claimer requires a handler")
	}
	log := c.Log
	if log == nil {
		log = zap.NewNop()
	}
	cfg := c.Backoff
	if cfg.InitialDelayMS <= 0 {
		cfg = DefaultBackoff()
	}

	idle := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		run, err := c.Store.ClaimNext(ctx, c.WorkerID, c.LeaseTTL)
		if err != nil {
			log.Warn("claim failed", zap.Error(err))
			idle++
		} else if run != nil {
			log.Info("claimed run",
				zap.String("run_id", run.RunID),
				zap.String("spec_hash", run.SpecHash),
				zap.Int("attempt", run.Attempt))
			c.Handle(ctx, *run)
			idle = 0
			continue
		} else {
			idle++
		}

		seed := fmt.Sprintf("%s/%d", c.WorkerID, idle)
		if err := sleep(ctx, DelayForAttempt(idle, cfg, seed)); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
