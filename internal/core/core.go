// Package core is the service facade: submission, queries, streaming, and
// the worker loop, all against a single Store and Bus.
package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/openneutron/aonp/internal/bus"
	"github.com/openneutron/aonp/internal/config"
	"github.com/openneutron/aonp/internal/extract"
	"github.com/openneutron/aonp/internal/sched"
	"github.com/openneutron/aonp/internal/spec"
	"github.com/openneutron/aonp/internal/store"
	"github.com/openneutron/aonp/internal/supervisor"
)

// Core owns the wiring between the store and the live event bus. Every
// persisted event fans out through the bus automatically.
type Core struct {
	cfg   config.Config
	store store.Store
	bus   *bus.Bus
	log   *zap.Logger
}

// New wires a Core. The store's notifier is claimed by the bus; callers must
// not install their own.
func New(cfg config.Config, st store.Store, log *zap.Logger) *Core {
	if log == nil {
		log = zap.NewNop()
	}
	b := bus.New(st.LastEvents)
	st.SetNotifier(b.Publish)
	return &Core{cfg: cfg, store: st, bus: b, log: log}
}

func (c *Core) Store() store.Store { return c.store }
func (c *Core) Bus() *bus.Bus      { return c.bus }

// SubmitResult reports what a submission produced.
type SubmitResult struct {
	Run      store.Run
	SpecHash string
}

// SubmitStudy validates a raw YAML or JSON study document, persists its
// canonical form, and enqueues a new run. Validation failures surface
// synchronously as *spec.ValidationError; nothing is persisted for them.
func (c *Core) SubmitStudy(ctx context.Context, raw []byte) (SubmitResult, error) {
	st, err := spec.Parse(raw)
	if err != nil {
		return SubmitResult{}, err
	}
	hash := spec.Hash(st)
	if _, err := c.store.UpsertStudy(ctx, hash, spec.CanonicalBytes(st)); err != nil {
		return SubmitResult{}, fmt.Errorf("persist study: %w", err)
	}
	runID := NewRunID()
	run, err := c.store.CreateRun(ctx, runID, hash)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create run: %w", err)
	}
	c.log.Info("study submitted",
		zap.String("run_id", runID),
		zap.String("spec_hash", hash),
		zap.String("name", st.Name))
	return SubmitResult{Run: run, SpecHash: hash}, nil
}

// NewRunID mints a lexicographically sortable run identifier.
func NewRunID() string {
	return "run-" + strings.ToLower(ulid.Make().String())
}

func (c *Core) GetRun(ctx context.Context, runID string) (store.Run, error) {
	return c.store.GetRun(ctx, runID)
}

func (c *Core) ListRuns(ctx context.Context, f store.RunFilter) ([]store.Run, error) {
	return c.store.ListRuns(ctx, f)
}

func (c *Core) GetSummary(ctx context.Context, runID string) (store.Summary, error) {
	return c.store.GetSummary(ctx, runID)
}

func (c *Core) Events(ctx context.Context, runID string, q store.EventQuery) ([]store.Event, error) {
	return c.store.Events(ctx, runID, q)
}

// StreamRun subscribes to a run's live event feed with trailing replay.
func (c *Core) StreamRun(ctx context.Context, runID string) (<-chan store.Event, func(), error) {
	if _, err := c.store.GetRun(ctx, runID); err != nil {
		return nil, nil, err
	}
	return c.bus.Subscribe(ctx, runID)
}

// CancelRun requests cooperative cancellation. Returns whether the flag was
// newly set; cancelling a terminal run is a no-op.
func (c *Core) CancelRun(ctx context.Context, runID string) (bool, error) {
	return c.store.RequestCancel(ctx, runID)
}

// RunWorker claims and processes runs until the context is cancelled.
func (c *Core) RunWorker(ctx context.Context) error {
	sup := &supervisor.Supervisor{
		Store:            c.store,
		WorkerID:         c.cfg.WorkerID,
		RunsRoot:         c.cfg.RunsRoot,
		LeaseTTL:         c.cfg.LeaseTTL,
		MaxRuntime:       c.cfg.MaxRuntime,
		SolverBin:        c.cfg.SolverBin,
		NuclearDataIndex: c.cfg.NuclearDataIndex,
		OMPThreads:       c.cfg.OMPThreads,
		Reader:           extract.HDF5Reader{},
		Log:              c.log,
	}
	claimer := &sched.Claimer{
		Store:    c.store,
		WorkerID: c.cfg.WorkerID,
		LeaseTTL: c.cfg.LeaseTTL,
		Handle:   sup.Handle,
		Backoff:  sched.DefaultBackoff(),
		Log:      c.log,
	}
	c.log.Info("worker starting",
		zap.String("worker_id", c.cfg.WorkerID),
		zap.String("runs_root", c.cfg.RunsRoot),
		zap.Duration("lease_ttl", c.cfg.LeaseTTL))
	return claimer.Run(ctx)
}

// StartReaper launches the lease reaper in the background.
func (c *Core) StartReaper(ctx context.Context) {
	r := &sched.Reaper{Store: c.store, Interval: c.cfg.LeaseTTL / 3, Log: c.log}
	go func() {
		if err := r.Run(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("reaper stopped", zap.Error(err))
		}
	}()
}
