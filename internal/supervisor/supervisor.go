// Package supervisor drives a claimed run through its bundle, execute, and
// extract phases while keeping the lease alive.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openneutron/aonp/internal/bundle"
	"github.com/openneutron/aonp/internal/extract"
	"github.com/openneutron/aonp/internal/spec"
	"github.com/openneutron/aonp/internal/store"
)

const (
	cancelPollInterval = time.Second
	errDetailLimit     = 4096
)

// errLeaseLost aborts processing without releasing: the new lease holder owns
// the run now.
var errLeaseLost = errors.New("lease lost")

// Supervisor processes one claimed run at a time. Plug it into a
// sched.Claimer as the handler.
type Supervisor struct {
	Store            store.Store
	WorkerID         string
	RunsRoot         string
	LeaseTTL         time.Duration
	MaxRuntime       time.Duration
	SolverBin        string
	NuclearDataIndex string
	OMPThreads       int
	Reader           extract.StatepointReader
	Log              *zap.Logger
}

func (s *Supervisor) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Handle runs a claimed run to completion. It always either releases the run
// or walks away silently after losing the lease.
func (s *Supervisor) Handle(ctx context.Context, run store.Run) {
	log := s.log().With(zap.String("run_id", run.RunID), zap.Int("attempt", run.Attempt))

	// The renewer keeps the lease alive for the whole handling; if the lease
	// is stolen the run context cancels and nothing more may be written.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var stolen atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.renewLoop(runCtx, run.RunID, &stolen, cancel)
	}()
	defer wg.Wait()

	err := s.process(runCtx, log, run)
	cancel()
	if err == nil {
		return
	}
	if stolen.Load() {
		log.Warn("lease stolen, abandoning run")
		return
	}
	if errors.Is(err, errLeaseLost) {
		if ctx.Err() != nil {
			// Worker shutdown: leave the run leased; the reaper requeues it.
			log.Info("shutdown during run, leaving for reaper")
		} else {
			log.Warn("lease lost, abandoning run")
		}
		return
	}
	s.releaseFailed(log, run, classify(err))
}

func (s *Supervisor) renewLoop(ctx context.Context, runID string, stolen *atomic.Bool, cancel context.CancelFunc) {
	interval := s.LeaseTTL / 3
	if interval <= 0 {
		interval = 100 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Store.RenewLease(ctx, runID, s.WorkerID, s.LeaseTTL); err != nil {
				if errors.Is(err, store.ErrLeaseStolen) || errors.Is(err, store.ErrNotFound) {
					stolen.Store(true)
					cancel()
					return
				}
				s.log().Warn("lease renewal failed", zap.String("run_id", runID), zap.Error(err))
			}
		}
	}
}

// process walks the phases, resuming from whatever the previous attempt
// completed.
func (s *Supervisor) process(ctx context.Context, log *zap.Logger, run store.Run) error {
	if cancelled, err := s.Store.CancelRequested(ctx, run.RunID); err == nil && cancelled {
		return &cancelledError{}
	}

	study, err := s.Store.GetStudy(ctx, run.SpecHash)
	if err != nil {
		return fmt.Errorf("load study: %w", err)
	}
	st, err := spec.Decode(study.CanonicalSpec)
	if err != nil {
		return fmt.Errorf("decode stored spec: %w", err)
	}

	bundleDir := run.Artifacts.BundlePath
	if bundleDir == "" || bundle.Verify(bundleDir) != nil {
		b, err := s.bundlePhase(ctx, log, run, st)
		if err != nil {
			return err
		}
		bundleDir = b.Dir
	}
	cur, err := s.Store.UpdateRunPhase(ctx, run.RunID, store.PhaseUpdate{
		Phase:     store.PhaseExecute,
		Artifacts: store.ArtifactsDelta{BundlePath: bundleDir},
	})
	if err != nil {
		return fmt.Errorf("enter execute phase: %w", err)
	}

	statepointPath, err := s.executePhase(ctx, log, cur, bundleDir)
	if err != nil {
		return err
	}
	if _, err := s.Store.UpdateRunPhase(ctx, run.RunID, store.PhaseUpdate{
		Phase:     store.PhaseExtract,
		Artifacts: store.ArtifactsDelta{StatepointPath: statepointPath},
	}); err != nil {
		return fmt.Errorf("enter extract phase: %w", err)
	}

	return s.extractPhase(ctx, log, run, bundleDir)
}

func (s *Supervisor) bundlePhase(ctx context.Context, log *zap.Logger, run store.Run, st *spec.StudySpec) (*bundle.Bundle, error) {
	dir := filepath.Join(s.RunsRoot, run.RunID)
	// A leftover directory from an earlier attempt is stale; this worker
	// owns the run now and rebuilds from the canonical spec.
	if _, err := os.Stat(dir); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("clear stale bundle: %w", err)
		}
	}
	b, err := bundle.Create(ctx, st, run.RunID, s.RunsRoot)
	if err != nil {
		return nil, err
	}
	log.Info("bundle created", zap.String("dir", b.Dir), zap.String("spec_hash", b.Manifest.SpecHash))
	return b, nil
}

// executePhase runs the solver and returns the final statepoint path.
func (s *Supervisor) executePhase(ctx context.Context, log *zap.Logger, run store.Run, bundleDir string) (string, error) {
	inputsDir := filepath.Join(bundleDir, "inputs")
	outputsDir := filepath.Join(bundleDir, "outputs")

	logFile, err := os.OpenFile(filepath.Join(outputsDir, "solver.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open solver log: %w", err)
	}
	defer logFile.Close()

	var logMu sync.Mutex
	var stderrTail []string
	onLine := func(stream, line string) {
		logMu.Lock()
		fmt.Fprintf(logFile, "[%s] %s\n", stream, line)
		if stream == "stderr" {
			stderrTail = append(stderrTail, line)
			if len(stderrTail) > 50 {
				stderrTail = stderrTail[1:]
			}
		}
		logMu.Unlock()
		// Durable first, live second: the store append is what subscribers
		// replay from.
		_, _ = s.Store.AppendEvent(ctx, run.RunID, store.EventStdoutLine, s.WorkerID, map[string]any{
			"stream": stream,
			"line":   line,
		})
	}

	proc, err := startSolver([]string{s.SolverBin}, inputsDir,
		solverEnv(s.NuclearDataIndex, s.OMPThreads), onLine)
	if err != nil {
		return "", &solverError{msg: "failed to start solver", err: err}
	}

	waitErr, aborted := s.superviseChild(ctx, run.RunID, proc)
	if aborted != nil {
		return "", aborted
	}
	if waitErr != nil {
		logMu.Lock()
		detail := tailString(strings.Join(stderrTail, "\n"), errDetailLimit)
		logMu.Unlock()
		return "", &solverError{msg: fmt.Sprintf("solver exited: %v", waitErr), detail: detail}
	}

	statepoint, err := collectOutputs(inputsDir, outputsDir)
	if err != nil {
		logMu.Lock()
		detail := tailString(strings.Join(stderrTail, "\n"), errDetailLimit)
		logMu.Unlock()
		return "", &solverError{msg: err.Error(), detail: detail}
	}
	log.Info("solver finished", zap.String("statepoint", statepoint))
	return statepoint, nil
}

// superviseChild waits for the solver while watching for cancellation, the
// wall-clock cap, and lease loss. A nil, nil return means a clean exit.
func (s *Supervisor) superviseChild(ctx context.Context, runID string, proc *solverProcess) (waitErr, abort error) {
	cancelTicker := time.NewTicker(cancelPollInterval)
	defer cancelTicker.Stop()
	var wallC <-chan time.Time
	if s.MaxRuntime > 0 {
		wall := time.NewTimer(s.MaxRuntime)
		defer wall.Stop()
		wallC = wall.C
	}

	for {
		select {
		case err := <-proc.doneCh():
			return err, nil
		case <-ctx.Done():
			// Lease stolen or worker shutdown: kill the child and walk away
			// without touching the run record.
			proc.terminate()
			_ = proc.wait()
			return nil, errLeaseLost
		case <-wallC:
			proc.terminate()
			waitErr := proc.wait()
			return nil, &solverError{msg: fmt.Sprintf("wall-clock limit %s exceeded", s.MaxRuntime), err: waitErr}
		case <-cancelTicker.C:
			requested, err := s.Store.CancelRequested(ctx, runID)
			if err != nil || !requested {
				continue
			}
			proc.terminate()
			_ = proc.wait()
			return nil, &cancelledError{}
		}
	}
}

// collectOutputs moves the solver's statepoint and summary files from the
// working directory into outputs/ and returns the final statepoint path.
func collectOutputs(inputsDir, outputsDir string) (string, error) {
	entries, err := os.ReadDir(inputsDir)
	if err != nil {
		return "", fmt.Errorf("read solver workdir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(name, "statepoint.") && strings.HasSuffix(name, ".h5") || name == "summary.h5" {
			if err := os.Rename(filepath.Join(inputsDir, name), filepath.Join(outputsDir, name)); err != nil {
				return "", fmt.Errorf("move %s: %w", name, err)
			}
		}
	}
	sp, err := extract.FindStatepoint(outputsDir)
	if err != nil {
		return "", fmt.Errorf("solver produced no statepoint: %w", err)
	}
	return sp, nil
}

func (s *Supervisor) extractPhase(ctx context.Context, log *zap.Logger, run store.Run, bundleDir string) error {
	ex := &extract.Extractor{Reader: s.Reader}
	sum, parquetPath, err := ex.Extract(run.RunID, filepath.Join(bundleDir, "outputs"))
	if err != nil {
		return &extractError{err: err}
	}
	if _, err := s.Store.InsertSummary(ctx, sum); err != nil && !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("insert summary: %w", err)
	}
	_, err = s.Store.ReleaseRun(ctx, store.ReleaseRequest{
		RunID:     run.RunID,
		WorkerID:  s.WorkerID,
		Final:     store.StatusSucceeded,
		Artifacts: store.ArtifactsDelta{ParquetPath: parquetPath},
	})
	if err != nil {
		if errors.Is(err, store.ErrLeaseStolen) {
			return errLeaseLost
		}
		return fmt.Errorf("release succeeded: %w", err)
	}
	log.Info("run succeeded",
		zap.Float64("keff", sum.Keff),
		zap.Float64("keff_uncertainty_pcm", sum.KeffUncertaintyPCM))
	return nil
}

func (s *Supervisor) releaseFailed(log *zap.Logger, run store.Run, info store.ErrorInfo) {
	// Releasing uses a fresh context: the run context may already be
	// cancelled by the failure path.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := s.Store.ReleaseRun(ctx, store.ReleaseRequest{
		RunID:    run.RunID,
		WorkerID: s.WorkerID,
		Final:    store.StatusFailed,
		Error:    &info,
	})
	if err != nil {
		if errors.Is(err, store.ErrLeaseStolen) || errors.Is(err, store.ErrInvalidTransition) {
			log.Warn("could not release failed run", zap.Error(err))
			return
		}
		log.Error("release failed", zap.Error(err))
		return
	}
	log.Info("run failed",
		zap.String("error_type", string(info.Type)),
		zap.String("error", info.Message))
}

type solverError struct {
	msg    string
	detail string
	err    error
}

func (e *solverError) Error() string { return e.msg }
func (e *solverError) Unwrap() error { return e.err }

type cancelledError struct{}

func (*cancelledError) Error() string { return "cancelled by request" }

type extractError struct{ err error }

func (e *extractError) Error() string { return e.err.Error() }
func (e *extractError) Unwrap() error { return e.err }

// classify maps a phase failure onto the persisted error taxonomy.
func classify(err error) store.ErrorInfo {
	var bErr *bundle.Error
	if errors.As(err, &bErr) {
		info := store.ErrorInfo{Type: store.ErrorBundle, Message: bErr.Error()}
		if bErr.Kind == bundle.KindValidation {
			info.Type = store.ErrorValidation
		}
		return info
	}
	var sErr *solverError
	if errors.As(err, &sErr) {
		return store.ErrorInfo{Type: store.ErrorSolver, Message: sErr.msg, Detail: sErr.detail}
	}
	var cErr *cancelledError
	if errors.As(err, &cErr) {
		return store.ErrorInfo{Type: store.ErrorCancelled, Message: cErr.Error()}
	}
	var xErr *extractError
	if errors.As(err, &xErr) {
		return store.ErrorInfo{Type: store.ErrorExtract, Message: xErr.Error()}
	}
	return store.ErrorInfo{Type: store.ErrorStore, Message: tailString(err.Error(), errDetailLimit)}
}

func tailString(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
