// Package memory is the in-process Store adapter used by tests and
// single-node deployments. It enforces the same lifecycle rules as the mongo
// adapter.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openneutron/aonp/internal/store"
)

type Store struct {
	mu sync.Mutex

	studies  map[string]store.Study
	runs     map[string]*store.Run
	events   map[string][]store.Event
	summary  map[string]store.Summary
	outputs  map[string][]store.AgentOutput
	lastTS   map[string]time.Time
	notifier store.Notifier

	// now is swappable in tests for lease expiry scenarios.
	now func() time.Time
}

func New() *Store {
	return &Store{
		studies: make(map[string]store.Study),
		runs:    make(map[string]*store.Run),
		events:  make(map[string][]store.Event),
		summary: make(map[string]store.Summary),
		outputs: make(map[string][]store.AgentOutput),
		lastTS:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock overrides the adapter clock. Test use only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) SetNotifier(n store.Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// eventTime returns a per-run strictly monotone timestamp: the wall clock,
// bumped by 1ms when the clock has not advanced past the previous event.
func (s *Store) eventTime(runID string) time.Time {
	ts := s.clock()
	if last, ok := s.lastTS[runID]; ok && !ts.After(last) {
		ts = last.Add(time.Millisecond)
	}
	s.lastTS[runID] = ts
	return ts
}

// append records an event under the lock and fans it out to the notifier.
// Callers hold s.mu.
func (s *Store) append(runID, typ, agent string, payload map[string]any) store.Event {
	ev := store.Event{
		RunID:   runID,
		Seq:     int64(len(s.events[runID]) + 1),
		TS:      s.eventTime(runID),
		Type:    typ,
		Agent:   agent,
		Payload: payload,
	}
	s.events[runID] = append(s.events[runID], ev)
	if s.notifier != nil {
		s.notifier(ev)
	}
	return ev
}

func (s *Store) UpsertStudy(_ context.Context, specHash string, canonicalSpec []byte) (store.Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.studies[specHash]; ok {
		return st, nil
	}
	st := store.Study{
		SpecHash:      specHash,
		CanonicalSpec: append([]byte(nil), canonicalSpec...),
		CreatedAt:     s.clock(),
	}
	s.studies[specHash] = st
	return st, nil
}

func (s *Store) GetStudy(_ context.Context, specHash string) (store.Study, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.studies[specHash]
	if !ok {
		return store.Study{}, fmt.Errorf("study %s: %w", specHash, store.ErrNotFound)
	}
	return st, nil
}

func (s *Store) CreateRun(_ context.Context, runID, specHash string) (store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; ok {
		return store.Run{}, fmt.Errorf("run %s: %w", runID, store.ErrConflict)
	}
	r := &store.Run{
		RunID:     runID,
		SpecHash:  specHash,
		Status:    store.StatusQueued,
		Phase:     store.PhaseBundle,
		CreatedAt: s.clock(),
	}
	s.runs[runID] = r
	s.append(runID, store.EventRunCreated, "", map[string]any{"spec_hash": specHash})
	return cloneRun(r), nil
}

func (s *Store) GetRun(_ context.Context, runID string) (store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return store.Run{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return cloneRun(r), nil
}

func (s *Store) ListRuns(_ context.Context, f store.RunFilter) ([]store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Run, 0, len(s.runs))
	for _, r := range s.runs {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.SpecHash != "" && r.SpecHash != f.SpecHash {
			continue
		}
		if f.Since != nil && r.CreatedAt.Before(*f.Since) {
			continue
		}
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RunID > out[j].RunID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) UpdateRunPhase(_ context.Context, runID string, upd store.PhaseUpdate) (store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return store.Run{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if err := store.CheckPhaseUpdate(*r, upd); err != nil {
		return store.Run{}, err
	}
	now := s.clock()
	r.Phase = upd.Phase
	if upd.Status != nil {
		r.Status = *upd.Status
	}
	if upd.MarkStarted && r.StartedAt == nil {
		r.StartedAt = &now
	}
	if upd.MarkEnded {
		r.EndedAt = &now
	}
	r.Artifacts = r.Artifacts.Apply(upd.Artifacts)
	if upd.Error != nil {
		r.Error = upd.Error
	}
	payload := map[string]any{"phase": string(upd.Phase)}
	if upd.Status != nil {
		payload["status"] = string(*upd.Status)
	}
	s.append(runID, store.EventPhaseChanged, "", payload)
	return cloneRun(r), nil
}

func (s *Store) ClaimNext(_ context.Context, workerID string, leaseTTL time.Duration) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()

	var candidates []*store.Run
	for _, r := range s.runs {
		if eligible(r, now) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].RunID < candidates[j].RunID
	})
	r := candidates[0]

	expires := now.Add(leaseTTL)
	r.Status = store.StatusRunning
	r.Phase = store.PhaseBundle
	r.ClaimedBy = workerID
	r.LeaseExpiresAt = &expires
	r.Attempt++
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
	s.append(r.RunID, store.EventRunClaimed, workerID, map[string]any{
		"worker_id":    workerID,
		"attempt":      r.Attempt,
		"lease_ttl_ms": leaseTTL.Milliseconds(),
	})
	out := cloneRun(r)
	return &out, nil
}

func eligible(r *store.Run, now time.Time) bool {
	if r.Status == store.StatusQueued {
		return true
	}
	return r.Status == store.StatusRunning &&
		r.LeaseExpiresAt != nil && !r.LeaseExpiresAt.After(now)
}

func (s *Store) RenewLease(_ context.Context, runID, workerID string, leaseTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if r.Status != store.StatusRunning || r.ClaimedBy != workerID {
		return fmt.Errorf("run %s not held by %q: %w", runID, workerID, store.ErrLeaseStolen)
	}
	expires := s.clock().Add(leaseTTL)
	r.LeaseExpiresAt = &expires
	s.append(runID, store.EventLeaseRenewed, workerID, map[string]any{
		"lease_expires_at": expires.Format(time.RFC3339Nano),
	})
	return nil
}

func (s *Store) ReleaseRun(_ context.Context, rel store.ReleaseRequest) (store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[rel.RunID]
	if !ok {
		return store.Run{}, fmt.Errorf("run %s: %w", rel.RunID, store.ErrNotFound)
	}
	if err := store.CheckRelease(*r, rel); err != nil {
		return store.Run{}, err
	}
	now := s.clock()
	r.Status = rel.Final
	r.Phase = store.PhaseDone
	r.ClaimedBy = ""
	r.LeaseExpiresAt = nil
	r.EndedAt = &now
	r.Artifacts = r.Artifacts.Apply(rel.Artifacts)
	r.Error = rel.Error
	payload := map[string]any{"status": string(rel.Final)}
	if rel.Error != nil {
		payload["error"] = map[string]any{
			"type":    string(rel.Error.Type),
			"message": rel.Error.Message,
		}
	}
	s.append(rel.RunID, store.EventRunReleased, rel.WorkerID, payload)
	return cloneRun(r), nil
}

func (s *Store) RequestCancel(_ context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	if r.Status.Terminal() || r.CancelRequested {
		return false, nil
	}
	r.CancelRequested = true
	s.append(runID, store.EventCancelRequested, "", nil)
	return true, nil
}

func (s *Store) CancelRequested(_ context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return r.CancelRequested, nil
}

func (s *Store) RequeueExpired(_ context.Context) ([]store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	var requeued []store.Run
	for _, r := range s.runs {
		if r.Status != store.StatusRunning || r.LeaseExpiresAt == nil || r.LeaseExpiresAt.After(now) {
			continue
		}
		holder := r.ClaimedBy
		r.Status = store.StatusQueued
		r.Phase = store.PhaseBundle
		r.ClaimedBy = ""
		r.LeaseExpiresAt = nil
		s.append(r.RunID, store.EventLeaseExpired, "", map[string]any{"worker_id": holder})
		requeued = append(requeued, cloneRun(r))
	}
	sort.Slice(requeued, func(i, j int) bool { return requeued[i].RunID < requeued[j].RunID })
	return requeued, nil
}

func (s *Store) InsertSummary(_ context.Context, sum store.Summary) (store.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[sum.RunID]; !ok {
		return store.Summary{}, fmt.Errorf("run %s: %w", sum.RunID, store.ErrNotFound)
	}
	if _, ok := s.summary[sum.RunID]; ok {
		return store.Summary{}, fmt.Errorf("summary for run %s: %w", sum.RunID, store.ErrConflict)
	}
	sum.ExtractedAt = s.clock()
	s.summary[sum.RunID] = sum
	s.append(sum.RunID, store.EventSummaryExtracted, "", map[string]any{
		"keff":                 sum.Keff,
		"keff_std":             sum.KeffStd,
		"keff_uncertainty_pcm": sum.KeffUncertaintyPCM,
	})
	return sum, nil
}

func (s *Store) GetSummary(_ context.Context, runID string) (store.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summary[runID]
	if !ok {
		return store.Summary{}, fmt.Errorf("summary for run %s: %w", runID, store.ErrNotFound)
	}
	return sum, nil
}

func (s *Store) AppendEvent(_ context.Context, runID, typ, agent string, payload map[string]any) (store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return store.Event{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	return s.append(runID, typ, agent, payload), nil
}

func (s *Store) Events(_ context.Context, runID string, q store.EventQuery) ([]store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
	}
	var out []store.Event
	for _, ev := range s.events[runID] {
		if q.Since != nil && !ev.TS.After(*q.Since) {
			continue
		}
		if q.Type != "" && ev.Type != q.Type {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) LastEvents(_ context.Context, runID string, k int) ([]store.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[runID]
	if k > 0 && len(evs) > k {
		evs = evs[len(evs)-k:]
	}
	return append([]store.Event(nil), evs...), nil
}

func (s *Store) PutAgentOutput(_ context.Context, out store.AgentOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[out.RunID]; !ok {
		return fmt.Errorf("run %s: %w", out.RunID, store.ErrNotFound)
	}
	out.TS = s.clock()
	s.outputs[out.RunID] = append(s.outputs[out.RunID], out)
	return nil
}

func (s *Store) AgentOutputs(_ context.Context, runID string) ([]store.AgentOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.AgentOutput(nil), s.outputs[runID]...), nil
}

func (s *Store) Ping(context.Context) error  { return nil }
func (s *Store) Close(context.Context) error { return nil }

func cloneRun(r *store.Run) store.Run {
	out := *r
	if r.LeaseExpiresAt != nil {
		t := *r.LeaseExpiresAt
		out.LeaseExpiresAt = &t
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}
