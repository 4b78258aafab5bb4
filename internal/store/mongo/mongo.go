// Package mongo is the MongoDB Store adapter: the durable system of record
// for studies, runs, events, and summaries.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/openneutron/aonp/internal/store"
)

const (
	defaultOpTimeout = 5 * time.Second

	collStudies      = "studies"
	collRuns         = "runs"
	collEvents       = "events"
	collSummaries    = "summaries"
	collAgentOutputs = "agent_outputs"
	collCounters     = "counters"
)

// Options configures the adapter.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// Store implements store.Store on MongoDB.
type Store struct {
	client    *mongodriver.Client
	studies   collection
	runs      collection
	events    collection
	summaries collection
	outputs   collection
	counters  collection
	timeout   time.Duration

	mu       sync.Mutex
	lastTS   map[string]time.Time
	notifier store.Notifier
}

var _ store.Store = (*Store)(nil)

// New connects the adapter to a database and ensures all indexes.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:    opts.Client,
		studies:   mongoCollection{coll: db.Collection(collStudies)},
		runs:      mongoCollection{coll: db.Collection(collRuns)},
		events:    mongoCollection{coll: db.Collection(collEvents)},
		summaries: mongoCollection{coll: db.Collection(collSummaries)},
		outputs:   mongoCollection{coll: db.Collection(collAgentOutputs)},
		counters:  mongoCollection{coll: db.Collection(collCounters)},
		timeout:   timeout,
		lastTS:    make(map[string]time.Time),
	}
	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(idxCtx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := func(keys bson.D) mongodriver.IndexModel {
		return mongodriver.IndexModel{Keys: keys, Options: options.Index().SetUnique(true)}
	}
	plain := func(keys bson.D) mongodriver.IndexModel {
		return mongodriver.IndexModel{Keys: keys}
	}

	if _, err := s.studies.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		unique(bson.D{{Key: "spec_hash", Value: 1}}),
	}); err != nil {
		return err
	}
	if _, err := s.runs.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		unique(bson.D{{Key: "run_id", Value: 1}}),
		plain(bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}),
		plain(bson.D{{Key: "status", Value: 1}, {Key: "lease_expires_at", Value: 1}}),
		plain(bson.D{{Key: "phase", Value: 1}, {Key: "status", Value: 1}}),
		plain(bson.D{{Key: "spec_hash", Value: 1}, {Key: "created_at", Value: 1}}),
	}); err != nil {
		return err
	}
	if _, err := s.events.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		unique(bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}}),
		plain(bson.D{{Key: "run_id", Value: 1}, {Key: "ts", Value: 1}}),
		plain(bson.D{{Key: "type", Value: 1}, {Key: "ts", Value: 1}}),
	}); err != nil {
		return err
	}
	if _, err := s.summaries.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		unique(bson.D{{Key: "run_id", Value: 1}}),
	}); err != nil {
		return err
	}
	if _, err := s.outputs.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		plain(bson.D{{Key: "run_id", Value: 1}, {Key: "agent", Value: 1}, {Key: "kind", Value: 1}, {Key: "ts", Value: 1}}),
	}); err != nil {
		return err
	}
	_, err := s.counters.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		unique(bson.D{{Key: "run_id", Value: 1}}),
	})
	return err
}

func (s *Store) SetNotifier(n store.Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// eventTime keeps per-run event timestamps strictly monotone within this
// process by bumping a stalled clock 1ms past the last appended event.
func (s *Store) eventTime(runID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now()
	if last, ok := s.lastTS[runID]; ok && !ts.After(last) {
		ts = last.Add(time.Millisecond)
	}
	s.lastTS[runID] = ts
	return ts
}

func (s *Store) notify(ev store.Event) {
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n != nil {
		n(ev)
	}
}

func (s *Store) UpsertStudy(ctx context.Context, specHash string, canonicalSpec []byte) (store.Study, error) {
	if specHash == "" {
		return store.Study{}, errors.New("spec hash is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"spec_hash": specHash}
	update := bson.M{
		// Studies are immutable: re-submission never rewrites content.
		"$setOnInsert": bson.M{
			"spec_hash":      specHash,
			"canonical_spec": canonicalSpec,
			"created_at":     now(),
		},
	}
	if _, err := s.studies.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return store.Study{}, err
	}
	return s.GetStudy(ctx, specHash)
}

func (s *Store) GetStudy(ctx context.Context, specHash string) (store.Study, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var st store.Study
	if err := s.studies.FindOne(ctx, bson.M{"spec_hash": specHash}).Decode(&st); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Study{}, fmt.Errorf("study %s: %w", specHash, store.ErrNotFound)
		}
		return store.Study{}, err
	}
	return st, nil
}

func (s *Store) CreateRun(ctx context.Context, runID, specHash string) (store.Run, error) {
	if runID == "" {
		return store.Run{}, errors.New("run id is required")
	}
	r := store.Run{
		RunID:     runID,
		SpecHash:  specHash,
		Status:    store.StatusQueued,
		Phase:     store.PhaseBundle,
		CreatedAt: now(),
	}
	ctx2, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.runs.InsertOne(ctx2, r); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.Run{}, fmt.Errorf("run %s: %w", runID, store.ErrConflict)
		}
		return store.Run{}, err
	}
	if _, err := s.AppendEvent(ctx, runID, store.EventRunCreated, "", map[string]any{"spec_hash": specHash}); err != nil {
		return store.Run{}, err
	}
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (store.Run, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var r store.Run
	if err := s.runs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&r); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Run{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
		}
		return store.Run{}, err
	}
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context, f store.RunFilter) ([]store.Run, error) {
	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.SpecHash != "" {
		filter["spec_hash"] = f.SpecHash
	}
	if f.Since != nil {
		filter["created_at"] = bson.M{"$gte": *f.Since}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "run_id", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.runs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []store.Run
	for cur.Next(ctx) {
		var r store.Run
		if err := cur.Decode(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, cur.Err()
}

func (s *Store) UpdateRunPhase(ctx context.Context, runID string, upd store.PhaseUpdate) (store.Run, error) {
	cur, err := s.GetRun(ctx, runID)
	if err != nil {
		return store.Run{}, err
	}
	if err := store.CheckPhaseUpdate(cur, upd); err != nil {
		return store.Run{}, err
	}
	ts := now()
	set := bson.M{"phase": upd.Phase}
	if upd.Status != nil {
		set["status"] = *upd.Status
	}
	if upd.MarkStarted && cur.StartedAt == nil {
		set["started_at"] = ts
	}
	if upd.MarkEnded {
		set["ended_at"] = ts
	}
	if upd.Artifacts.BundlePath != "" {
		set["artifacts.bundle_path"] = upd.Artifacts.BundlePath
	}
	if upd.Artifacts.StatepointPath != "" {
		set["artifacts.statepoint_path"] = upd.Artifacts.StatepointPath
	}
	if upd.Artifacts.ParquetPath != "" {
		set["artifacts.parquet_path"] = upd.Artifacts.ParquetPath
	}
	if upd.Error != nil {
		set["error"] = upd.Error
	}

	ctx2, cancel := s.withTimeout(ctx)
	defer cancel()
	// Guard on the observed state so a concurrent transition loses cleanly.
	filter := bson.M{"run_id": runID, "status": cur.Status, "phase": cur.Phase}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var out store.Run
	if err := s.runs.FindOneAndUpdate(ctx2, filter, bson.M{"$set": set}, opts).Decode(&out); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Run{}, fmt.Errorf("run %s changed concurrently: %w", runID, store.ErrConflict)
		}
		return store.Run{}, err
	}
	payload := map[string]any{"phase": string(upd.Phase)}
	if upd.Status != nil {
		payload["status"] = string(*upd.Status)
	}
	if _, err := s.AppendEvent(ctx, runID, store.EventPhaseChanged, "", payload); err != nil {
		return store.Run{}, err
	}
	return out, nil
}

func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseTTL time.Duration) (*store.Run, error) {
	ts := now()
	expires := ts.Add(leaseTTL)
	filter := bson.M{"$or": bson.A{
		bson.M{"status": store.StatusQueued},
		bson.M{"status": store.StatusRunning, "lease_expires_at": bson.M{"$lte": ts}},
	}}
	// Pipeline update so attempt and started_at derive from the stored
	// document inside the same atomic step.
	update := bson.A{bson.M{"$set": bson.M{
		"status":           store.StatusRunning,
		"phase":            store.PhaseBundle,
		"claimed_by":       workerID,
		"lease_expires_at": expires,
		"attempt":          bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$attempt", 0}}, 1}},
		"started_at":       bson.M{"$ifNull": bson.A{"$started_at", ts}},
	}}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "run_id", Value: 1}}).
		SetReturnDocument(options.After)

	ctx2, cancel := s.withTimeout(ctx)
	defer cancel()
	var r store.Run
	if err := s.runs.FindOneAndUpdate(ctx2, filter, update, opts).Decode(&r); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	if _, err := s.AppendEvent(ctx, r.RunID, store.EventRunClaimed, workerID, map[string]any{
		"worker_id":    workerID,
		"attempt":      r.Attempt,
		"lease_ttl_ms": leaseTTL.Milliseconds(),
	}); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) RenewLease(ctx context.Context, runID, workerID string, leaseTTL time.Duration) error {
	expires := now().Add(leaseTTL)
	ctx2, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID, "status": store.StatusRunning, "claimed_by": workerID}
	res, err := s.runs.UpdateOne(ctx2, filter, bson.M{"$set": bson.M{"lease_expires_at": expires}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return fmt.Errorf("run %s not held by %q: %w", runID, workerID, store.ErrLeaseStolen)
	}
	_, err = s.AppendEvent(ctx, runID, store.EventLeaseRenewed, workerID, map[string]any{
		"lease_expires_at": expires.Format(time.RFC3339Nano),
	})
	return err
}

func (s *Store) ReleaseRun(ctx context.Context, rel store.ReleaseRequest) (store.Run, error) {
	cur, err := s.GetRun(ctx, rel.RunID)
	if err != nil {
		return store.Run{}, err
	}
	if err := store.CheckRelease(cur, rel); err != nil {
		return store.Run{}, err
	}
	set := bson.M{
		"status":   rel.Final,
		"phase":    store.PhaseDone,
		"ended_at": now(),
	}
	if rel.Artifacts.BundlePath != "" {
		set["artifacts.bundle_path"] = rel.Artifacts.BundlePath
	}
	if rel.Artifacts.StatepointPath != "" {
		set["artifacts.statepoint_path"] = rel.Artifacts.StatepointPath
	}
	if rel.Artifacts.ParquetPath != "" {
		set["artifacts.parquet_path"] = rel.Artifacts.ParquetPath
	}
	if rel.Error != nil {
		set["error"] = rel.Error
	}
	update := bson.M{
		"$set":   set,
		"$unset": bson.M{"claimed_by": "", "lease_expires_at": ""},
	}

	ctx2, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": rel.RunID, "claimed_by": rel.WorkerID, "status": store.StatusRunning}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var out store.Run
	if err := s.runs.FindOneAndUpdate(ctx2, filter, update, opts).Decode(&out); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Run{}, fmt.Errorf("run %s not held by %q: %w", rel.RunID, rel.WorkerID, store.ErrLeaseStolen)
		}
		return store.Run{}, err
	}
	payload := map[string]any{"status": string(rel.Final)}
	if rel.Error != nil {
		payload["error"] = map[string]any{"type": string(rel.Error.Type), "message": rel.Error.Message}
	}
	if _, err := s.AppendEvent(ctx, rel.RunID, store.EventRunReleased, rel.WorkerID, payload); err != nil {
		return store.Run{}, err
	}
	return out, nil
}

func (s *Store) RequestCancel(ctx context.Context, runID string) (bool, error) {
	ctx2, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"run_id":           runID,
		"status":           bson.M{"$in": bson.A{store.StatusQueued, store.StatusRunning}},
		"cancel_requested": bson.M{"$ne": true},
	}
	res, err := s.runs.UpdateOne(ctx2, filter, bson.M{"$set": bson.M{"cancel_requested": true}})
	if err != nil {
		return false, err
	}
	if res.ModifiedCount == 0 {
		// Distinguish "already flagged or terminal" from "no such run".
		if _, err := s.GetRun(ctx, runID); err != nil {
			return false, err
		}
		return false, nil
	}
	if _, err := s.AppendEvent(ctx, runID, store.EventCancelRequested, "", nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) CancelRequested(ctx context.Context, runID string) (bool, error) {
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return r.CancelRequested, nil
}

func (s *Store) RequeueExpired(ctx context.Context) ([]store.Run, error) {
	ts := now()
	ctx2, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.runs.Find(ctx2, bson.M{
		"status":           store.StatusRunning,
		"lease_expires_at": bson.M{"$lte": ts},
	})
	if err != nil {
		return nil, err
	}
	var expired []store.Run
	for cur.Next(ctx2) {
		var r store.Run
		if err := cur.Decode(&r); err != nil {
			_ = cur.Close(ctx2)
			return nil, err
		}
		expired = append(expired, r)
	}
	closeErr := cur.Err()
	_ = cur.Close(ctx2)
	if closeErr != nil {
		return nil, closeErr
	}

	var requeued []store.Run
	for _, r := range expired {
		// Guard on the holder so a run re-claimed since the scan is skipped.
		filter := bson.M{
			"run_id":           r.RunID,
			"status":           store.StatusRunning,
			"claimed_by":       r.ClaimedBy,
			"lease_expires_at": bson.M{"$lte": ts},
		}
		update := bson.M{
			"$set":   bson.M{"status": store.StatusQueued, "phase": store.PhaseBundle},
			"$unset": bson.M{"claimed_by": "", "lease_expires_at": ""},
		}
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		opCtx, opCancel := s.withTimeout(ctx)
		var out store.Run
		err := s.runs.FindOneAndUpdate(opCtx, filter, update, opts).Decode(&out)
		opCancel()
		if err != nil {
			if errors.Is(err, mongodriver.ErrNoDocuments) {
				continue
			}
			return nil, err
		}
		if _, err := s.AppendEvent(ctx, r.RunID, store.EventLeaseExpired, "", map[string]any{
			"worker_id": r.ClaimedBy,
		}); err != nil {
			return nil, err
		}
		requeued = append(requeued, out)
	}
	return requeued, nil
}

func (s *Store) InsertSummary(ctx context.Context, sum store.Summary) (store.Summary, error) {
	if sum.RunID == "" {
		return store.Summary{}, errors.New("run id is required")
	}
	sum.ExtractedAt = now()
	ctx2, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.summaries.InsertOne(ctx2, sum); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.Summary{}, fmt.Errorf("summary for run %s: %w", sum.RunID, store.ErrConflict)
		}
		return store.Summary{}, err
	}
	if _, err := s.AppendEvent(ctx, sum.RunID, store.EventSummaryExtracted, "", map[string]any{
		"keff":                 sum.Keff,
		"keff_std":             sum.KeffStd,
		"keff_uncertainty_pcm": sum.KeffUncertaintyPCM,
	}); err != nil {
		return store.Summary{}, err
	}
	return sum, nil
}

func (s *Store) GetSummary(ctx context.Context, runID string) (store.Summary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var sum store.Summary
	if err := s.summaries.FindOne(ctx, bson.M{"run_id": runID}).Decode(&sum); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Summary{}, fmt.Errorf("summary for run %s: %w", runID, store.ErrNotFound)
		}
		return store.Summary{}, err
	}
	return sum, nil
}

// nextSeq hands out the next per-run event sequence number via an atomic
// counter document, so ordering holds across processes.
func (s *Store) nextSeq(ctx context.Context, runID string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID}
	update := bson.M{"$inc": bson.M{"seq": int64(1)}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	if err := s.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (s *Store) AppendEvent(ctx context.Context, runID, typ, agent string, payload map[string]any) (store.Event, error) {
	if runID == "" || typ == "" {
		return store.Event{}, errors.New("run id and event type are required")
	}
	seq, err := s.nextSeq(ctx, runID)
	if err != nil {
		return store.Event{}, err
	}
	ev := store.Event{
		RunID:   runID,
		Seq:     seq,
		TS:      s.eventTime(runID),
		Type:    typ,
		Agent:   agent,
		Payload: payload,
	}
	ctx2, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.events.InsertOne(ctx2, ev); err != nil {
		return store.Event{}, err
	}
	s.notify(ev)
	return ev, nil
}

func (s *Store) Events(ctx context.Context, runID string, q store.EventQuery) ([]store.Event, error) {
	filter := bson.M{"run_id": runID}
	if q.Since != nil {
		filter["ts"] = bson.M{"$gt": *q.Since}
	}
	if q.Type != "" {
		filter["type"] = q.Type
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return s.findEvents(ctx, filter, opts, false)
}

func (s *Store) LastEvents(ctx context.Context, runID string, k int) ([]store.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}})
	if k > 0 {
		opts.SetLimit(int64(k))
	}
	return s.findEvents(ctx, bson.M{"run_id": runID}, opts, true)
}

func (s *Store) findEvents(ctx context.Context, filter bson.M, opts *options.FindOptions, reverse bool) ([]store.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.events.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []store.Event
	for cur.Next(ctx) {
		var ev store.Event
		if err := cur.Decode(&ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *Store) PutAgentOutput(ctx context.Context, out store.AgentOutput) error {
	if out.RunID == "" || out.Agent == "" || out.Kind == "" {
		return errors.New("run id, agent, and kind are required")
	}
	out.TS = now()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.outputs.InsertOne(ctx, out)
	return err
}

func (s *Store) AgentOutputs(ctx context.Context, runID string) ([]store.AgentOutput, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.outputs.Find(ctx, bson.M{"run_id": runID}, options.Find().SetSort(bson.D{{Key: "ts", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var outs []store.AgentOutput
	for cur.Next(ctx) {
		var o store.AgentOutput
		if err := cur.Decode(&o); err != nil {
			return nil, err
		}
		outs = append(outs, o)
	}
	return outs, cur.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
