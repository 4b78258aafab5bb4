package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/openneutron/aonp/internal/store"
)

type fakeResult struct {
	doc any
	err error
}

func (r fakeResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	raw, err := bson.Marshal(r.doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func (r fakeResult) Err() error { return r.err }

// fakeCollection records calls and plays back canned results.
type fakeCollection struct {
	findOneAndUpdateFilter any
	findOneAndUpdateDoc    any
	findOneAndUpdateOut    fakeResult

	updateOneFilter any
	updateOneResult *mongodriver.UpdateResult

	findOneOut fakeResult

	inserted []any

	seq int64
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) singleResult {
	return c.findOneOut
}

func (c *fakeCollection) Find(context.Context, any, ...*options.FindOptions) (cursor, error) {
	return emptyCursor{}, nil
}

func (c *fakeCollection) InsertOne(_ context.Context, doc any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.inserted = append(c.inserted, doc)
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter any, _ any, _ ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.updateOneFilter = filter
	if c.updateOneResult != nil {
		return c.updateOneResult, nil
	}
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeCollection) FindOneAndUpdate(_ context.Context, filter any, update any, _ ...*options.FindOneAndUpdateOptions) singleResult {
	c.findOneAndUpdateFilter = filter
	c.findOneAndUpdateDoc = update
	if c.findOneAndUpdateOut.doc != nil || c.findOneAndUpdateOut.err != nil {
		return c.findOneAndUpdateOut
	}
	// Counter collections play back an incrementing seq.
	c.seq++
	return fakeResult{doc: bson.M{"seq": c.seq}}
}

func (c *fakeCollection) Indexes() indexView { return fakeIndexView{} }

type fakeIndexView struct{}

func (fakeIndexView) CreateMany(context.Context, []mongodriver.IndexModel, ...*options.CreateIndexesOptions) ([]string, error) {
	return nil, nil
}

type emptyCursor struct{}

func (emptyCursor) Close(context.Context) error { return nil }
func (emptyCursor) Decode(any) error            { return errors.New("empty cursor") }
func (emptyCursor) Err() error                  { return nil }
func (emptyCursor) Next(context.Context) bool   { return false }

func newFakeStore(runs, events, counters *fakeCollection) *Store {
	return &Store{
		runs:     runs,
		events:   events,
		counters: counters,
		timeout:  time.Second,
		lastTS:   make(map[string]time.Time),
	}
}

func TestClaimNext_EmptyQueueReturnsNil(t *testing.T) {
	runs := &fakeCollection{findOneAndUpdateOut: fakeResult{err: mongodriver.ErrNoDocuments}}
	s := newFakeStore(runs, &fakeCollection{}, &fakeCollection{})
	r, err := s.ClaimNext(context.Background(), "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if r != nil {
		t.Fatalf("claimed %+v from empty queue", r)
	}
}

func TestClaimNext_FilterAndPipeline(t *testing.T) {
	claimed := store.Run{
		RunID:    "run-1",
		SpecHash: "h",
		Status:   store.StatusRunning,
		Phase:    store.PhaseBundle,
		Attempt:  1,
	}
	runs := &fakeCollection{findOneAndUpdateOut: fakeResult{doc: claimed}}
	events := &fakeCollection{}
	s := newFakeStore(runs, events, &fakeCollection{})

	r, err := s.ClaimNext(context.Background(), "w1", time.Minute)
	if err != nil || r == nil {
		t.Fatalf("claim: %v %v", r, err)
	}
	if r.RunID != "run-1" || r.Attempt != 1 {
		t.Fatalf("claimed run: %+v", r)
	}

	// Eligibility covers queued runs and expired leases in a single filter.
	filter, ok := runs.findOneAndUpdateFilter.(bson.M)
	if !ok {
		t.Fatalf("filter type: %T", runs.findOneAndUpdateFilter)
	}
	or, ok := filter["$or"].(bson.A)
	if !ok || len(or) != 2 {
		t.Fatalf("claim filter: %+v", filter)
	}

	// The update is an aggregation pipeline, required for $ifNull on
	// started_at and the attempt increment.
	if _, ok := runs.findOneAndUpdateDoc.(bson.A); !ok {
		t.Fatalf("claim update not a pipeline: %T", runs.findOneAndUpdateDoc)
	}

	// run_claimed is appended for the claimed run.
	if len(events.inserted) != 1 {
		t.Fatalf("%d events inserted, want 1", len(events.inserted))
	}
	ev, ok := events.inserted[0].(store.Event)
	if !ok || ev.Type != store.EventRunClaimed || ev.Seq != 1 {
		t.Fatalf("event: %+v", events.inserted[0])
	}
}

func TestRenewLease_NoMatchReportsStolen(t *testing.T) {
	runs := &fakeCollection{
		updateOneResult: &mongodriver.UpdateResult{MatchedCount: 0},
		findOneOut:      fakeResult{doc: store.Run{RunID: "run-1", Status: store.StatusRunning, ClaimedBy: "w2"}},
	}
	s := newFakeStore(runs, &fakeCollection{}, &fakeCollection{})
	err := s.RenewLease(context.Background(), "run-1", "w1", time.Minute)
	if !errors.Is(err, store.ErrLeaseStolen) {
		t.Fatalf("want ErrLeaseStolen, got %v", err)
	}
}

func TestRenewLease_MissingRunReportsNotFound(t *testing.T) {
	runs := &fakeCollection{
		updateOneResult: &mongodriver.UpdateResult{MatchedCount: 0},
		findOneOut:      fakeResult{err: mongodriver.ErrNoDocuments},
	}
	s := newFakeStore(runs, &fakeCollection{}, &fakeCollection{})
	err := s.RenewLease(context.Background(), "run-1", "w1", time.Minute)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestAppendEvent_MonotoneSeqFromCounter(t *testing.T) {
	runs := &fakeCollection{findOneOut: fakeResult{doc: store.Run{RunID: "run-1"}}}
	events := &fakeCollection{}
	s := newFakeStore(runs, events, &fakeCollection{})

	var notified []store.Event
	s.SetNotifier(func(ev store.Event) { notified = append(notified, ev) })

	for i := 1; i <= 3; i++ {
		ev, err := s.AppendEvent(context.Background(), "run-1", store.EventStdoutLine, "w1", map[string]any{"line": "x"})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.Seq != int64(i) {
			t.Fatalf("seq: got %d, want %d", ev.Seq, i)
		}
	}
	if len(events.inserted) != 3 || len(notified) != 3 {
		t.Fatalf("inserted=%d notified=%d", len(events.inserted), len(notified))
	}
	for i := 1; i < len(notified); i++ {
		if !notified[i].TS.After(notified[i-1].TS) {
			t.Fatalf("event ts not strictly monotone: %v -> %v", notified[i-1].TS, notified[i].TS)
		}
	}
}
