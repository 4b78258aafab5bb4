package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openneutron/aonp/internal/config"
	"github.com/openneutron/aonp/internal/spec"
	"github.com/openneutron/aonp/internal/store"
	"github.com/openneutron/aonp/internal/store/memory"
)

const studyDoc = `
name: pin-cell
materials:
  fuel:
    density: 10.4
    density_units: g/cm3
    temperature: 900
    nuclides:
      - { name: U235, fraction: 0.03, fraction_type: atom }
      - { name: U238, fraction: 0.27, fraction_type: atom }
      - { name: O16, fraction: 0.70, fraction_type: atom }
geometry:
  script: { path: geometry.py, entry: build }
settings:
  batches: 120
  inactive: 20
  particles: 10000
  seed: 42
nuclear_data:
  library: endfb80
  path: /data/endfb80/cross_sections.xml
`

func newCore(t *testing.T) (*Core, *memory.Store) {
	t.Helper()
	s := memory.New()
	cfg := config.Config{WorkerID: "w1", LeaseTTL: time.Minute}
	return New(cfg, s, nil), s
}

func TestSubmitStudy_CreatesQueuedRun(t *testing.T) {
	c, s := newCore(t)
	res, err := c.SubmitStudy(context.Background(), []byte(studyDoc))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasPrefix(res.Run.RunID, "run-") {
		t.Fatalf("run id: %q", res.Run.RunID)
	}
	if res.Run.Status != store.StatusQueued || res.Run.Phase != store.PhaseBundle {
		t.Fatalf("run state: %+v", res.Run)
	}
	st, err := s.GetStudy(context.Background(), res.SpecHash)
	if err != nil {
		t.Fatalf("study not persisted: %v", err)
	}
	if len(st.CanonicalSpec) == 0 {
		t.Fatal("canonical spec empty")
	}
}

func TestSubmitStudy_DeduplicatesStudies(t *testing.T) {
	c, _ := newCore(t)
	a, err := c.SubmitStudy(context.Background(), []byte(studyDoc))
	if err != nil {
		t.Fatalf("submit a: %v", err)
	}
	// Same content, different formatting: same study, new run.
	b, err := c.SubmitStudy(context.Background(), []byte(strings.Replace(studyDoc, "seed: 42", "seed:  42", 1)))
	if err != nil {
		t.Fatalf("submit b: %v", err)
	}
	if a.SpecHash != b.SpecHash {
		t.Fatalf("spec hashes differ: %s vs %s", a.SpecHash, b.SpecHash)
	}
	if a.Run.RunID == b.Run.RunID {
		t.Fatal("runs not distinct")
	}
}

func TestSubmitStudy_ValidationFailureIsSynchronous(t *testing.T) {
	c, s := newCore(t)
	bad := strings.Replace(studyDoc, "density: 10.4", "density: -1", 1)
	_, err := c.SubmitStudy(context.Background(), []byte(bad))
	if _, ok := err.(*spec.ValidationError); !ok {
		t.Fatalf("want ValidationError, got %v", err)
	}
	runs, _ := s.ListRuns(context.Background(), store.RunFilter{})
	if len(runs) != 0 {
		t.Fatalf("invalid submission persisted %d runs", len(runs))
	}
}

func TestStreamRun_SeesStoreEvents(t *testing.T) {
	c, s := newCore(t)
	res, err := c.SubmitStudy(context.Background(), []byte(studyDoc))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ch, cancel, err := c.StreamRun(context.Background(), res.Run.RunID)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer cancel()

	// The run_created event is replayed from the store.
	select {
	case ev := <-ch:
		if ev.Type != store.EventRunCreated {
			t.Fatalf("first event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no replayed event")
	}

	// A store append after subscribing arrives live through the notifier.
	if _, err := s.AppendEvent(context.Background(), res.Run.RunID, store.EventStdoutLine, "w1", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Type != store.EventStdoutLine {
			t.Fatalf("live event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no live event")
	}
}

func TestStreamRun_UnknownRun(t *testing.T) {
	c, _ := newCore(t)
	if _, _, err := c.StreamRun(context.Background(), "run-nope"); err == nil {
		t.Fatal("streamed unknown run")
	}
}

func TestCancelRun(t *testing.T) {
	c, _ := newCore(t)
	res, err := c.SubmitStudy(context.Background(), []byte(studyDoc))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	set, err := c.CancelRun(context.Background(), res.Run.RunID)
	if err != nil || !set {
		t.Fatalf("cancel: %v %v", set, err)
	}
	set, err = c.CancelRun(context.Background(), res.Run.RunID)
	if err != nil || set {
		t.Fatalf("second cancel: %v %v", set, err)
	}
}

func TestNewRunID_SortableAndUnique(t *testing.T) {
	a := NewRunID()
	b := NewRunID()
	if a == b {
		t.Fatal("ids collide")
	}
	if !strings.HasPrefix(a, "run-") || len(a) != len("run-")+26 {
		t.Fatalf("id shape: %q", a)
	}
}
