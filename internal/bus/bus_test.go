package bus

import (
	"context"
	"testing"
	"time"

	"github.com/openneutron/aonp/internal/store"
)

func ev(runID string, seq int64, typ string) store.Event {
	return store.Event{RunID: runID, Seq: seq, TS: time.Now().UTC(), Type: typ}
}

func collect(t *testing.T, ch <-chan store.Event, n int) []store.Event {
	t.Helper()
	out := make([]store.Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestSubscribe_LiveDeliveryInOrder(t *testing.T) {
	b := New(nil)
	ch, cancel, err := b.Subscribe(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	for i := int64(1); i <= 5; i++ {
		b.Publish(ev("run-1", i, store.EventStdoutLine))
	}
	got := collect(t, ch, 5)
	for i, e := range got {
		if e.Seq != int64(i+1) {
			t.Fatalf("event %d: seq %d", i, e.Seq)
		}
	}
}

func TestSubscribe_ReplaysHistoryBeforeLive(t *testing.T) {
	hist := func(_ context.Context, runID string, k int) ([]store.Event, error) {
		return []store.Event{
			ev(runID, 1, store.EventRunCreated),
			ev(runID, 2, store.EventRunClaimed),
		}, nil
	}
	b := New(hist)
	ch, cancel, err := b.Subscribe(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	b.Publish(ev("run-1", 3, store.EventStdoutLine))
	got := collect(t, ch, 3)
	types := []string{store.EventRunCreated, store.EventRunClaimed, store.EventStdoutLine}
	for i, e := range got {
		if e.Type != types[i] || e.Seq != int64(i+1) {
			t.Fatalf("event %d: %+v", i, e)
		}
	}
}

func TestSubscribe_DedupesRingAgainstHistory(t *testing.T) {
	// The same event appears in both the fetched history and the live ring;
	// the subscriber must see it once.
	hist := func(_ context.Context, runID string, k int) ([]store.Event, error) {
		return []store.Event{ev(runID, 1, store.EventRunCreated)}, nil
	}
	b := New(hist)
	b.Publish(ev("run-1", 1, store.EventRunCreated))
	b.Publish(ev("run-1", 2, store.EventRunClaimed))

	ch, cancel, err := b.Subscribe(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	got := collect(t, ch, 2)
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("replay: %+v", got)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected duplicate: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublish_RunReleasedEndsStream(t *testing.T) {
	b := New(nil)
	ch, cancel, err := b.Subscribe(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	b.Publish(ev("run-1", 1, store.EventRunReleased))
	got := collect(t, ch, 2)
	if got[0].Type != store.EventRunReleased || got[1].Type != store.EventStreamEnd {
		t.Fatalf("stream tail: %+v", got)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after stream_end")
	}
}

func TestSubscribe_TerminalRunGetsReplayThenEnd(t *testing.T) {
	hist := func(_ context.Context, runID string, k int) ([]store.Event, error) {
		return []store.Event{
			ev(runID, 1, store.EventRunCreated),
			ev(runID, 2, store.EventRunReleased),
		}, nil
	}
	b := New(hist)
	ch, cancel, err := b.Subscribe(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	got := collect(t, ch, 3)
	if got[2].Type != store.EventStreamEnd {
		t.Fatalf("tail: %+v", got)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed for terminal run")
	}
}

func TestPublish_SlowSubscriberLagsWithoutBlocking(t *testing.T) {
	b := New(nil)
	ch, cancel, err := b.Subscribe(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// Overflow the bounded queue without draining.
	total := subscriberQueueCap + 50
	for i := 1; i <= total; i++ {
		b.Publish(ev("run-1", int64(i), store.EventStdoutLine))
	}

	// The subscriber lost its oldest events and was told so exactly once.
	sawLag := 0
	drained := 0
	for {
		select {
		case e := <-ch:
			drained++
			if e.Type == store.EventSubscriberLag {
				sawLag++
			}
		default:
			if sawLag != 1 {
				t.Fatalf("saw %d subscriber_lag events, want 1", sawLag)
			}
			if drained > subscriberQueueCap+1 {
				t.Fatalf("drained %d events from a bounded queue", drained)
			}
			return
		}
	}
}

func TestSubscribe_CancelIsIdempotent(t *testing.T) {
	b := New(nil)
	_, cancel, err := b.Subscribe(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	cancel()
	// Publishing after cancel must not panic on a closed channel.
	b.Publish(ev("run-1", 1, store.EventStdoutLine))
}

func TestDrop_ReleasesIdleTopic(t *testing.T) {
	b := New(nil)
	b.Publish(ev("run-1", 1, store.EventRunCreated))
	b.Drop("run-1")
	b.mu.Lock()
	_, ok := b.topics["run-1"]
	b.mu.Unlock()
	if ok {
		t.Fatal("idle topic not dropped")
	}
}

func TestSubscribeGlobal_SeesAllRuns(t *testing.T) {
	b := New(nil)
	ch, cancel := b.SubscribeGlobal()
	defer cancel()

	b.Publish(ev("run-1", 1, store.EventRunCreated))
	b.Publish(ev("run-2", 1, store.EventRunCreated))
	b.Publish(ev("run-1", 2, store.EventStdoutLine))

	want := []struct {
		runID string
		seq   int64
	}{{"run-1", 1}, {"run-2", 1}, {"run-1", 2}}
	for i, w := range want {
		got := <-ch
		if got.RunID != w.runID || got.Seq != w.seq {
			t.Fatalf("event %d: %+v", i, got)
		}
	}

	// A released run ends its own topic but not the global feed.
	b.Publish(ev("run-1", 3, store.EventRunReleased))
	if got := <-ch; got.Type != store.EventRunReleased {
		t.Fatalf("after release: %+v", got)
	}
	b.Publish(ev("run-2", 2, store.EventStdoutLine))
	if got := <-ch; got.RunID != "run-2" || got.Seq != 2 {
		t.Fatalf("post-release delivery: %+v", got)
	}

	cancel()
	cancel()
	b.Publish(ev("run-2", 3, store.EventStdoutLine))
}
