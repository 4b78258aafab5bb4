// Package bus fans run events out to in-process subscribers (SSE handlers,
// the CLI watcher). The store remains the system of record; the bus is a
// best-effort live view with bounded buffers.
package bus

import (
	"context"
	"sync"

	"github.com/openneutron/aonp/internal/store"
)

const (
	// subscriberQueueCap bounds each subscriber channel. A subscriber that
	// falls further behind loses its oldest events and is told so.
	subscriberQueueCap = 256
	// replayDepth is how many trailing events a new subscriber receives
	// before live delivery starts.
	replayDepth = 64
)

// HistorySource fetches the trailing events for a run, usually
// store.LastEvents. Called outside the bus lock.
type HistorySource func(ctx context.Context, runID string, k int) ([]store.Event, error)

type subscriber struct {
	ch      chan store.Event
	lastSeq int64
	lagged  bool
	dropped int
}

type topic struct {
	subs   map[uint64]*subscriber
	nextID uint64
	ring   []store.Event
	closed bool
}

// Bus routes events by run ID, plus one cross-run global stream. One Bus per
// process.
type Bus struct {
	mu         sync.Mutex
	topics     map[string]*topic
	globalSubs map[uint64]*subscriber
	globalNext uint64
	history    HistorySource
}

func New(history HistorySource) *Bus {
	return &Bus{
		topics:     make(map[string]*topic),
		globalSubs: make(map[uint64]*subscriber),
		history:    history,
	}
}

func (b *Bus) topicLocked(runID string) *topic {
	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[uint64]*subscriber)}
		b.topics[runID] = t
	}
	return t
}

// Publish delivers an event to every subscriber of its run. Installed as the
// store notifier, so every persisted event flows through here in append
// order. A run_released event ends the stream: subscribers receive a
// synthetic stream_end and their channels close.
func (b *Bus) Publish(ev store.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topicLocked(ev.RunID)
	if t.closed {
		return
	}
	t.ring = append(t.ring, ev)
	if len(t.ring) > replayDepth {
		t.ring = t.ring[len(t.ring)-replayDepth:]
	}
	for _, sub := range t.subs {
		push(sub, ev, true)
	}
	for _, sub := range b.globalSubs {
		push(sub, ev, false)
	}
	if ev.Type == store.EventRunReleased {
		b.closeTopicLocked(ev.RunID, t, ev.Seq+1)
	}
}

// push enqueues without blocking. On a full queue the oldest buffered event
// is evicted and the subscriber gets a one-time subscriber_lag marker. Seq
// dedup only makes sense within a single run's stream.
func push(sub *subscriber, ev store.Event, dedup bool) {
	if dedup && ev.Seq != 0 && ev.Seq <= sub.lastSeq {
		return // already replayed
	}
	select {
	case sub.ch <- ev:
		sub.lastSeq = ev.Seq
		return
	default:
	}
	select {
	case <-sub.ch:
		sub.dropped++
	default:
	}
	if !sub.lagged {
		sub.lagged = true
		lag := store.Event{
			RunID:   ev.RunID,
			TS:      ev.TS,
			Type:    store.EventSubscriberLag,
			Payload: map[string]any{"dropped": sub.dropped},
		}
		select {
		case sub.ch <- lag:
		default:
		}
	}
	select {
	case sub.ch <- ev:
		sub.lastSeq = ev.Seq
	default:
	}
}

func (b *Bus) closeTopicLocked(runID string, t *topic, endSeq int64) {
	end := store.Event{RunID: runID, Seq: endSeq, Type: store.EventStreamEnd}
	for id, sub := range t.subs {
		push(sub, end, true)
		close(sub.ch)
		delete(t.subs, id)
	}
	t.closed = true
}

// Subscribe returns a channel that replays the run's trailing events and then
// carries live ones. The channel closes after stream_end or when the caller
// unsubscribes. The returned cancel is idempotent.
func (b *Bus) Subscribe(ctx context.Context, runID string) (<-chan store.Event, func(), error) {
	var replay []store.Event
	if b.history != nil {
		evs, err := b.history(ctx, runID, replayDepth)
		if err != nil {
			return nil, nil, err
		}
		replay = evs
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topicLocked(runID)

	// Merge the fetched history with the in-memory ring; events published
	// between the fetch and this lock acquisition appear in the ring and
	// dedupe by seq.
	merged := append([]store.Event(nil), replay...)
	var lastSeq int64
	if n := len(merged); n > 0 {
		lastSeq = merged[n-1].Seq
	}
	for _, ev := range t.ring {
		if ev.Seq > lastSeq {
			merged = append(merged, ev)
			lastSeq = ev.Seq
		}
	}

	ch := make(chan store.Event, subscriberQueueCap+len(merged))
	terminal := false
	for _, ev := range merged {
		ch <- ev
		if ev.Type == store.EventRunReleased {
			terminal = true
		}
	}

	if terminal || t.closed {
		ch <- store.Event{RunID: runID, Seq: lastSeq + 1, Type: store.EventStreamEnd}
		close(ch)
		return ch, func() {}, nil
	}

	id := t.nextID
	t.nextID++
	sub := &subscriber{ch: ch, lastSeq: lastSeq}
	t.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if cur, ok := b.topics[runID]; ok {
				if s, ok := cur.subs[id]; ok {
					delete(cur.subs, id)
					close(s.ch)
				}
			}
		})
	}
	return ch, cancel, nil
}

// SubscribeGlobal returns a live channel carrying every run's events, for
// coarse observability. No replay and no stream_end; the feed runs until the
// caller cancels. The lag policy matches per-run subscriptions.
func (b *Bus) SubscribeGlobal() (<-chan store.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan store.Event, subscriberQueueCap)
	id := b.globalNext
	b.globalNext++
	sub := &subscriber{ch: ch}
	b.globalSubs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.globalSubs[id]; ok {
				delete(b.globalSubs, id)
				close(s.ch)
			}
		})
	}
	return ch, cancel
}

// Drop releases the in-memory topic for a finished run.
func (b *Bus) Drop(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[runID]; ok && len(t.subs) == 0 {
		delete(b.topics, runID)
	}
}
