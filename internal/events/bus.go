package events

import (
	"sync"

	"go.uber.org/zap"
)

// subscriber buffers generously; a consumer this far behind is dropped
// rather than allowed to stall the publisher.
const subscriberBuffer = 256

// Bus is the in-process event bus. Publishing never blocks: slow
// subscribers are disconnected and must resubscribe (receiving a fresh
// snapshot).
type Bus struct {
	log *zap.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	seq     uint64
	history []Event
	subs    map[int]chan Event
	nextSub int
}

// NewBus creates an empty bus.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log.Named("events"), streams: make(map[string]*stream)}
}

// Publish appends the event to its experiment's stream and fans it out.
// The assigned sequence number is returned.
func (b *Bus) Publish(e Event) uint64 {
	b.mu.Lock()
	st := b.streams[e.ExperimentID]
	if st == nil {
		st = &stream{subs: make(map[int]chan Event)}
		b.streams[e.ExperimentID] = st
	}
	st.seq++
	e.Seq = st.seq
	st.history = append(st.history, e)

	var dropped []int
	for id, ch := range st.subs {
		select {
		case ch <- e:
		default:
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		close(st.subs[id])
		delete(st.subs, id)
	}
	b.mu.Unlock()

	if len(dropped) > 0 {
		b.log.Warn("dropped slow subscribers",
			zap.String("experiment", e.ExperimentID), zap.Int("count", len(dropped)))
	}
	return e.Seq
}

// Subscribe returns a channel carrying the experiment's full history
// followed by live events, and a cancel function. The channel is closed on
// cancel or when the subscriber falls too far behind.
func (b *Bus) Subscribe(experimentID string) (<-chan Event, func()) {
	b.mu.Lock()
	st := b.streams[experimentID]
	if st == nil {
		st = &stream{subs: make(map[int]chan Event)}
		b.streams[experimentID] = st
	}
	ch := make(chan Event, subscriberBuffer+len(st.history))
	for _, e := range st.history {
		ch <- e
	}
	id := st.nextSub
	st.nextSub++
	st.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := st.subs[id]; ok {
			close(cur)
			delete(st.subs, id)
		}
	}
	return ch, cancel
}

// History returns a copy of the experiment's published events.
func (b *Bus) History(experimentID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.streams[experimentID]
	if st == nil {
		return nil
	}
	out := make([]Event, len(st.history))
	copy(out, st.history)
	return out
}

// Drop discards an experiment's stream and disconnects its subscribers.
// Called after the final report is published and consumed.
func (b *Bus) Drop(experimentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.streams[experimentID]
	if st == nil {
		return
	}
	for id, ch := range st.subs {
		close(ch)
		delete(st.subs, id)
	}
	delete(b.streams, experimentID)
}
