package app

import (
	"sync"
	"time"

	"navi/internal/domain/agent"
	"navi/internal/domain/event"
	"navi/internal/shared/logging"
)

const (
	// DefaultReplayDepth is how many past events a new subscriber receives.
	DefaultReplayDepth = 32
	// DefaultSubscriberBuffer is the per-subscriber channel capacity.
	DefaultSubscriberBuffer = 64
)

// BusConfig tunes a per-task event bus. Zero values select defaults.
type BusConfig struct {
	Replay int
	Buffer int
	Logger logging.Logger
	Clock  agent.Clock
}

// EventBus fans stage events from a single publisher (the dispatcher) out to
// any number of subscribers. The bus assigns the sequence number and the
// timestamp at publish time, so ordering is total per task. Delivery is
// non-blocking: a subscriber that stops draining loses its oldest buffered
// events, never the publisher's liveness.
type EventBus struct {
	taskID string
	replay int
	buffer int
	logger logging.Logger
	clock  agent.Clock

	mu      sync.Mutex
	seq     uint64
	lastTS  time.Time
	history []event.StageEvent
	subs    []*busSubscriber
	closed  bool
	dropped uint64
}

type busSubscriber struct {
	ch      chan event.StageEvent
	dropped uint64
	gone    bool
}

// NewEventBus creates the bus for one task.
func NewEventBus(taskID string, cfg BusConfig) *EventBus {
	if cfg.Replay <= 0 {
		cfg.Replay = DefaultReplayDepth
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultSubscriberBuffer
	}
	if cfg.Buffer < cfg.Replay {
		cfg.Buffer = cfg.Replay
	}
	if cfg.Clock == nil {
		cfg.Clock = agent.SystemClock{}
	}
	return &EventBus{
		taskID: taskID,
		replay: cfg.Replay,
		buffer: cfg.Buffer,
		logger: logging.OrNop(cfg.Logger),
		clock:  cfg.Clock,
	}
}

var _ agent.Publisher = (*EventBus)(nil)

// Publish stamps the event with the next sequence number and the current
// time, records it for replay, and delivers it to every live subscriber.
// Publishing on a closed bus is a no-op.
func (b *EventBus) Publish(ev event.StageEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.seq++
	ev.Seq = b.seq
	ts := b.clock.Now()
	if ts.Before(b.lastTS) {
		ts = b.lastTS
	}
	b.lastTS = ts
	ev.Timestamp = ts

	b.history = append(b.history, ev)
	if len(b.history) > b.replay {
		b.history = b.history[len(b.history)-b.replay:]
	}

	for _, sub := range b.subs {
		b.deliver(sub, ev)
	}
}

// deliver sends to one subscriber, dropping its oldest buffered event when
// the buffer is full. Caller holds b.mu, so the publisher is the only sender
// and the retry after draining one slot always succeeds.
func (b *EventBus) deliver(sub *busSubscriber, ev event.StageEvent) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	victim := false
	select {
	case <-sub.ch:
		victim = true
	default:
	}
	select {
	case sub.ch <- ev:
	default:
	}
	if !victim {
		return
	}

	sub.dropped++
	b.dropped++
	if sub.dropped == 1 {
		b.logger.Warn("subscriber buffer full for task %s, dropping oldest events (stage=%s seq=%d)", b.taskID, ev.Stage, ev.Seq)
	} else {
		b.logger.Debug("subscriber for task %s dropped oldest event (total dropped: %d)", b.taskID, sub.dropped)
	}
}

// Subscribe registers a new subscriber. The channel first carries the replay
// history, then live events in publish order. The returned func detaches the
// subscriber and closes its channel; it is safe to call more than once.
// Subscribing after Close yields the history followed by a closed channel.
func (b *EventBus) Subscribe() (<-chan event.StageEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan event.StageEvent, b.buffer)
	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	sub := &busSubscriber{ch: ch}
	b.subs = append(b.subs, sub)
	b.logger.Debug("subscriber attached to task %s (total: %d, replayed: %d)", b.taskID, len(b.subs), len(b.history))

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub.gone {
			return
		}
		sub.gone = true
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		close(sub.ch)
		b.logger.Debug("subscriber detached from task %s (remaining: %d)", b.taskID, len(b.subs))
	}
	return ch, unsubscribe
}

// Close shuts the bus down. Subsequent publishes are dropped and live
// subscriber channels are closed so readers see the buffered tail then EOF.
// Calling Close again is a no-op.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.gone = true
		close(sub.ch)
	}
	b.subs = nil
	if b.dropped > 0 {
		b.logger.Info("event bus for task %s closed after %d events (%d dropped)", b.taskID, b.seq, b.dropped)
	} else {
		b.logger.Debug("event bus for task %s closed after %d events", b.taskID, b.seq)
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *EventBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped reports the total number of events dropped across subscribers.
func (b *EventBus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// History returns a copy of the replay window.
func (b *EventBus) History() []event.StageEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.history) == 0 {
		return nil
	}
	out := make([]event.StageEvent, len(b.history))
	copy(out, b.history)
	return out
}
