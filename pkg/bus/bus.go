package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benchwork/benchwork/pkg/core"
)

// subscriberBufferSize is the channel buffer for each live subscriber.
// Once a subscriber falls this far behind, its oldest buffered events are
// dropped so publishers never block.
const subscriberBufferSize = 64

// replayPageSize bounds how many events a catch-up read pulls per query.
const replayPageSize = 200

// Bus is the in-process publish/subscribe layer over the durable event log.
//
// Publish appends the event to storage, which assigns its global sequence,
// then notifies matching subscribers. Live delivery is best-effort: a slow
// subscriber loses its oldest buffered events rather than stalling the
// publisher. Observers that need a complete history resume from a sequence
// cursor with SubscribeSince, or poll the store from another process with a
// Tailer.
type Bus struct {
	storage core.Storage
	log     *slog.Logger

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// New creates a Bus backed by the given storage. A nil logger disables
// logging.
func New(s core.Storage, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		storage: s,
		log:     log,
		subs:    make(map[int]*Subscription),
	}
}

// Subscription is a stream of events. Receive from C until it is closed;
// call Close to detach early.
type Subscription struct {
	// C carries matching events in ascending sequence order.
	C <-chan *core.Event

	bus    *Bus
	id     int
	filter core.EventFilter
	in     chan *core.Event
	done   chan struct{}
	pumped bool
	once   sync.Once
}

// Close detaches the subscription from the bus. No further events are sent
// after Close returns and C is eventually closed. Safe to call more than
// once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		removed := s.bus.remove(s.id)
		if s.pumped {
			close(s.done)
			return
		}
		if removed {
			close(s.in)
		}
	})
}

// Subscribe registers a live subscriber for events matching filter. A zero
// filter matches every event. Events published before Subscribe returns are
// not delivered; use SubscribeSince to catch up from the durable store.
//
// If the bus is already closed the subscription's channel is closed
// immediately.
func (b *Bus) Subscribe(filter core.EventFilter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *core.Event, subscriberBufferSize)
	sub := &Subscription{
		C:      ch,
		bus:    b,
		filter: filter,
		in:     ch,
		done:   make(chan struct{}),
	}
	if b.closed {
		sub.id = -1
		close(ch)
		return sub
	}
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	return sub
}

// SubscribeSince returns a subscription that first replays stored events
// with sequence greater than since, then continues with live events. Each
// event is delivered at most once and in ascending sequence order, so an
// observer can resume after a disconnect without gaps or duplicates.
//
// The stream ends when ctx is cancelled, Close is called, or the bus shuts
// down.
func (b *Bus) SubscribeSince(ctx context.Context, since int64, filter core.EventFilter) *Subscription {
	b.mu.Lock()

	out := make(chan *core.Event, subscriberBufferSize)
	sub := &Subscription{
		C:      out,
		bus:    b,
		filter: filter,
		in:     make(chan *core.Event, subscriberBufferSize),
		done:   make(chan struct{}),
		pumped: true,
	}
	if b.closed {
		b.mu.Unlock()
		sub.id = -1
		close(out)
		return sub
	}
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.pump(ctx, out, since)
	return sub
}

// Publish appends e to the durable store, assigning its sequence, then
// synchronously notifies matching subscribers. It never blocks on a slow
// subscriber. An event that fails to append is not delivered anywhere.
func (b *Bus) Publish(ctx context.Context, e *core.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return core.ErrShuttingDown
	}
	if err := b.storage.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("benchwork: failed to publish event: %w", err)
	}
	for _, sub := range b.subs {
		if !sub.filter.Matches(e) {
			continue
		}
		send(sub.in, e)
	}
	return nil
}

// Close detaches every subscriber and closes their channels. Publish returns
// ErrShuttingDown afterwards; events already appended remain readable from
// the store.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.in)
	}
}

func (b *Bus) remove(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// send delivers e without blocking. When the buffer is full the oldest
// buffered event is evicted so the newest survive a slow reader.
func send(ch chan *core.Event, e *core.Event) {
	select {
	case ch <- e:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- e:
	default:
	}
}

// pump drains the durable store from the cursor, then forwards live events.
// Live events at or below the cursor were already replayed and are skipped.
// Every event appended before the replay finished is covered by the replay,
// so the handover loses nothing.
func (s *Subscription) pump(ctx context.Context, out chan<- *core.Event, cursor int64) {
	defer close(out)
	defer s.Close()

	for {
		page, err := s.bus.storage.EventsSince(ctx, cursor, s.filter, replayPageSize)
		if err != nil {
			if ctx.Err() == nil {
				s.bus.log.Warn("event replay failed", "error", err)
			}
			return
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			select {
			case out <- e:
				cursor = e.Sequence
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}

	for {
		select {
		case e, ok := <-s.in:
			if !ok {
				return
			}
			if e.Sequence <= cursor {
				continue
			}
			select {
			case out <- e:
				cursor = e.Sequence
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}
