// Package eventbus is the in-process broadcast layer over persisted events
// (spec §4.2). Every publish is written to the Store first, then
// broadcast non-blockingly to live subscribers; a subscriber too slow to
// keep up loses its eldest buffered delivery and receives a lag marker
// carrying the ID it lost continuity after, so it can
// replay the gap from the Store instead of silently missing history. This
// mirrors the non-blocking broadcast-channel-per-subscriber pattern used
// for operational event buses across the retrieved pack, generalized here
// to add the persisted at-least-once replay spec §4.2 requires.
package eventbus

import (
	"context"
	"sync"

	"github.com/coldforge/ticketforge/internal/model"
	"github.com/coldforge/ticketforge/internal/store"
	"go.uber.org/zap"
)

// DefaultSubscriberBuffer is the per-subscriber channel depth.
const DefaultSubscriberBuffer = 64

// Delivery wraps a broadcast Event. When a subscriber's buffer is full, its
// eldest buffered delivery is dropped and a Lagged delivery takes its place:
// SinceID is the last event ID delivered before the gap, so listing events
// with IDs above it from the Store recovers everything dropped.
type Delivery struct {
	Event  *model.Event
	Lagged bool
	SinceID int64
}

type subscriber struct {
	ch chan Delivery
}

// Bus persists every event to the Store and broadcasts it to subscribers.
type Bus struct {
	store *store.Store
	log   *zap.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// New builds a Bus backed by s.
func New(s *store.Store, log *zap.Logger) *Bus {
	return &Bus{store: s, log: log, subs: make(map[*subscriber]struct{})}
}

// Publish persists e then broadcasts it. The caller-supplied event's ID
// field is populated by the Store write.
func (b *Bus) Publish(ctx context.Context, e *model.Event) error {
	if err := b.store.CreateEvent(ctx, e); err != nil {
		return err
	}
	b.broadcast(Delivery{Event: e})
	return nil
}

func (b *Bus) broadcast(d Delivery) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- d:
		default:
			sinceID := int64(0)
			if d.Event != nil {
				sinceID = d.Event.ID - 1
			}
			select {
			case old := <-sub.ch: // drop the eldest buffered delivery
				if old.Lagged {
					sinceID = old.SinceID
				} else if old.Event != nil {
					sinceID = old.Event.ID - 1
				}
			default:
			}
			select {
			case sub.ch <- Delivery{Lagged: true, SinceID: sinceID}:
			default:
				// Subscriber's buffer is full even for the lag marker;
				// it will notice the gap next time it compares the ID
				// of what it reads against what it last processed.
				b.log.Warn("eventbus: subscriber buffer saturated, dropping lag marker too")
			}
		}
	}
}

// Subscription is the caller's handle on a live event stream.
type Subscription struct {
	bus *Bus
	sub *subscriber
	C   <-chan Delivery
}

// Subscribe registers a new live subscriber. Callers must call Close when
// done to release the channel.
func (b *Bus) Subscribe() *Subscription {
	sub := &subscriber{ch: make(chan Delivery, DefaultSubscriberBuffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return &Subscription{bus: b, sub: sub, C: sub.ch}
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.sub)
	s.bus.mu.Unlock()
}

// ListEvents replays persisted history, the counterpart a subscriber uses
// after receiving a Lagged delivery or on first connect to catch up
// before switching to the live channel.
func (b *Bus) ListEvents(ctx context.Context, f store.EventFilter) ([]*model.Event, error) {
	return b.store.ListEvents(ctx, f)
}

// Resolve marks an event as processed in the persisted log.
func (b *Bus) Resolve(ctx context.Context, id int64) error {
	return b.store.ResolveEvent(ctx, id)
}
