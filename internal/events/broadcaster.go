// Package events fans the reader's single-slot event subscription out to
// any number of internal consumers (audit log, MQTT publisher, status
// API) that each want to see every TagArrived/TagDeparted event without
// racing each other for the one pending subscription slot.
package events

import (
	"context"
	"sync"

	"github.com/nfcbridge/pn532reader/pkg/pn532/reader"
)

// Broadcaster pumps reader.SubscribeOnce in a loop and republishes each
// event to every registered subscriber channel.
type Broadcaster struct {
	r *reader.Reader

	mu   sync.Mutex
	subs map[int]chan reader.Event
	next int
}

// New creates a Broadcaster over r. Run must be called to start pumping
// events.
func New(r *reader.Reader) *Broadcaster {
	return &Broadcaster{
		r:    r,
		subs: make(map[int]chan reader.Event),
	}
}

// Subscribe registers a new consumer and returns a channel of events and
// an unsubscribe function. The channel is buffered; a slow consumer that
// falls behind has the oldest-pending event dropped rather than stalling
// the broadcaster.
func (b *Broadcaster) Subscribe(buffer int) (<-chan reader.Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan reader.Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Run pumps events from the reader until ctx is canceled. It is intended
// to be run in its own goroutine for the lifetime of the daemon.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		ev, err := b.r.SubscribeOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		b.publish(ev)
	}
}

func (b *Broadcaster) publish(ev reader.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop the oldest queued event to make room rather than
			// block the broadcaster on a slow consumer.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
