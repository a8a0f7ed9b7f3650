package bootrpc

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/zipper-works/zipper/internal/store"
)

const tailBuffer = 256

// Broker fans incoming telemetry events out to live log tails. Delivery is
// best effort: a tail that cannot keep up loses its oldest events rather
// than blocking ingestion.
type Broker struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]*TailSub
	nextID uint64
}

// NewBroker creates an event broker.
func NewBroker(logger zerolog.Logger) *Broker {
	return &Broker{
		logger: logger,
		subs:   make(map[string]map[uint64]*TailSub),
	}
}

// TailSub is one live subscription to an app's event stream.
type TailSub struct {
	appID  string
	id     uint64
	ch     chan store.Event
	broker *Broker

	closeOnce sync.Once
}

// C exposes the event channel. It is closed when the subscription closes.
func (t *TailSub) C() <-chan store.Event { return t.ch }

// Close removes the subscription and closes its channel.
func (t *TailSub) Close() {
	t.closeOnce.Do(func() {
		b := t.broker
		b.mu.Lock()
		if subs, ok := b.subs[t.appID]; ok {
			delete(subs, t.id)
			if len(subs) == 0 {
				delete(b.subs, t.appID)
			}
		}
		close(t.ch)
		b.mu.Unlock()
	})
}

// Subscribe registers a tail for one app's events.
func (b *Broker) Subscribe(appID string) *TailSub {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &TailSub{
		appID:  appID,
		id:     b.nextID,
		ch:     make(chan store.Event, tailBuffer),
		broker: b,
	}
	if _, ok := b.subs[appID]; !ok {
		b.subs[appID] = make(map[uint64]*TailSub)
	}
	b.subs[appID][sub.id] = sub
	return sub
}

// Publish delivers an event to every tail of its app, dropping the oldest
// buffered event for tails whose channel is full.
func (b *Broker) Publish(ev store.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[ev.AppID] {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		select {
		case <-sub.ch:
			b.logger.Debug().Str("app_id", ev.AppID).Msg("log tail lagging, dropped oldest event")
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
