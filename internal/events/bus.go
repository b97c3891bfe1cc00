// Package events defines the domain event bus the reconciliation engine
// publishes to. External bookkeeping (ledger mirrors, hedge execution,
// notifications) subscribes here instead of hooking into engine internals.
package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hakifi-nibiru/backend-nibiru/internal/storage"
)

// Topics emitted by the engine. Every payload is the full updated record.
const (
	TopicInsuranceCreated = "insurance.created"
	TopicInsuranceUpdated = "insurance.updated"
)

// Event pairs a topic with the record snapshot it describes.
type Event struct {
	Topic     string
	Insurance storage.Insurance
}

// Bus fans domain events out to subscribers. Publish never blocks the
// caller on a slow subscriber.
type Bus interface {
	Publish(ctx context.Context, topic string, ins storage.Insurance)
	Subscribe(topic string, buffer int) (<-chan Event, func())
}

// InProcBus is the in-process Bus implementation.
type InProcBus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	logger zerolog.Logger
}

// NewInProcBus constructs an empty in-process bus.
func NewInProcBus(logger zerolog.Logger) *InProcBus {
	return &InProcBus{
		subs:   make(map[string][]chan Event),
		logger: logger.With().Str("component", "event_bus").Logger(),
	}
}

// Publish delivers the event to every subscriber of the topic. Subscribers
// with a full buffer are skipped; the record store remains the source of
// truth, the bus is best-effort notification.
func (b *InProcBus) Publish(_ context.Context, topic string, ins storage.Insurance) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[topic] {
		select {
		case ch <- Event{Topic: topic, Insurance: ins}:
		default:
			b.logger.Warn().Str("topic", topic).Str("insurance_id", ins.ID.String()).
				Msg("subscriber buffer full, event dropped")
		}
	}
}

// Subscribe registers interest in a topic and returns the channel plus a
// cancel function that must be called to stop delivery.
func (b *InProcBus) Subscribe(topic string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, c := range list {
			if c == ch {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

var _ Bus = (*InProcBus)(nil)
