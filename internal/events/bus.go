// Package events delivers committed domain events to in-process handlers
// and outbound sinks. Delivery is fire-and-forget: handler failures are
// logged and counted, never returned to the publisher.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/settlehub/internal/domain"
)

var deliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "settlehub_event_delivery_failures_total",
	Help: "Domain events a handler failed to deliver",
}, []string{"sink"})

type Handler func(ctx context.Context, e domain.Event) error

type subscription struct {
	name    string
	handler Handler
}

// Bus dispatches events synchronously, in publish order, to the handlers
// registered for each event name and then to catch-all handlers, each in
// registration order.
type Bus struct {
	mu     sync.RWMutex
	byName map[string][]subscription
	all    []subscription
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{byName: make(map[string][]subscription), logger: logger}
}

// Subscribe registers h for one event name. sink labels delivery failures.
func (b *Bus) Subscribe(event, sink string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byName[event] = append(b.byName[event], subscription{name: sink, handler: h})
}

func (b *Bus) SubscribeAll(sink string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, subscription{name: sink, handler: h})
}

func (b *Bus) Publish(ctx context.Context, evs ...domain.Event) {
	for _, e := range evs {
		b.mu.RLock()
		subs := make([]subscription, 0, len(b.byName[e.EventName()])+len(b.all))
		subs = append(subs, b.byName[e.EventName()]...)
		subs = append(subs, b.all...)
		b.mu.RUnlock()

		for _, s := range subs {
			if err := b.deliver(ctx, s, e); err != nil {
				deliveryFailures.WithLabelValues(s.name).Inc()
				b.logger.WarnContext(ctx, "event delivery failed",
					"event", e.EventName(), "sink", s.name, "error", err)
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, s subscription, e domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, e)
}

// Publisher is what services need from a bus.
type Publisher interface {
	Publish(ctx context.Context, evs ...domain.Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, ...domain.Event) {}
