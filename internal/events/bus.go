package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Handler consumes an event.
type Handler func(ctx context.Context, event Event) error

// Bus delivers events to in-process subscribers synchronously, in
// subscription order. A failing handler does not stop delivery to the rest.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	logger   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{handlers: make(map[Type][]Handler), logger: logger}
}

// Subscribe registers h for events of type t.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish calls every handler subscribed to the event's type and returns the
// joined handler errors.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.EventType()]...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			b.logger.ErrorContext(ctx, "event handler failed",
				"event_type", event.EventType(),
				"key", event.PartitionKey(),
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s handler: %w", event.EventType(), err))
		}
	}
	return errors.Join(errs...)
}

// Fanout publishes to every publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory. Useful where a test or a
// dry-run wants to inspect what would have been sent.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of one type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}
