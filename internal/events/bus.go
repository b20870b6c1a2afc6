// Package events is the in-process bus that carries domain events from the services
// that perform a mutation to the notification handlers that react to it.
//
// Publish never blocks on, or fails because of, a handler. Each handler runs on its
// own goroutine with a detached context bounded by the bus timeout; errors and
// panics are logged and counted in telemetry.EventHandlerFailuresTotal.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conpanion/conpanion/internal/safego"
	"github.com/conpanion/conpanion/internal/telemetry"
)

// DefaultHandlerTimeout bounds a single handler invocation
const DefaultHandlerTimeout = 30 * time.Second

// Event is a domain event. Name identifies the subscribers it is routed to.
type Event interface {
	Name() string
}

// Handler reacts to one event
type Handler func(ctx context.Context, e Event) error

// Publisher is the side of the bus the services depend on
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Bus routes published events to the handlers subscribed to their name
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	wg       sync.WaitGroup
	sync     bool
	timeout  time.Duration
}

// Option configures a Bus
type Option func(*Bus)

// WithSync runs handlers inline on the publishing goroutine. Used by tests.
func WithSync() Option {
	return func(b *Bus) { b.sync = true }
}

// WithTimeout overrides DefaultHandlerTimeout
func WithTimeout(d time.Duration) Option {
	return func(b *Bus) { b.timeout = d }
}

// NewBus creates an empty bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{handlers: map[string][]Handler{}, timeout: DefaultHandlerTimeout}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for events with the given name
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish delivers e to every subscribed handler. The caller's cancellation does not
// propagate to the handlers; request-scoped values do.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	handlers := b.handlers[e.Name()]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		slog.Debug("event has no subscribers", "event", e.Name())
		return
	}

	detached := context.WithoutCancel(ctx)
	for _, h := range handlers {
		if b.sync {
			b.invoke(detached, h, e)
			continue
		}
		b.wg.Add(1)
		safego.Go("event:"+e.Name(), func() {
			defer b.wg.Done()
			b.invoke(detached, h, e)
		})
	}
}

func (b *Bus) invoke(parent context.Context, h Handler, e Event) {
	ctx, cancel := context.WithTimeout(parent, b.timeout)
	defer cancel()

	var handlerErr error
	panicErr := safego.Run("event:"+e.Name(), func() {
		handlerErr = h(ctx, e)
	})
	if panicErr != nil {
		handlerErr = panicErr
	}
	if handlerErr != nil {
		telemetry.EventHandlerFailuresTotal.WithLabelValues(e.Name()).Inc()
		slog.Error("event handler failed", "event", e.Name(), "error", handlerErr)
	}
}

// Wait blocks until every in-flight handler has returned or ctx is done
func (b *Bus) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event handlers still running: %w", ctx.Err())
	}
}
