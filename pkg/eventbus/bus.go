// Package eventbus provides a synchronous, typed event bus. Publishers
// dispatch an event to every handler subscribed to its kind and learn
// whether any of them handled it.
package eventbus

import (
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Kind identifies an event type on a bus.
type Kind uint32

// Event is any message dispatched on the bus.
type Event interface{ Kind() Kind }

// Handler consumes events. OnEvent returns true if it handled the event.
type Handler interface {
	OnEvent(Event) bool
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event) bool

func (f HandlerFunc) OnEvent(ev Event) bool { return f(ev) }

// Option configures the Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report recovered handler panics.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// Bus maps event kinds to subscribers. Dispatch runs on the caller's
// goroutine; handlers are called in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]*Subscription
	logger *zap.Logger
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus   *Bus
	h     Handler
	kinds []Kind
	once  sync.Once
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[Kind][]*Subscription),
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers h for the given kinds.
func (b *Bus) Subscribe(h Handler, kinds ...Kind) *Subscription {
	s := &Subscription{bus: b, h: h, kinds: slices.Clone(kinds)}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range kinds {
		if slices.Contains(b.subs[k], s) {
			continue
		}
		b.subs[k] = append(b.subs[k], s)
	}
	return s
}

// Unsubscribe removes the subscription from every kind. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, k := range s.kinds {
			list := slices.DeleteFunc(slices.Clone(b.subs[k]), func(x *Subscription) bool { return x == s })
			if len(list) == 0 {
				delete(b.subs, k)
				continue
			}
			b.subs[k] = list
		}
	})
}

// Dispatch delivers ev to the current snapshot of subscribers for its kind.
// It returns true if at least one handler reported the event as handled.
func (b *Bus) Dispatch(ev Event) bool {
	b.mu.RLock()
	targets := slices.Clone(b.subs[ev.Kind()])
	b.mu.RUnlock()

	handled := false
	for _, s := range targets {
		if b.deliver(s, ev) {
			handled = true
		}
	}
	return handled
}

// Subscribers returns how many handlers listen for k.
func (b *Bus) Subscribers(k Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[k])
}

func (b *Bus) deliver(s *Subscription, ev Event) (handled bool) {
	// a panicking subscriber must not wedge the publisher
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus.handler_panic",
				zap.Uint32("kind", uint32(ev.Kind())),
				zap.Any("panic", r),
			)
			handled = false
		}
	}()
	return s.h.OnEvent(ev)
}
