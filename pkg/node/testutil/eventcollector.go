// Package testutil has helpers for tests that drive real nodes.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/juanpablocruz/ngchs/pkg/node"
)

// EventCollector buffers a node's event stream so tests can wait on it
// without racing the emitter.
type EventCollector struct {
	ch     chan node.Event
	notify chan struct{}

	mu  sync.Mutex
	buf []node.Event

	cancel context.CancelFunc
}

func NewEventCollector(buffer int) *EventCollector {
	return &EventCollector{
		ch:     make(chan node.Event, buffer),
		notify: make(chan struct{}, 1),
	}
}

// Chan is the channel to hand to node.WithEvents.
func (ec *EventCollector) Chan() chan node.Event { return ec.ch }

// Start begins buffering. Call Stop when done.
func (ec *EventCollector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	ec.cancel = cancel
	go ec.loop(ctx)
}

func (ec *EventCollector) Stop() {
	if ec.cancel != nil {
		ec.cancel()
	}
}

func (ec *EventCollector) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ec.ch:
			ec.mu.Lock()
			ec.buf = append(ec.buf, e)
			ec.mu.Unlock()
			select {
			case ec.notify <- struct{}{}:
			default:
			}
		}
	}
}

// Snapshot returns a copy of buffered events.
func (ec *EventCollector) Snapshot() []node.Event {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]node.Event, len(ec.buf))
	copy(out, ec.buf)
	return out
}

// Count returns how many buffered events have type t.
func (ec *EventCollector) Count(t node.EventType) int {
	return CountType(ec.Snapshot(), t)
}

func CountType(evs []node.Event, t node.EventType) int {
	c := 0
	for _, e := range evs {
		if e.Type == t {
			c++
		}
	}
	return c
}

// WaitFor waits up to timeout for pred to be satisfied by the buffered events.
func (ec *EventCollector) WaitFor(timeout time.Duration, pred func([]node.Event) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if pred(ec.Snapshot()) {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-ec.notify:
		case <-time.After(remaining):
			return false
		}
	}
}
