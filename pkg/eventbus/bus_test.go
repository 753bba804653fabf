package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	kindA Kind = iota + 1
	kindB
)

type evA struct{ n int }

func (evA) Kind() Kind { return kindA }

type evB struct{}

func (evB) Kind() Kind { return kindB }

func TestDispatchFanOut(t *testing.T) {
	b := New()
	var order []string
	b.Subscribe(HandlerFunc(func(Event) bool { order = append(order, "first"); return false }), kindA)
	b.Subscribe(HandlerFunc(func(Event) bool { order = append(order, "second"); return true }), kindA)
	b.Subscribe(HandlerFunc(func(Event) bool { order = append(order, "third"); return false }), kindA)

	require.True(t, b.Dispatch(evA{}))
	// every subscriber sees the event, even after one handled it
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestDispatchUnhandled(t *testing.T) {
	b := New()
	require.False(t, b.Dispatch(evA{}), "no subscribers")

	b.Subscribe(HandlerFunc(func(Event) bool { return false }), kindA)
	require.False(t, b.Dispatch(evA{}))

	got := 0
	b.Subscribe(HandlerFunc(func(ev Event) bool { got = ev.(evA).n; return true }), kindA)
	require.False(t, b.Dispatch(evB{}), "other kind")
	require.True(t, b.Dispatch(evA{n: 3}))
	require.Equal(t, 3, got)
}

func TestSubscribeMultipleKinds(t *testing.T) {
	b := New()
	seen := map[Kind]int{}
	b.Subscribe(HandlerFunc(func(ev Event) bool { seen[ev.Kind()]++; return true }), kindA, kindB, kindA)
	require.Equal(t, 1, b.Subscribers(kindA))
	require.Equal(t, 1, b.Subscribers(kindB))

	b.Dispatch(evA{})
	b.Dispatch(evB{})
	require.Equal(t, map[Kind]int{kindA: 1, kindB: 1}, seen)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	calls := 0
	s := b.Subscribe(HandlerFunc(func(Event) bool { calls++; return true }), kindA, kindB)
	keep := b.Subscribe(HandlerFunc(func(Event) bool { return false }), kindA)

	s.Unsubscribe()
	s.Unsubscribe()
	require.Equal(t, 1, b.Subscribers(kindA))
	require.Equal(t, 0, b.Subscribers(kindB))
	require.False(t, b.Dispatch(evA{}))
	require.Zero(t, calls)

	keep.Unsubscribe()
	require.Equal(t, 0, b.Subscribers(kindA))
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	b := New()
	var s *Subscription
	calls := 0
	s = b.Subscribe(HandlerFunc(func(Event) bool { calls++; s.Unsubscribe(); return true }), kindA)
	require.True(t, b.Dispatch(evA{}))
	require.False(t, b.Dispatch(evA{}))
	require.Equal(t, 1, calls)
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	b := New(WithLogger(zaptest.NewLogger(t)))
	after := false
	b.Subscribe(HandlerFunc(func(Event) bool { panic("boom") }), kindA)
	b.Subscribe(HandlerFunc(func(Event) bool { after = true; return false }), kindA)

	require.NotPanics(t, func() {
		require.False(t, b.Dispatch(evA{}))
	})
	require.True(t, after)
}
