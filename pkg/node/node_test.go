package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/juanpablocruz/ngchs/pkg/model"
	"github.com/juanpablocruz/ngchs/pkg/msgstore"
	"github.com/juanpablocruz/ngchs/pkg/transport"
)

func newTestNode(t *testing.T, sw *transport.Switch, name string, k byte, opts ...NodeOption) *Node {
	t.Helper()
	ep, err := sw.Listen(model.PublicKey{k}, name)
	require.NoError(t, err)
	t.Cleanup(ep.Close)
	opts = append([]NodeOption{WithLogger(zaptest.NewLogger(t))}, opts...)
	return New(name, ep, opts...)
}

func TestKickCollapses(t *testing.T) {
	n := newTestNode(t, transport.NewSwitch(), "a", 1)
	n.kick()
	n.kick()
	n.kick()
	require.Len(t, n.kickCh, 1)
}

func TestEmitDropsWhenFull(t *testing.T) {
	ch := make(chan Event, 1)
	n := newTestNode(t, transport.NewSwitch(), "a", 1, WithEvents(ch))
	n.emit(EventWarn, nil)
	n.emit(EventWarn, nil)
	require.Len(t, ch, 1)
	ev := <-ch
	require.Equal(t, "a", ev.Node)
	require.Equal(t, EventWarn, ev.Type)

	// no channel is fine too
	n.Events = nil
	n.emit(EventWarn, nil)
}

func TestClampTick(t *testing.T) {
	n := newTestNode(t, transport.NewSwitch(), "a", 1, WithTickBounds(10*time.Millisecond, time.Second))
	require.Equal(t, 10*time.Millisecond, n.clampTick(0))
	require.Equal(t, 300*time.Millisecond, n.clampTick(300*time.Millisecond))
	require.Equal(t, time.Second, n.clampTick(time.Hour))
}

func TestSayStoresAndBroadcasts(t *testing.T) {
	sw := transport.NewSwitch()
	a := newTestNode(t, sw, "alice", 1)
	b := newTestNode(t, sw, "bob", 2)
	require.NoError(t, a.Join(7))
	require.NoError(t, b.Join(7))
	b.Start()
	defer b.Stop()

	_, err := a.Say(8, "wrong group")
	require.ErrorIs(t, err, ErrNotJoined)

	id, err := a.Say(7, "hi")
	require.NoError(t, err)
	ra, ok := a.Registry(7)
	require.True(t, ok)
	own, err := ra.Get(id)
	require.NoError(t, err)
	require.Equal(t, "hi", own.Text)
	require.False(t, own.Unread)
	require.True(t, a.Contacts.IsSelf(own.From))
	require.True(t, a.Contacts.IsGroup(own.To))

	rb, ok := b.Registry(7)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		n, err := msgstore.Count(rb)
		return err == nil && n == 1
	}, 2*time.Second, 5*time.Millisecond)

	var got *model.Message
	require.NoError(t, rb.Descending(func(m *model.Message) bool { got = m; return false }))
	require.Equal(t, "hi", got.Text)
	require.Equal(t, own.MessageID, got.MessageID)
	require.True(t, got.Unread)
	require.Equal(t, "alice", b.Contacts.Name(got.From))
	self, _ := b.Contacts.PeerByKey(7, model.PublicKey{2})
	require.True(t, got.ReceivedBy.Has(self))
	require.Empty(t, got.SyncedBy)
}

func TestMembershipUpdatesDirectory(t *testing.T) {
	sw := transport.NewSwitch()
	a := newTestNode(t, sw, "alice", 1)
	b := newTestNode(t, sw, "bob", 2)
	require.NoError(t, a.Join(1))
	a.Start()
	defer a.Stop()

	require.NoError(t, b.Join(1))
	require.Eventually(t, func() bool {
		_, ok := a.Contacts.PeerBySlot(1, 1)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	bob, _ := a.Contacts.PeerBySlot(1, 1)
	require.Equal(t, "bob", a.Contacts.Name(bob))
	require.Eventually(t, func() bool { return a.Engine.Stats().Requests == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Leave(1))
	require.Eventually(t, func() bool {
		_, ok := a.Contacts.PeerBySlot(1, 1)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, a.Engine.Stats().Requests, "exit forgets the scheduled request")

	// the contact survives the exit
	again, ok := a.Contacts.PeerByKey(1, model.PublicKey{2})
	require.True(t, ok)
	require.Equal(t, bob, again)
}

func TestStopDetaches(t *testing.T) {
	n := newTestNode(t, transport.NewSwitch(), "a", 1)
	n.Start()
	n.Stop()
	require.Zero(t, n.Bus.Subscribers(transport.KindPeerJoin))
	require.Zero(t, n.Bus.Subscribers(transport.KindGroupCustomPrivatePacket))
	require.Zero(t, n.Changes.Subscribers(msgstore.KindConstruct))
}
