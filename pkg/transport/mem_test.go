package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/juanpablocruz/ngchs/pkg/eventbus"
	"github.com/juanpablocruz/ngchs/pkg/model"
)

func pk(b byte) model.PublicKey {
	var k model.PublicKey
	k[0] = b
	return k
}

func listen(t *testing.T, sw *Switch, b byte, name string) *Endpoint {
	t.Helper()
	ep, err := sw.Listen(pk(b), name)
	require.NoError(t, err)
	t.Cleanup(ep.Close)
	return ep
}

func recv(t *testing.T, ep EndpointIF) eventbus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := ep.Recv(ctx)
	require.True(t, ok, "expected an event")
	return ev
}

func expectNone(t *testing.T, ep EndpointIF) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if ev, ok := ep.Recv(ctx); ok {
		t.Fatalf("unexpected event %#v", ev)
	}
}

func TestListenKeyInUse(t *testing.T) {
	sw := NewSwitch()
	listen(t, sw, 1, "a")
	_, err := sw.Listen(pk(1), "again")
	require.ErrorIs(t, err, ErrKeyInUse)
}

func TestJoinAnnouncesBothWays(t *testing.T) {
	sw := NewSwitch()
	a := listen(t, sw, 1, "alice")
	b := listen(t, sw, 2, "bob")

	pa, err := a.Join(5)
	require.NoError(t, err)
	pb, err := b.Join(5)
	require.NoError(t, err)
	require.NotEqual(t, pa, pb)

	again, err := a.Join(5)
	require.NoError(t, err)
	require.Equal(t, pa, again, "join is idempotent")

	require.Equal(t, PeerJoinEvent{Group: 5, Peer: pb, Key: pk(2), Name: "bob"}, recv(t, a))
	require.Equal(t, PeerJoinEvent{Group: 5, Peer: pa, Key: pk(1), Name: "alice"}, recv(t, b))
	require.Equal(t, []uint32{pa, pb}, sw.Members(5))

	require.NoError(t, b.Leave(5))
	require.Equal(t, PeerExitEvent{Group: 5, Peer: pb}, recv(t, a))
	require.ErrorIs(t, b.Leave(5), ErrNotMember)
}

func TestPrivatePacket(t *testing.T) {
	sw := NewSwitch()
	a := listen(t, sw, 1, "a")
	b := listen(t, sw, 2, "b")
	c := listen(t, sw, 3, "c")
	pa, _ := a.Join(1)
	pb, _ := b.Join(1)
	_, _ = c.Join(1)
	recv(t, a) // b joined
	recv(t, a) // c joined
	recv(t, b) // a
	recv(t, b) // c joined
	recv(t, c)
	recv(t, c)

	data := []byte("ping")
	require.NoError(t, a.SendGroupPacket(1, pb, true, data))
	data[0] = 'X'

	ev := recv(t, b)
	require.Equal(t, KindGroupCustomPrivatePacket, ev.Kind())
	require.Equal(t, PacketEvent{Group: 1, Peer: pa, Private: true, Data: []byte("ping")}, ev)
	expectNone(t, c)

	require.ErrorIs(t, a.SendGroupPacket(1, 99, true, data), ErrUnknownPeer)
	require.ErrorIs(t, a.SendGroupPacket(2, pb, true, data), ErrNotMember)
	require.ErrorIs(t, a.SendGroupPacket(1, pb, true, make([]byte, MaxCustomPacketLength+1)), ErrPacketTooLarge)
	require.NoError(t, a.SendGroupPacket(1, pb, true, make([]byte, MaxCustomPacketLength)))
}

func TestBroadcast(t *testing.T) {
	sw := NewSwitch()
	a := listen(t, sw, 1, "a")
	b := listen(t, sw, 2, "b")
	pa, _ := a.Join(1)
	_, _ = b.Join(1)
	recv(t, a)
	recv(t, b)

	require.NoError(t, a.SendGroupPacket(1, 0, false, []byte{1}))
	ev := recv(t, b)
	require.Equal(t, KindGroupCustomPacket, ev.Kind())
	expectNone(t, a)

	require.NoError(t, a.SendGroupMessage(1, 77, "hello"))
	require.Equal(t, MessageEvent{Group: 1, Peer: pa, MessageID: 77, Text: "hello"}, recv(t, b))
}

func TestCloseLeavesGroups(t *testing.T) {
	sw := NewSwitch()
	a := listen(t, sw, 1, "a")
	b := listen(t, sw, 2, "b")
	_, _ = a.Join(1)
	pb, _ := b.Join(1)
	recv(t, a)

	b.Close()
	b.Close()
	require.Equal(t, PeerExitEvent{Group: 1, Peer: pb}, recv(t, a))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := b.Recv(ctx); ok {
		t.Fatalf("expected closed recv to return ok=false")
	}
	_, err := b.Join(1)
	require.True(t, errors.Is(err, ErrClosed))

	// the key can be reused after close
	listen(t, sw, 2, "b2")
}
