package contact

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/juanpablocruz/ngchs/pkg/model"
)

func key(b byte) model.PublicKey {
	var k model.PublicKey
	k[0] = b
	return k
}

func TestJoinExitLifecycle(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	d := NewMemory(WithClock(clk))

	g := d.Group(3)
	require.True(t, d.IsGroup(g))
	require.Equal(t, g, d.Group(3))

	clk.Advance(time.Minute)
	alice := d.Join(3, 7, key(1), "alice")
	require.False(t, d.IsGroup(alice))

	got, ok := d.PeerBySlot(3, 7)
	require.True(t, ok)
	require.Equal(t, alice, got)

	grp, peer, ok := d.Slot(alice)
	require.True(t, ok)
	require.Equal(t, uint32(3), grp)
	require.Equal(t, uint32(7), peer)

	parent, ok := d.Parent(alice)
	require.True(t, ok)
	require.Equal(t, g, parent)
	require.Equal(t, "alice", d.Name(alice))

	fs, ok := d.FirstSeen(alice)
	require.True(t, ok)
	require.Equal(t, clk.Now(), fs)

	id, ok := d.Exit(3, 7)
	require.True(t, ok)
	require.Equal(t, alice, id)
	_, _, ok = d.Slot(alice)
	require.False(t, ok)
	_, ok = d.PeerBySlot(3, 7)
	require.False(t, ok)

	// rejoin in another slot keeps identity and first-seen time
	clk.Advance(time.Hour)
	again := d.Join(3, 9, key(1), "")
	require.Equal(t, alice, again)
	require.Equal(t, "alice", d.Name(again))
	fs2, _ := d.FirstSeen(again)
	require.Equal(t, fs, fs2)
}

func TestPeerByKeyCreatesOffline(t *testing.T) {
	d := NewMemory()
	_, ok := d.PeerByKey(1, key(5))
	require.False(t, ok, "unknown group")

	d.Group(1)
	c, ok := d.PeerByKey(1, key(5))
	require.True(t, ok)
	again, _ := d.PeerByKey(1, key(5))
	require.Equal(t, c, again)
	_, _, ok = d.Slot(c)
	require.False(t, ok)

	pk, ok := d.PublicKey(c)
	require.True(t, ok)
	require.Equal(t, key(5), pk)

	// same key in another group is another contact
	d.Group(2)
	other, _ := d.PeerByKey(2, key(5))
	require.NotEqual(t, c, other)
}

func TestSlotReuse(t *testing.T) {
	d := NewMemory()
	a := d.Join(1, 4, key(1), "a")
	b := d.Join(1, 4, key(2), "b")
	_, _, ok := d.Slot(a)
	require.False(t, ok, "slot taken over by b")
	got, _ := d.PeerBySlot(1, 4)
	require.Equal(t, b, got)

	// moving slots frees the old one
	d.Join(1, 5, key(2), "")
	_, ok = d.PeerBySlot(1, 4)
	require.False(t, ok)
}

func TestSelfAndExitAll(t *testing.T) {
	d := NewMemory()
	self := d.SetSelf(1, 0, key(9), "me")
	peer := d.Join(1, 1, key(1), "p")
	other := d.Join(2, 1, key(1), "p")
	require.True(t, d.IsSelf(self))
	require.False(t, d.IsSelf(peer))
	require.Len(t, d.Members(1), 2)

	d.ExitAll(1)
	for _, c := range []model.ContactID{self, peer} {
		_, _, ok := d.Slot(c)
		require.False(t, ok)
	}
	_, _, ok := d.Slot(other)
	require.True(t, ok)
}
