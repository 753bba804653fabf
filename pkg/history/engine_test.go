package history

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/juanpablocruz/ngchs/pkg/contact"
	"github.com/juanpablocruz/ngchs/pkg/eventbus"
	"github.com/juanpablocruz/ngchs/pkg/model"
	"github.com/juanpablocruz/ngchs/pkg/msgstore"
	"github.com/juanpablocruz/ngchs/pkg/ngc"
	"github.com/juanpablocruz/ngchs/pkg/transport"
	"github.com/juanpablocruz/ngchs/pkg/wire"
)

var t0 = time.Unix(1700000000, 0)

type sentPacket struct {
	group, peer uint32
	private     bool
	data        []byte
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentPacket
	fail error
}

func (f *fakeSender) SendGroupPacket(group, peer uint32, private bool, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sentPacket{group, peer, private, append([]byte(nil), data...)})
	return nil
}

func (f *fakeSender) packets() []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPacket(nil), f.sent...)
}

type fixture struct {
	clk     clockwork.FakeClock
	dir     *contact.Memory
	store   *msgstore.Memory
	reg     msgstore.Registry
	sender  *fakeSender
	eng     *Engine
	changes []msgstore.ChangeEvent

	group model.ContactID
	self  model.ContactID
	alice model.ContactID // slot 1
	bob   model.ContactID // slot 2
}

func key(b byte) model.PublicKey {
	var k model.PublicKey
	k[0] = b
	return k
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clk: clockwork.NewFakeClockAt(t0), sender: &fakeSender{}}
	bus := eventbus.New()
	bus.Subscribe(eventbus.HandlerFunc(func(ev eventbus.Event) bool {
		f.changes = append(f.changes, ev.(msgstore.ChangeEvent))
		return true
	}), msgstore.KindConstruct, msgstore.KindUpdate)

	f.dir = contact.NewMemory(contact.WithClock(f.clk))
	f.store = msgstore.NewMemory(bus)
	f.group = f.dir.Group(1)
	f.reg = f.store.Ensure(f.group)
	f.self = f.dir.SetSelf(1, 0, key(0xEE), "me")
	f.alice = f.dir.Join(1, 1, key(1), "alice")
	f.bob = f.dir.Join(1, 2, key(2), "bob")

	cfg := DefaultConfig()
	cfg.Seed = 1
	f.eng = New(f.sender, f.dir, f.store,
		WithClock(f.clk), WithConfig(cfg), WithLogger(zaptest.NewLogger(t)))
	return f
}

func (f *fixture) join(peer uint32) {
	f.eng.OnEvent(transport.PeerJoinEvent{Group: 1, Peer: peer})
}

func decodeSent(t *testing.T, p sentPacket) (byte, []byte) {
	t.Helper()
	require.True(t, p.private, "history packets are always private")
	v, id, rest, ok := wire.DecodeHeader(p.data)
	require.True(t, ok)
	require.Equal(t, wire.Version1, v)
	return id, rest
}

func TestPeerJoinCreatesSingleEntry(t *testing.T) {
	f := newFixture(t)

	f.join(1)
	f.join(1)
	require.Len(t, f.eng.requests, 1)
	ent := f.eng.requests[f.alice]
	require.GreaterOrEqual(t, ent.delay, 5*time.Second)
	require.Less(t, ent.delay, 11*time.Second)
	require.Equal(t, uint8(130), ent.syncDelta)
	require.Zero(t, ent.elapsed)

	f.join(0)  // ourselves
	f.join(42) // nobody
	require.Len(t, f.eng.requests, 1)
}

func TestRequestFiresAndRequeues(t *testing.T) {
	f := newFixture(t)
	f.join(1)
	delay := f.eng.requests[f.alice].delay

	hint := f.eng.Tick(4 * time.Second)
	require.Empty(t, f.sender.packets())
	require.Equal(t, delay-4*time.Second, hint)

	hint = f.eng.Tick(delay)
	pkts := f.sender.packets()
	require.Len(t, pkts, 1)
	require.Equal(t, uint32(1), pkts[0].group)
	require.Equal(t, uint32(1), pkts[0].peer)
	id, rest := decodeSent(t, pkts[0])
	require.Equal(t, wire.PacketRequest, id)
	req, err := wire.DecodeRequest(rest)
	require.NoError(t, err)
	require.Equal(t, uint8(130), req.SyncDelta)
	require.Equal(t, f.eng.cfg.BetweenSyncsMin, hint)

	ent := f.eng.requests[f.alice]
	require.Zero(t, ent.elapsed)
	require.GreaterOrEqual(t, ent.delay, 30*time.Minute)
	require.Less(t, ent.delay, 64*time.Minute)
	require.Equal(t, wire.ClampSyncDelta(int(ent.delay.Minutes()*2)+1), ent.syncDelta)
	require.GreaterOrEqual(t, ent.syncDelta, uint8(61))

	// steady state: the next request carries the overlap window rolled
	// with the previous delay; firing re-rolls both
	wantDelta, nextDelay := ent.syncDelta, ent.delay
	f.eng.Tick(nextDelay)
	pkts = f.sender.packets()
	require.Len(t, pkts, 2)
	_, rest = decodeSent(t, pkts[1])
	require.Equal(t, []byte{wantDelta}, rest)
	require.Equal(t, wire.ClampSyncDelta(int(ent.delay.Minutes()*2)+1), ent.syncDelta)
}

func TestRequestSendFailureRemovesEntry(t *testing.T) {
	f := newFixture(t)
	f.join(1)
	f.join(2)
	f.sender.fail = errors.New("offline")

	f.eng.Tick(time.Minute)
	require.Empty(t, f.eng.requests)
	require.Equal(t, f.eng.cfg.NextRequestMin, f.eng.Tick(time.Second))
}

func TestRequestPeerGoneRemovesEntry(t *testing.T) {
	f := newFixture(t)
	f.join(1)
	f.dir.Exit(1, 1)

	f.eng.Tick(time.Minute)
	require.Empty(t, f.eng.requests)
	require.Empty(t, f.sender.packets())
}

func TestForget(t *testing.T) {
	f := newFixture(t)
	f.join(1)
	f.eng.Forget(f.alice)
	require.Zero(t, f.eng.Stats().Requests)
}

func TestTickHintIsMinimum(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, 30*time.Minute, f.eng.Tick(0))

	f.join(1)
	f.join(2)
	want := min(f.eng.requests[f.alice].delay, f.eng.requests[f.bob].delay)
	require.Equal(t, want, f.eng.Tick(0))
}

func TestAttachDetach(t *testing.T) {
	f := newFixture(t)
	tbus, pbus := eventbus.New(), eventbus.New()
	f.eng.Attach(tbus, pbus)
	require.Equal(t, 1, tbus.Subscribers(transport.KindPeerJoin))
	require.Equal(t, 1, pbus.Subscribers(ngc.KindRequest))
	require.Equal(t, 1, pbus.Subscribers(ngc.KindSyncMessage))

	tbus.Dispatch(transport.PeerJoinEvent{Group: 1, Peer: 1})
	require.Equal(t, 1, f.eng.Stats().Requests)

	f.eng.Detach()
	require.Zero(t, tbus.Subscribers(transport.KindPeerJoin))
	require.Zero(t, pbus.Subscribers(ngc.KindRequest))
}
