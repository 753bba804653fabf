package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/juanpablocruz/ngchs/pkg/eventbus"
	"github.com/juanpablocruz/ngchs/pkg/model"
)

const inboxSize = 1024

type group struct {
	members  map[uint32]*Endpoint
	nextPeer uint32
}

// Switch is an in-memory group transport. Group numbers and peer slots are
// global to the switch, so every member sees the same slot for a peer.
type Switch struct {
	mu     sync.RWMutex
	eps    map[model.PublicKey]*Endpoint
	groups map[uint32]*group
}

func NewSwitch() *Switch {
	return &Switch{
		eps:    make(map[model.PublicKey]*Endpoint),
		groups: make(map[uint32]*group),
	}
}

// Endpoint is the handle a node uses to take part in groups.
type Endpoint struct {
	sw   *Switch
	key  model.PublicKey
	name string

	in     chan eventbus.Event
	closed chan struct{}
	once   sync.Once

	// own slot per group, guarded by sw.mu
	slots map[uint32]uint32
}

var _ EndpointIF = (*Endpoint)(nil)

// Listen registers a member identity on the switch.
func (s *Switch) Listen(key model.PublicKey, name string) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.eps[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrKeyInUse, key.Short())
	}
	ep := &Endpoint{
		sw: s, key: key, name: name,
		in:     make(chan eventbus.Event, inboxSize),
		closed: make(chan struct{}),
		slots:  make(map[uint32]uint32),
	}
	s.eps[key] = ep
	return ep, nil
}

// Members returns the occupied slots of g in ascending order.
func (s *Switch) Members(g uint32) []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	grp, ok := s.groups[g]
	if !ok {
		return nil
	}
	out := make([]uint32, 0, len(grp.members))
	for p := range grp.members {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (e *Endpoint) Key() model.PublicKey { return e.key }
func (e *Endpoint) Name() string         { return e.name }

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

func (e *Endpoint) Join(g uint32) (uint32, error) {
	if e.isClosed() {
		return 0, ErrClosed
	}
	s := e.sw
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := e.slots[g]; ok {
		return p, nil
	}
	grp, ok := s.groups[g]
	if !ok {
		grp = &group{members: make(map[uint32]*Endpoint)}
		s.groups[g] = grp
	}
	self := grp.nextPeer
	grp.nextPeer++

	for p, m := range grp.members {
		m.deliver(PeerJoinEvent{Group: g, Peer: self, Key: e.key, Name: e.name})
		e.deliver(PeerJoinEvent{Group: g, Peer: p, Key: m.key, Name: m.name})
	}
	grp.members[self] = e
	e.slots[g] = self
	return self, nil
}

func (e *Endpoint) Leave(g uint32) error {
	s := e.sw
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.leaveLocked(g)
}

func (e *Endpoint) leaveLocked(g uint32) error {
	s := e.sw
	self, ok := e.slots[g]
	if !ok {
		return fmt.Errorf("leave %d: %w", g, ErrNotMember)
	}
	delete(e.slots, g)
	grp := s.groups[g]
	delete(grp.members, self)
	for _, m := range grp.members {
		m.deliver(PeerExitEvent{Group: g, Peer: self})
	}
	if len(grp.members) == 0 {
		delete(s.groups, g)
	}
	return nil
}

func (e *Endpoint) SendGroupPacket(g, peer uint32, private bool, data []byte) error {
	if len(data) > MaxCustomPacketLength {
		return fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(data))
	}
	if e.isClosed() {
		return ErrClosed
	}
	s := e.sw
	s.mu.RLock()
	defer s.mu.RUnlock()
	self, ok := e.slots[g]
	if !ok {
		return fmt.Errorf("send to group %d: %w", g, ErrNotMember)
	}
	grp := s.groups[g]
	if !private {
		for p, m := range grp.members {
			if p != self {
				m.deliver(PacketEvent{Group: g, Peer: self, Data: slices.Clone(data)})
			}
		}
		return nil
	}
	dst, ok := grp.members[peer]
	if !ok || peer == self {
		return fmt.Errorf("send to %d/%d: %w", g, peer, ErrUnknownPeer)
	}
	if !dst.deliver(PacketEvent{Group: g, Peer: self, Private: true, Data: slices.Clone(data)}) {
		return ErrInboxFull
	}
	return nil
}

func (e *Endpoint) SendGroupMessage(g, messageID uint32, text string) error {
	if e.isClosed() {
		return ErrClosed
	}
	s := e.sw
	s.mu.RLock()
	defer s.mu.RUnlock()
	self, ok := e.slots[g]
	if !ok {
		return fmt.Errorf("message to group %d: %w", g, ErrNotMember)
	}
	for p, m := range s.groups[g].members {
		if p != self {
			m.deliver(MessageEvent{Group: g, Peer: self, MessageID: messageID, Text: text})
		}
	}
	return nil
}

// Recv blocks until an event arrives or ctx/endpoint is closed.
func (e *Endpoint) Recv(ctx context.Context) (eventbus.Event, bool) {
	select {
	case <-e.closed:
		return nil, false
	case <-ctx.Done():
		return nil, false
	case ev := <-e.in:
		return ev, true
	}
}

// Close leaves every group and unregisters the endpoint.
func (e *Endpoint) Close() {
	e.once.Do(func() {
		s := e.sw
		s.mu.Lock()
		for g := range e.slots {
			_ = e.leaveLocked(g)
		}
		delete(s.eps, e.key)
		s.mu.Unlock()
		close(e.closed)
	})
}

func (e *Endpoint) deliver(ev eventbus.Event) bool {
	if e.isClosed() {
		return false
	}
	select {
	case e.in <- ev:
		return true
	default:
		// backpressure: drop
		return false
	}
}
