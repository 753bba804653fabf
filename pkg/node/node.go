// Package node hosts one NGC client: it drives a transport endpoint,
// keeps the contact directory and message store current from transport
// events, and runs the history engine on a timer.
package node

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/juanpablocruz/ngchs/pkg/contact"
	"github.com/juanpablocruz/ngchs/pkg/eventbus"
	"github.com/juanpablocruz/ngchs/pkg/history"
	"github.com/juanpablocruz/ngchs/pkg/metrics"
	"github.com/juanpablocruz/ngchs/pkg/model"
	"github.com/juanpablocruz/ngchs/pkg/msgstore"
	"github.com/juanpablocruz/ngchs/pkg/ngc"
	"github.com/juanpablocruz/ngchs/pkg/transport"
)

var ErrNotJoined = errors.New("node: not a member of group")

const (
	DefaultMinTick = 10 * time.Millisecond
	DefaultMaxTick = time.Second
)

type membership struct {
	contact model.ContactID
	self    model.ContactID
}

type Node struct {
	Name string
	EP   transport.EndpointIF

	Contacts *contact.Memory
	Store    msgstore.GroupStore
	Engine   *history.Engine
	Provider *ngc.Provider
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock

	// Transport events, protocol events, store changes.
	Bus     *eventbus.Bus
	NGC     *eventbus.Bus
	Changes *eventbus.Bus

	Events chan Event

	MinTick, MaxTick time.Duration

	historyCfg history.Config
	logger     *zap.Logger

	mu     sync.Mutex
	groups map[uint32]membership

	subs   []*eventbus.Subscription
	kickCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(name string, ep transport.EndpointIF, opts ...NodeOption) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		Name:       name,
		EP:         ep,
		Clock:      clockwork.NewRealClock(),
		MinTick:    DefaultMinTick,
		MaxTick:    DefaultMaxTick,
		historyCfg: history.DefaultConfig(),
		logger:     zap.NewNop(),
		groups:     make(map[uint32]membership),
		kickCh:     make(chan struct{}, 1),
		ctx:        ctx, cancel: cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	n.logger = n.logger.With(zap.String("node", name))
	if n.Store == nil {
		n.Changes = eventbus.New(eventbus.WithLogger(n.logger))
		n.Store = msgstore.NewMemory(n.Changes)
	}
	if n.Changes == nil {
		n.Changes = eventbus.New(eventbus.WithLogger(n.logger))
	}
	n.Bus = eventbus.New(eventbus.WithLogger(n.logger))
	n.NGC = eventbus.New(eventbus.WithLogger(n.logger))
	n.Contacts = contact.NewMemory(contact.WithClock(n.Clock))

	n.Provider = ngc.NewProvider(n.NGC, ngc.WithLogger(n.logger), ngc.WithMetrics(n.Metrics))
	n.Engine = history.New(ep, n.Contacts, n.Store,
		history.WithConfig(n.historyCfg),
		history.WithClock(n.Clock),
		history.WithLogger(n.logger),
		history.WithMetrics(n.Metrics),
	)

	// the directory must see membership changes before the engine does
	n.subs = append(n.subs, n.Bus.Subscribe(eventbus.HandlerFunc(n.onMembership),
		transport.KindPeerJoin, transport.KindPeerExit))
	n.Provider.Attach(n.Bus)
	n.Engine.Attach(n.Bus, n.NGC)
	n.subs = append(n.subs,
		n.Bus.Subscribe(eventbus.HandlerFunc(n.onLiveMessage), transport.KindGroupMessage),
		n.Bus.Subscribe(eventbus.HandlerFunc(n.onKick), transport.KindPeerJoin),
		n.NGC.Subscribe(eventbus.HandlerFunc(n.onKick), ngc.KindRequest),
		n.Changes.Subscribe(eventbus.HandlerFunc(n.onChange), msgstore.KindConstruct, msgstore.KindUpdate),
	)
	return n
}

func (n *Node) AttachEvents(ch chan Event) { n.Events = ch }

func (n *Node) Start() {
	n.wg.Add(2)
	go n.recvLoop()
	go n.tickLoop()
}

// Stop halts both loops and detaches every subscriber. The endpoint is left
// open.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()
	n.Engine.Detach()
	n.Provider.Detach()
	for _, s := range n.subs {
		s.Unsubscribe()
	}
}

// Join enters group g and prepares its history registry.
func (n *Node) Join(g uint32) error {
	peer, err := n.EP.Join(g)
	if err != nil {
		return fmt.Errorf("join group %d: %w", g, err)
	}
	gc := n.Contacts.Group(g)
	self := n.Contacts.SetSelf(g, peer, n.EP.Key(), n.Name)
	if _, err := n.Store.EnsureGroup(gc); err != nil {
		return fmt.Errorf("join group %d: %w", g, err)
	}
	n.mu.Lock()
	n.groups[g] = membership{contact: gc, self: self}
	n.mu.Unlock()

	n.logger.Info("node.joined", zap.Uint32("group", g), zap.Uint32("peer", peer))
	n.emit(EventJoin, map[string]any{"group": g, "peer": peer})
	return nil
}

func (n *Node) Leave(g uint32) error {
	if err := n.EP.Leave(g); err != nil {
		return fmt.Errorf("leave group %d: %w", g, err)
	}
	for _, c := range n.Contacts.Members(g) {
		n.Engine.Forget(c)
	}
	n.Contacts.ExitAll(g)
	n.mu.Lock()
	delete(n.groups, g)
	n.mu.Unlock()

	n.logger.Info("node.left", zap.Uint32("group", g))
	n.emit(EventLeave, map[string]any{"group": g})
	return nil
}

// Say stores text as our own message and broadcasts it to group g.
func (n *Node) Say(g uint32, text string) (model.EntityID, error) {
	n.mu.Lock()
	m, ok := n.groups[g]
	n.mu.Unlock()
	if !ok {
		return 0, ErrNotJoined
	}
	reg, ok := n.Store.Registry(m.contact)
	if !ok {
		return 0, ErrNotJoined
	}
	now := n.Clock.Now()
	msg := &model.Message{
		From:               m.self,
		To:                 m.contact,
		MessageID:          genMessageID(),
		Text:               text,
		Timestamp:          now,
		TimestampProcessed: now,
	}
	id, err := reg.Create(msg)
	if err != nil {
		return 0, fmt.Errorf("say: %w", err)
	}
	reg.Notify(msgstore.KindConstruct, id)

	err = n.EP.SendGroupMessage(g, msg.MessageID, text)
	n.Metrics.Sent("message", err)
	if err != nil {
		n.logger.Warn("node.say_send_failed", zap.Uint32("group", g), zap.Error(err))
		n.emit(EventWarn, map[string]any{"msg": "say_send_err", "err": err.Error()})
		return id, fmt.Errorf("say: %w", err)
	}
	n.emit(EventSay, map[string]any{"group": g, "mid": msg.MessageID, "text": text})
	return id, nil
}

// Registry returns the history of group g.
func (n *Node) Registry(g uint32) (msgstore.Registry, bool) {
	n.mu.Lock()
	m, ok := n.groups[g]
	n.mu.Unlock()
	if !ok {
		return nil, false
	}
	return n.Store.Registry(m.contact)
}

func genMessageID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}

func (n *Node) onMembership(ev eventbus.Event) bool {
	switch e := ev.(type) {
	case transport.PeerJoinEvent:
		id := n.Contacts.Join(e.Group, e.Peer, e.Key, e.Name)
		n.logger.Debug("node.peer_joined", zap.Uint32("group", e.Group), zap.Uint32("peer", e.Peer), zap.String("key", e.Key.Short()))
		n.emit(EventPeerJoin, map[string]any{"group": e.Group, "peer": e.Peer, "contact": id, "name": e.Name})
	case transport.PeerExitEvent:
		id, ok := n.Contacts.Exit(e.Group, e.Peer)
		if !ok {
			return false
		}
		n.Engine.Forget(id)
		n.logger.Debug("node.peer_exited", zap.Uint32("group", e.Group), zap.Uint32("peer", e.Peer))
		n.emit(EventPeerExit, map[string]any{"group": e.Group, "peer": e.Peer, "contact": id})
	default:
		return false
	}
	return true
}

func (n *Node) onLiveMessage(ev eventbus.Event) bool {
	e, ok := ev.(transport.MessageEvent)
	if !ok {
		return false
	}
	from, ok := n.Contacts.PeerBySlot(e.Group, e.Peer)
	if !ok {
		n.logger.Warn("node.message_from_unknown_peer", zap.Uint32("group", e.Group), zap.Uint32("peer", e.Peer))
		return false
	}
	n.mu.Lock()
	m, joined := n.groups[e.Group]
	n.mu.Unlock()
	if !joined {
		return false
	}
	reg, ok := n.Store.Registry(m.contact)
	if !ok {
		return false
	}
	now := n.Clock.Now()
	msg := &model.Message{
		From:               from,
		To:                 m.contact,
		MessageID:          e.MessageID,
		Text:               e.Text,
		Timestamp:          now,
		TimestampProcessed: now,
		Unread:             true,
	}
	msg.AddReceivedBy(m.self, now)
	id, err := reg.Create(msg)
	if err != nil {
		n.logger.Error("node.store_live_failed", zap.Uint32("group", e.Group), zap.Error(err))
		return false
	}
	reg.Notify(msgstore.KindConstruct, id)
	n.emit(EventLive, map[string]any{"group": e.Group, "peer": e.Peer, "mid": e.MessageID, "text": e.Text})
	return true
}

func (n *Node) onChange(ev eventbus.Event) bool {
	e, ok := ev.(msgstore.ChangeEvent)
	if !ok {
		return false
	}
	change := "construct"
	if e.Change == msgstore.KindUpdate {
		change = "update"
	}
	n.emit(EventStored, map[string]any{"change": change, "group": e.Group, "id": e.ID})
	return true
}

// onKick wakes the tick loop after events that schedule work.
func (n *Node) onKick(eventbus.Event) bool {
	n.kick()
	return false
}

func (n *Node) kick() {
	select {
	case n.kickCh <- struct{}{}:
	default:
	}
}

func (n *Node) recvLoop() {
	defer n.wg.Done()
	for {
		ev, ok := n.EP.Recv(n.ctx)
		if !ok {
			return
		}
		if n.Bus.Dispatch(ev) {
			continue
		}
		if p, ok := ev.(transport.PacketEvent); ok {
			n.logger.Debug("node.unhandled_packet", zap.Uint32("group", p.Group), zap.Uint32("peer", p.Peer), zap.Int("bytes", len(p.Data)))
		}
	}
}

func (n *Node) tickLoop() {
	defer n.wg.Done()
	last := n.Clock.Now()
	t := n.Clock.NewTimer(n.MinTick)
	defer t.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-t.Chan():
		case <-n.kickCh:
		}
		now := n.Clock.Now()
		hint := n.Engine.Tick(now.Sub(last))
		last = now
		t.Reset(n.clampTick(hint))
	}
}

func (n *Node) clampTick(d time.Duration) time.Duration {
	if d < n.MinTick {
		return n.MinTick
	}
	if d > n.MaxTick {
		return n.MaxTick
	}
	return d
}

func (n *Node) emit(t EventType, f map[string]any) {
	if n.Events == nil {
		return
	}
	select {
	case n.Events <- Event{Time: n.Clock.Now(), Node: n.Name, Type: t, Fields: f}:
	default: // drop if the consumer is slow
	}
}
