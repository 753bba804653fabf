package contact

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/juanpablocruz/ngchs/pkg/model"
)

type entry struct {
	id      model.ContactID
	isGroup bool
	self    bool

	group  uint32 // transport group number
	parent model.ContactID

	key       model.PublicKey
	name      string
	firstSeen time.Time

	online bool
	peer   uint32
}

type slotKey struct{ group, peer uint32 }

type memberKey struct {
	parent model.ContactID
	key    model.PublicKey
}

// Memory is a thread safe in-memory Directory. The host feeds it from
// transport membership events.
type Memory struct {
	mu    sync.RWMutex
	clock clockwork.Clock

	next     model.ContactID
	contacts map[model.ContactID]*entry
	groups   map[uint32]model.ContactID
	members  map[memberKey]model.ContactID
	slots    map[slotKey]model.ContactID
}

var _ Directory = (*Memory)(nil)

// Option configures Memory.
type Option func(*Memory)

// WithClock sets the clock used for first-seen timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(m *Memory) { m.clock = c }
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		clock:    clockwork.NewRealClock(),
		contacts: make(map[model.ContactID]*entry),
		groups:   make(map[uint32]model.ContactID),
		members:  make(map[memberKey]model.ContactID),
		slots:    make(map[slotKey]model.ContactID),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Group returns the contact for transport group number g, creating it.
func (m *Memory) Group(g uint32) model.ContactID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupLocked(g)
}

func (m *Memory) groupLocked(g uint32) model.ContactID {
	if id, ok := m.groups[g]; ok {
		return id
	}
	id := m.alloc(&entry{isGroup: true, group: g, firstSeen: m.clock.Now()})
	m.groups[g] = id
	return id
}

func (m *Memory) alloc(e *entry) model.ContactID {
	m.next++
	e.id = m.next
	m.contacts[e.id] = e
	return e.id
}

func (m *Memory) memberLocked(g uint32, key model.PublicKey) *entry {
	parent := m.groupLocked(g)
	mk := memberKey{parent: parent, key: key}
	if id, ok := m.members[mk]; ok {
		return m.contacts[id]
	}
	e := &entry{group: g, parent: parent, key: key, firstSeen: m.clock.Now()}
	m.alloc(e)
	m.members[mk] = e.id
	return e
}

// SetSelf records our own membership of group g in slot peer.
func (m *Memory) SetSelf(g, peer uint32, key model.PublicKey, name string) model.ContactID {
	id := m.Join(g, peer, key, name)
	m.mu.Lock()
	m.contacts[id].self = true
	m.mu.Unlock()
	return id
}

// Join marks the member with key as reachable at (g, peer). The member is
// created on first sight, which also fixes its first-seen time.
func (m *Memory) Join(g, peer uint32, key model.PublicKey, name string) model.ContactID {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.memberLocked(g, key)
	sk := slotKey{g, peer}
	if old, ok := m.slots[sk]; ok && old != e.id {
		m.contacts[old].online = false
	}
	if e.online {
		delete(m.slots, slotKey{g, e.peer})
	}
	e.online = true
	e.peer = peer
	if name != "" {
		e.name = name
	}
	m.slots[sk] = e.id
	return e.id
}

// Exit marks the member in slot (g, peer) unreachable. The contact and its
// metadata are kept.
func (m *Memory) Exit(g, peer uint32) (model.ContactID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sk := slotKey{g, peer}
	id, ok := m.slots[sk]
	if !ok {
		return 0, false
	}
	delete(m.slots, sk)
	m.contacts[id].online = false
	return id, true
}

// ExitAll marks every member of g unreachable, used when we leave g.
func (m *Memory) ExitAll(g uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sk, id := range m.slots {
		if sk.group != g {
			continue
		}
		delete(m.slots, sk)
		m.contacts[id].online = false
	}
}

// Members returns the ids of all known members of g, reachable or not.
func (m *Memory) Members(g uint32) []model.ContactID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	parent, ok := m.groups[g]
	if !ok {
		return nil
	}
	var out []model.ContactID
	for mk, id := range m.members {
		if mk.parent == parent {
			out = append(out, id)
		}
	}
	return out
}

func (m *Memory) PeerBySlot(g, peer uint32) (model.ContactID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.slots[slotKey{g, peer}]
	return id, ok
}

func (m *Memory) PeerByKey(g uint32, key model.PublicKey) (model.ContactID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[g]; !ok {
		return 0, false
	}
	return m.memberLocked(g, key).id, true
}

func (m *Memory) get(c model.ContactID) (*entry, bool) {
	e, ok := m.contacts[c]
	return e, ok
}

func (m *Memory) Slot(c model.ContactID) (uint32, uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.get(c)
	if !ok || e.isGroup || !e.online {
		return 0, 0, false
	}
	return e.group, e.peer, true
}

func (m *Memory) PublicKey(c model.ContactID) (model.PublicKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.get(c)
	if !ok || e.isGroup {
		return model.PublicKey{}, false
	}
	return e.key, true
}

func (m *Memory) Name(c model.ContactID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.get(c); ok {
		return e.name
	}
	return ""
}

func (m *Memory) FirstSeen(c model.ContactID) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.get(c)
	if !ok {
		return time.Time{}, false
	}
	return e.firstSeen, true
}

func (m *Memory) Parent(c model.ContactID) (model.ContactID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.get(c)
	if !ok || e.isGroup {
		return 0, false
	}
	return e.parent, true
}

func (m *Memory) IsGroup(c model.ContactID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.get(c)
	return ok && e.isGroup
}

func (m *Memory) IsSelf(c model.ContactID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.get(c)
	return ok && e.self
}
