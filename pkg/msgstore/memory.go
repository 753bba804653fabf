package msgstore

import (
	"fmt"
	"slices"
	"sync"

	"github.com/juanpablocruz/ngchs/pkg/eventbus"
	"github.com/juanpablocruz/ngchs/pkg/model"
)

// Memory is an in-memory Store.
type Memory struct {
	mu   sync.RWMutex
	bus  *eventbus.Bus
	regs map[model.ContactID]*memRegistry
}

var _ GroupStore = (*Memory)(nil)

// NewMemory returns an empty store that notifies on bus, which may be nil.
func NewMemory(bus *eventbus.Bus) *Memory {
	return &Memory{bus: bus, regs: make(map[model.ContactID]*memRegistry)}
}

// Ensure returns the registry of group, creating it.
func (s *Memory) Ensure(group model.ContactID) Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[group]
	if !ok {
		r = &memRegistry{bus: s.bus, group: group, msgs: make(map[model.EntityID]*model.Message)}
		s.regs[group] = r
	}
	return r
}

func (s *Memory) EnsureGroup(group model.ContactID) (Registry, error) {
	return s.Ensure(group), nil
}

func (s *Memory) Registry(group model.ContactID) (Registry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regs[group]
	if !ok {
		return nil, false
	}
	return r, true
}

type memRegistry struct {
	bus   *eventbus.Bus
	group model.ContactID

	mu   sync.RWMutex
	next model.EntityID
	msgs map[model.EntityID]*model.Message
}

func (r *memRegistry) Group() model.ContactID { return r.group }

func (r *memRegistry) Create(m *model.Message) (model.EntityID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	m.ID = r.next
	r.msgs[m.ID] = m.Clone()
	return m.ID, nil
}

func (r *memRegistry) Get(id model.EntityID) (*model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.msgs[id]
	if !ok {
		return nil, fmt.Errorf("get %d: %w", id, ErrNotFound)
	}
	return m.Clone(), nil
}

func (r *memRegistry) Update(m *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.msgs[m.ID]; !ok {
		return fmt.Errorf("update %d: %w", m.ID, ErrNotFound)
	}
	r.msgs[m.ID] = m.Clone()
	return nil
}

func (r *memRegistry) Descending(fn func(*model.Message) bool) error {
	r.mu.RLock()
	snap := make([]*model.Message, 0, len(r.msgs))
	for _, m := range r.msgs {
		snap = append(snap, m.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(snap, func(a, b *model.Message) int {
		switch {
		case Newer(a, b):
			return -1
		case Newer(b, a):
			return 1
		}
		return 0
	})
	for _, m := range snap {
		if !fn(m) {
			return nil
		}
	}
	return nil
}

func (r *memRegistry) Notify(kind eventbus.Kind, id model.EntityID) {
	Emit(r.bus, kind, r.group, id)
}
