// Package msgstore defines the message history store the history engine
// reads and writes, plus an in-memory implementation.
//
// Writes never notify on their own. Callers decide when a change is worth
// announcing and call Registry.Notify, which dispatches a ChangeEvent on the
// store's event bus.
package msgstore

import (
	"errors"

	"github.com/juanpablocruz/ngchs/pkg/eventbus"
	"github.com/juanpablocruz/ngchs/pkg/model"
)

var ErrNotFound = errors.New("msgstore: message not found")

// Change kinds dispatched by Registry.Notify.
const (
	KindConstruct eventbus.Kind = 0x0100 + iota
	KindUpdate
)

// ChangeEvent announces that a message of a group registry was created or
// modified.
type ChangeEvent struct {
	Change eventbus.Kind
	Group  model.ContactID
	ID     model.EntityID
}

func (e ChangeEvent) Kind() eventbus.Kind { return e.Change }

// Registry holds the messages of one group.
type Registry interface {
	Group() model.ContactID
	// Create stores a copy of m under a fresh entity id, which is returned
	// and also written back into m.ID.
	Create(m *model.Message) (model.EntityID, error)
	// Get returns a copy of the message, or ErrNotFound.
	Get(id model.EntityID) (*model.Message, error)
	// Update replaces the stored message with the same ID.
	Update(m *model.Message) error
	// Descending calls fn for each message, newest timestamp first and ties
	// by entity id descending, until fn returns false. fn receives copies
	// and may write to the registry.
	Descending(fn func(*model.Message) bool) error
	Notify(kind eventbus.Kind, id model.EntityID)
}

// Store hands out per-group registries.
type Store interface {
	// Registry returns the registry of group, if the group has one.
	Registry(group model.ContactID) (Registry, bool)
}

// GroupStore is a Store that can create registries.
type GroupStore interface {
	Store
	// EnsureGroup returns the registry of group, creating it.
	EnsureGroup(group model.ContactID) (Registry, error)
}

// Emit dispatches a ChangeEvent on bus. A nil bus drops it.
func Emit(bus *eventbus.Bus, kind eventbus.Kind, group model.ContactID, id model.EntityID) {
	if bus == nil {
		return
	}
	bus.Dispatch(ChangeEvent{Change: kind, Group: group, ID: id})
}

// Newer reports whether a sorts before b in Descending order.
func Newer(a, b *model.Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID > b.ID
}

// Count returns the number of messages in r.
func Count(r Registry) (int, error) {
	n := 0
	err := r.Descending(func(*model.Message) bool { n++; return true })
	return n, err
}
