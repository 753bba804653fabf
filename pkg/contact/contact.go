// Package contact maps transient (group, peer slot) pairs handed out by the
// group transport to stable contact ids, and keeps the small amount of peer
// metadata the history engine needs.
package contact

import (
	"time"

	"github.com/juanpablocruz/ngchs/pkg/model"
)

// Directory is the read side of the contact store used by the history engine.
type Directory interface {
	// PeerBySlot resolves a live (group, peer) pair.
	PeerBySlot(group, peer uint32) (model.ContactID, bool)
	// PeerByKey returns the member of group with the given long term key,
	// creating an offline contact for it if none exists yet.
	PeerByKey(group uint32, key model.PublicKey) (model.ContactID, bool)
	// Slot returns the transport address of c. ok is false when c is not
	// currently reachable.
	Slot(c model.ContactID) (group, peer uint32, ok bool)

	PublicKey(c model.ContactID) (model.PublicKey, bool)
	Name(c model.ContactID) string
	FirstSeen(c model.ContactID) (time.Time, bool)
	// Parent returns the group a member belongs to.
	Parent(c model.ContactID) (model.ContactID, bool)
	// IsGroup reports whether c is a group contact, the only class of
	// recipient whose history is shared.
	IsGroup(c model.ContactID) bool
	IsSelf(c model.ContactID) bool
}
