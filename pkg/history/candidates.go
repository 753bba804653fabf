package history

import (
	"time"

	"github.com/juanpablocruz/ngchs/pkg/model"
	"github.com/juanpablocruz/ngchs/pkg/msgstore"
)

// selectCandidates picks the messages to replay to requester, newest
// first. Only group messages not older than the requested window are
// offered, and never from before the requester was first seen. Messages we
// are already recorded as having synced are skipped.
func (e *Engine) selectCandidates(reg msgstore.Registry, requester model.ContactID, syncDelta uint8) ([]model.EntityID, error) {
	floor := e.clock.Now().Add(-time.Duration(syncDelta) * time.Minute)
	if fs, ok := e.contacts.FirstSeen(requester); ok && fs.After(floor) {
		floor = fs
	}

	var out []model.EntityID
	err := reg.Descending(func(m *model.Message) bool {
		if m.Timestamp.Before(floor) {
			// everything after this is older
			return false
		}
		if !e.contacts.IsGroup(m.To) {
			return true
		}
		if e.syncedBySelf(m) {
			return true
		}
		out = append(out, m.ID)
		return true
	})
	return out, err
}

func (e *Engine) syncedBySelf(m *model.Message) bool {
	for c := range m.SyncedBy {
		if e.contacts.IsSelf(c) {
			return true
		}
	}
	return false
}
