package history

import (
	"time"

	"go.uber.org/zap"

	"github.com/juanpablocruz/ngchs/pkg/eventbus"
	"github.com/juanpablocruz/ngchs/pkg/metrics"
	"github.com/juanpablocruz/ngchs/pkg/model"
	"github.com/juanpablocruz/ngchs/pkg/msgstore"
	"github.com/juanpablocruz/ngchs/pkg/ngc"
)

// notice is a change notification to fire once the engine lock is released.
type notice struct {
	reg  msgstore.Registry
	kind eventbus.Kind
	id   model.EntityID
}

func (e *Engine) onSyncMessage(ev ngc.SyncMessageEvent) bool {
	e.mu.Lock()
	n, handled := e.reconcile(ev)
	e.mu.Unlock()

	if n != nil {
		n.reg.Notify(n.kind, n.id)
	}
	return handled
}

func (e *Engine) reconcile(ev ngc.SyncMessageEvent) (*notice, bool) {
	log := e.logger.With(
		zap.Uint32("group", ev.Group), zap.Uint32("peer", ev.Peer),
		zap.Uint32("message_id", ev.MessageID))

	by, ok := e.contacts.PeerBySlot(ev.Group, ev.Peer)
	if !ok {
		log.Warn("history.sync_unknown_peer")
		e.metrics.Dropped(metrics.DropUnresolvedPeer)
		return nil, false
	}
	group, ok := e.contacts.Parent(by)
	if !ok {
		log.Error("history.sync_no_parent", contactField(by))
		e.metrics.Dropped(metrics.DropNoRegistry)
		return nil, false
	}
	reg, ok := e.store.Registry(group)
	if !ok {
		log.Error("history.sync_no_registry", contactField(group))
		e.metrics.Dropped(metrics.DropNoRegistry)
		return nil, false
	}
	now := e.clock.Now()
	ts := time.Unix(int64(ev.Timestamp), 0)
	if ts.Sub(now) > e.cfg.MaxFuture {
		log.Warn("history.sync_future_timestamp", zap.Time("ts", ts), zap.Time("now", now))
		e.metrics.Dropped(metrics.DropFutureTimestamp)
		return nil, true
	}

	// PeerByKey creates unknown senders; rejected messages must not
	sender, ok := e.contacts.PeerByKey(ev.Group, ev.SenderPubKey)
	if !ok {
		log.Error("history.sync_unresolved_sender")
		e.metrics.Dropped(metrics.DropUnresolvedPeer)
		return nil, false
	}

	match, err := e.findMatch(reg, ev.MessageID, sender, ts)
	if err != nil {
		log.Error("history.sync_lookup_err", zap.Error(err))
		return nil, false
	}

	if match == nil {
		m := &model.Message{
			From:               sender,
			To:                 group,
			MessageID:          ev.MessageID,
			Text:               ev.Text,
			Timestamp:          ts,
			TimestampWritten:   ts,
			TimestampProcessed: now,
			Unread:             true,
		}
		m.AddSyncedBy(by, now)
		m.AddReceivedBy(by, now)
		id, err := reg.Create(m)
		if err != nil {
			log.Error("history.sync_create_err", zap.Error(err))
			return nil, false
		}
		e.metrics.Reconcile(metrics.OutcomeCreated)
		log.Debug("history.sync_created", zap.Uint64("id", uint64(id)))
		return &notice{reg: reg, kind: msgstore.KindConstruct, id: id}, true
	}

	outcome := metrics.OutcomeUnchanged
	switch {
	case !match.HasWritten():
		match.TimestampWritten = ts
		outcome = metrics.OutcomeWritten
	case ts.Before(match.TimestampWritten):
		// the earliest confirmed time wins
		match.TimestampWritten = ts
		match.Timestamp = ts
		outcome = metrics.OutcomeCorrected
	}
	synced := match.AddSyncedBy(by, now)
	received := match.AddReceivedBy(by, now)

	e.metrics.Reconcile(outcome)
	if outcome == metrics.OutcomeUnchanged && !synced && !received {
		return nil, true
	}
	if err := reg.Update(match); err != nil {
		log.Error("history.sync_update_err", zap.Error(err))
		return nil, false
	}
	log.Debug("history.sync_merged", zap.Uint64("id", uint64(match.ID)), zap.String("outcome", outcome))
	if outcome == metrics.OutcomeUnchanged {
		return nil, true
	}
	return &notice{reg: reg, kind: msgstore.KindUpdate, id: match.ID}, true
}

// findMatch returns the stored message of sender with messageID whose
// timestamp is within MaxAgeDifference of ts. The closest timestamp wins,
// then the lowest entity id.
func (e *Engine) findMatch(reg msgstore.Registry, messageID uint32, sender model.ContactID, ts time.Time) (*model.Message, error) {
	lo := ts.Add(-e.cfg.MaxAgeDifference)
	hi := ts.Add(e.cfg.MaxAgeDifference)

	var best *model.Message
	var bestDiff time.Duration
	err := reg.Descending(func(m *model.Message) bool {
		if m.Timestamp.Before(lo) {
			return false
		}
		if m.Timestamp.After(hi) || m.MessageID != messageID || m.From != sender {
			return true
		}
		d := m.Timestamp.Sub(ts).Abs()
		if best == nil || d < bestDiff || (d == bestDiff && m.ID < best.ID) {
			best, bestDiff = m, d
		}
		return true
	})
	return best, err
}
