package history

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/juanpablocruz/ngchs/pkg/metrics"
	"github.com/juanpablocruz/ngchs/pkg/model"
	"github.com/juanpablocruz/ngchs/pkg/msgstore"
	"github.com/juanpablocruz/ngchs/pkg/ngc"
	"github.com/juanpablocruz/ngchs/pkg/wire"
)

type syncEntry struct {
	delay   time.Duration
	elapsed time.Duration
	pending []model.EntityID // newest first
}

func (e *Engine) onRequest(ev ngc.RequestEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := e.logger.With(zap.Uint32("group", ev.Group), zap.Uint32("peer", ev.Peer))
	c, ok := e.contacts.PeerBySlot(ev.Group, ev.Peer)
	if !ok {
		log.Warn("history.request_unknown_peer")
		e.metrics.Dropped(metrics.DropUnresolvedPeer)
		return
	}
	if _, busy := e.syncs[c]; busy {
		log.Warn("history.request_while_syncing", contactField(c))
		e.metrics.Dropped(metrics.DropDuplicateRequest)
		return
	}
	reg, ok := e.registryOf(c)
	if !ok {
		log.Error("history.request_no_registry", contactField(c))
		e.metrics.Dropped(metrics.DropNoRegistry)
		return
	}

	ids, err := e.selectCandidates(reg, c, ev.SyncDelta)
	if err != nil {
		log.Error("history.select_candidates_err", zap.Error(err))
		return
	}
	log.Info("history.request_received", zap.Uint8("sync_delta", ev.SyncDelta), zap.Int("selected", len(ids)))
	if len(ids) == 0 {
		return
	}
	e.syncs[c] = &syncEntry{
		delay:   e.jitter(e.cfg.BetweenSyncsMin, e.cfg.BetweenSyncsAdd),
		pending: ids,
	}
}

// registryOf returns the registry of the group member c belongs to.
func (e *Engine) registryOf(c model.ContactID) (msgstore.Registry, bool) {
	group, ok := e.contacts.Parent(c)
	if !ok {
		return nil, false
	}
	return e.store.Registry(group)
}

// tickSyncs drains at most one message per due queue.
func (e *Engine) tickSyncs(delta time.Duration) time.Duration {
	hint := e.cfg.NextRequestMin
	for _, c := range sortedKeys(e.syncs) {
		ent := e.syncs[c]
		ent.elapsed += delta
		if ent.elapsed < ent.delay {
			hint = min(hint, ent.delay-ent.elapsed)
			continue
		}
		ent.elapsed = 0

		group, peer, ok := e.contacts.Slot(c)
		if !ok {
			e.logger.Debug("history.sync_peer_gone", contactField(c))
			delete(e.syncs, c)
			continue
		}
		reg, ok := e.registryOf(c)
		if !ok {
			e.logger.Error("history.sync_no_registry", contactField(c))
			delete(e.syncs, c)
			continue
		}

		id := ent.pending[0]
		ent.pending = ent.pending[1:]

		msg, err := e.wireMessage(reg, id)
		if err != nil {
			// skip this one, keep draining the rest
			e.logger.Warn("history.sync_skip", contactField(c), zap.Uint64("id", uint64(id)), zap.Error(err))
		} else if err := e.sendSyncMessageLocked(group, peer, msg); err != nil {
			e.logger.Info("history.send_sync_message_err",
				zap.Uint32("group", group), zap.Uint32("peer", peer), zap.Error(err))
			delete(e.syncs, c)
			continue
		}

		if len(ent.pending) == 0 {
			e.logger.Debug("history.sync_done", contactField(c))
			delete(e.syncs, c)
			continue
		}
		hint = min(hint, ent.delay)
	}
	return hint
}

// wireMessage resolves the stored message id into its wire form.
func (e *Engine) wireMessage(reg msgstore.Registry, id model.EntityID) (wire.SyncMessage, error) {
	m, err := reg.Get(id)
	if err != nil {
		return wire.SyncMessage{}, err
	}
	if m.Text == "" {
		return wire.SyncMessage{}, wire.ErrEmptyText
	}
	key, ok := e.contacts.PublicKey(m.From)
	if !ok {
		return wire.SyncMessage{}, fmt.Errorf("sender %d has no public key", m.From)
	}
	return wire.SyncMessage{
		MessageID:    m.MessageID,
		SenderPubKey: key,
		Timestamp:    uint32(m.Timestamp.Unix()),
		SenderName:   e.contacts.Name(m.From),
		Text:         m.Text,
	}, nil
}

// SendSyncMessage replays one message to peer.
func (e *Engine) SendSyncMessage(group, peer uint32, m wire.SyncMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendSyncMessageLocked(group, peer, m)
}

func (e *Engine) sendSyncMessageLocked(group, peer uint32, m wire.SyncMessage) error {
	pkt, err := wire.EncodeSyncMessage(m, e.cfg.MaxPacketLength)
	if err != nil {
		return fmt.Errorf("encode sync message %d: %w", m.MessageID, err)
	}
	err = e.sender.SendGroupPacket(group, peer, true, pkt)
	e.metrics.Sent("sync_message", err)
	if err != nil {
		return fmt.Errorf("send sync message to %d/%d: %w", group, peer, err)
	}
	e.logger.Debug("history.sync_message_sent",
		zap.Uint32("group", group), zap.Uint32("peer", peer), zap.Uint32("message_id", m.MessageID))
	return nil
}
