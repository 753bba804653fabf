package history

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/juanpablocruz/ngchs/pkg/metrics"
	"github.com/juanpablocruz/ngchs/pkg/wire"
)

type requestEntry struct {
	delay     time.Duration
	elapsed   time.Duration
	syncDelta uint8
}

func (e *Engine) onPeerJoin(group, peer uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.contacts.PeerBySlot(group, peer)
	if !ok {
		e.logger.Warn("history.join_unknown_peer", zap.Uint32("group", group), zap.Uint32("peer", peer))
		e.metrics.Dropped(metrics.DropUnresolvedPeer)
		return
	}
	if e.contacts.IsSelf(c) {
		return
	}
	if _, ok := e.requests[c]; ok {
		return
	}
	ent := &requestEntry{
		delay:     e.jitter(e.cfg.FirstRequestMin, e.cfg.FirstRequestAdd),
		syncDelta: wire.DefaultSyncDelta,
	}
	e.requests[c] = ent
	e.logger.Debug("history.request_queued",
		zap.Uint32("group", group), zap.Uint32("peer", peer), contactField(c),
		zap.Duration("delay", ent.delay))
}

// tickRequests returns the time until the next request is due.
func (e *Engine) tickRequests(delta time.Duration) time.Duration {
	hint := e.cfg.NextRequestMin
	for _, c := range sortedKeys(e.requests) {
		ent := e.requests[c]
		ent.elapsed += delta
		if ent.elapsed < ent.delay {
			hint = min(hint, ent.delay-ent.elapsed)
			continue
		}

		group, peer, ok := e.contacts.Slot(c)
		if !ok {
			e.logger.Debug("history.request_peer_gone", contactField(c))
			delete(e.requests, c)
			continue
		}
		if err := e.sendRequestLocked(group, peer, ent.syncDelta); err != nil {
			// treated as a disconnect, no retry
			e.logger.Info("history.send_request_err",
				zap.Uint32("group", group), zap.Uint32("peer", peer), zap.Error(err))
			delete(e.requests, c)
			continue
		}

		ent.elapsed = 0
		ent.delay = e.jitter(e.cfg.NextRequestMin, e.cfg.NextRequestAdd)
		// twice the interval, so that consecutive windows overlap
		ent.syncDelta = wire.ClampSyncDelta(int(ent.delay.Minutes()*2) + 1)
		e.logger.Debug("history.request_requeued", contactField(c),
			zap.Duration("delay", ent.delay), zap.Uint8("sync_delta", ent.syncDelta))

		// an answer is likely on its way
		hint = min(hint, e.cfg.BetweenSyncsMin)
	}
	return hint
}

// SendRequest asks peer for the messages of the last syncDelta minutes.
func (e *Engine) SendRequest(group, peer uint32, syncDelta uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sendRequestLocked(group, peer, syncDelta)
}

func (e *Engine) sendRequestLocked(group, peer uint32, syncDelta uint8) error {
	syncDelta = wire.ClampSyncDelta(int(syncDelta))
	err := e.sender.SendGroupPacket(group, peer, true, wire.EncodeRequest(syncDelta))
	e.metrics.Sent("request", err)
	if err != nil {
		return fmt.Errorf("send request to %d/%d: %w", group, peer, err)
	}
	e.logger.Info("history.request_sent",
		zap.Uint32("group", group), zap.Uint32("peer", peer), zap.Uint8("sync_delta", syncDelta))
	return nil
}
