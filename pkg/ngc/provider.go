// Package ngc turns raw group custom packets into typed protocol events.
//
// The Provider listens for custom packets on the transport bus, checks the
// header and decodes the payload, then dispatches the result on the protocol
// bus. Packets without the magic belong to someone else and are left
// unhandled. Malformed packets are logged and dropped.
package ngc

import (
	"go.uber.org/zap"

	"github.com/juanpablocruz/ngchs/pkg/eventbus"
	"github.com/juanpablocruz/ngchs/pkg/metrics"
	"github.com/juanpablocruz/ngchs/pkg/transport"
	"github.com/juanpablocruz/ngchs/pkg/wire"
)

type Provider struct {
	out     *eventbus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics
	sub     *eventbus.Subscription
}

type Option func(*Provider)

func WithLogger(l *zap.Logger) Option { return func(p *Provider) { p.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Provider) { p.metrics = m } }

// NewProvider returns a Provider publishing on out.
func NewProvider(out *eventbus.Bus, opts ...Option) *Provider {
	p := &Provider{out: out, logger: zap.NewNop()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Attach subscribes to custom packets on in.
func (p *Provider) Attach(in *eventbus.Bus) {
	p.sub = in.Subscribe(p, transport.KindGroupCustomPacket, transport.KindGroupCustomPrivatePacket)
}

func (p *Provider) Detach() {
	if p.sub != nil {
		p.sub.Unsubscribe()
	}
}

func (p *Provider) OnEvent(ev eventbus.Event) bool {
	pe, ok := ev.(transport.PacketEvent)
	if !ok {
		return false
	}
	return p.HandlePacket(Origin{Group: pe.Group, Peer: pe.Peer, Private: pe.Private}, pe.Data)
}

// HandlePacket decodes one packet. It reports whether the packet was ours.
func (p *Provider) HandlePacket(from Origin, data []byte) bool {
	version, id, payload, ok := wire.DecodeHeader(data)
	if !ok {
		return false
	}
	log := p.logger.With(
		zap.Uint32("group", from.Group),
		zap.Uint32("peer", from.Peer),
		zap.Bool("private", from.Private),
	)
	if version != wire.Version1 {
		log.Warn("ngc.unknown_packet", zap.Uint8("version", version), zap.Uint8("id", id))
		p.metrics.Dropped(metrics.DropUnknown)
		return false
	}

	switch id {
	case wire.PacketRequest:
		req, err := wire.DecodeRequest(payload)
		if err != nil {
			log.Warn("ngc.decode_request_err", zap.Int("len", len(payload)), zap.Error(err))
			p.metrics.Dropped(metrics.DropDecode)
			return true
		}
		p.metrics.Received("request")
		p.out.Dispatch(RequestEvent{Origin: from, Request: req})
		return true

	case wire.PacketSyncMessage:
		msg, err := wire.DecodeSyncMessage(payload)
		if err != nil {
			log.Warn("ngc.decode_sync_message_err", zap.Int("len", len(payload)), zap.Error(err))
			p.metrics.Dropped(metrics.DropDecode)
			return true
		}
		if msg.Text == "" {
			// accepted, but there is nothing to show
			log.Warn("ngc.sync_message_empty_text", zap.Uint32("message_id", msg.MessageID))
		}
		p.metrics.Received("sync_message")
		p.out.Dispatch(SyncMessageEvent{Origin: from, SyncMessage: msg})
		return true

	case wire.PacketAudio:
		frame, err := wire.DecodeAudioFrame(payload)
		if err != nil {
			log.Warn("ngc.decode_audio_err", zap.Int("len", len(payload)), zap.Error(err))
			p.metrics.Dropped(metrics.DropDecode)
			return true
		}
		p.metrics.Received("audio")
		p.out.Dispatch(AudioEvent{Origin: from, AudioFrame: frame})
		return true

	case wire.PacketSyncMessageFile, wire.PacketFileTransfer:
		log.Info("ngc.not_implemented", zap.Uint8("id", id), zap.Int("len", len(payload)))
		p.metrics.Dropped(metrics.DropNotImplemented)
		return true
	}

	log.Warn("ngc.unknown_packet", zap.Uint8("version", version), zap.Uint8("id", id))
	p.metrics.Dropped(metrics.DropUnknown)
	return false
}
