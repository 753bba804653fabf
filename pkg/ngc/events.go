package ngc

import (
	"github.com/juanpablocruz/ngchs/pkg/eventbus"
	"github.com/juanpablocruz/ngchs/pkg/wire"
)

// Protocol event kinds dispatched by the Provider.
const (
	KindRequest eventbus.Kind = 0x0200 + iota
	KindSyncMessage
	KindAudio
)

// Origin identifies who sent a packet and how.
type Origin struct {
	Group, Peer uint32
	Private     bool
}

// RequestEvent is a decoded history request.
type RequestEvent struct {
	Origin
	wire.Request
}

func (RequestEvent) Kind() eventbus.Kind { return KindRequest }

// SyncMessageEvent is one replayed history message.
type SyncMessageEvent struct {
	Origin
	wire.SyncMessage
}

func (SyncMessageEvent) Kind() eventbus.Kind { return KindSyncMessage }

// AudioEvent is a decoded audio frame; its payload is opaque here.
type AudioEvent struct {
	Origin
	wire.AudioFrame
}

func (AudioEvent) Kind() eventbus.Kind { return KindAudio }
