package transport

import (
	"context"
	"errors"

	"github.com/juanpablocruz/ngchs/pkg/eventbus"
	"github.com/juanpablocruz/ngchs/pkg/model"
)

// MaxCustomPacketLength is the largest custom packet a group accepts.
const MaxCustomPacketLength = 1373

var (
	ErrKeyInUse       = errors.New("transport: key already listening")
	ErrClosed         = errors.New("transport: endpoint closed")
	ErrNotMember      = errors.New("transport: not a member of group")
	ErrUnknownPeer    = errors.New("transport: unknown peer")
	ErrPacketTooLarge = errors.New("transport: packet too large")
	ErrInboxFull      = errors.New("transport: destination inbox full")
	ErrLinkDown       = errors.New("transport: link down")
)

// Transport event kinds.
const (
	KindPeerJoin eventbus.Kind = 0x0001 + iota
	KindPeerExit
	KindGroupMessage
	KindGroupCustomPacket
	KindGroupCustomPrivatePacket
)

// PeerJoinEvent reports that a member appeared in a group we are in. A
// joiner receives one for every member already present.
type PeerJoinEvent struct {
	Group, Peer uint32
	Key         model.PublicKey
	Name        string
}

func (PeerJoinEvent) Kind() eventbus.Kind { return KindPeerJoin }

type PeerExitEvent struct {
	Group, Peer uint32
}

func (PeerExitEvent) Kind() eventbus.Kind { return KindPeerExit }

// MessageEvent is a live text message broadcast to the group.
type MessageEvent struct {
	Group, Peer uint32
	MessageID   uint32
	Text        string
}

func (MessageEvent) Kind() eventbus.Kind { return KindGroupMessage }

// PacketEvent carries a custom packet. Peer is the sender's slot.
type PacketEvent struct {
	Group, Peer uint32
	Private     bool
	Data        []byte
}

func (e PacketEvent) Kind() eventbus.Kind {
	if e.Private {
		return KindGroupCustomPrivatePacket
	}
	return KindGroupCustomPacket
}

// EndpointIF is the surface a node needs from the group transport.
// Both Endpoint and ChaosEP satisfy it.
type EndpointIF interface {
	Key() model.PublicKey
	// Join enters group and returns our own peer slot in it.
	Join(group uint32) (uint32, error)
	Leave(group uint32) error
	// SendGroupPacket sends data to one peer when private is set, and to
	// every other member otherwise.
	SendGroupPacket(group, peer uint32, private bool, data []byte) error
	SendGroupMessage(group, messageID uint32, text string) error
	Recv(ctx context.Context) (eventbus.Event, bool)
	Close()
}
