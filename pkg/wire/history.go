package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// sync delta bounds, in minutes
	MinSyncDelta     uint8 = 5
	MaxSyncDelta     uint8 = 130
	DefaultSyncDelta       = MaxSyncDelta

	PubKeySize     = 32
	SenderNameSize = 25
	MaxTextSize    = 39927

	// message id + sender key + timestamp + name
	syncFixedSize = 4 + PubKeySize + 4 + SenderNameSize
	// SyncPrefixSize counts the header too.
	SyncPrefixSize = HeaderSize + syncFixedSize
)

var (
	ErrRequestSize     = errors.New("history request has wrong size")
	ErrSyncMessageSize = errors.New("history sync message has wrong size")
	ErrEmptyText       = errors.New("history sync message text is empty")
)

// Request asks a peer for the messages of the last SyncDelta minutes.
type Request struct {
	SyncDelta uint8
}

// SyncMessage is one replayed message.
type SyncMessage struct {
	MessageID    uint32
	SenderPubKey [PubKeySize]byte
	Timestamp    uint32 // unix seconds
	SenderName   string
	Text         string
}

// ClampSyncDelta forces v into [MinSyncDelta, MaxSyncDelta].
func ClampSyncDelta(v int) uint8 {
	switch {
	case v < int(MinSyncDelta):
		return MinSyncDelta
	case v > int(MaxSyncDelta):
		return MaxSyncDelta
	default:
		return uint8(v)
	}
}

// DecodeRequest parses the payload following the header.
func DecodeRequest(payload []byte) (Request, error) {
	switch len(payload) {
	case 0:
		return Request{SyncDelta: DefaultSyncDelta}, nil
	case 1:
		return Request{SyncDelta: ClampSyncDelta(int(payload[0]))}, nil
	default:
		return Request{}, fmt.Errorf("%w: want <=1, got %d", ErrRequestSize, len(payload))
	}
}

// EncodeRequest builds a complete request packet.
func EncodeRequest(syncDelta uint8) []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize + 1)
	EncodeHeader(&buf, Version1, PacketRequest)
	buf.WriteByte(syncDelta)
	return buf.Bytes()
}

// DecodeSyncMessage parses the payload following the header. Name and text
// are cut at their first NUL. An empty text is returned as is.
func DecodeSyncMessage(payload []byte) (SyncMessage, error) {
	if len(payload) <= syncFixedSize {
		return SyncMessage{}, fmt.Errorf("%w: want >%d, got %d", ErrSyncMessageSize, syncFixedSize, len(payload))
	}
	var m SyncMessage
	p := payload

	m.MessageID = binary.BigEndian.Uint32(p[:4])
	p = p[4:]

	copy(m.SenderPubKey[:], p[:PubKeySize])
	p = p[PubKeySize:]

	m.Timestamp = binary.BigEndian.Uint32(p[:4])
	p = p[4:]

	m.SenderName = string(trimNUL(p[:SenderNameSize]))
	p = p[SenderNameSize:]

	m.Text = string(trimNUL(p))
	return m, nil
}

// EncodeSyncMessage builds a complete sync message packet no longer than
// maxPacket bytes. The text is truncated to fit on a rune boundary, and
// never exceeds MaxTextSize bytes.
func EncodeSyncMessage(m SyncMessage, maxPacket int) ([]byte, error) {
	room := min(max(maxPacket-SyncPrefixSize, 0), MaxTextSize)
	text := truncateUTF8(m.Text, room)
	if len(text) == 0 {
		return nil, ErrEmptyText
	}

	var buf bytes.Buffer
	buf.Grow(SyncPrefixSize + len(text))
	EncodeHeader(&buf, Version1, PacketSyncMessage)
	putU32(&buf, m.MessageID)
	buf.Write(m.SenderPubKey[:])
	putU32(&buf, m.Timestamp)

	var name [SenderNameSize]byte
	copy(name[:], truncateUTF8(m.SenderName, SenderNameSize))
	buf.Write(name[:])

	buf.WriteString(text)
	return buf.Bytes(), nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
