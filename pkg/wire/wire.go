// Package wire implements the framing of the zox NGC custom packets:
// the common header plus history request, history sync message and
// audio frame payloads. All multi-byte integers are big-endian.
package wire

import (
	"bytes"
	"encoding/binary"
)

// Magic prefixes every packet handled by this package.
var Magic = [6]byte{0x66, 0x77, 0x88, 0x11, 0x34, 0x35}

const (
	MagicSize  = len(Magic)
	HeaderSize = MagicSize + 2

	Version1 byte = 0x01
)

const (
	PacketRequest         byte = 0x01
	PacketSyncMessage     byte = 0x02
	PacketSyncMessageFile byte = 0x03
	PacketFileTransfer    byte = 0x11
	PacketAudio           byte = 0x31
)

// IsMagic reports whether b starts with Magic.
func IsMagic(b []byte) bool {
	return len(b) >= MagicSize && bytes.Equal(b[:MagicSize], Magic[:])
}

// DecodeHeader validates the magic and splits off version and packet id.
// ok is false if b is not a zox packet.
func DecodeHeader(b []byte) (version, id byte, rest []byte, ok bool) {
	if !IsMagic(b) || len(b) < HeaderSize {
		return 0, 0, nil, false
	}
	return b[MagicSize], b[MagicSize+1], b[HeaderSize:], true
}

// EncodeHeader writes magic, version and packet id.
func EncodeHeader(buf *bytes.Buffer, version, id byte) {
	buf.Write(Magic[:])
	buf.WriteByte(version)
	buf.WriteByte(id)
}

func putU32(b *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.Write(tmp[:])
}

// trimNUL cuts p at the first NUL byte.
func trimNUL(p []byte) []byte {
	if i := bytes.IndexByte(p, 0); i >= 0 {
		return p[:i]
	}
	return p
}
