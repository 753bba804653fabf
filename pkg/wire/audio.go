package wire

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	AudioChannelsMono  uint8 = 1
	AudioSampling48kHz uint8 = 48

	MinAudioPayload = 1
	MaxAudioPayload = 1362
)

var ErrAudioSize = errors.New("audio frame has wrong size")

// AudioFrame carries opaque opus data. Only the framing is handled here.
type AudioFrame struct {
	Channels     uint8
	SamplingFreq uint8 // kHz
	Data         []byte
}

// DecodeAudioFrame parses the payload following the header.
func DecodeAudioFrame(payload []byte) (AudioFrame, error) {
	if n := len(payload) - 2; n < MinAudioPayload || n > MaxAudioPayload {
		return AudioFrame{}, fmt.Errorf("%w: want [%d,%d], got %d",
			ErrAudioSize, 2+MinAudioPayload, 2+MaxAudioPayload, len(payload))
	}
	return AudioFrame{
		Channels:     payload[0],
		SamplingFreq: payload[1],
		Data:         bytes.Clone(payload[2:]),
	}, nil
}

// EncodeAudioFrame builds a complete audio packet.
func EncodeAudioFrame(f AudioFrame) ([]byte, error) {
	if n := len(f.Data); n < MinAudioPayload || n > MaxAudioPayload {
		return nil, fmt.Errorf("%w: payload %d", ErrAudioSize, n)
	}
	var buf bytes.Buffer
	buf.Grow(HeaderSize + 2 + len(f.Data))
	EncodeHeader(&buf, Version1, PacketAudio)
	buf.WriteByte(f.Channels)
	buf.WriteByte(f.SamplingFreq)
	buf.Write(f.Data)
	return buf.Bytes(), nil
}
