// Package media holds the audio plumbing shared by the signaling stack and
// the recorder: G.711 codecs, PCM helpers, WAV encoding and an RTP receiver.
package media

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/zaf/g711"
)

// Codec is an immutable audio codec description.
type Codec struct {
	Name        string
	PayloadType uint8
	SampleRate  uint32
	SampleDur   time.Duration
}

var (
	// CodecPCMU is G.711 mu-law.
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond}
	// CodecPCMA is G.711 A-law.
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond}
)

// SupportedCodecs in preference order.
var SupportedCodecs = []Codec{CodecPCMU, CodecPCMA}

// SamplesPerFrame is 160 for 8kHz with 20ms frames.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// CodecByPayloadType looks up a supported codec.
func CodecByPayloadType(pt uint8) (Codec, error) {
	for _, c := range SupportedCodecs {
		if c.PayloadType == pt {
			return c, nil
		}
	}
	return Codec{}, fmt.Errorf("unsupported payload type: %d", pt)
}

// Decode turns a G.711 payload into PCM samples.
func (c Codec) Decode(payload []byte) []int16 {
	var lpcm []byte
	switch c.PayloadType {
	case CodecPCMA.PayloadType:
		lpcm = g711.DecodeAlaw(payload)
	default:
		lpcm = g711.DecodeUlaw(payload)
	}
	return BytesToSamples(lpcm)
}

// Encode turns PCM samples into a G.711 payload.
func (c Codec) Encode(samples []int16) []byte {
	lpcm := SamplesToBytes(samples)
	if c.PayloadType == CodecPCMA.PayloadType {
		return g711.EncodeAlaw(lpcm)
	}
	return g711.EncodeUlaw(lpcm)
}

// BytesToSamples reads 16-bit little-endian PCM.
func BytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// SamplesToBytes writes 16-bit little-endian PCM.
func SamplesToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
