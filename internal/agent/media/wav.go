package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zaf/g711"
)

// Encoding of a WAV artifact.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16"
	EncodingULaw  Encoding = "ulaw"
)

// WAV format tags.
const (
	formatPCM  uint16 = 1
	formatULaw uint16 = 7
)

// EncodeWAV writes mono samples at rate as a WAV file in enc.
func EncodeWAV(w io.Writer, samples []int16, rate int, enc Encoding) error {
	var (
		data       []byte
		format     uint16
		bits       uint16
		fmtSize    uint32 = 16
		withFactCk bool
	)
	switch enc {
	case EncodingPCM16, "":
		data = SamplesToBytes(samples)
		format, bits = formatPCM, 16
	case EncodingULaw:
		data = g711.EncodeUlaw(SamplesToBytes(samples))
		format, bits = formatULaw, 8
		// Non-PCM formats carry cbSize and a fact chunk.
		fmtSize = 18
		withFactCk = true
	default:
		return fmt.Errorf("unsupported encoding: %s", enc)
	}

	blockAlign := bits / 8
	byteRate := uint32(rate) * uint32(blockAlign)

	riffSize := 4 + (8 + fmtSize) + (8 + uint32(len(data)))
	if withFactCk {
		riffSize += 12
	}
	if len(data)%2 == 1 {
		riffSize++
	}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	le(&buf, riffSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	le(&buf, fmtSize)
	le(&buf, format)
	le(&buf, uint16(1))
	le(&buf, uint32(rate))
	le(&buf, byteRate)
	le(&buf, blockAlign)
	le(&buf, bits)
	if fmtSize == 18 {
		le(&buf, uint16(0))
	}

	if withFactCk {
		buf.WriteString("fact")
		le(&buf, uint32(4))
		le(&buf, uint32(len(samples)))
	}

	buf.WriteString("data")
	le(&buf, uint32(len(data)))
	buf.Write(data)
	if len(data)%2 == 1 {
		buf.WriteByte(0)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

func le(buf *bytes.Buffer, v any) {
	// bytes.Buffer writes never fail.
	_ = binary.Write(buf, binary.LittleEndian, v)
}

// WAVFile is a decoded mono WAV.
type WAVFile struct {
	Format     uint16
	SampleRate uint32
	Channels   uint16
	Bits       uint16
	Samples    []int16
}

// DecodeWAV parses a PCM16 or mu-law WAV into samples.
func DecodeWAV(r io.Reader) (*WAVFile, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return nil, errors.New("not a valid WAVE file")
	}

	wav := &WAVFile{}
	for {
		var ck [8]byte
		if _, err := io.ReadFull(r, ck[:]); err != nil {
			return nil, errors.New("data chunk not found in WAV file")
		}
		size := binary.LittleEndian.Uint32(ck[4:])
		body := make([]byte, size+size%2)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("failed to read %q chunk: %w", string(ck[0:4]), err)
		}
		body = body[:size]

		switch string(ck[0:4]) {
		case "fmt ":
			if len(body) < 16 {
				return nil, errors.New("short fmt chunk")
			}
			wav.Format = binary.LittleEndian.Uint16(body[0:])
			wav.Channels = binary.LittleEndian.Uint16(body[2:])
			wav.SampleRate = binary.LittleEndian.Uint32(body[4:])
			wav.Bits = binary.LittleEndian.Uint16(body[14:])
		case "data":
			switch wav.Format {
			case formatPCM:
				wav.Samples = BytesToSamples(body)
			case formatULaw:
				wav.Samples = BytesToSamples(g711.DecodeUlaw(body))
			default:
				return nil, fmt.Errorf("unsupported audio format %d", wav.Format)
			}
			return wav, nil
		}
	}
}
