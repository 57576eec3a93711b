package sipua

import (
	"errors"
	"fmt"
	"strconv"

	psdp "github.com/pion/sdp/v3"

	"github.com/sebas/agentphone/internal/agent/media"
)

// ErrNoCommonCodec is returned when an offer carries no G.711 format.
var ErrNoCommonCodec = errors.New("no common codec in offer")

// Offer is the audio part of a remote SDP offer.
type Offer struct {
	Addr    string
	Port    int
	Formats []string
	Codec   media.Codec
}

// ParseOffer extracts the remote RTP endpoint and picks a codec.
func ParseOffer(body []byte) (*Offer, error) {
	if len(body) == 0 {
		return nil, errors.New("no SDP body")
	}
	sd := &psdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("failed to parse SDP: %w", err)
	}

	var audio *psdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, errors.New("no audio media in SDP")
	}

	offer := &Offer{
		Port:    audio.MediaName.Port.Value,
		Formats: audio.MediaName.Formats,
	}
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		offer.Addr = audio.ConnectionInformation.Address.Address
	} else if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		offer.Addr = sd.ConnectionInformation.Address.Address
	}
	if offer.Addr == "" {
		return nil, errors.New("no connection address in SDP")
	}

	codec, err := selectCodec(offer.Formats)
	if err != nil {
		return nil, err
	}
	offer.Codec = codec
	return offer, nil
}

// selectCodec takes the first offered format we can decode.
func selectCodec(formats []string) (media.Codec, error) {
	for _, f := range formats {
		pt, err := strconv.Atoi(f)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		if c, err := media.CodecByPayloadType(uint8(pt)); err == nil {
			return c, nil
		}
	}
	return media.Codec{}, ErrNoCommonCodec
}

// BuildAnswer creates the SDP answer for a single audio stream on addr:port.
func BuildAnswer(addr string, port int, codec media.Codec, sessionID uint64) ([]byte, error) {
	format := strconv.Itoa(int(codec.PayloadType))
	sd := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       "agentphone",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "agentphone",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: addr},
		},
		TimeDescriptions: []psdp.TimeDescription{{Timing: psdp.Timing{}}},
		MediaDescriptions: []*psdp.MediaDescription{
			{
				MediaName: psdp.MediaName{
					Media:   "audio",
					Port:    psdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{format},
				},
				Attributes: []psdp.Attribute{
					{Key: "rtpmap", Value: fmt.Sprintf("%s %s/%d", format, codec.Name, codec.SampleRate)},
					{Key: "ptime", Value: "20"},
					{Key: "sendrecv"},
				},
			},
		},
	}
	return sd.Marshal()
}
