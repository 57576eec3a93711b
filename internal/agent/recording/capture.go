package recording

import (
	"context"
	"errors"

	"github.com/sebas/agentphone/internal/agent/media"
	"github.com/sebas/agentphone/internal/agent/signaling"
)

// ErrNoDevice is returned when no capture device is configured.
var ErrNoDevice = errors.New("no capture device configured")

// CaptureDevice opens the local audio capture.
type CaptureDevice interface {
	Open(ctx context.Context) (signaling.AudioSource, error)
}

// UDPCapture receives the agent's microphone as G.711 RTP on Addr, as sent
// by the softphone audio bridge.
type UDPCapture struct {
	Addr string
}

// Open implements CaptureDevice.
func (d UDPCapture) Open(context.Context) (signaling.AudioSource, error) {
	if d.Addr == "" {
		return nil, ErrNoDevice
	}
	return media.Listen(d.Addr)
}
