// Package recording captures both sides of a call into a mixed WAV artifact
// and streams each side to its own transcription channel.
package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/sebas/agentphone/internal/agent/apperr"
	"github.com/sebas/agentphone/internal/agent/guard"
	"github.com/sebas/agentphone/internal/agent/media"
	"github.com/sebas/agentphone/internal/agent/metrics"
	"github.com/sebas/agentphone/internal/agent/signaling"
)

// ErrAlreadyRecording is returned by Start while another call is recorded.
var ErrAlreadyRecording = errors.New("already recording another call")

// ErrDisabled is returned by Start when recording is turned off or no capture
// device is configured.
var ErrDisabled = errors.New("recording disabled")

// captureRate is the rate of every decoded frame.
const captureRate = 8000

// Config configures a Manager.
type Config struct {
	Enabled        bool
	DownloadDir    string
	SampleRate     int
	Encoding       media.Encoding
	ReconnectDelay time.Duration
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Artifact describes a finalized recording.
type Artifact struct {
	ID        string         `json:"id"`
	CallID    string         `json:"callId"`
	Path      string         `json:"path"`
	Encoding  media.Encoding `json:"encoding"`
	Rate      int            `json:"sampleRate"`
	Duration  time.Duration  `json:"duration"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   time.Time      `json:"endedAt"`
}

// Manager owns at most one active recording.
type Manager struct {
	cfg    Config
	device CaptureDevice
	tr     Transcriber
	timers *guard.Timers

	mu           sync.Mutex
	gen          uint64
	rec          *recording
	onTranscript func(Transcript)
}

type recording struct {
	id        string
	callID    string
	startedAt time.Time
	cancel    context.CancelFunc
	sources   []signaling.AudioSource
	channels  []*channel
	wg        sync.WaitGroup

	mu     sync.Mutex
	tracks map[ChannelName][]int16
}

// NewManager creates a manager. A nil transcriber disables transcription.
func NewManager(cfg Config, device CaptureDevice, tr Transcriber) *Manager {
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "recordings"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = media.EncodingPCM16
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:    cfg,
		device: device,
		tr:     tr,
		timers: guard.NewTimers(),
	}
}

// OnTranscript registers the transcript callback.
func (m *Manager) OnTranscript(fn func(Transcript)) {
	m.mu.Lock()
	m.onTranscript = fn
	m.mu.Unlock()
}

func (m *Manager) emit(t Transcript) {
	m.mu.Lock()
	fn := m.onTranscript
	m.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && m.rec != nil
}

// Active reports whether a recording is running.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec != nil
}

// Start begins recording session. Starting the same session twice is a no-op.
// A capture device failure aborts Start; a missing remote stream records the
// local side only. Transcription streams connect in the background.
func (m *Manager) Start(ctx context.Context, session signaling.Session) error {
	if !m.cfg.Enabled || m.device == nil {
		return ErrDisabled
	}

	m.mu.Lock()
	if m.rec != nil {
		same := m.rec.callID == session.ID()
		m.mu.Unlock()
		if same {
			return nil
		}
		return ErrAlreadyRecording
	}
	m.mu.Unlock()

	local, err := m.device.Open(ctx)
	if err != nil {
		m.cfg.Metrics.Recording("device_error")
		slog.Warn("[Recording] Capture device unavailable", "call_id", session.ID(), "error", err)
		return &apperr.Error{Kind: apperr.KindInternal, Op: "recording.start", Code: apperr.CodeDevice, Cause: err}
	}
	sources := map[ChannelName]signaling.AudioSource{ChannelLocal: local}
	if remote, err := session.RemoteAudio(); err == nil {
		sources[ChannelRemote] = remote
	} else {
		slog.Warn("[Recording] Remote audio unavailable, recording local side only", "call_id", session.ID(), "error", err)
	}

	m.mu.Lock()
	if m.rec != nil {
		m.mu.Unlock()
		for _, s := range sources {
			_ = s.Close()
		}
		return ErrAlreadyRecording
	}
	m.gen++
	m.timers.StopAll()

	// The recording outlives the request that started it.
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rec := &recording{
		id:        uuid.NewString(),
		callID:    session.ID(),
		startedAt: m.cfg.Now(),
		cancel:    cancel,
		tracks:    make(map[ChannelName][]int16, len(sources)),
	}
	for _, name := range []ChannelName{ChannelLocal, ChannelRemote} {
		src, ok := sources[name]
		if !ok {
			continue
		}
		rec.sources = append(rec.sources, src)
		var ch *channel
		if m.tr != nil {
			ch = newChannel(rctx, m, name, m.gen)
			rec.channels = append(rec.channels, ch)
		}
		rec.wg.Add(1)
		go rec.pump(rctx, name, src, ch)
		if ch != nil {
			rec.wg.Add(1)
			go func() {
				defer rec.wg.Done()
				ch.sendLoop()
			}()
		}
	}
	for _, ch := range rec.channels {
		rec.wg.Add(1)
		go func() {
			defer rec.wg.Done()
			ch.connect()
		}()
	}
	m.rec = rec
	m.mu.Unlock()

	m.cfg.Metrics.Recording("started")
	slog.Info("[Recording] Started", "call_id", rec.callID, "recording_id", rec.id,
		"channels", len(rec.sources), "transcription", m.tr != nil)
	return nil
}

// pump copies one source into its track and transcription channel.
func (r *recording) pump(ctx context.Context, name ChannelName, src signaling.AudioSource, ch *channel) {
	defer r.wg.Done()
	for {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				slog.Debug("[Recording] Source ended", "channel", name, "error", err)
			}
			return
		}
		r.mu.Lock()
		r.tracks[name] = append(r.tracks[name], frame...)
		r.mu.Unlock()
		if ch != nil {
			ch.feed(frame)
		}
	}
}

// Stop finalizes the active recording and returns its artifact. Without an
// active recording it returns nil, nil. Transcription errors never prevent
// the artifact from being written.
func (m *Manager) Stop(context.Context) (*Artifact, error) {
	m.mu.Lock()
	rec := m.rec
	if rec == nil {
		m.mu.Unlock()
		return nil, nil
	}
	m.rec = nil
	m.gen++
	m.timers.StopAll()
	m.mu.Unlock()

	rec.cancel()
	var closeErr error
	for _, src := range rec.sources {
		closeErr = multierr.Append(closeErr, src.Close())
	}
	for _, ch := range rec.channels {
		if err := ch.close(); err != nil {
			slog.Debug("[Recording] Transcription close failed", "channel", ch.name, "error", err)
		}
	}
	rec.wg.Wait()
	if closeErr != nil {
		slog.Debug("[Recording] Source close failed", "error", closeErr)
	}

	rec.mu.Lock()
	mixed := media.Mix(rec.tracks[ChannelLocal], rec.tracks[ChannelRemote])
	rec.mu.Unlock()

	art := &Artifact{
		ID:        rec.id,
		CallID:    rec.callID,
		Encoding:  m.cfg.Encoding,
		Rate:      m.cfg.SampleRate,
		Duration:  time.Duration(len(mixed)) * time.Second / captureRate,
		StartedAt: rec.startedAt,
		EndedAt:   m.cfg.Now(),
	}
	if m.cfg.Encoding == media.EncodingULaw {
		// mu-law artifacts stay at the telephony rate.
		art.Rate = captureRate
	}

	path, err := m.write(art, media.Resample(mixed, captureRate, art.Rate))
	if err != nil {
		m.cfg.Metrics.Recording("write_error")
		slog.Error("[Recording] Failed to write artifact", "call_id", rec.callID, "error", err)
		return nil, err
	}
	art.Path = path

	m.cfg.Metrics.Recording("saved")
	slog.Info("[Recording] Saved", "call_id", rec.callID, "path", path, "duration", art.Duration)
	return art, nil
}

func (m *Manager) write(art *Artifact, samples []int16) (string, error) {
	if err := os.MkdirAll(m.cfg.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	name := fmt.Sprintf("call-%s-%s.wav", safeName(art.CallID), art.StartedAt.UTC().Format("20060102-150405"))
	path := filepath.Join(m.cfg.DownloadDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := media.EncodeWAV(f, samples, art.Rate, art.Encoding); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	return path, f.Close()
}

func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	if len(s) > 48 {
		s = s[:48]
	}
	if s == "" {
		s = "unknown"
	}
	return s
}

// Close stops any active recording and pending reconnects.
func (m *Manager) Close() error {
	_, err := m.Stop(context.Background())
	m.timers.Close()
	return err
}
