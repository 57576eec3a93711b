package recording

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/agentphone/internal/agent/media"
)

// ChannelName identifies one side of the call.
type ChannelName string

const (
	ChannelLocal  ChannelName = "local"
	ChannelRemote ChannelName = "remote"
)

// Transcript is one transcription result.
type Transcript struct {
	Channel ChannelName `json:"channel"`
	Text    string      `json:"text"`
	Final   bool        `json:"final"`
	At      time.Time   `json:"at"`
}

// Stream is one open transcription stream.
type Stream interface {
	// SendAudio sends 16-bit little-endian PCM.
	SendAudio(pcm []byte) error
	// Transcripts is closed when the stream ends for any reason.
	Transcripts() <-chan Transcript
	// Err reports why the stream ended. Nil after a local Close.
	Err() error
	Close() error
}

// Transcriber opens transcription streams.
type Transcriber interface {
	Open(ctx context.Context, ch ChannelName, sampleRate int) (Stream, error)
}

// channelBuffer is the number of frames queued for a stream before dropping.
const channelBuffer = 64

// channel feeds one audio track to its own transcription stream and
// reconnects after an unexpected close.
type channel struct {
	name ChannelName
	gen  uint64
	m    *Manager
	ctx  context.Context
	in   chan []int16

	mu     sync.Mutex
	stream Stream
	closed bool
}

func newChannel(ctx context.Context, m *Manager, name ChannelName, gen uint64) *channel {
	return &channel{
		name: name,
		gen:  gen,
		m:    m,
		ctx:  ctx,
		in:   make(chan []int16, channelBuffer),
	}
}

func (c *channel) timerKey() string { return "reconnect:" + string(c.name) }

func (c *channel) connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	stream, err := c.m.tr.Open(c.ctx, c.name, int(media.CodecPCMU.SampleRate))
	if err != nil {
		slog.Warn("[Recording] Transcription connect failed", "channel", c.name, "error", err)
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = stream.Close()
		return
	}
	c.stream = stream
	c.mu.Unlock()

	slog.Debug("[Recording] Transcription stream open", "channel", c.name)
	go c.watch(stream)
}

// watch forwards transcripts until the stream ends.
func (c *channel) watch(stream Stream) {
	for t := range stream.Transcripts() {
		t.Channel = c.name
		if t.At.IsZero() {
			t.At = c.m.cfg.Now()
		}
		c.m.emit(t)
	}

	c.mu.Lock()
	if c.stream == stream {
		c.stream = nil
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	slog.Warn("[Recording] Transcription stream closed unexpectedly",
		"channel", c.name, "error", stream.Err(), "retry_in", c.m.cfg.ReconnectDelay)
	c.scheduleReconnect()
}

func (c *channel) scheduleReconnect() {
	c.m.timers.Schedule(c.timerKey(), c.m.cfg.ReconnectDelay, func() {
		if !c.m.isCurrent(c.gen) {
			return
		}
		c.m.cfg.Metrics.TranscriptReconnect(string(c.name))
		c.connect()
	})
}

// feed queues a frame, dropping it when the stream is backed up.
func (c *channel) feed(frame []int16) {
	select {
	case c.in <- frame:
	default:
	}
}

func (c *channel) sendLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.in:
			c.mu.Lock()
			stream := c.stream
			c.mu.Unlock()
			if stream == nil {
				continue
			}
			if err := stream.SendAudio(media.SamplesToBytes(frame)); err != nil {
				slog.Debug("[Recording] Transcription send failed", "channel", c.name, "error", err)
			}
		}
	}
}

// close stops the channel for good.
func (c *channel) close() error {
	c.mu.Lock()
	c.closed = true
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	c.m.timers.Cancel(c.timerKey())
	if stream != nil {
		return stream.Close()
	}
	return nil
}
