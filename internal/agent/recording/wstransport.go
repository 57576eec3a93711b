package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSTranscriber opens one websocket per channel. Audio goes out as binary
// frames; results come back as JSON text frames.
type WSTranscriber struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// NewWSTranscriber creates a websocket transcriber for rawURL.
func NewWSTranscriber(rawURL string) *WSTranscriber {
	return &WSTranscriber{
		URL:    rawURL,
		Dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

type wsResult struct {
	Type    string `json:"type"` // "transcript", "done", "error"
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Error   string `json:"error"`
}

// Open implements Transcriber.
func (t *WSTranscriber) Open(ctx context.Context, ch ChannelName, sampleRate int) (Stream, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("channel", string(ch))
	q.Set("encoding", "pcm_s16le")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	u.RawQuery = q.Encode()

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), t.Header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("websocket connect (status %d): %s: %w", resp.StatusCode, body, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	s := &wsStream{
		conn:        conn,
		transcripts: make(chan Transcript, 32),
	}
	go s.readLoop()
	return s, nil
}

type wsStream struct {
	conn        *websocket.Conn
	transcripts chan Transcript
	closed      atomic.Bool
	writeMu     sync.Mutex

	errMu sync.Mutex
	err   error
}

func (s *wsStream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *wsStream) readLoop() {
	defer close(s.transcripts)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.setErr(err)
			}
			return
		}

		var msg wsResult
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "transcript":
			s.transcripts <- Transcript{Text: msg.Text, Final: msg.IsFinal, At: time.Now()}
		case "done":
			if !s.closed.Load() {
				s.setErr(io.EOF)
			}
			return
		case "error":
			s.setErr(errors.New(msg.Error))
			return
		}
	}
}

func (s *wsStream) SendAudio(pcm []byte) error {
	if s.closed.Load() {
		return errors.New("stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *wsStream) Transcripts() <-chan Transcript { return s.transcripts }

func (s *wsStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *wsStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte("done"))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}
