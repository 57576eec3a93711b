package tabsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	types "github.com/sebas/agentphone/api/types/v1"
	"github.com/sebas/agentphone/internal/agent/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10

	sendBuffer = 64

	// StreamEvents carries lifecycle events rather than snapshots.
	StreamEvents = "events"
)

// Message is the JSON frame written to dashboard sockets.
type Message struct {
	Stream string         `json:"stream"`
	Event  string         `json:"event"`
	Data   any            `json:"data,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

type controlMessage struct {
	Action  string   `json:"action"`
	Streams []string `json:"streams"`
}

// Hub fans snapshots and lifecycle events out to websocket dashboards.
// Streams are snapshot classes plus StreamEvents.
type Hub struct {
	mu       sync.RWMutex
	streams  map[string]map[*conn]struct{}
	upgrader websocket.Upgrader
	closed   bool
}

var (
	_ Broadcaster      = (*Hub)(nil)
	_ events.Publisher = (*Hub)(nil)
)

// NewHub creates a hub accepting same-origin and loopback dashboards.
func NewHub() *Hub {
	return &Hub{
		streams: make(map[string]map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOriginOrLoopback,
		},
	}
}

// ServeHTTP upgrades the request and subscribes the socket to the streams
// named in the comma separated "streams" query parameter, or to every
// stream when absent.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[TabSync] Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &conn{hub: h, socket: ws, send: make(chan Message, sendBuffer), subs: make(map[string]struct{})}
	streams := splitStreams(r.URL.Query().Get("streams"))
	if len(streams) == 0 {
		streams = []string{string(ClassCall), string(ClassHealth), string(ClassMonitoring), StreamEvents}
	}
	h.subscribe(c, streams)

	go c.writeLoop()
	c.readLoop()
}

// Clients reports the number of connected sockets.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*conn]struct{})
	for _, set := range h.streams {
		for c := range set {
			seen[c] = struct{}{}
		}
	}
	return len(seen)
}

// Broadcast sends a snapshot update on the stream of its class.
func (h *Hub) Broadcast(_ context.Context, msg types.Broadcast) error {
	class := classOfKey(msg.Key)
	h.send(string(class), Message{
		Event: "snapshot",
		Data:  msg.Value,
		Meta:  map[string]any{"key": msg.Key, "timestamp": msg.Timestamp, "source": msg.Source},
	})
	return nil
}

func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	h.PublishAsync(ev)
	return nil
}

func (h *Hub) PublishAsync(ev events.Event) {
	h.send(StreamEvents, Message{Event: string(ev.Type), Data: ev})
}

func (h *Hub) send(stream string, msg Message) {
	stream = normalizeStream(stream)
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	msg.Stream = stream
	for c := range h.streams[stream] {
		c.enqueue(msg)
	}
}

// Close disconnects every socket.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	var conns []*conn
	for _, set := range h.streams {
		for c := range set {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	return nil
}

func (h *Hub) subscribe(c *conn, streams []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range streams {
		s = normalizeStream(s)
		if s == "" {
			continue
		}
		if h.streams[s] == nil {
			h.streams[s] = make(map[*conn]struct{})
		}
		h.streams[s][c] = struct{}{}
		c.subs[s] = struct{}{}
	}
}

func (h *Hub) unsubscribe(c *conn, streams []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range streams {
		h.removeLocked(c, normalizeStream(s))
	}
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range c.subs {
		h.removeLocked(c, s)
	}
}

func (h *Hub) removeLocked(c *conn, stream string) {
	set := h.streams[stream]
	delete(set, c)
	if len(set) == 0 {
		delete(h.streams, stream)
	}
	delete(c.subs, stream)
}

type conn struct {
	hub    *Hub
	socket *websocket.Conn
	send   chan Message
	subs   map[string]struct{}

	mu     sync.Mutex
	closed bool
}

// enqueue drops the socket when its buffer is full.
func (c *conn) enqueue(msg Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- msg:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		slog.Warn("[TabSync] Dropping slow dashboard socket", "remote", c.socket.RemoteAddr().String())
		go c.close()
	}
}

func (c *conn) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("[TabSync] Dashboard socket closed", "error", err)
			}
			return
		}
		if len(payload) == 0 {
			continue
		}
		var ctrl controlMessage
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			slog.Debug("[TabSync] Invalid control frame", "error", err)
			continue
		}
		switch strings.ToLower(strings.TrimSpace(ctrl.Action)) {
		case "subscribe":
			c.hub.subscribe(c, ctrl.Streams)
		case "unsubscribe":
			c.hub.unsubscribe(c, ctrl.Streams)
		case "ping":
			c.enqueue(Message{Event: "pong"})
		default:
			slog.Debug("[TabSync] Unsupported control action", "action", ctrl.Action)
		}
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.hub.unregister(c)
	_ = c.socket.Close()
}

func sameOriginOrLoopback(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := u.Hostname()
	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if strings.EqualFold(originHost, requestHost) {
		return true
	}
	if ip := net.ParseIP(originHost); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(originHost, "localhost")
}

func normalizeStream(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func splitStreams(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = normalizeStream(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// HubSubscriber follows a remote Hub over websocket and turns its snapshot
// frames back into broadcasts.
type HubSubscriber struct {
	URL    string
	Dialer *websocket.Dialer
}

var _ Subscriber = (*HubSubscriber)(nil)

func (s *HubSubscriber) Subscribe(ctx context.Context, fn func(types.Broadcast)) error {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return fmt.Errorf("dial hub %s: %w", s.URL, err)
	}

	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()
	go func() {
		defer ws.Close()
		for {
			var msg Message
			if err := ws.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					slog.Debug("[TabSync] Hub subscription ended", "url", s.URL, "error", err)
				}
				return
			}
			if msg.Event != "snapshot" {
				continue
			}
			b := types.Broadcast{Value: msg.Data}
			b.Key, _ = msg.Meta["key"].(string)
			b.Source, _ = msg.Meta["source"].(string)
			if ts, ok := msg.Meta["timestamp"].(float64); ok {
				b.Timestamp = int64(ts)
			}
			fn(b)
		}
	}()
	return nil
}
