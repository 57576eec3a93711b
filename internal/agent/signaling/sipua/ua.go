// Package sipua implements the signaling stack over sipgo: registration with
// digest auth, inbound INVITE dialogs, raw MESSAGE/NOTIFY delivery and
// OPTIONS keepalives.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/agentphone/internal/agent/apperr"
	"github.com/sebas/agentphone/internal/agent/media"
	"github.com/sebas/agentphone/internal/agent/signaling"
)

// Config configures the user agent.
type Config struct {
	User          string
	Password      string
	Domain        string
	Registrar     string // host[:port]
	BindAddr      string
	Port          int
	AdvertiseAddr string
	Transport     string
	Expires       time.Duration
	KeepAlive     time.Duration
	RTPPortMin    int
	RTPPortMax    int
}

func (c *Config) setDefaults() {
	c.Registrar = strings.TrimPrefix(strings.TrimSpace(c.Registrar), "sip:")
	if c.BindAddr == "" {
		c.BindAddr = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 5070
	}
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.Expires <= 0 {
		c.Expires = 5 * time.Minute
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 15 * time.Second
	}
	if c.Domain == "" {
		host, _, err := net.SplitHostPort(c.Registrar)
		if err != nil {
			host = c.Registrar
		}
		c.Domain = host
	}
}

// UA is the agent's SIP user agent. It implements signaling.Stack.
type UA struct {
	cfg      Config
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	dialogUA *sipgo.DialogUA

	registered atomic.Bool
	transport  atomic.Bool

	mu        sync.RWMutex
	sessions  map[string]*session
	onSession func(signaling.Session)
	onMessage func(signaling.Message)

	regMu   sync.Mutex
	regCall string
	regSeq  uint32

	ports *portPool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ signaling.Stack = (*UA)(nil)

// New creates the user agent. Start binds it.
func New(cfg Config) (*UA, error) {
	cfg.setDefaults()
	if cfg.Registrar == "" {
		return nil, errors.New("registrar is required")
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("agentphone"))
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	u := &UA{
		cfg:      cfg,
		ua:       ua,
		srv:      srv,
		client:   client,
		sessions: make(map[string]*session),
		ports:    newPortPool(cfg.RTPPortMin, cfg.RTPPortMax),
		regCall:  uuid.NewString(),
	}
	u.dialogUA = &sipgo.DialogUA{
		Client:     client,
		ContactHDR: u.contact(),
	}

	srv.OnRequest(sip.INVITE, u.handleInvite)
	srv.OnRequest(sip.ACK, u.handleAck)
	srv.OnRequest(sip.BYE, u.handleBye)
	srv.OnRequest(sip.CANCEL, u.handleCancel)
	srv.OnRequest(sip.MESSAGE, u.handleMessage)
	srv.OnRequest(sip.NOTIFY, u.handleMessage)
	srv.OnRequest(sip.OPTIONS, u.handleOptions)

	slog.Info("[SIP] Handlers registered", "methods", "INVITE, ACK, BYE, CANCEL, MESSAGE, NOTIFY, OPTIONS")
	return u, nil
}

func (u *UA) advertiseHost() string {
	if u.cfg.AdvertiseAddr != "" {
		return u.cfg.AdvertiseAddr
	}
	if u.cfg.BindAddr != "0.0.0.0" {
		return u.cfg.BindAddr
	}
	return "127.0.0.1"
}

func (u *UA) contact() sip.ContactHeader {
	return sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   u.cfg.User,
			Host:   u.advertiseHost(),
			Port:   u.cfg.Port,
		},
	}
}

// Start listens for SIP, registers and runs the keepalive loop until ctx is
// done or Close is called. A failed first registration is returned but the
// listener keeps running so the health monitor can re-register.
func (u *UA) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel

	listenAddr := net.JoinHostPort(u.cfg.BindAddr, strconv.Itoa(u.cfg.Port))
	slog.Info("[SIP] Starting listener", "addr", listenAddr, "transport", u.cfg.Transport)

	u.transport.Store(true)
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		if err := u.srv.ListenAndServe(ctx, u.cfg.Transport, listenAddr); err != nil && ctx.Err() == nil {
			slog.Error("[SIP] Listener stopped", "addr", listenAddr, "error", err)
		}
		u.transport.Store(false)
	}()

	u.wg.Add(1)
	go u.keepAliveLoop(ctx)

	return u.Register(ctx)
}

// OnSession implements signaling.Stack.
func (u *UA) OnSession(fn func(signaling.Session)) {
	u.mu.Lock()
	u.onSession = fn
	u.mu.Unlock()
}

// OnMessage implements signaling.Stack.
func (u *UA) OnMessage(fn func(signaling.Message)) {
	u.mu.Lock()
	u.onMessage = fn
	u.mu.Unlock()
}

// Registered implements signaling.Stack.
func (u *UA) Registered() bool { return u.registered.Load() }

// TransportConnected implements signaling.Stack.
func (u *UA) TransportConnected() bool { return u.transport.Load() }

func (u *UA) registrarURI() (sip.Uri, error) {
	var uri sip.Uri
	if err := sip.ParseUri("sip:"+u.cfg.Registrar, &uri); err != nil {
		return uri, fmt.Errorf("invalid registrar %q: %w", u.cfg.Registrar, err)
	}
	return uri, nil
}

// Register implements signaling.Stack.
func (u *UA) Register(ctx context.Context) error {
	return u.register(ctx, u.cfg.Expires)
}

func (u *UA) register(ctx context.Context, expires time.Duration) error {
	const op = "sip.register"

	recipient, err := u.registrarURI()
	if err != nil {
		return apperr.Wrap(apperr.KindSignaling, op, err)
	}

	u.regMu.Lock()
	u.regSeq++
	seq := u.regSeq
	callID := u.regCall
	u.regMu.Unlock()

	aor := sip.Uri{Scheme: "sip", User: u.cfg.User, Host: u.cfg.Domain}
	req := sip.NewRequest(sip.REGISTER, recipient)

	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.NewString()[:8])
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})
	callIDHdr := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHdr)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})
	contact := u.contact()
	req.AppendHeader(&contact)
	exp := sip.ExpiresHeader(uint32(expires / time.Second))
	req.AppendHeader(&exp)

	res, err := u.client.Do(ctx, req)
	if err != nil {
		u.registered.Store(false)
		return apperr.Wrap(apperr.KindSignaling, op, err)
	}
	if (res.StatusCode == 401 || res.StatusCode == 407) && u.cfg.Password != "" {
		res, err = u.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: u.cfg.User,
			Password: u.cfg.Password,
		})
		if err != nil {
			u.registered.Store(false)
			return apperr.Wrap(apperr.KindSignaling, op, err)
		}
	}

	if res.StatusCode != 200 {
		u.registered.Store(false)
		slog.Warn("[SIP] Registration rejected", "registrar", u.cfg.Registrar, "status", res.StatusCode, "reason", res.Reason)
		return apperr.New(apperr.KindSignaling, op, apperr.CodeRegistration,
			fmt.Sprintf("registrar answered %d %s", res.StatusCode, res.Reason))
	}

	u.registered.Store(expires > 0)
	u.transport.Store(true)
	if expires > 0 {
		slog.Info("[SIP] Registered", "aor", aor.String(), "expires", expires)
	} else {
		slog.Info("[SIP] Unregistered", "aor", aor.String())
	}
	return nil
}

// keepAliveLoop pings the registrar and refreshes registration before expiry.
func (u *UA) keepAliveLoop(ctx context.Context) {
	defer u.wg.Done()

	ping := time.NewTicker(u.cfg.KeepAlive)
	defer ping.Stop()
	refresh := time.NewTicker(u.cfg.Expires * 4 / 5)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			u.ping(ctx)
		case <-refresh.C:
			if err := u.Register(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("[SIP] Registration refresh failed", "error", err)
			}
		}
	}
}

func (u *UA) ping(ctx context.Context) {
	recipient, err := u.registrarURI()
	if err != nil {
		return
	}
	req := sip.NewRequest(sip.OPTIONS, recipient)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := u.client.Do(pctx, req)
	if err != nil {
		if ctx.Err() == nil {
			u.transport.Store(false)
			slog.Debug("[SIP] Keepalive failed", "error", err)
		}
		return
	}
	u.transport.Store(true)
	u.deliver(signaling.Message{
		From:        u.cfg.Registrar,
		ContentType: "text/plain",
		Body:        []byte("keepalive " + strconv.Itoa(int(res.StatusCode))),
		ReceivedAt:  time.Now(),
	})
}

func (u *UA) deliver(msg signaling.Message) {
	u.mu.RLock()
	fn := u.onMessage
	u.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

func (u *UA) session(id string) (*session, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	s, ok := u.sessions[id]
	return s, ok
}

func (u *UA) forget(id string) {
	u.mu.Lock()
	delete(u.sessions, id)
	u.mu.Unlock()
}

func (u *UA) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	id := callID(req)
	slog.Info("[SIP] Received INVITE", "from", req.From(), "call_id", id)

	u.mu.Lock()
	if _, dup := u.sessions[id]; dup {
		u.mu.Unlock()
		slog.Debug("[SIP] INVITE retransmission ignored", "call_id", id)
		return
	}
	s := newSession(u, req, tx)
	u.sessions[id] = s
	handler := u.onSession
	u.mu.Unlock()

	if err := s.ringing(); err != nil {
		slog.Warn("[SIP] Failed to send provisional responses", "call_id", id, "error", err)
	}
	if handler == nil {
		_ = s.Reject(context.Background(), 480)
		return
	}
	handler(s)
}

func (u *UA) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	if s, ok := u.session(callID(req)); ok {
		s.onAck(req, tx)
	}
}

func (u *UA) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	s, ok := u.session(callID(req))
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	s.onBye(req, tx)
}

func (u *UA) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	s, ok := u.session(callID(req))
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	s.onCancel(req, tx)
}

func (u *UA) handleMessage(req *sip.Request, tx sip.ServerTransaction) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Debug("[SIP] Failed to answer message", "error", err)
	}
	msg := signaling.Message{ReceivedAt: time.Now(), Body: req.Body()}
	if from := req.From(); from != nil {
		msg.From = from.Address.User
	}
	if ct := req.ContentType(); ct != nil {
		msg.ContentType = ct.Value()
	}
	u.deliver(msg)
}

func (u *UA) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	u.deliver(signaling.Message{
		From:        u.cfg.Registrar,
		ContentType: "text/plain",
		Body:        []byte("keepalive"),
		ReceivedAt:  time.Now(),
	})
}

// listenRTP binds a port from the configured range, or an ephemeral port when
// no range is set.
func (u *UA) listenRTP() (*media.Receiver, error) {
	if u.ports == nil {
		return media.Listen(net.JoinHostPort(u.cfg.BindAddr, "0"))
	}
	var rx *media.Receiver
	_, err := u.ports.acquire(func(port int) error {
		r, err := media.Listen(net.JoinHostPort(u.cfg.BindAddr, strconv.Itoa(port)))
		if err != nil {
			return err
		}
		rx = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rx, nil
}

// closeRTP closes rx and returns its port to the pool.
func (u *UA) closeRTP(rx *media.Receiver) {
	port := udpPort(rx)
	_ = rx.Close()
	u.ports.release(port)
}

func udpPort(rx *media.Receiver) int {
	if a, ok := rx.LocalAddr().(*net.UDPAddr); ok {
		return a.Port
	}
	return 0
}

// Close unregisters, terminates open sessions and shuts the stack down.
func (u *UA) Close() error {
	if u.registered.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := u.register(ctx, 0); err != nil {
			slog.Debug("[SIP] Unregister failed", "error", err)
		}
		cancel()
	}

	u.mu.RLock()
	open := make([]*session, 0, len(u.sessions))
	for _, s := range u.sessions {
		open = append(open, s)
	}
	u.mu.RUnlock()
	for _, s := range open {
		s.terminate("shutdown")
	}

	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()
	u.registered.Store(false)
	u.transport.Store(false)
	return u.ua.Close()
}
