package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/agentphone/internal/agent/media"
	"github.com/sebas/agentphone/internal/agent/signaling"
)

// ErrSessionState is returned for operations invalid in the current status.
var ErrSessionState = errors.New("invalid session state")

// session is one inbound INVITE dialog.
type session struct {
	ua  *UA
	id  string
	req *sip.Request
	tx  sip.ServerTransaction

	remoteIdentity string
	offer          *Offer
	offerErr       error

	mu       sync.Mutex
	status   signaling.SessionStatus
	dialog   *sipgo.DialogServerSession
	receiver *media.Receiver
	subs     map[int]func(signaling.SessionEvent)
	nextSub  int
}

func newSession(ua *UA, req *sip.Request, tx sip.ServerTransaction) *session {
	s := &session{
		ua:     ua,
		id:     callID(req),
		req:    req,
		tx:     tx,
		status: signaling.SessionProgress,
		subs:   make(map[int]func(signaling.SessionEvent)),
	}
	if from := req.From(); from != nil {
		s.remoteIdentity = from.Address.User
		if s.remoteIdentity == "" {
			s.remoteIdentity = from.Address.Host
		}
	}
	s.offer, s.offerErr = ParseOffer(req.Body())
	return s
}

func callID(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return string(*h)
	}
	return ""
}

func (s *session) ID() string                      { return s.id }
func (s *session) Direction() signaling.Direction  { return signaling.DirectionIncoming }
func (s *session) RemoteIdentity() string          { return s.remoteIdentity }

func (s *session) Status() signaling.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe implements signaling.Session.
func (s *session) Subscribe(fn func(signaling.SessionEvent)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *session) emit(ev signaling.SessionEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.mu.Lock()
	subs := make([]func(signaling.SessionEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// ringing sends the provisional responses.
func (s *session) ringing() error {
	trying := sip.NewResponseFromRequest(s.req, sip.StatusTrying, "Trying", nil)
	if err := s.tx.Respond(trying); err != nil {
		return fmt.Errorf("failed to send 100 Trying: %w", err)
	}
	ringing := sip.NewResponseFromRequest(s.req, 180, "Ringing", nil)
	if err := s.tx.Respond(ringing); err != nil {
		return fmt.Errorf("failed to send 180 Ringing: %w", err)
	}
	return nil
}

// Answer sends 200 OK with an SDP answer. The session turns established on ACK.
func (s *session) Answer(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != signaling.SessionProgress {
		return fmt.Errorf("answer in %s: %w", s.status, ErrSessionState)
	}
	if s.dialog != nil {
		return nil
	}
	if s.offerErr != nil {
		res := sip.NewResponseFromRequest(s.req, sip.StatusNotAcceptable, "Not Acceptable Here", nil)
		_ = s.tx.Respond(res)
		s.status = signaling.SessionFailed
		return fmt.Errorf("unusable offer: %w", s.offerErr)
	}

	rx, err := s.ua.listenRTP()
	if err != nil {
		return fmt.Errorf("allocate RTP port: %w", err)
	}
	body, err := BuildAnswer(s.ua.advertiseHost(), udpPort(rx), s.offer.Codec, uint64(time.Now().Unix()))
	if err != nil {
		s.ua.closeRTP(rx)
		return fmt.Errorf("build SDP answer: %w", err)
	}

	ds, err := s.ua.dialogUA.ReadInvite(s.req, s.tx)
	if err != nil {
		s.ua.closeRTP(rx)
		return fmt.Errorf("failed to create dialog session: %w", err)
	}
	if err := ds.RespondSDP(body); err != nil {
		_ = ds.Close()
		s.ua.closeRTP(rx)
		return fmt.Errorf("failed to send 200 OK: %w", err)
	}
	s.dialog = ds
	s.receiver = rx

	slog.Info("[SIP] Answered", "call_id", s.id, "codec", s.offer.Codec.Name, "rtp", rx.LocalAddr().String())
	return nil
}

// Reject answers the INVITE with code (486 when zero).
func (s *session) Reject(ctx context.Context, code int) error {
	if code == 0 {
		code = 486
	}
	s.mu.Lock()
	if s.status != signaling.SessionProgress || s.dialog != nil {
		s.mu.Unlock()
		return fmt.Errorf("reject in %s: %w", s.status, ErrSessionState)
	}
	s.status = signaling.SessionFailed
	s.mu.Unlock()

	res := sip.NewResponseFromRequest(s.req, code, reasonPhrase(code), nil)
	err := s.tx.Respond(res)
	s.ua.forget(s.id)
	slog.Info("[SIP] Rejected", "call_id", s.id, "code", code)
	return err
}

func reasonPhrase(code int) string {
	switch code {
	case 486:
		return "Busy Here"
	case 603:
		return "Decline"
	case 480:
		return "Temporarily Unavailable"
	case 487:
		return "Request Terminated"
	default:
		return "Rejected"
	}
}

// Hangup ends the dialog locally: BYE when answered, 487 otherwise.
func (s *session) Hangup(ctx context.Context) error {
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return nil
	}
	ds := s.dialog
	s.status = signaling.SessionTerminated
	s.mu.Unlock()

	var err error
	if ds != nil {
		err = ds.Bye(ctx)
		_ = ds.Close()
	} else {
		res := sip.NewResponseFromRequest(s.req, 487, "Request Terminated", nil)
		err = s.tx.Respond(res)
	}
	s.release()
	slog.Info("[SIP] Hung up", "call_id", s.id)
	return err
}

// RemoteAudio implements signaling.Session. Closing the returned source does
// not release the session's socket.
func (s *session) RemoteAudio() (signaling.AudioSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receiver == nil {
		return nil, signaling.ErrNoMedia
	}
	return sharedSource{s.receiver}, nil
}

type sharedSource struct{ r *media.Receiver }

func (s sharedSource) ReadFrame(ctx context.Context) ([]int16, error) { return s.r.ReadFrame(ctx) }
func (s sharedSource) Close() error                                   { return nil }

func (s *session) onAck(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	ds := s.dialog
	if s.status != signaling.SessionProgress || ds == nil {
		s.mu.Unlock()
		return
	}
	s.status = signaling.SessionEstablished
	s.mu.Unlock()

	if err := ds.ReadAck(req, tx); err != nil {
		slog.Warn("[SIP] Failed to read ACK", "call_id", s.id, "error", err)
	}
	slog.Info("[SIP] Confirmed", "call_id", s.id)
	s.emit(signaling.SessionEvent{Type: signaling.EventConfirmed, Code: 200})
}

func (s *session) onBye(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	ds := s.dialog
	already := s.status.IsTerminal()
	s.status = signaling.SessionTerminated
	s.mu.Unlock()

	if ds != nil {
		if err := ds.ReadBye(req, tx); err != nil {
			slog.Warn("[SIP] Failed to read BYE", "call_id", s.id, "error", err)
		}
	} else {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	}
	s.release()
	if already {
		return
	}
	slog.Info("[SIP] BYE received", "call_id", s.id)
	s.emit(signaling.SessionEvent{Type: signaling.EventEnded, Cause: "remote hangup"})
}

func (s *session) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	s.mu.Lock()
	if s.status != signaling.SessionProgress || s.dialog != nil {
		s.mu.Unlock()
		return
	}
	s.status = signaling.SessionFailed
	s.mu.Unlock()

	_ = s.tx.Respond(sip.NewResponseFromRequest(s.req, 487, "Request Terminated", nil))
	s.release()
	slog.Info("[SIP] CANCEL received", "call_id", s.id)
	s.emit(signaling.SessionEvent{Type: signaling.EventFailed, Cause: "cancelled", Code: 487})
}

// terminate is used on shutdown and transport loss.
func (s *session) terminate(cause string) {
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	wasEstablished := s.status == signaling.SessionEstablished
	s.status = signaling.SessionTerminated
	ds := s.dialog
	s.mu.Unlock()

	if ds != nil {
		_ = ds.Close()
	}
	s.release()
	ev := signaling.SessionEvent{Type: signaling.EventFailed, Cause: cause}
	if wasEstablished {
		ev.Type = signaling.EventEnded
	}
	s.emit(ev)
}

func (s *session) release() {
	s.mu.Lock()
	rx := s.receiver
	s.receiver = nil
	s.mu.Unlock()
	if rx != nil {
		s.ua.closeRTP(rx)
	}
	s.ua.forget(s.id)
}
