// Package call owns the primary call state machine of the agent.
//
// The Controller binds to inbound signaling sessions, issues outbound dials
// through the backend, drives recording and history on every transition and
// exposes the primary leg to the conference coordinator. It holds at most one
// call session; a second inbound session while one is in progress is rejected
// with 486 Busy Here.
//
// Network round-trips never run under the controller lock. Every session has a
// generation number, and results that arrive after the session moved on are
// discarded.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	types "github.com/sebas/agentphone/api/types/v1"
	"github.com/sebas/agentphone/internal/agent/apperr"
	"github.com/sebas/agentphone/internal/agent/events"
	"github.com/sebas/agentphone/internal/agent/guard"
	"github.com/sebas/agentphone/internal/agent/history"
	"github.com/sebas/agentphone/internal/agent/metrics"
	"github.com/sebas/agentphone/internal/agent/recording"
	"github.com/sebas/agentphone/internal/agent/signaling"
)

// Backend is the part of the call-control backend the controller uses.
type Backend interface {
	Dial(ctx context.Context, caller, receiver string) (string, error)
	Answer(ctx context.Context, bridgeID string) error
	ConnectionCheck(ctx context.Context) (*types.ConnectionCheck, error)
	SubmitDisposition(ctx context.Context, bridgeID, outcome string) error
	Reauthenticate(ctx context.Context) error
	Logout()
}

// Registrar re-registers the signaling stack.
type Registrar interface {
	Register(ctx context.Context) error
}

// Recorder captures the active call.
type Recorder interface {
	Start(ctx context.Context, session signaling.Session) error
	Stop(ctx context.Context) (*recording.Artifact, error)
}

// History persists call attempts.
type History interface {
	OpenRecord(ctx context.Context, number, direction string, status history.Status) (*history.Record, error)
	CloseLatest(ctx context.Context, status history.Status, bridgeID string) (*history.Record, error)
	SetDisposition(ctx context.Context, id, outcome string) error
}

// Conference is the conference coordinator as seen from the primary leg.
type Conference interface {
	EndConference(ctx context.Context) error
}

// Config configures a Controller.
type Config struct {
	// Agent is the caller identity passed to the backend on dial.
	Agent string
	// ActionHold is the minimum hold of the per-action guard.
	ActionHold time.Duration
	// OpTimeout bounds network calls made from signaling callbacks.
	OpTimeout time.Duration
	// RejectCode is the SIP code sent when the agent declines a call.
	RejectCode int

	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

func (c *Config) setDefaults() {
	if c.OpTimeout <= 0 {
		c.OpTimeout = 10 * time.Second
	}
	if c.RejectCode == 0 {
		c.RejectCode = 603
	}
	if c.Publisher == nil {
		c.Publisher = events.NewNoopPublisher()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// endReason selects the terminal status and history outcome.
type endReason int

const (
	endRemote endReason = iota
	endLocal
	endRejected
	endLost
)

type session struct {
	id        string
	gen       uint64
	direction signaling.Direction
	status    Status
	number    string
	bridgeID  string
	historyID string

	leg         signaling.Session
	unsubscribe func()

	startedAt  time.Time
	answeredAt time.Time
	endedAt    time.Time

	dispositionRequired bool
	recording           bool
}

// Controller is the Call Lifecycle Controller.
type Controller struct {
	cfg       Config
	backend   Backend
	registrar Registrar
	recorder  Recorder
	history   History
	guard     *guard.Guard
	events    *events.Builder

	baseCtx context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	gen        uint64
	sess       *session
	pending    string
	fatal      bool
	fatalCause error
	conf       Conference
}

// NewController creates a controller. recorder and hist may be nil.
func NewController(cfg Config, backend Backend, registrar Registrar, recorder Recorder, hist History) *Controller {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:       cfg,
		backend:   backend,
		registrar: registrar,
		recorder:  recorder,
		history:   hist,
		guard:     guard.NewGuard(cfg.ActionHold, guard.WithNow(cfg.Now)),
		events:    events.NewBuilder(cfg.Agent).WithClock(cfg.Now),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// SetConference installs the conference coordinator.
func (c *Controller) SetConference(conf Conference) {
	c.mu.Lock()
	c.conf = conf
	c.mu.Unlock()
}

// Guard returns the per-action guard shared with the conference coordinator.
func (c *Controller) Guard() *guard.Guard {
	return c.guard
}

func (c *Controller) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.baseCtx, c.cfg.OpTimeout)
}

func (c *Controller) publish(t events.EventType, s *session, kv ...any) {
	eb := c.events.New(t)
	if s != nil {
		c.mu.Lock()
		bridgeID := s.bridgeID
		c.mu.Unlock()
		eb.Call(s.id).Bridge(bridgeID)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			eb.With(k, kv[i+1])
		}
	}
	c.cfg.Publisher.PublishAsync(eb.Build())
}

func (c *Controller) current(gen uint64) *session {
	if c.sess == nil || c.sess.gen != gen {
		return nil
	}
	return c.sess
}

func (c *Controller) transitionLocked(s *session, to Status) error {
	from := s.status
	if !from.CanTransitionTo(to) {
		return &StateTransitionError{ID: s.id, From: from, To: to}
	}
	s.status = to
	c.cfg.Metrics.CallTransition(from.String(), to.String())
	slog.Info("[Call] State changed", "call_id", s.id, "from", from, "to", to)
	return nil
}

// beginLocked opens a new session. The caller holds c.mu and has checked that
// no session is in progress.
func (c *Controller) beginLocked(dir signaling.Direction, number string, to Status) *session {
	c.gen++
	s := &session{
		id:        uuid.NewString(),
		gen:       c.gen,
		direction: dir,
		status:    StatusIdle,
		number:    number,
		startedAt: c.cfg.Now(),
	}
	c.sess = s
	_ = c.transitionLocked(s, to)
	return s
}

// Dial starts an outbound call. The backend originates the call and rings
// the agent back; that inbound leg is recognized by the pending number and
// answered automatically.
func (c *Controller) Dial(ctx context.Context, number string) error {
	const op = "call.dial"

	normalized, err := NormalizeNumber(number)
	if err != nil {
		return err
	}

	return c.guard.Do(ctx, "dial", func(ctx context.Context) error {
		if err := c.admitDial(op); err != nil {
			return err
		}

		check, err := c.backend.ConnectionCheck(ctx)
		if err != nil {
			c.handleFatal(ctx, err)
			return err
		}
		if check.ConnectionLost {
			return apperr.New(apperr.KindSignaling, op, apperr.CodeConnectionLost, "backend reports the agent connection as lost")
		}
		if check.OnBreak {
			return apperr.UserInputf(op, apperr.CodeOnBreak, "agent is on a break")
		}

		c.mu.Lock()
		if err := c.admitDialLocked(op); err != nil {
			c.mu.Unlock()
			return err
		}
		s := c.beginLocked(signaling.DirectionOutgoing, normalized, StatusDialing)
		c.pending = digits(normalized)
		gen := s.gen
		c.mu.Unlock()

		c.openHistory(ctx, gen, normalized, signaling.DirectionOutgoing, history.StatusDialing)
		c.publish(events.CallDialing, s, "number", normalized)

		bridgeID, err := c.backend.Dial(ctx, c.cfg.Agent, normalized)

		c.mu.Lock()
		cur := c.current(gen)
		if cur == nil || cur.status.IsTerminal() {
			c.mu.Unlock()
			slog.Debug("[Call] Discarding stale dial result", "call_id", s.id, "error", err)
			if err != nil {
				return &DialError{Number: normalized, Cause: err}
			}
			return nil
		}
		if err != nil {
			c.pending = ""
			c.mu.Unlock()
			slog.Warn("[Call] Dial failed", "call_id", s.id, "number", normalized, "error", err)
			c.finish(ctx, gen, "dial failed", endRemote)
			c.handleFatal(ctx, err)
			return &DialError{Number: normalized, Cause: err}
		}
		cur.bridgeID = bridgeID
		c.mu.Unlock()

		slog.Info("[Call] Dial accepted", "call_id", s.id, "number", normalized, "bridge_id", bridgeID)
		return nil
	})
}

func (c *Controller) admitDial(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.admitDialLocked(op)
}

func (c *Controller) admitDialLocked(op string) error {
	if c.fatal {
		return ErrConnectionFatal
	}
	if c.sess != nil {
		return apperr.UserInputf(op, apperr.CodeBusy, "a call is already %s", c.sess.status)
	}
	return nil
}

// OnSession handles a new inbound signaling session.
func (c *Controller) OnSession(leg signaling.Session) {
	ctx, cancel := c.opContext()
	defer cancel()

	c.mu.Lock()
	s := c.sess
	if s != nil && s.status == StatusDialing && s.leg == nil && c.pending != "" && sameNumber(c.pending, leg.RemoteIdentity()) {
		c.pending = ""
		s.leg = leg
		gen := s.gen
		c.mu.Unlock()

		c.attach(gen, leg)
		slog.Info("[Call] Outbound leg arrived, answering", "call_id", s.id, "session_id", leg.ID(), "remote", leg.RemoteIdentity())
		if err := leg.Answer(ctx); err != nil {
			slog.Warn("[Call] Auto-answer failed", "call_id", s.id, "error", err)
			c.finish(ctx, gen, "auto-answer failed", endRemote)
		}
		return
	}

	if s != nil || c.fatal {
		fatal := c.fatal
		c.mu.Unlock()
		code := 486
		if fatal {
			code = 480
		}
		slog.Info("[Call] Rejecting inbound session", "session_id", leg.ID(), "remote", leg.RemoteIdentity(), "code", code)
		if err := leg.Reject(ctx, code); err != nil {
			slog.Debug("[Call] Reject failed", "session_id", leg.ID(), "error", err)
		}
		return
	}

	s = c.beginLocked(signaling.DirectionIncoming, leg.RemoteIdentity(), StatusRinging)
	s.leg = leg
	gen := s.gen
	c.mu.Unlock()

	c.attach(gen, leg)
	c.openHistory(ctx, gen, leg.RemoteIdentity(), signaling.DirectionIncoming, history.StatusRinging)
	c.publish(events.CallRinging, s, "remote", leg.RemoteIdentity())
}

func (c *Controller) attach(gen uint64, leg signaling.Session) {
	unsubscribe := leg.Subscribe(func(ev signaling.SessionEvent) {
		c.onSessionEvent(gen, ev)
	})
	c.mu.Lock()
	if s := c.current(gen); s != nil {
		s.unsubscribe = unsubscribe
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	unsubscribe()
}

func (c *Controller) onSessionEvent(gen uint64, ev signaling.SessionEvent) {
	ctx, cancel := c.opContext()
	defer cancel()

	switch ev.Type {
	case signaling.EventConfirmed:
		c.activate(ctx, gen)
	case signaling.EventFailed, signaling.EventEnded:
		cause := ev.Cause
		if cause == "" {
			cause = string(ev.Type)
		}
		c.finish(ctx, gen, cause, endRemote)
	}
}

// activate moves a pending session to active, resets the call timer and
// starts recording.
func (c *Controller) activate(ctx context.Context, gen uint64) {
	c.mu.Lock()
	s := c.current(gen)
	if s == nil || !s.status.Pending() {
		c.mu.Unlock()
		return
	}
	if err := c.transitionLocked(s, StatusActive); err != nil {
		c.mu.Unlock()
		slog.Warn("[Call] Activation rejected", "error", err)
		return
	}
	s.answeredAt = c.cfg.Now()
	leg := s.leg
	c.mu.Unlock()

	c.publish(events.CallActive, s)

	if c.recorder == nil || leg == nil {
		return
	}
	if err := c.recorder.Start(ctx, leg); err != nil {
		if errors.Is(err, recording.ErrDisabled) {
			slog.Debug("[Call] Recording disabled", "call_id", s.id)
			return
		}
		slog.Warn("[Call] Recording not started", "call_id", s.id, "error", err)
		return
	}

	c.mu.Lock()
	if cur := c.current(gen); cur != nil && cur.status.InCall() {
		cur.recording = true
		c.mu.Unlock()
		c.publish(events.RecordingStarted, s)
		return
	}
	c.mu.Unlock()
	// The call ended while the device was opening.
	c.stopRecording(ctx, s)
}

// finish moves the session to ended or failed, stops recording and the
// conference leg, and closes the history record. Sessions that need no
// disposition drain to idle right away.
func (c *Controller) finish(ctx context.Context, gen uint64, cause string, reason endReason) {
	c.mu.Lock()
	s := c.current(gen)
	if s == nil || s.status.IsTerminal() || s.status == StatusIdle {
		c.mu.Unlock()
		return
	}
	from := s.status

	to := StatusFailed
	outcome := history.StatusFail
	switch {
	case from.InCall():
		to = StatusEnded
		if reason != endLost {
			outcome = history.StatusSuccess
		}
	case reason == endRejected:
		outcome = history.StatusRejected
	case reason == endRemote && s.direction == signaling.DirectionIncoming:
		outcome = history.StatusMissed
	}

	if err := c.transitionLocked(s, to); err != nil {
		c.mu.Unlock()
		slog.Warn("[Call] Termination rejected", "error", err)
		return
	}
	if s.direction == signaling.DirectionOutgoing {
		c.pending = ""
	}
	s.endedAt = c.cfg.Now()
	s.dispositionRequired = reason != endLost && (to == StatusEnded || s.bridgeID != "")
	wasRecording := s.recording
	s.recording = false
	conf := c.conf
	bridgeID := s.bridgeID
	needDisposition := s.dispositionRequired
	c.mu.Unlock()

	slog.Info("[Call] Call finished", "call_id", s.id, "status", to, "outcome", outcome, "cause", cause)

	if wasRecording {
		c.stopRecording(ctx, s)
	}
	if from.InCall() && conf != nil {
		if err := conf.EndConference(ctx); err != nil {
			slog.Warn("[Call] Conference teardown failed", "call_id", s.id, "error", err)
		}
	}
	c.closeHistory(ctx, outcome, bridgeID)

	if to == StatusEnded {
		c.publish(events.CallEnded, s, "cause", cause, "outcome", string(outcome))
	} else {
		c.publish(events.CallFailed, s, "cause", cause, "outcome", string(outcome))
	}

	if !needDisposition {
		c.drain(gen)
	}
}

// drain resets a terminal session to idle.
func (c *Controller) drain(gen uint64) {
	c.mu.Lock()
	s := c.current(gen)
	if s == nil || !s.status.IsTerminal() {
		c.mu.Unlock()
		return
	}
	c.cfg.Metrics.CallTransition(s.status.String(), StatusIdle.String())
	slog.Info("[Call] State changed", "call_id", s.id, "from", s.status, "to", StatusIdle)
	c.sess = nil
	c.gen++
	unsubscribe := s.unsubscribe
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.publish(events.CallIdle, s)
}

func (c *Controller) stopRecording(ctx context.Context, s *session) {
	art, err := c.recorder.Stop(ctx)
	if err != nil {
		slog.Warn("[Call] Recording stop failed", "call_id", s.id, "error", err)
		return
	}
	if art != nil {
		c.publish(events.RecordingStopped, s, "path", art.Path, "duration_ms", art.Duration.Milliseconds())
	}
}

func (c *Controller) openHistory(ctx context.Context, gen uint64, number string, dir signaling.Direction, status history.Status) {
	if c.history == nil {
		return
	}
	rec, err := c.history.OpenRecord(ctx, number, string(dir), status)
	if err != nil {
		slog.Warn("[Call] History record not opened", "number", number, "error", err)
		return
	}
	c.mu.Lock()
	if s := c.current(gen); s != nil {
		s.historyID = rec.ID
	}
	c.mu.Unlock()
}

func (c *Controller) closeHistory(ctx context.Context, status history.Status, bridgeID string) {
	if c.history == nil {
		return
	}
	if _, err := c.history.CloseLatest(ctx, status, bridgeID); err != nil {
		slog.Warn("[Call] History record not closed", "status", status, "error", err)
	}
}

// Answer picks up the ringing inbound call.
func (c *Controller) Answer(ctx context.Context) error {
	const op = "call.answer"
	return c.guard.Do(ctx, "answer", func(ctx context.Context) error {
		c.mu.Lock()
		s := c.sess
		if s == nil || s.status != StatusRinging || s.leg == nil {
			c.mu.Unlock()
			return apperr.UserInputf(op, apperr.CodeNoActiveLeg, "no ringing call to answer")
		}
		gen, leg, bridgeID := s.gen, s.leg, s.bridgeID
		c.mu.Unlock()

		if err := leg.Answer(ctx); err != nil {
			return apperr.Wrap(apperr.KindSignaling, op, err)
		}
		if err := c.backend.Answer(ctx, bridgeID); err != nil {
			slog.Warn("[Call] Backend on-call update failed", "call_id", s.id, "error", err)
			c.handleFatal(ctx, err)
		}
		c.activate(ctx, gen)
		return nil
	})
}

// Reject declines the ringing inbound call.
func (c *Controller) Reject(ctx context.Context) error {
	const op = "call.reject"
	return c.guard.Do(ctx, "reject", func(ctx context.Context) error {
		c.mu.Lock()
		s := c.sess
		if s == nil || s.status != StatusRinging || s.leg == nil {
			c.mu.Unlock()
			return apperr.UserInputf(op, apperr.CodeNoActiveLeg, "no ringing call to reject")
		}
		gen, leg := s.gen, s.leg
		c.mu.Unlock()

		err := leg.Reject(ctx, c.cfg.RejectCode)
		c.finish(ctx, gen, "rejected by agent", endRejected)
		if err != nil {
			return apperr.Wrap(apperr.KindSignaling, op, err)
		}
		return nil
	})
}

// Hangup ends the current call or abandons the current attempt.
func (c *Controller) Hangup(ctx context.Context) error {
	const op = "call.hangup"
	return c.guard.Do(ctx, "hangup", func(ctx context.Context) error {
		c.mu.Lock()
		s := c.sess
		if s == nil || s.status.IsTerminal() {
			c.mu.Unlock()
			return apperr.UserInputf(op, apperr.CodeNoActiveLeg, "no call to hang up")
		}
		gen, leg := s.gen, s.leg
		c.mu.Unlock()

		var err error
		if leg != nil {
			err = leg.Hangup(ctx)
		}
		c.finish(ctx, gen, "local hangup", endLocal)
		if err != nil {
			return apperr.Wrap(apperr.KindSignaling, op, err)
		}
		return nil
	})
}

// SubmitDisposition records the outcome of the finished call and returns the
// controller to idle.
func (c *Controller) SubmitDisposition(ctx context.Context, outcome string) error {
	const op = "call.disposition"
	if outcome == "" {
		return apperr.UserInputf(op, apperr.CodeInvalidNumber, "disposition outcome is required")
	}
	return c.guard.Do(ctx, "disposition", func(ctx context.Context) error {
		c.mu.Lock()
		s := c.sess
		if s == nil || !s.status.IsTerminal() || !s.dispositionRequired {
			c.mu.Unlock()
			return apperr.UserInputf(op, apperr.CodeNoActiveLeg, "no call awaiting disposition")
		}
		gen, bridgeID, historyID := s.gen, s.bridgeID, s.historyID
		c.mu.Unlock()

		if err := c.backend.SubmitDisposition(ctx, bridgeID, outcome); err != nil {
			c.handleFatal(ctx, err)
			return err
		}
		if c.history != nil && historyID != "" {
			if err := c.history.SetDisposition(ctx, historyID, outcome); err != nil {
				slog.Warn("[Call] Disposition not stored in history", "call_id", s.id, "error", err)
			}
		}
		slog.Info("[Call] Disposition submitted", "call_id", s.id, "bridge_id", bridgeID, "outcome", outcome)
		c.drain(gen)
		return nil
	})
}

// handleFatal raises the modal for errors that require re-authentication.
func (c *Controller) handleFatal(ctx context.Context, err error) {
	if apperr.KindOf(err).Fatal() {
		c.ConnectionLost(ctx, err)
	}
}

// ConnectionLost tears the current call down and raises the connection-fatal
// modal. New calls are refused until Reauthenticate or ReturnToLogin.
func (c *Controller) ConnectionLost(ctx context.Context, cause error) {
	c.mu.Lock()
	already := c.fatal
	c.fatal = true
	c.fatalCause = cause
	s := c.sess
	var (
		gen uint64
		leg signaling.Session
	)
	if s != nil {
		gen, leg = s.gen, s.leg
	}
	c.mu.Unlock()

	if !already {
		slog.Error("[Call] Connection lost", "error", cause)
		c.publish(events.ConnectionFatal, s, "cause", errString(cause))
	}
	if s == nil {
		return
	}
	if leg != nil && !leg.Status().IsTerminal() {
		if err := leg.Hangup(ctx); err != nil {
			slog.Debug("[Call] Hangup after connection loss failed", "call_id", s.id, "error", err)
		}
	}
	c.finish(ctx, gen, "connection lost", endLost)
	// A disposition cannot be captured without the backend.
	c.drain(gen)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Fatal reports whether the connection-fatal modal is raised, and why.
func (c *Controller) Fatal() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal, c.fatalCause
}

// Reauthenticate logs in again with the last credentials, re-registers and
// clears the modal.
func (c *Controller) Reauthenticate(ctx context.Context) error {
	const op = "call.reauthenticate"
	return c.guard.Do(ctx, "reauthenticate", func(ctx context.Context) error {
		if err := c.backend.Reauthenticate(ctx); err != nil {
			return err
		}
		if c.registrar != nil {
			if err := c.registrar.Register(ctx); err != nil {
				return apperr.Wrap(apperr.KindSignaling, op, err)
			}
		}
		c.mu.Lock()
		c.fatal = false
		c.fatalCause = nil
		c.mu.Unlock()
		slog.Info("[Call] Re-authenticated")
		c.publish(events.Reauthenticated, nil)
		return nil
	})
}

// ReturnToLogin drops the credentials and clears the modal. The agent has to
// log in again before the backend accepts requests.
func (c *Controller) ReturnToLogin() {
	c.backend.Logout()
	c.guard.Reset()
	c.mu.Lock()
	c.fatal = false
	c.fatalCause = nil
	c.mu.Unlock()
	slog.Info("[Call] Returned to login")
}

// Status returns the current call status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return StatusIdle
	}
	return c.sess.status
}

// Snapshot returns the published view of the call.
func (c *Controller) Snapshot() types.CallSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := types.CallSnapshot{Status: StatusIdle.String(), ConnectionFatal: c.fatal}
	s := c.sess
	if s == nil {
		return snap
	}
	snap.ID = s.id
	snap.Direction = string(s.direction)
	snap.Status = s.status.String()
	snap.RemoteNumber = s.number
	snap.BridgeID = s.bridgeID
	snap.StartedAt = s.startedAt.UnixMilli()
	snap.Recording = s.recording
	snap.DispositionRequired = s.dispositionRequired
	if !s.answeredAt.IsZero() {
		snap.AnsweredAt = s.answeredAt.UnixMilli()
		end := s.endedAt
		if end.IsZero() {
			end = c.cfg.Now()
		}
		snap.ElapsedSeconds = int64(end.Sub(s.answeredAt) / time.Second)
	}
	if !s.endedAt.IsZero() {
		snap.EndedAt = s.endedAt.UnixMilli()
	}
	return snap
}

// BridgeID returns the backend bridge of the primary call.
func (c *Controller) BridgeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.bridgeID
}

// Generation identifies the current session. It changes whenever a session
// starts or drains.
func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// InCall reports whether the primary leg is active or conferenced.
func (c *Controller) InCall() bool {
	return c.Status().InCall()
}

// EnterConference moves an active call into conference.
func (c *Controller) EnterConference(gen uint64, bridgeID string) error {
	c.mu.Lock()
	s := c.current(gen)
	if s == nil {
		c.mu.Unlock()
		return apperr.UserInputf("call.conference", apperr.CodeNoActiveLeg, "call is gone")
	}
	if err := c.transitionLocked(s, StatusConference); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	c.publish(events.CallConference, s, "conference_bridge_id", bridgeID)
	return nil
}

// LeaveConference returns a conferenced call to active. It does nothing in
// any other status.
func (c *Controller) LeaveConference() {
	c.mu.Lock()
	s := c.sess
	if s == nil || s.status != StatusConference {
		c.mu.Unlock()
		return
	}
	_ = c.transitionLocked(s, StatusActive)
	c.mu.Unlock()
	c.publish(events.CallActive, s, "reason", "conference_left")
}

// Close hangs up any call in progress and stops background work.
func (c *Controller) Close() error {
	c.mu.Lock()
	s := c.sess
	var (
		gen uint64
		leg signaling.Session
	)
	if s != nil {
		gen, leg = s.gen, s.leg
	}
	c.mu.Unlock()

	if s != nil {
		ctx, cancel := c.opContext()
		if leg != nil && !leg.Status().IsTerminal() {
			_ = leg.Hangup(ctx)
		}
		c.finish(ctx, gen, "shutdown", endLocal)
		c.drain(gen)
		cancel()
	}
	c.cancel()
	return nil
}
