package conference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	types "github.com/sebas/agentphone/api/types/v1"
	"github.com/sebas/agentphone/internal/agent/apperr"
	"github.com/sebas/agentphone/internal/agent/call"
	"github.com/sebas/agentphone/internal/agent/guard"
	"github.com/sebas/agentphone/internal/agent/signaling"
)

func unauthorized(op string) error {
	return &apperr.Error{Kind: apperr.KindAuth, Op: op, Code: apperr.CodeUnauthorized, Message: "unauthorized", Cause: errors.New("401")}
}

type fatalSink struct {
	mu     sync.Mutex
	causes []error
}

func (s *fatalSink) record(_ context.Context, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.causes = append(s.causes, cause)
}

func (s *fatalSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.causes)
}

func newFatalCoordinator(t *testing.T) (*Coordinator, *fakePrimary, *fakeBackend, *fatalSink) {
	t.Helper()
	c, p, b := newCoordinator(t, time.Nanosecond)
	sink := &fatalSink{}
	c.cfg.OnFatal = sink.record
	return c, p, b, sink
}

func TestAuthFailuresEscalate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("hold", func(t *testing.T) {
		c, _, b, sink := newFatalCoordinator(t)
		b.holdErr = unauthorized("backend.hold")

		err := c.Hold(ctx)
		require.True(t, apperr.IsKind(err, apperr.KindAuth))
		require.Equal(t, 1, sink.count())
		require.False(t, c.State().Held)
	})

	t.Run("unhold", func(t *testing.T) {
		c, _, b, sink := newFatalCoordinator(t)
		require.NoError(t, c.Hold(ctx))
		b.mu.Lock()
		b.holdErr = unauthorized("backend.unhold")
		b.mu.Unlock()

		require.Error(t, c.Unhold(ctx))
		require.Equal(t, 1, sink.count())
	})

	t.Run("hold before conference", func(t *testing.T) {
		c, _, b, sink := newFatalCoordinator(t)
		b.holdErr = unauthorized("backend.hold")

		err := c.CreateConferenceCall(ctx, "5551234")
		require.True(t, apperr.IsKind(err, apperr.KindAuth))
		require.Equal(t, 1, sink.count())
		require.False(t, c.Live())
		require.Equal(t, State{}, c.State())
		require.Empty(t, b.creates, "no bridge is requested once credentials are rejected")
	})

	t.Run("create conference", func(t *testing.T) {
		c, _, b, sink := newFatalCoordinator(t)
		b.confErr = unauthorized("backend.conference")

		err := c.CreateConferenceCall(ctx, "5551234")
		require.True(t, apperr.IsKind(err, apperr.KindAuth))
		require.Equal(t, 1, sink.count())
		require.False(t, c.Live())
	})

	t.Run("participant poll", func(t *testing.T) {
		c, _, b, sink := newFatalCoordinator(t)
		require.NoError(t, c.CreateConferenceCall(ctx, "5551234"))
		b.mu.Lock()
		b.checkErr = unauthorized("backend.connection_check")
		b.mu.Unlock()

		c.Refresh(ctx)
		require.Equal(t, 1, sink.count())
	})

	t.Run("other failures stay local", func(t *testing.T) {
		c, _, b, sink := newFatalCoordinator(t)
		b.confErr = apperr.Conferencef("backend.conference", apperr.CodeBridgeNotFound, "bridge not found")
		require.Error(t, c.CreateConferenceCall(ctx, "5551234"))

		b.mu.Lock()
		b.confErr = nil
		b.checkErr = apperr.Networkf("backend.connection_check", "timeout")
		b.mu.Unlock()
		require.NoError(t, c.CreateConferenceCall(ctx, "5551234"))
		c.Refresh(ctx)

		require.Zero(t, sink.count())
	})
}

// The call controller side of the escalation: a rejected hold must end the
// primary call and raise the connection-fatal modal.

type callBackend struct{}

func (callBackend) Dial(context.Context, string, string) (string, error) { return "bridge-1", nil }
func (callBackend) Answer(context.Context, string) error                { return nil }
func (callBackend) ConnectionCheck(context.Context) (*types.ConnectionCheck, error) {
	return &types.ConnectionCheck{}, nil
}
func (callBackend) SubmitDisposition(context.Context, string, string) error { return nil }
func (callBackend) Reauthenticate(context.Context) error                    { return nil }
func (callBackend) Logout()                                                 {}

type primaryLeg struct {
	mu     sync.Mutex
	status signaling.SessionStatus
	hungup int
	subs   []func(signaling.SessionEvent)
}

func (l *primaryLeg) ID() string                     { return "s1" }
func (l *primaryLeg) Direction() signaling.Direction { return signaling.DirectionIncoming }
func (l *primaryLeg) RemoteIdentity() string         { return "9876543210" }
func (l *primaryLeg) Status() signaling.SessionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}
func (l *primaryLeg) Answer(context.Context) error      { return nil }
func (l *primaryLeg) Reject(context.Context, int) error { return nil }
func (l *primaryLeg) Hangup(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hungup++
	l.status = signaling.SessionTerminated
	return nil
}
func (l *primaryLeg) RemoteAudio() (signaling.AudioSource, error) { return nil, signaling.ErrNoMedia }
func (l *primaryLeg) Subscribe(fn func(signaling.SessionEvent)) func() {
	l.mu.Lock()
	l.subs = append(l.subs, fn)
	l.mu.Unlock()
	return func() {}
}

func (l *primaryLeg) confirm() {
	l.mu.Lock()
	l.status = signaling.SessionEstablished
	subs := append([]func(signaling.SessionEvent){}, l.subs...)
	l.mu.Unlock()
	for _, fn := range subs {
		fn(signaling.SessionEvent{Type: signaling.EventConfirmed})
	}
}

func (l *primaryLeg) hangups() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hungup
}

func TestRejectedHoldEndsCallAndRaisesFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ctrl := call.NewController(call.Config{Agent: "1001", ActionHold: time.Nanosecond}, callBackend{}, nil, nil, nil)
	t.Cleanup(func() { _ = ctrl.Close() })
	b := &fakeBackend{holdErr: unauthorized("backend.hold")}
	coord := NewCoordinator(Config{
		HostNumber: "1001",
		Guard:      guard.NewGuard(time.Nanosecond),
		OnFatal:    ctrl.ConnectionLost,
	}, ctrl, b)
	t.Cleanup(coord.Stop)
	ctrl.SetConference(coord)

	require.NoError(t, ctrl.Dial(ctx, "9876543210"))
	l := &primaryLeg{status: signaling.SessionProgress}
	ctrl.OnSession(l)
	l.confirm()
	require.Equal(t, call.StatusActive, ctrl.Status())

	err := coord.Hold(ctx)
	require.True(t, apperr.IsKind(err, apperr.KindAuth))

	fatal, cause := ctrl.Fatal()
	require.True(t, fatal)
	require.ErrorIs(t, cause, err)
	require.Equal(t, call.StatusIdle, ctrl.Status())
	require.Equal(t, 1, l.hangups())
	require.True(t, ctrl.Snapshot().ConnectionFatal)
	require.False(t, coord.State().Held)
}
