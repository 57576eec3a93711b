package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	types "github.com/sebas/agentphone/api/types/v1"
	"github.com/sebas/agentphone/internal/agent/apperr"
	"github.com/sebas/agentphone/internal/agent/history"
	"github.com/sebas/agentphone/internal/agent/recording"
	"github.com/sebas/agentphone/internal/agent/signaling"
)

type fakeBackend struct {
	mu           sync.Mutex
	check        types.ConnectionCheck
	dialErr      error
	dialBridge   string
	dialGate     chan struct{}
	dials        []string
	answers      int
	dispositions []string
	reauths      int
	loggedOut    bool
}

func (b *fakeBackend) Dial(ctx context.Context, caller, receiver string) (string, error) {
	b.mu.Lock()
	b.dials = append(b.dials, caller+"->"+receiver)
	gate, err, bridge := b.dialGate, b.dialErr, b.dialBridge
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return bridge, err
}

func (b *fakeBackend) Answer(context.Context, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.answers++
	return nil
}

func (b *fakeBackend) ConnectionCheck(context.Context) (*types.ConnectionCheck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	check := b.check
	return &check, nil
}

func (b *fakeBackend) SubmitDisposition(_ context.Context, bridgeID, outcome string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispositions = append(b.dispositions, bridgeID+":"+outcome)
	return nil
}

func (b *fakeBackend) Reauthenticate(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reauths++
	return nil
}

func (b *fakeBackend) Logout() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loggedOut = true
}

func (b *fakeBackend) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dials)
}

type fakeRegistrar struct{ n atomic.Int32 }

func (r *fakeRegistrar) Register(context.Context) error { r.n.Add(1); return nil }

type fakeRecorder struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (r *fakeRecorder) Start(context.Context, signaling.Session) error {
	r.starts.Add(1)
	return nil
}

func (r *fakeRecorder) Stop(context.Context) (*recording.Artifact, error) {
	r.stops.Add(1)
	return &recording.Artifact{Path: "/tmp/call.wav"}, nil
}

type fakeLeg struct {
	id     string
	remote string

	mu         sync.Mutex
	status     signaling.SessionStatus
	answered   int
	hungup     int
	rejectCode int
	subs       map[int]func(signaling.SessionEvent)
	next       int
}

func newFakeLeg(id, remote string) *fakeLeg {
	return &fakeLeg{id: id, remote: remote, status: signaling.SessionProgress, subs: map[int]func(signaling.SessionEvent){}}
}

func (l *fakeLeg) ID() string                     { return l.id }
func (l *fakeLeg) Direction() signaling.Direction { return signaling.DirectionIncoming }
func (l *fakeLeg) RemoteIdentity() string         { return l.remote }
func (l *fakeLeg) Status() signaling.SessionStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *fakeLeg) Answer(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answered++
	return nil
}

func (l *fakeLeg) Reject(_ context.Context, code int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejectCode = code
	l.status = signaling.SessionFailed
	return nil
}

func (l *fakeLeg) Hangup(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hungup++
	l.status = signaling.SessionTerminated
	return nil
}

func (l *fakeLeg) RemoteAudio() (signaling.AudioSource, error) { return nil, signaling.ErrNoMedia }

func (l *fakeLeg) Subscribe(fn func(signaling.SessionEvent)) func() {
	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

func (l *fakeLeg) emit(t signaling.EventType) {
	l.mu.Lock()
	switch t {
	case signaling.EventConfirmed:
		l.status = signaling.SessionEstablished
	case signaling.EventEnded:
		l.status = signaling.SessionTerminated
	case signaling.EventFailed:
		l.status = signaling.SessionFailed
	}
	fns := make([]func(signaling.SessionEvent), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(signaling.SessionEvent{Type: t})
	}
}

func (l *fakeLeg) counts() (answered, hungup, rejectCode int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.answered, l.hungup, l.rejectCode
}

type harness struct {
	ctrl *Controller
	be   *fakeBackend
	reg  *fakeRegistrar
	rec  *fakeRecorder
	hist *history.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hist, err := history.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	h := &harness{
		be:   &fakeBackend{dialBridge: "bridge-1"},
		reg:  &fakeRegistrar{},
		rec:  &fakeRecorder{},
		hist: hist,
	}
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.ctrl = NewController(Config{
		Agent:      "1001",
		ActionHold: time.Nanosecond,
		Now:        func() time.Time { return fixed },
	}, h.be, h.reg, h.rec, hist)
	t.Cleanup(func() { _ = h.ctrl.Close() })
	return h
}

func (h *harness) latest(t *testing.T) history.Record {
	t.Helper()
	recs, err := h.hist.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

func TestDialConfirmActivatesAndDrains(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Dial(ctx, "9876543210"))
	require.Equal(t, StatusDialing, h.ctrl.Status())
	require.Equal(t, []string{"1001->9876543210"}, h.be.dials)

	rec := h.latest(t)
	require.Equal(t, history.StatusDialing, rec.Status)
	require.True(t, rec.Open())

	leg := newFakeLeg("s1", "+1 (987) 654-3210")
	h.ctrl.OnSession(leg)
	answered, _, rejected := leg.counts()
	require.Equal(t, 1, answered, "echo leg is answered automatically")
	require.Zero(t, rejected)
	require.Equal(t, StatusDialing, h.ctrl.Status())

	leg.emit(signaling.EventConfirmed)
	snap := h.ctrl.Snapshot()
	require.Equal(t, "active", snap.Status)
	require.Equal(t, "bridge-1", snap.BridgeID)
	require.Zero(t, snap.ElapsedSeconds)
	require.True(t, snap.Recording)
	require.EqualValues(t, 1, h.rec.starts.Load())

	leg.emit(signaling.EventEnded)
	snap = h.ctrl.Snapshot()
	require.Equal(t, "ended", snap.Status)
	require.True(t, snap.DispositionRequired)
	require.False(t, snap.Recording)
	require.EqualValues(t, 1, h.rec.stops.Load())

	rec = h.latest(t)
	require.Equal(t, history.StatusSuccess, rec.Status)
	require.False(t, rec.Open())

	require.NoError(t, h.ctrl.SubmitDisposition(ctx, "sale"))
	require.Equal(t, StatusIdle, h.ctrl.Status())
	require.Equal(t, []string{"bridge-1:sale"}, h.be.dispositions)
	require.Equal(t, "sale", h.latest(t).Disposition)

	open, err := h.hist.OpenCount(ctx)
	require.NoError(t, err)
	require.Zero(t, open)
}

func TestSecondInboundSessionIsRejectedBusy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	first := newFakeLeg("s1", "5550100")
	h.ctrl.OnSession(first)
	before := h.ctrl.Snapshot()
	require.Equal(t, "ringing", before.Status)

	second := newFakeLeg("s2", "5550199")
	h.ctrl.OnSession(second)
	_, _, code := second.counts()
	require.Equal(t, 486, code)

	after := h.ctrl.Snapshot()
	require.Equal(t, before.ID, after.ID)
	require.Equal(t, "5550100", after.RemoteNumber)
	require.Equal(t, "ringing", after.Status)
}

func TestConcurrentInboundSessionsKeepOneCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	legs := make([]*fakeLeg, 8)
	var wg sync.WaitGroup
	for i := range legs {
		legs[i] = newFakeLeg("s", "555010"+string(rune('0'+i)))
		wg.Add(1)
		go func(l *fakeLeg) {
			defer wg.Done()
			h.ctrl.OnSession(l)
		}(legs[i])
	}
	wg.Wait()

	busy := 0
	for _, l := range legs {
		if _, _, code := l.counts(); code == 486 {
			busy++
		}
	}
	require.Equal(t, len(legs)-1, busy)
	require.Equal(t, StatusRinging, h.ctrl.Status())
}

func TestDialPreconditions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("invalid number", func(t *testing.T) {
		h := newHarness(t)
		err := h.ctrl.Dial(ctx, "12ab")
		require.True(t, apperr.IsKind(err, apperr.KindUserInput))
		require.Equal(t, apperr.CodeInvalidNumber, apperr.CodeOf(err))
		require.Zero(t, h.be.dialCount())
	})

	t.Run("on break", func(t *testing.T) {
		h := newHarness(t)
		h.be.check.OnBreak = true
		err := h.ctrl.Dial(ctx, "5550100")
		require.Equal(t, apperr.CodeOnBreak, apperr.CodeOf(err))
		require.Zero(t, h.be.dialCount())
		require.Equal(t, StatusIdle, h.ctrl.Status())
	})

	t.Run("connection lost", func(t *testing.T) {
		h := newHarness(t)
		h.be.check.ConnectionLost = true
		err := h.ctrl.Dial(ctx, "5550100")
		require.Equal(t, apperr.CodeConnectionLost, apperr.CodeOf(err))
		require.Zero(t, h.be.dialCount())
	})

	t.Run("busy", func(t *testing.T) {
		h := newHarness(t)
		h.ctrl.OnSession(newFakeLeg("s1", "5550100"))
		err := h.ctrl.Dial(ctx, "5550111")
		require.Equal(t, apperr.CodeBusy, apperr.CodeOf(err))
	})
}

func TestDialFailureReturnsToIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.be.dialBridge = ""
	h.be.dialErr = &apperr.Error{Kind: apperr.KindSignaling, Op: "backend.dial", Code: apperr.CodeRejected, Message: "number busy"}

	err := h.ctrl.Dial(context.Background(), "5550100")
	var dialErr *DialError
	require.ErrorAs(t, err, &dialErr)
	require.Equal(t, "5550100", dialErr.Number)
	require.True(t, apperr.IsKind(err, apperr.KindSignaling))

	require.Equal(t, StatusIdle, h.ctrl.Status())
	rec := h.latest(t)
	require.Equal(t, history.StatusFail, rec.Status)
	require.False(t, rec.Open())

	// The pending marker is gone, so the same number now rings normally.
	leg := newFakeLeg("s1", "5550100")
	h.ctrl.OnSession(leg)
	answered, _, _ := leg.counts()
	require.Zero(t, answered)
	require.Equal(t, StatusRinging, h.ctrl.Status())
}

func TestStaleDialResultIsDiscarded(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	gate := make(chan struct{})
	h.be.dialGate = gate

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Dial(context.Background(), "5550100") }()

	require.Eventually(t, func() bool { return h.be.dialCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.ctrl.Hangup(context.Background()))
	require.Equal(t, StatusIdle, h.ctrl.Status())

	close(gate)
	require.NoError(t, <-done)
	require.Equal(t, StatusIdle, h.ctrl.Status())
	require.Empty(t, h.ctrl.BridgeID())
	require.Equal(t, history.StatusFail, h.latest(t).Status)
}

func TestAnswerInboundAndHangup(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	leg := newFakeLeg("s1", "5550100")
	h.ctrl.OnSession(leg)
	require.Equal(t, history.StatusRinging, h.latest(t).Status)

	require.NoError(t, h.ctrl.Answer(ctx))
	require.Equal(t, StatusActive, h.ctrl.Status())
	require.Equal(t, 1, h.be.answers)

	// confirmed after an explicit answer changes nothing
	leg.emit(signaling.EventConfirmed)
	require.Equal(t, StatusActive, h.ctrl.Status())

	require.NoError(t, h.ctrl.Hangup(ctx))
	_, hungup, _ := leg.counts()
	require.Equal(t, 1, hungup)
	require.Equal(t, StatusEnded, h.ctrl.Status())
	require.Equal(t, history.StatusSuccess, h.latest(t).Status)

	err := h.ctrl.Hangup(ctx)
	require.Equal(t, apperr.CodeNoActiveLeg, apperr.CodeOf(err))
}

func TestRejectAndMissedOutcomes(t *testing.T) {
	t.Parallel()

	t.Run("rejected", func(t *testing.T) {
		h := newHarness(t)
		leg := newFakeLeg("s1", "5550100")
		h.ctrl.OnSession(leg)
		require.NoError(t, h.ctrl.Reject(context.Background()))
		_, _, code := leg.counts()
		require.Equal(t, 603, code)
		require.Equal(t, StatusIdle, h.ctrl.Status())
		require.Equal(t, history.StatusRejected, h.latest(t).Status)
	})

	t.Run("missed", func(t *testing.T) {
		h := newHarness(t)
		leg := newFakeLeg("s1", "5550100")
		h.ctrl.OnSession(leg)
		leg.emit(signaling.EventFailed)
		require.Equal(t, StatusIdle, h.ctrl.Status())
		require.Equal(t, history.StatusMissed, h.latest(t).Status)
	})
}

func TestConnectionLostRaisesFatalModal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	leg := newFakeLeg("s1", "5550100")
	h.ctrl.OnSession(leg)
	require.NoError(t, h.ctrl.Answer(ctx))

	h.ctrl.ConnectionLost(ctx, errors.New("registrar unreachable"))
	_, hungup, _ := leg.counts()
	require.Equal(t, 1, hungup)
	require.Equal(t, StatusIdle, h.ctrl.Status())
	require.EqualValues(t, 1, h.rec.stops.Load())
	require.Equal(t, history.StatusFail, h.latest(t).Status)

	fatal, cause := h.ctrl.Fatal()
	require.True(t, fatal)
	require.EqualError(t, cause, "registrar unreachable")
	require.True(t, h.ctrl.Snapshot().ConnectionFatal)

	err := h.ctrl.Dial(ctx, "5550111")
	require.ErrorIs(t, err, ErrConnectionFatal)
	require.Zero(t, h.be.dialCount())

	blocked := newFakeLeg("s2", "5550122")
	h.ctrl.OnSession(blocked)
	_, _, code := blocked.counts()
	require.Equal(t, 480, code)

	require.NoError(t, h.ctrl.Reauthenticate(ctx))
	require.EqualValues(t, 1, h.reg.n.Load())
	fatal, _ = h.ctrl.Fatal()
	require.False(t, fatal)
	require.NoError(t, h.ctrl.Dial(ctx, "5550111"))
}

func TestReturnToLoginClearsModal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.ctrl.ConnectionLost(context.Background(), errors.New("token revoked"))
	h.ctrl.ReturnToLogin()
	fatal, _ := h.ctrl.Fatal()
	require.False(t, fatal)
	require.True(t, h.be.loggedOut)
}

func TestDispositionRequiresFinishedCall(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	err := h.ctrl.SubmitDisposition(context.Background(), "sale")
	require.Equal(t, apperr.CodeNoActiveLeg, apperr.CodeOf(err))
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusIdle, StatusDialing, true},
		{StatusIdle, StatusRinging, true},
		{StatusIdle, StatusActive, false},
		{StatusDialing, StatusActive, true},
		{StatusRinging, StatusFailed, true},
		{StatusActive, StatusConference, true},
		{StatusConference, StatusActive, true},
		{StatusConference, StatusEnded, true},
		{StatusActive, StatusFailed, false},
		{StatusEnded, StatusIdle, true},
		{StatusEnded, StatusActive, false},
		{StatusFailed, StatusIdle, true},
	}
	for _, tt := range tests {
		require.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestNormalizeNumber(t *testing.T) {
	t.Parallel()

	n, err := NormalizeNumber(" +1 (555) 010-0199 ")
	require.NoError(t, err)
	require.Equal(t, "+15550100199", n)

	for _, bad := range []string{"", "12", "555-CALL", "++15550100"} {
		_, err := NormalizeNumber(bad)
		require.Error(t, err, bad)
		require.True(t, apperr.IsKind(err, apperr.KindUserInput))
	}

	require.True(t, sameNumber("9876543210", "+1 987 654 3210"))
	require.False(t, sameNumber("123", "0123"))
	require.False(t, sameNumber("", "5550100"))
}
