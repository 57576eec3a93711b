package guard_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sebas/agentphone/internal/agent/apperr"
	"github.com/sebas/agentphone/internal/agent/guard"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGuardRejectsWhileInFlight(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	g := guard.NewGuard(time.Second, guard.WithNow(clock.Now))

	release, ok := g.TryAcquire("hold")
	require.True(t, ok)

	_, ok = g.TryAcquire("hold")
	require.False(t, ok, "second acquire while in flight")

	_, ok = g.TryAcquire("dial")
	require.True(t, ok, "other keys are independent")

	clock.Advance(2 * time.Second)
	_, ok = g.TryAcquire("hold")
	require.False(t, ok, "still in flight after hold elapsed")

	release()
	_, ok = g.TryAcquire("hold")
	require.True(t, ok)
}

func TestGuardMinimumHoldAfterFastRelease(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	g := guard.NewGuard(800*time.Millisecond, guard.WithNow(clock.Now))

	release, ok := g.TryAcquire("hold")
	require.True(t, ok)
	clock.Advance(50 * time.Millisecond)
	release()
	release()

	require.True(t, g.Busy("hold"))
	_, ok = g.TryAcquire("hold")
	require.False(t, ok, "released quickly but still inside minimum hold")

	clock.Advance(800 * time.Millisecond)
	require.False(t, g.Busy("hold"))
	_, ok = g.TryAcquire("hold")
	require.True(t, ok)
}

func TestGuardDoSerializesDoubleFire(t *testing.T) {
	t.Parallel()

	g := guard.NewGuard(time.Hour)
	var calls atomic.Int32

	fn := func(context.Context) error {
		calls.Add(1)
		return nil
	}
	require.NoError(t, g.Do(context.Background(), "hold", fn))
	err := g.Do(context.Background(), "hold", fn)
	require.Error(t, err)
	require.Equal(t, apperr.KindUserInput, apperr.KindOf(err))
	require.Equal(t, apperr.CodeInFlight, apperr.CodeOf(err))
	require.EqualValues(t, 1, calls.Load())

	g.Reset()
	require.NoError(t, g.Do(context.Background(), "hold", fn))
	require.EqualValues(t, 2, calls.Load())
}

func TestTimersReplaceAndCancel(t *testing.T) {
	t.Parallel()

	timers := guard.NewTimers()
	defer timers.Close()

	fired := make(chan string, 4)
	timers.Schedule("grace", time.Hour, func() { fired <- "stale" })
	timers.Schedule("grace", 10*time.Millisecond, func() { fired <- "fresh" })
	require.True(t, timers.Pending("grace"))

	select {
	case v := <-fired:
		require.Equal(t, "fresh", v)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	require.False(t, timers.Pending("grace"))

	timers.Schedule("end", 20*time.Millisecond, func() { fired <- "end" })
	require.True(t, timers.Cancel("end"))
	require.False(t, timers.Cancel("end"))

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, fired)
}

func TestTimersCloseRejectsSchedule(t *testing.T) {
	t.Parallel()

	timers := guard.NewTimers()
	timers.Close()
	timers.Schedule("x", time.Millisecond, func() { t.Error("fired after close") })
	require.False(t, timers.Pending("x"))
	time.Sleep(10 * time.Millisecond)
}
