package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	types "github.com/sebas/agentphone/api/types/v1"
	"github.com/sebas/agentphone/internal/agent/apperr"
	"github.com/sebas/agentphone/internal/agent/history"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCalls struct {
	mu        sync.Mutex
	dialed    []string
	outcomes  []string
	err       error
	status    string
	loggedOut bool
}

func (f *fakeCalls) record(err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	return err
}

func (f *fakeCalls) Dial(_ context.Context, number string) error {
	if err := f.record(nil); err != nil {
		return err
	}
	f.mu.Lock()
	f.dialed = append(f.dialed, number)
	f.status = "dialing"
	f.mu.Unlock()
	return nil
}
func (f *fakeCalls) Answer(context.Context) error         { return f.record(nil) }
func (f *fakeCalls) Reject(context.Context) error         { return f.record(nil) }
func (f *fakeCalls) Hangup(context.Context) error         { return f.record(nil) }
func (f *fakeCalls) Reauthenticate(context.Context) error { return f.record(nil) }
func (f *fakeCalls) ReturnToLogin() {
	f.mu.Lock()
	f.loggedOut = true
	f.mu.Unlock()
}
func (f *fakeCalls) SubmitDisposition(_ context.Context, outcome string) error {
	if err := f.record(nil); err != nil {
		return err
	}
	f.mu.Lock()
	f.outcomes = append(f.outcomes, outcome)
	f.mu.Unlock()
	return nil
}
func (f *fakeCalls) Snapshot() types.CallSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.status
	if status == "" {
		status = "idle"
	}
	return types.CallSnapshot{Status: status}
}

type fakeConferences struct {
	mergeErr error
	holds    int
}

func (f *fakeConferences) CreateConferenceCall(context.Context, string) error { return nil }
func (f *fakeConferences) HandleMerge(context.Context) error                  { return f.mergeErr }
func (f *fakeConferences) EndConference(context.Context) error                { return nil }
func (f *fakeConferences) ToggleHold(context.Context) error                   { f.holds++; return nil }
func (f *fakeConferences) Hold(context.Context) error                         { f.holds++; return nil }
func (f *fakeConferences) Unhold(context.Context) error                       { return nil }
func (f *fakeConferences) Snapshot() types.ConferenceSnapshot {
	return types.ConferenceSnapshot{HostNumber: "1001"}
}

type fakeHealth struct{}

func (fakeHealth) Snapshot() types.HealthSnapshot {
	return types.HealthSnapshot{OverallHealth: 85, SignalStrength: 3}
}

type env struct {
	calls *fakeCalls
	confs *fakeConferences
	hist  *history.Store
	srv   *Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	hist, err := history.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "agentphone_test_total", Help: "test"}))

	e := &env{calls: &fakeCalls{}, confs: &fakeConferences{}, hist: hist}
	e.srv = NewServer(Deps{
		Calls:       e.calls,
		Conferences: e.confs,
		Health:      fakeHealth{},
		History:     hist,
		Gatherer:    reg,
		Now:         func() time.Time { return time.UnixMilli(1234) },
	})
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)

	var resp Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec, resp
}

func TestSnapshotComposesComponents(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec, resp := e.do(t, http.MethodGet, "/api/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, resp.Success)

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var snap types.MonitoringSnapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Equal(t, "idle", snap.Call.Status)
	require.Equal(t, "1001", snap.Conference.HostNumber)
	require.Equal(t, 85, snap.Health.OverallHealth)
	require.Equal(t, int64(1234), snap.Timestamp)
}

func TestDialAction(t *testing.T) {
	t.Parallel()

	t.Run("accepted", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		rec, resp := e.do(t, http.MethodPost, "/api/call/dial", map[string]string{"number": "5551234"})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		require.True(t, resp.Success)
		require.Equal(t, []string{"5551234"}, e.calls.dialed)
	})

	t.Run("missing number", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		rec, resp := e.do(t, http.MethodPost, "/api/call/dial", map[string]string{})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.False(t, resp.Success)
		require.Equal(t, "invalid_request", resp.Error.Code)
		require.Empty(t, e.calls.dialed)
	})

	t.Run("classified failure", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.calls.err = apperr.New(apperr.KindSignaling, "call.dial", apperr.CodeConnectionFatal, "connection lost")
		rec, resp := e.do(t, http.MethodPost, "/api/call/dial", map[string]string{"number": "5551234"})
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Equal(t, "signaling", resp.Error.Kind)
		require.Equal(t, apperr.CodeConnectionFatal, resp.Error.Code)
		require.Equal(t, "connection lost", resp.Error.Message)
	})
}

func TestConferenceErrorsMapToConflict(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.confs.mergeErr = apperr.Conferencef("conference.merge", apperr.CodeNoParticipants, "no participants to merge")

	rec, resp := e.do(t, http.MethodPost, "/api/conference/merge", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, apperr.CodeNoParticipants, resp.Error.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/call/hold/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, e.confs.holds)
}

func TestDispositionAndLogin(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	rec, _ := e.do(t, http.MethodPost, "/api/call/disposition", map[string]string{"outcome": "sale"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"sale"}, e.calls.outcomes)

	rec, _ = e.do(t, http.MethodPost, "/api/agent/return-to-login", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, e.calls.loggedOut)
}

func TestHistoryListing(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.hist.OpenRecord(ctx, "5551234", "outgoing", history.StatusDialing)
	require.NoError(t, err)
	_, err = e.hist.CloseLatest(ctx, history.StatusSuccess, "b-1")
	require.NoError(t, err)
	_, err = e.hist.OpenRecord(ctx, "5559999", "incoming", history.StatusRinging)
	require.NoError(t, err)

	rec, resp := e.do(t, http.MethodGet, "/api/history?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries, ok := resp.Data.([]any)
	require.True(t, ok)
	require.Len(t, entries, 2)

	rec, resp = e.do(t, http.MethodGet, "/api/history?number=5551234", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries = resp.Data.([]any)
	require.Len(t, entries, 1)
	require.Equal(t, "Success", entries[0].(map[string]any)["status"])

	rec, _ = e.do(t, http.MethodGet, "/api/history?limit=zero", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "agentphone_test_total")
}
