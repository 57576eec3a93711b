// Package api exposes the agent over a local HTTP control surface: snapshot
// reads, call and conference actions, history, Prometheus metrics and a
// websocket feed for dashboards.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	types "github.com/sebas/agentphone/api/types/v1"
	"github.com/sebas/agentphone/internal/agent/history"
)

// Calls is the call controller surface used by the API.
type Calls interface {
	Dial(ctx context.Context, number string) error
	Answer(ctx context.Context) error
	Reject(ctx context.Context) error
	Hangup(ctx context.Context) error
	SubmitDisposition(ctx context.Context, outcome string) error
	Reauthenticate(ctx context.Context) error
	ReturnToLogin()
	Snapshot() types.CallSnapshot
}

// Conferences is the conference coordinator surface used by the API.
type Conferences interface {
	CreateConferenceCall(ctx context.Context, number string) error
	HandleMerge(ctx context.Context) error
	EndConference(ctx context.Context) error
	ToggleHold(ctx context.Context) error
	Hold(ctx context.Context) error
	Unhold(ctx context.Context) error
	Snapshot() types.ConferenceSnapshot
}

// Health supplies the latest connection health.
type Health interface {
	Snapshot() types.HealthSnapshot
}

// History lists call history.
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
	ByNumber(ctx context.Context, number string, limit int) ([]history.Record, error)
}

// Deps are the components served by the API. Gatherer and Stream are
// optional.
type Deps struct {
	Calls       Calls
	Conferences Conferences
	Health      Health
	History     History
	Gatherer    prometheus.Gatherer
	Stream      http.Handler
	Now         func() time.Time
}

type numberRequest struct {
	Number string `json:"number" binding:"required"`
}

type dispositionRequest struct {
	Outcome string `json:"outcome" binding:"required"`
}

const defaultHistoryLimit = 50

// Server is the local control API.
type Server struct {
	deps   Deps
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{deps: deps, engine: gin.New()}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.routes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	r := s.engine

	r.GET("/healthz", func(c *gin.Context) { success(c, http.StatusOK, gin.H{"status": "ok"}) })
	if s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if s.deps.Stream != nil {
		r.GET("/ws", gin.WrapH(s.deps.Stream))
	}

	api := r.Group("/api")
	api.GET("/snapshot", s.snapshot)
	api.GET("/call", func(c *gin.Context) { success(c, http.StatusOK, s.deps.Calls.Snapshot()) })
	api.GET("/conference", func(c *gin.Context) { success(c, http.StatusOK, s.deps.Conferences.Snapshot()) })
	api.GET("/health", func(c *gin.Context) { success(c, http.StatusOK, s.health()) })
	api.GET("/history", s.history)

	call := api.Group("/call")
	call.POST("/dial", s.withNumber(s.deps.Calls.Dial))
	call.POST("/answer", s.action(s.deps.Calls.Answer))
	call.POST("/reject", s.action(s.deps.Calls.Reject))
	call.POST("/hangup", s.action(s.deps.Calls.Hangup))
	call.POST("/disposition", s.disposition)
	call.POST("/hold", s.action(s.deps.Conferences.Hold))
	call.POST("/unhold", s.action(s.deps.Conferences.Unhold))
	call.POST("/hold/toggle", s.action(s.deps.Conferences.ToggleHold))

	conf := api.Group("/conference")
	conf.POST("", s.withNumber(s.deps.Conferences.CreateConferenceCall))
	conf.POST("/merge", s.action(s.deps.Conferences.HandleMerge))
	conf.POST("/end", s.action(s.deps.Conferences.EndConference))

	agent := api.Group("/agent")
	agent.POST("/reauthenticate", s.action(s.deps.Calls.Reauthenticate))
	agent.POST("/return-to-login", func(c *gin.Context) {
		s.deps.Calls.ReturnToLogin()
		success(c, http.StatusOK, s.deps.Calls.Snapshot())
	})
}

func (s *Server) health() types.HealthSnapshot {
	if s.deps.Health == nil {
		return types.HealthSnapshot{}
	}
	return s.deps.Health.Snapshot()
}

func (s *Server) snapshot(c *gin.Context) {
	success(c, http.StatusOK, types.MonitoringSnapshot{
		Call:       s.deps.Calls.Snapshot(),
		Conference: s.deps.Conferences.Snapshot(),
		Health:     s.health(),
		Timestamp:  s.deps.Now().UnixMilli(),
	})
}

// action runs fn and answers with the resulting call snapshot.
func (s *Server) action(fn func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(c.Request.Context()); err != nil {
			fail(c, err)
			return
		}
		success(c, http.StatusOK, s.deps.Calls.Snapshot())
	}
}

func (s *Server) withNumber(fn func(context.Context, string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req numberRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		if err := fn(c.Request.Context(), req.Number); err != nil {
			fail(c, err)
			return
		}
		success(c, http.StatusAccepted, s.deps.Calls.Snapshot())
	}
}

func (s *Server) disposition(c *gin.Context) {
	var req dispositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.deps.Calls.SubmitDisposition(c.Request.Context(), req.Outcome); err != nil {
		fail(c, err)
		return
	}
	success(c, http.StatusOK, s.deps.Calls.Snapshot())
}

func (s *Server) history(c *gin.Context) {
	if s.deps.History == nil {
		success(c, http.StatusOK, []types.HistoryEntry{})
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	var (
		records []history.Record
		err     error
	)
	if number := c.Query("number"); number != "" {
		records, err = s.deps.History.ByNumber(c.Request.Context(), number, limit)
	} else {
		records, err = s.deps.History.Recent(c.Request.Context(), limit)
	}
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]types.HistoryEntry, 0, len(records))
	for _, r := range records {
		out = append(out, r.Entry())
	}
	success(c, http.StatusOK, out)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("[API] Listening", "addr", addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("[API] Request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
