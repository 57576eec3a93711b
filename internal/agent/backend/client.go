// Package backend is the HTTP client for the call-control backend.
//
// Every method returns an *apperr.Error classified as:
//   - network: transport failures, timeouts and unparseable bodies
//   - auth: 401/403 and locally expired tokens without stored credentials
//   - conference: backend-reported failures of conference operations
//   - signaling: backend-reported failures of every other operation
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	types "github.com/sebas/agentphone/api/types/v1"
	"github.com/sebas/agentphone/internal/agent/apperr"
)

// TimeoutRecorder receives timeout failures. The health monitor implements it.
type TimeoutRecorder interface {
	RecordTimeout(op string, err error)
}

// Config configures the client.
type Config struct {
	BaseURL  string
	User     string
	Timeout  time.Duration
	Recorder TimeoutRecorder
	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
	Now        func() time.Time
}

// Client talks to the call-control backend.
type Client struct {
	baseURL    string
	user       string
	httpClient *http.Client
	recorder   TimeoutRecorder
	now        func() time.Time

	mu       sync.RWMutex
	token    string
	password string
	hasCreds bool
}

// NewClient creates a backend client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		user:       cfg.User,
		httpClient: cfg.HTTPClient,
		recorder:   cfg.Recorder,
		now:        cfg.Now,
	}
}

// SetRecorder installs the timeout recorder after construction.
func (c *Client) SetRecorder(r TimeoutRecorder) {
	c.mu.Lock()
	c.recorder = r
	c.mu.Unlock()
}

// User returns the agent user the client acts for.
func (c *Client) User() string {
	return c.user
}

// Login authenticates and remembers the credentials for re-authentication.
func (c *Client) Login(ctx context.Context, user, password string) (*types.LoginResponse, error) {
	const op = "backend.login"
	var out types.LoginResponse
	if err := c.do(ctx, op, http.MethodPost, "/api/login", types.LoginRequest{Username: user, Password: password}, &out, false); err != nil {
		return nil, err
	}
	if err := interpret(op, out.Result); err != nil {
		return nil, &apperr.Error{Kind: apperr.KindAuth, Op: op, Code: apperr.CodeUnauthorized, Message: "login rejected", Cause: err}
	}

	c.mu.Lock()
	c.user = user
	c.password = password
	c.hasCreds = true
	c.token = out.Token
	c.mu.Unlock()

	slog.Info("[Backend] Logged in", "user", user, "extension", out.Extension)
	return &out, nil
}

// Reauthenticate logs in again with the last known credentials.
func (c *Client) Reauthenticate(ctx context.Context) error {
	c.mu.RLock()
	user, password, ok := c.user, c.password, c.hasCreds
	c.mu.RUnlock()
	if !ok {
		return apperr.New(apperr.KindAuth, "backend.reauth", apperr.CodeUnauthorized, "no stored credentials")
	}
	_, err := c.Login(ctx, user, password)
	return err
}

// Logout forgets the token and credentials.
func (c *Client) Logout() {
	c.mu.Lock()
	c.token = ""
	c.password = ""
	c.hasCreds = false
	c.mu.Unlock()
}

// Dial asks the backend to originate a call from caller to receiver. The
// backend answers with the bridge it created and then rings the agent back.
func (c *Client) Dial(ctx context.Context, caller, receiver string) (string, error) {
	const op = "backend.dial"
	var out types.Result
	if err := c.do(ctx, op, http.MethodPost, "/api/dial", types.DialRequest{Caller: caller, Receiver: receiver}, &out, true); err != nil {
		return "", err
	}
	if err := interpret(op, out); err != nil {
		return "", err
	}
	return out.BridgeID, nil
}

// Answer marks the agent on-call for an inbound bridge.
func (c *Client) Answer(ctx context.Context, bridgeID string) error {
	const op = "backend.answer"
	var out types.Result
	if err := c.do(ctx, op, http.MethodPost, "/api/oncall", types.AnswerRequest{User: c.User(), BridgeID: bridgeID}, &out, true); err != nil {
		return err
	}
	return interpret(op, out)
}

// Hold puts the bridge on hold.
func (c *Client) Hold(ctx context.Context, bridgeID string) error {
	const op = "backend.hold"
	var out types.Result
	if err := c.do(ctx, op, http.MethodPost, "/api/hold", types.BridgeRequest{BridgeID: bridgeID}, &out, true); err != nil {
		return err
	}
	return interpret(op, out)
}

// Unhold resumes the bridge.
func (c *Client) Unhold(ctx context.Context, bridgeID string) error {
	const op = "backend.unhold"
	var out types.Result
	if err := c.do(ctx, op, http.MethodPost, "/api/unhold", types.BridgeRequest{BridgeID: bridgeID}, &out, true); err != nil {
		return err
	}
	return interpret(op, out)
}

// CreateConference requests a conference bridge dialing number.
func (c *Client) CreateConference(ctx context.Context, number string) (string, error) {
	const op = "backend.conference"
	var out types.Result
	if err := c.do(ctx, op, http.MethodPost, "/api/conference", types.ConferenceRequest{Caller: c.User(), Number: number}, &out, true); err != nil {
		return "", err
	}
	if err := interpret(op, out); err != nil {
		return "", err
	}
	if out.BridgeID == "" {
		return "", apperr.Conferencef(op, apperr.CodeBridgeNotFound, "backend returned no bridge id")
	}
	return out.BridgeID, nil
}

// HangupConference tears down the conference hosted by hostNumber.
func (c *Client) HangupConference(ctx context.Context, hostNumber string) error {
	const op = "backend.conference_hangup"
	var out types.Result
	if err := c.do(ctx, op, http.MethodPost, "/api/conference/hangup", types.ConferenceHangupRequest{HostNumber: hostNumber}, &out, true); err != nil {
		return err
	}
	return interpret(op, out)
}

// ConnectionCheck returns the backend's view of the agent.
func (c *Client) ConnectionCheck(ctx context.Context) (*types.ConnectionCheck, error) {
	const op = "backend.connection_check"
	var out types.ConnectionCheck
	path := "/api/connection-check?user=" + url.QueryEscape(c.User())
	if err := c.do(ctx, op, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitDisposition records the agent's outcome for a finished bridge.
func (c *Client) SubmitDisposition(ctx context.Context, bridgeID, outcome string) error {
	const op = "backend.disposition"
	var out types.Result
	req := types.DispositionRequest{User: c.User(), BridgeID: bridgeID, Outcome: outcome}
	if err := c.do(ctx, op, http.MethodPost, "/api/disposition", req, &out, true); err != nil {
		return err
	}
	return interpret(op, out)
}

// ensureToken renews an expired token with stored credentials.
func (c *Client) ensureToken(ctx context.Context, op string) (string, error) {
	c.mu.RLock()
	token, hasCreds := c.token, c.hasCreds
	c.mu.RUnlock()

	if token == "" || !tokenExpired(token, c.now()) {
		return token, nil
	}
	if !hasCreds {
		return "", apperr.New(apperr.KindAuth, op, apperr.CodeTokenExpired, "session token expired")
	}
	slog.Info("[Backend] Token expired, logging in again", "user", c.User())
	if err := c.Reauthenticate(ctx); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, nil
}

// do performs one JSON round-trip and decodes the body into out.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any, authed bool) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token, err := c.ensureToken(ctx, op)
		if err != nil {
			return err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		classified := classifyTransport(op, err)
		c.recordTimeout(op, classified)
		return classified
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &apperr.Error{Kind: apperr.KindAuth, Op: op, Code: apperr.CodeUnauthorized, Message: fmt.Sprintf("backend answered %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		classified := classifyTransport(op, err)
		c.recordTimeout(op, classified)
		return classified
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var res types.Result
		if json.Unmarshal(data, &res) == nil && res.Message != "" {
			return rejected(op, res.Message)
		}
		return &apperr.Error{Kind: apperr.KindNetwork, Op: op, Code: apperr.CodeBadResponse, Message: fmt.Sprintf("unexpected status: %d", resp.StatusCode)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &apperr.Error{Kind: apperr.KindNetwork, Op: op, Code: apperr.CodeBadResponse, Message: "decode response", Cause: err}
		}
	}
	return nil
}

func (c *Client) recordTimeout(op string, err error) {
	code := apperr.CodeOf(err)
	if code != apperr.CodeRequestTimeout && code != apperr.CodeNetworkTimeout {
		return
	}
	c.mu.RLock()
	r := c.recorder
	c.mu.RUnlock()
	if r != nil {
		r.RecordTimeout(op, err)
	}
}

// classifyTransport separates request timeouts (the backend was reached but
// did not answer in time) from network timeouts (it could not be reached).
func classifyTransport(op string, err error) *apperr.Error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &apperr.Error{Kind: apperr.KindNetwork, Op: op, Code: apperr.CodeNetworkTimeout, Message: "backend unreachable", Cause: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &apperr.Error{Kind: apperr.KindNetwork, Op: op, Code: apperr.CodeNetworkTimeout, Message: "backend unreachable", Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &apperr.Error{Kind: apperr.KindNetwork, Op: op, Code: apperr.CodeRequestTimeout, Message: "request timed out", Cause: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &apperr.Error{Kind: apperr.KindNetwork, Op: op, Code: apperr.CodeRequestTimeout, Message: "request timed out", Cause: err}
	}
	return &apperr.Error{Kind: apperr.KindNetwork, Op: op, Message: "request failed", Cause: err}
}
