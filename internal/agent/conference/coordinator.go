// Package conference coordinates the secondary conference leg of the primary
// call: bridge creation, participant tracking with grace windows, merge,
// hold/unhold and teardown.
package conference

import (
	"context"
	"log/slog"
	"sync"
	"time"

	types "github.com/sebas/agentphone/api/types/v1"
	"github.com/sebas/agentphone/internal/agent/apperr"
	"github.com/sebas/agentphone/internal/agent/call"
	"github.com/sebas/agentphone/internal/agent/events"
	"github.com/sebas/agentphone/internal/agent/guard"
	"github.com/sebas/agentphone/internal/agent/signaling"
)

// Primary is the primary call leg. The call controller implements it.
type Primary interface {
	Generation() uint64
	BridgeID() string
	InCall() bool
	EnterConference(gen uint64, bridgeID string) error
	LeaveConference()
}

// Backend is the part of the call-control backend the coordinator uses.
type Backend interface {
	CreateConference(ctx context.Context, number string) (string, error)
	HangupConference(ctx context.Context, hostNumber string) error
	Hold(ctx context.Context, bridgeID string) error
	Unhold(ctx context.Context, bridgeID string) error
	ConnectionCheck(ctx context.Context) (*types.ConnectionCheck, error)
}

const (
	keyGrace = "grace"
	keyEnd   = "end"
)

// Config configures a Coordinator.
type Config struct {
	// HostNumber identifies the agent as conference host to the backend.
	HostNumber string
	// GraceWindow is waited after the last participant left.
	GraceWindow time.Duration
	// EndGuard is waited after the grace window before ending the conference.
	EndGuard time.Duration
	// RefreshInterval is the backend participant poll while a conference is live.
	RefreshInterval time.Duration
	OpTimeout       time.Duration

	// Guard is shared with the call controller so that conference and hold
	// actions cool down like every other user action.
	Guard     *guard.Guard
	Publisher events.Publisher
	// OnFatal receives backend authentication failures. The call controller's
	// ConnectionLost is the usual target. It is never called under the
	// coordinator lock.
	OnFatal func(ctx context.Context, cause error)
	Now     func() time.Time
}

func (c *Config) setDefaults() {
	if c.GraceWindow <= 0 {
		c.GraceWindow = 2 * time.Second
	}
	if c.EndGuard <= 0 {
		c.EndGuard = 1500 * time.Millisecond
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 5 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 10 * time.Second
	}
	if c.Guard == nil {
		c.Guard = guard.NewGuard(0)
	}
	if c.Publisher == nil {
		c.Publisher = events.NewNoopPublisher()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// State is the conference state. It is only meaningful while the primary
// call is active or conferenced.
type State struct {
	HostNumber      string
	Number          string
	BridgeID        string
	Participants    int
	HasParticipants bool
	Merged          bool
	Held            bool
	// SecondaryStartedAt is zero while the secondary timer is stopped.
	SecondaryStartedAt time.Time
}

// signature is the reconciliation key.
type signature struct {
	hasParticipants bool
	active          bool
	count           int
}

// Coordinator is the Conference Coordinator.
type Coordinator struct {
	cfg     Config
	primary Primary
	backend Backend
	timers  *guard.Timers
	events  *events.Builder

	mu         sync.Mutex
	state      State
	live       bool
	creating   bool
	seenActive bool
	gen        uint64
	sig        signature
	primaryGen uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewCoordinator creates a coordinator for primary.
func NewCoordinator(cfg Config, primary Primary, backend Backend) *Coordinator {
	cfg.setDefaults()
	return &Coordinator{
		cfg:     cfg,
		primary: primary,
		backend: backend,
		timers:  guard.NewTimers(),
		events:  events.NewBuilder(cfg.HostNumber).WithClock(cfg.Now),
		stopCh:  make(chan struct{}),
	}
}

// syncPrimaryLocked drops hold state left over from an earlier primary call.
func (c *Coordinator) syncPrimaryLocked() {
	g := c.primary.Generation()
	if g == c.primaryGen {
		return
	}
	c.primaryGen = g
	if !c.live && !c.creating {
		c.state = State{}
	}
}

func (c *Coordinator) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.OpTimeout)
}

func (c *Coordinator) publish(t events.EventType, bridgeID string, kv ...any) {
	eb := c.events.New(t).Bridge(bridgeID)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			eb.With(k, kv[i+1])
		}
	}
	c.cfg.Publisher.PublishAsync(eb.Build())
}

// CreateConferenceCall asks the backend for a conference bridge dialing
// number. The primary leg is held while the bridge is set up. On failure the
// conference state is reverted and the primary stays active.
func (c *Coordinator) CreateConferenceCall(ctx context.Context, number string) error {
	const op = "conference.create"

	normalized, err := call.NormalizeNumber(number)
	if err != nil {
		return err
	}

	return c.cfg.Guard.Do(ctx, "conference", func(ctx context.Context) error {
		if !c.primary.InCall() {
			return apperr.UserInputf(op, apperr.CodeNoActiveLeg, "no active call to conference from")
		}
		primaryGen := c.primary.Generation()
		primaryBridge := c.primary.BridgeID()

		c.mu.Lock()
		c.syncPrimaryLocked()
		if c.live || c.creating {
			c.mu.Unlock()
			return apperr.Conferencef(op, apperr.CodeConferenceLive, "a conference is already live")
		}
		c.creating = true
		c.state.HostNumber = c.cfg.HostNumber
		c.state.Number = normalized
		alreadyHeld := c.state.Held
		gen := c.gen
		c.mu.Unlock()

		heldByUs := false
		if !alreadyHeld && primaryBridge != "" {
			if err := c.backend.Hold(ctx, primaryBridge); err != nil {
				if apperr.KindOf(err).Fatal() {
					c.mu.Lock()
					c.creating = false
					c.state = State{}
					c.mu.Unlock()
					c.escalate(ctx, err)
					return err
				}
				slog.Warn("[Conference] Could not hold primary before conference", "bridge_id", primaryBridge, "error", err)
			} else {
				heldByUs = true
				c.mu.Lock()
				c.state.Held = true
				c.mu.Unlock()
			}
		}

		bridgeID, err := c.backend.CreateConference(ctx, normalized)

		c.mu.Lock()
		stale := c.gen != gen || c.primary.Generation() != primaryGen
		if stale {
			c.creating = false
			c.mu.Unlock()
			slog.Info("[Conference] Discarding stale conference result", "bridge_id", bridgeID, "error", err)
			if err == nil {
				c.hangupBestEffort(ctx, c.cfg.HostNumber)
			}
			c.escalate(ctx, err)
			return err
		}
		if err != nil {
			c.creating = false
			c.state = State{Held: c.state.Held && !heldByUs}
			c.mu.Unlock()
			fatal := apperr.KindOf(err).Fatal()
			if heldByUs && !fatal {
				c.unholdBestEffort(ctx, primaryBridge)
			}
			slog.Warn("[Conference] Conference creation failed", "number", normalized, "error", err)
			c.escalate(ctx, err)
			return classify(op, err)
		}

		c.creating = false
		c.live = true
		c.seenActive = false
		c.sig = signature{active: true}
		c.state.BridgeID = bridgeID
		c.state.SecondaryStartedAt = c.cfg.Now()
		c.mu.Unlock()

		if err := c.primary.EnterConference(primaryGen, bridgeID); err != nil {
			slog.Warn("[Conference] Primary left before the conference was up", "bridge_id", bridgeID, "error", err)
			_ = c.EndConference(ctx)
			return err
		}
		slog.Info("[Conference] Conference created", "bridge_id", bridgeID, "number", normalized)
		return nil
	})
}

// escalate hands authentication failures to OnFatal. Other errors are left to
// the caller.
func (c *Coordinator) escalate(ctx context.Context, err error) {
	if err == nil || c.cfg.OnFatal == nil || !apperr.KindOf(err).Fatal() {
		return
	}
	slog.Error("[Conference] Backend rejected credentials", "error", err)
	c.cfg.OnFatal(ctx, err)
}

// classify keeps backend rejections and transport failures distinguishable.
func classify(op string, err error) error {
	switch apperr.KindOf(err) {
	case apperr.KindConference, apperr.KindNetwork, apperr.KindAuth:
		return err
	default:
		return &apperr.Error{Kind: apperr.KindConference, Op: op, Code: apperr.CodeDialFailed, Message: "conference dial failed", Cause: err}
	}
}

// HandleNotification applies a participant notification.
func (c *Coordinator) HandleNotification(n signaling.Notification) {
	if !n.IsParticipant() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live {
		slog.Debug("[Conference] Notification without live conference", "kind", n.Kind, "legacy", n.Legacy)
		return
	}

	count := c.state.Participants
	switch n.Kind {
	case signaling.NotifyParticipantJoined:
		count++
	case signaling.NotifyParticipantLeft:
		if count > 0 {
			count--
		}
	case signaling.NotifyParticipantCount:
		count = max(n.Count, 0)
	}
	slog.Debug("[Conference] Participant notification", "kind", n.Kind, "participant", n.Participant, "count", count)
	c.reconcileLocked(true, count)
}

// Reconcile applies the backend's view of the conference. It acts only when
// the {hasParticipants, active, count} signature changed and reports whether
// it did.
func (c *Coordinator) Reconcile(active bool, count int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live {
		return false
	}
	return c.reconcileLocked(active, count)
}

func (c *Coordinator) reconcileLocked(active bool, count int) bool {
	sig := signature{hasParticipants: count > 0, active: active, count: count}
	if sig == c.sig {
		return false
	}
	c.sig = sig
	if active {
		c.seenActive = true
	}

	hadParticipants := c.state.HasParticipants
	c.state.Participants = count

	switch {
	case count > 0:
		c.state.HasParticipants = true
		if c.timers.Cancel(keyGrace) || c.timers.Cancel(keyEnd) {
			slog.Info("[Conference] Participant back, teardown cancelled", "count", count)
		}
	case hadParticipants || (!active && c.seenActive):
		if !c.timers.Pending(keyGrace) && !c.timers.Pending(keyEnd) {
			gen := c.gen
			c.timers.Schedule(keyGrace, c.cfg.GraceWindow, func() { c.graceExpired(gen) })
			slog.Info("[Conference] No participants, waiting grace window", "grace", c.cfg.GraceWindow)
		}
	}

	c.publish(events.ConferenceParticipants, c.state.BridgeID, "participants", count, "active", active)
	return true
}

func (c *Coordinator) graceExpired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || !c.live || c.state.Participants > 0 {
		return
	}
	c.state.HasParticipants = false
	c.sig.hasParticipants = false
	c.timers.Schedule(keyEnd, c.cfg.EndGuard, func() { c.endGuardExpired(gen) })
	slog.Info("[Conference] Grace window over, confirming teardown", "guard", c.cfg.EndGuard)
}

func (c *Coordinator) endGuardExpired(gen uint64) {
	c.mu.Lock()
	stillEmpty := c.gen == gen && c.live && c.state.Participants == 0
	c.mu.Unlock()
	if !stillEmpty {
		return
	}
	ctx, cancel := c.opContext()
	defer cancel()
	if err := c.EndConference(ctx); err != nil {
		slog.Warn("[Conference] Automatic teardown failed", "error", err)
	}
}

// HandleMerge merges the conference leg into the primary call. It requires
// participants; without them it fails and leaves the state unchanged.
func (c *Coordinator) HandleMerge(ctx context.Context) error {
	const op = "conference.merge"
	return c.cfg.Guard.Do(ctx, "merge", func(ctx context.Context) error {
		c.mu.Lock()
		if !c.live || !c.state.HasParticipants {
			c.mu.Unlock()
			return apperr.Conferencef(op, apperr.CodeNoParticipants, "no conference participants to merge")
		}
		held := c.state.Held
		gen := c.gen
		c.mu.Unlock()

		if held {
			if err := c.backend.Unhold(ctx, c.primary.BridgeID()); err != nil {
				c.escalate(ctx, err)
				return err
			}
		}

		c.mu.Lock()
		if c.gen != gen || !c.live {
			c.mu.Unlock()
			return apperr.Conferencef(op, apperr.CodeBridgeNotFound, "conference ended during merge")
		}
		c.state.Held = false
		c.state.Merged = true
		c.state.SecondaryStartedAt = time.Time{}
		bridgeID := c.state.BridgeID
		c.mu.Unlock()

		c.primary.LeaveConference()
		slog.Info("[Conference] Merged into primary call", "bridge_id", bridgeID)
		c.publish(events.ConferenceMerged, bridgeID)
		return nil
	})
}

// ToggleHold holds the primary leg when it is not held and resumes it
// otherwise.
func (c *Coordinator) ToggleHold(ctx context.Context) error {
	return c.cfg.Guard.Do(ctx, "hold", func(ctx context.Context) error {
		c.mu.Lock()
		c.syncPrimaryLocked()
		held := c.state.Held
		c.mu.Unlock()
		if held {
			return c.setHold(ctx, false)
		}
		return c.setHold(ctx, true)
	})
}

// Hold puts the primary leg on hold.
func (c *Coordinator) Hold(ctx context.Context) error {
	return c.cfg.Guard.Do(ctx, "hold", func(ctx context.Context) error {
		return c.setHold(ctx, true)
	})
}

// Unhold resumes the primary leg.
func (c *Coordinator) Unhold(ctx context.Context) error {
	return c.cfg.Guard.Do(ctx, "hold", func(ctx context.Context) error {
		return c.setHold(ctx, false)
	})
}

func (c *Coordinator) setHold(ctx context.Context, hold bool) error {
	op := "conference.unhold"
	if hold {
		op = "conference.hold"
	}
	if !c.primary.InCall() {
		return apperr.UserInputf(op, apperr.CodeNoActiveLeg, "no active call")
	}
	bridgeID := c.primary.BridgeID()
	if bridgeID == "" {
		return apperr.UserInputf(op, apperr.CodeNoActiveLeg, "call has no bridge yet")
	}

	c.mu.Lock()
	c.syncPrimaryLocked()
	switch {
	case c.live || c.creating:
		c.mu.Unlock()
		return apperr.Conferencef(op, apperr.CodeConferenceLive, "hold is unavailable while a conference is live")
	case hold && c.state.Held:
		c.mu.Unlock()
		return apperr.UserInputf(op, apperr.CodeAlreadyHeld, "call is already on hold")
	case !hold && !c.state.Held:
		c.mu.Unlock()
		return apperr.UserInputf(op, apperr.CodeNotHeld, "call is not on hold")
	}
	primaryGen := c.primary.Generation()
	c.mu.Unlock()

	var err error
	if hold {
		err = c.backend.Hold(ctx, bridgeID)
	} else {
		err = c.backend.Unhold(ctx, bridgeID)
	}
	if err != nil {
		c.escalate(ctx, err)
		return err
	}

	c.mu.Lock()
	if c.primary.Generation() == primaryGen {
		c.state.Held = hold
	}
	c.mu.Unlock()
	slog.Info("[Conference] Hold changed", "bridge_id", bridgeID, "held", hold)
	return nil
}

// EndConference tears the conference down: unhold, backend hangup (best
// effort), state reset and primary back to active. It is safe to call at any
// time, repeatedly.
func (c *Coordinator) EndConference(ctx context.Context) error {
	c.mu.Lock()
	if !c.live && !c.creating {
		c.mu.Unlock()
		return nil
	}
	held := c.state.Held
	host := c.state.HostNumber
	bridgeID := c.state.BridgeID
	c.state = State{}
	c.live = false
	c.creating = false
	c.seenActive = false
	c.sig = signature{}
	c.gen++
	c.timers.StopAll()
	c.mu.Unlock()

	inCall := c.primary.InCall()
	if held && inCall {
		c.unholdBestEffort(ctx, c.primary.BridgeID())
	}
	if host != "" {
		c.hangupBestEffort(ctx, host)
	}
	c.primary.LeaveConference()

	slog.Info("[Conference] Conference ended", "bridge_id", bridgeID, "primary_in_call", inCall)
	c.publish(events.ConferenceEnded, bridgeID)
	return nil
}

func (c *Coordinator) unholdBestEffort(ctx context.Context, bridgeID string) {
	if bridgeID == "" {
		return
	}
	if err := c.backend.Unhold(ctx, bridgeID); err != nil {
		slog.Warn("[Conference] Unhold failed", "bridge_id", bridgeID, "error", err)
		c.escalate(ctx, err)
	}
}

func (c *Coordinator) hangupBestEffort(ctx context.Context, host string) {
	if err := c.backend.HangupConference(ctx, host); err != nil {
		slog.Warn("[Conference] Backend conference hangup failed", "host", host, "error", err)
		c.escalate(ctx, err)
	}
}

// Refresh polls the backend participant count while a conference is live.
func (c *Coordinator) Refresh(ctx context.Context) {
	c.mu.Lock()
	live := c.live
	c.mu.Unlock()
	if !live {
		return
	}
	check, err := c.backend.ConnectionCheck(ctx)
	if err != nil {
		slog.Debug("[Conference] Participant poll failed", "error", err)
		c.escalate(ctx, err)
		return
	}
	c.Reconcile(check.Conference.Active, check.Conference.Participants)
}

// Start runs the participant poll until ctx is done or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				pctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
				c.Refresh(pctx)
				cancel()
			}
		}
	}()
}

// Stop ends the poll and cancels pending grace timers.
func (c *Coordinator) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.timers.Close()
}

// State returns a copy of the conference state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Live reports whether a conference bridge exists.
func (c *Coordinator) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// Snapshot returns the published view of the conference.
func (c *Coordinator) Snapshot() types.ConferenceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncPrimaryLocked()
	snap := types.ConferenceSnapshot{
		Active:          c.live,
		HostNumber:      c.state.HostNumber,
		BridgeID:        c.state.BridgeID,
		Participants:    c.state.Participants,
		HasParticipants: c.state.HasParticipants,
		Merged:          c.state.Merged,
		Held:            c.state.Held,
	}
	if !c.state.SecondaryStartedAt.IsZero() {
		snap.SecondarySecs = int64(c.cfg.Now().Sub(c.state.SecondaryStartedAt) / time.Second)
	}
	return snap
}
