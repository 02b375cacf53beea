package agent

import (
	"context"
	"sync"
	"time"

	"deskwatch/internal/config"
	"deskwatch/internal/engine"
	"deskwatch/internal/episodes"
	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/infrastructure/logging"
	"deskwatch/internal/policy"
	"deskwatch/internal/queue"
	"deskwatch/internal/transport"
	"deskwatch/internal/types"
)

// loginRetryInterval paces re-authentication attempts while the agent
// holds no valid token
const loginRetryInterval = 30 * time.Second

// Orchestrator wires the sampling engine, episode tracker, delivery
// queue and transport together and owns all the periodic timers. The
// engine and tracker never touch the network; everything they emit
// funnels through here.
type Orchestrator struct {
	cfg     config.Agent
	engine  *engine.Engine
	tracker *episodes.Tracker
	store   *queue.Store
	retrier *queue.Retrier
	client  *transport.Client
	sender  *transport.QueuedSender
	logger  logging.Logger

	mu      sync.Mutex
	applied policy.AppliedConfig
	userID  string
	authOK  bool

	reconfig chan struct{}
}

// New assembles an orchestrator from already-constructed components
func New(cfg config.Agent,
	eng *engine.Engine,
	tracker *episodes.Tracker,
	store *queue.Store,
	retrier *queue.Retrier,
	client *transport.Client,
	sender *transport.QueuedSender,
	logger logging.Logger,
) *Orchestrator {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Orchestrator{
		cfg:      cfg,
		engine:   eng,
		tracker:  tracker,
		store:    store,
		retrier:  retrier,
		client:   client,
		sender:   sender,
		logger:   logger,
		applied:  policy.DefaultApplied(),
		reconfig: make(chan struct{}, 1),
	}
}

// Run starts all components and blocks until the context is cancelled,
// then shuts down with a final synchronous flush
func (o *Orchestrator) Run(ctx context.Context) error {
	o.login(ctx)

	o.engine.Start()
	o.tracker.Start()

	// First handshake as early as possible so defaults give way to policy
	o.handshake(ctx)

	o.eventLoop(ctx)

	o.shutdown()
	return nil
}

// eventLoop multiplexes the component event streams and the periodic
// timers. Timer intervals follow the applied configuration; a policy
// change resets them on the next wakeup.
func (o *Orchestrator) eventLoop(ctx context.Context) {
	flushIvl, handshakeIvl, retryIvl := o.intervals()

	flushTicker := time.NewTicker(flushIvl)
	handshakeTicker := time.NewTicker(handshakeIvl)
	retryTicker := time.NewTicker(retryIvl)
	loginTicker := time.NewTicker(loginRetryInterval)
	defer flushTicker.Stop()
	defer handshakeTicker.Stop()
	defer retryTicker.Stop()
	defer loginTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event := <-o.engine.Events():
			o.sendDayClosed(ctx, event)

		case episode := <-o.tracker.Events():
			o.sendEpisode(ctx, episode)

		case <-flushTicker.C:
			o.flush(ctx)

		case <-handshakeTicker.C:
			o.handshake(ctx)

		case <-retryTicker.C:
			o.retrier.RunOnce(ctx)

		case <-loginTicker.C:
			if !o.authorized() {
				o.login(ctx)
			}

		case <-o.reconfig:
			nextFlush, nextHandshake, nextRetry := o.intervals()
			if nextFlush != flushIvl {
				flushIvl = nextFlush
				flushTicker.Reset(flushIvl)
			}
			if nextHandshake != handshakeIvl {
				handshakeIvl = nextHandshake
				handshakeTicker.Reset(handshakeIvl)
			}
			if nextRetry != retryIvl {
				retryIvl = nextRetry
				retryTicker.Reset(retryIvl)
			}
		}
	}
}

// shutdown flushes everything that is still in flight: the tracker's
// open episode, any buffered events, and the current day snapshot
func (o *Orchestrator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop the tracker first so its open episode closes and its call
	// time lands in the final flush; the engine stays up until after the
	// flush so the call-seconds seed merges instead of being staged
	o.tracker.Stop()

	for {
		select {
		case event := <-o.engine.Events():
			o.sendDayClosed(ctx, event)
			continue
		case episode := <-o.tracker.Events():
			o.sendEpisode(ctx, episode)
			continue
		default:
		}
		break
	}

	o.flushWith(ctx, true)
	o.engine.Stop()
	o.retrier.RunOnce(ctx)
	o.logger.Info("Agent shut down", "queuedDeliveries", o.queueSize(ctx))
}

// flush reports the open day's cumulative snapshot. Call time is folded
// into the engine first so it rides along in the same summary and in
// any later day-close event. While unauthorized the periodic flush is
// skipped to keep the queue from filling with near-identical snapshots;
// the forced shutdown flush still queues the final one.
func (o *Orchestrator) flush(ctx context.Context) {
	o.flushWith(ctx, false)
}

func (o *Orchestrator) flushWith(ctx context.Context, force bool) {
	if !force && !o.authorized() {
		return
	}

	snapshot := o.engine.GetCurrentDaySnapshot()
	if snapshot.Day == "" || snapshot.Totals.SamplesCount == 0 {
		return
	}

	o.engine.SeedDayTotals(snapshot.Day, types.DayTotals{
		CallSeconds: o.tracker.CallSessionSeconds(),
	})
	snapshot = o.engine.GetCurrentDaySnapshot()

	err := o.sender.SendDaySummary(ctx, types.DaySummary{
		UserID:       o.currentUserID(),
		DeviceID:     o.cfg.DeviceID,
		Day:          snapshot.Day,
		Totals:       snapshot.Totals,
		FirstEventAt: snapshot.FirstEventAt,
		LastEventAt:  snapshot.LastEventAt,
	})
	o.noteDeliveryError(err)
}

// sendDayClosed forwards a finalized day to the server. The tracker's
// call accounting restarts here so the closed day's call time is not
// seeded into the next day as well.
func (o *Orchestrator) sendDayClosed(ctx context.Context, event engine.DayClosed) {
	o.tracker.ResetCallSession()

	err := o.sender.SendDaySummary(ctx, types.DaySummary{
		UserID:       o.currentUserID(),
		DeviceID:     o.cfg.DeviceID,
		Day:          event.Day,
		Totals:       event.Totals,
		FirstEventAt: event.FirstEventAt,
		LastEventAt:  event.LastEventAt,
	})
	o.noteDeliveryError(err)
}

// sendEpisode forwards a closed episode to the server
func (o *Orchestrator) sendEpisode(ctx context.Context, episode types.Episode) {
	o.noteDeliveryError(o.sender.SendEpisode(ctx, episode))
}

// handshake checks in with the server and applies the returned policy.
// A document that fails projection is rejected in full and the previous
// configuration stays live.
func (o *Orchestrator) handshake(ctx context.Context) {
	if !o.authorized() {
		return
	}

	resp, err := o.client.Handshake(ctx, types.HandshakeRequest{
		DeviceID:      o.cfg.DeviceID,
		ClientVersion: Version,
	})
	if err != nil {
		o.noteDeliveryError(err)
		o.logger.Warn("Handshake failed, keeping current configuration", "error", err)
		return
	}

	applied, err := policy.Project(resp.EffectiveConfig)
	if err != nil {
		o.logger.Error("Rejected policy document, keeping current configuration",
			"scope", resp.AppliedScope, "policyId", resp.AppliedPolicyID, "error", err)
		return
	}

	o.mu.Lock()
	o.applied = applied
	o.mu.Unlock()

	o.engine.ApplyConfig(applied.EngineParams())
	o.tracker.ApplyConfig(applied.TrackerParams())
	select {
	case o.reconfig <- struct{}{}:
	default:
	}

	o.logger.Info("Policy applied",
		"scope", resp.AppliedScope, "policyId", resp.AppliedPolicyID, "version", resp.PolicyVersion)
}

// login authenticates and, on success, reopens the delivery pipeline
func (o *Orchestrator) login(ctx context.Context) {
	resp, err := o.client.Login(ctx, types.LoginRequest{
		Username: o.cfg.Username,
		Password: o.cfg.Password,
		DeviceID: o.cfg.DeviceID,
	})
	if err != nil {
		o.logger.Warn("Login failed", "error", err)
		o.setAuthorized(false, "")
		o.retrier.Pause()
		return
	}

	o.setAuthorized(true, resp.UserID)
	o.retrier.Resume()
}

// noteDeliveryError pauses the delivery pipeline when credentials went
// stale; the login timer will pick re-authentication up
func (o *Orchestrator) noteDeliveryError(err error) {
	if err == nil || !apperrors.IsUnauthorized(err) {
		return
	}
	o.logger.Warn("Credentials rejected, pausing deliveries until re-login")
	o.setAuthorized(false, o.currentUserID())
	o.retrier.Pause()
}

func (o *Orchestrator) setAuthorized(ok bool, userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.authOK = ok
	if userID != "" {
		o.userID = userID
	}
}

func (o *Orchestrator) authorized() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.authOK
}

func (o *Orchestrator) currentUserID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.userID
}

func (o *Orchestrator) intervals() (flush, handshake, retry time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return time.Duration(o.applied.Timers.FlushIntervalSeconds) * time.Second,
		time.Duration(o.applied.Timers.HandshakeIntervalSeconds) * time.Second,
		time.Duration(o.applied.Timers.QueueRetryIntervalSeconds) * time.Second
}

func (o *Orchestrator) queueSize(ctx context.Context) int {
	size, err := o.store.Size(ctx)
	if err != nil {
		return -1
	}
	return size
}

// Version identifies the agent build in handshakes
var Version = "dev"
