package episodes

import (
	"math"
	"strings"
	"sync"
	"time"

	"deskwatch/internal/infrastructure/logging"
	"deskwatch/internal/platform"
	"deskwatch/internal/types"
)

// callSessionCeiling bounds the open-episode contribution to the live
// call metric against clock anomalies
const callSessionCeiling = 24 * time.Hour

// Params are the live-tunable tracker settings
type Params struct {
	PollInterval time.Duration // foreground poll cadence
	CallKeywords []string      // substrings marking call applications
}

// DefaultParams returns the tracker settings used until a policy arrives
func DefaultParams() Params {
	return Params{
		PollInterval: 2 * time.Second,
		CallKeywords: []string{"zoom", "teams", "meet", "webex", "skype"},
	}
}

// Tracker converts noisy foreground-window observations into compact,
// non-overlapping dwell episodes. Detection prefers a push-style
// notification when the platform can deliver one; the polling loop is
// the fallback, and both paths funnel into Observe.
type Tracker struct {
	mu     sync.Mutex
	params Params

	windowAPI platform.WindowAPI
	now       func() time.Time

	running  bool
	stop     chan struct{}
	reconfig chan struct{}

	open       *types.Episode
	closedCall int64     // summed call duration accrued since callEpoch
	callEpoch  time.Time // call time before this instant is already accounted for

	events chan types.Episode

	logger logging.Logger
}

// New creates an episode tracker over the given window probe
func New(windowAPI platform.WindowAPI, params Params, logger logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Tracker{
		params:    params,
		windowAPI: windowAPI,
		now:       time.Now,
		events:    make(chan types.Episode, 64),
		logger:    logger,
	}
}

// Events returns the closed-episode stream. Consumed by the orchestrator.
func (t *Tracker) Events() <-chan types.Episode {
	return t.events
}

// Start begins the foreground polling loop. Calling Start on a running
// tracker is a no-op.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stop = make(chan struct{})
	t.reconfig = make(chan struct{}, 1)
	interval := t.params.PollInterval
	stop := t.stop
	reconfig := t.reconfig
	t.mu.Unlock()

	t.logger.Info("Episode tracker started", "pollInterval", interval.String())

	go t.pollLoop(interval, stop, reconfig)
}

// Stop halts the tracker, flushing the open episode so no dwell time is
// silently dropped
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stop)
	t.closeOpenLocked(t.now())
	t.mu.Unlock()

	t.logger.Info("Episode tracker stopped")
}

func (t *Tracker) pollLoop(interval time.Duration, stop chan struct{}, reconfig chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.poll()
		case <-reconfig:
			t.mu.Lock()
			next := t.params.PollInterval
			t.mu.Unlock()
			if next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
		case <-stop:
			return
		}
	}
}

// poll reads the foreground window and feeds it to Observe
func (t *Tracker) poll() {
	info := t.windowAPI.GetForegroundWindow()
	if info == nil || (info.ProcessName == "" && info.WindowTitle == "") {
		return
	}
	t.Observe(info.ProcessName, info.WindowTitle, t.now())
}

// Observe records one foreground observation. A push-style notification
// handler calls this directly with the same semantics as the poll path.
func (t *Tracker) Observe(processName, windowTitle string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}

	if t.open == nil {
		t.open = t.newEpisodeLocked(processName, windowTitle, now)
		return
	}

	// Same process and title as the open episode is notification noise
	if t.open.ProcessName == processName && t.open.WindowTitle == windowTitle {
		return
	}

	previousEnd := t.closeOpenLocked(now)

	// The next episode starts strictly after the previous one ended so
	// the stream stays ordered and non-overlapping
	start := previousEnd.Add(time.Millisecond)
	t.open = t.newEpisodeLocked(processName, windowTitle, start)
}

// CallSessionSeconds returns the call time accrued since the last
// ResetCallSession, computed on read: the sum of closed call episodes
// plus the open one's elapsed time, bounded against clock anomalies.
func (t *Tracker) CallSessionSeconds() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := t.closedCall
	if t.open != nil && t.open.IsCallApp {
		start := t.open.StartTime
		if t.callEpoch.After(start) {
			start = t.callEpoch
		}
		elapsed := t.now().Sub(start)
		if elapsed > 0 && elapsed < callSessionCeiling {
			total += int64(math.Round(elapsed.Seconds()))
		}
	}
	return total
}

// ResetCallSession zeroes the call accounting, rebasing any open call
// episode at now. Called when a day closes so yesterday's call time is
// not replayed into the new day's totals; the episode stream itself is
// unaffected.
func (t *Tracker) ResetCallSession() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closedCall = 0
	t.callEpoch = t.now()
}

// InCall reports whether a call episode is currently open. Used as the
// sampling engine's override predicate.
func (t *Tracker) InCall() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open != nil && t.open.IsCallApp
}

// ApplyConfig replaces the live parameters. The polling loop picks up an
// interval change on its next wakeup.
func (t *Tracker) ApplyConfig(params Params) {
	t.mu.Lock()
	t.params = params
	running := t.running
	reconfig := t.reconfig
	t.mu.Unlock()

	if running {
		select {
		case reconfig <- struct{}{}:
		default:
		}
	}
}

// newEpisodeLocked opens an episode, classifying call apps by keyword.
// Caller holds t.mu.
func (t *Tracker) newEpisodeLocked(processName, windowTitle string, start time.Time) *types.Episode {
	return &types.Episode{
		StartTime:   start,
		ProcessName: processName,
		WindowTitle: windowTitle,
		IsCallApp:   t.matchesCallKeywordLocked(processName, windowTitle),
	}
}

// closeOpenLocked closes and emits the open episode, discarding it when
// its duration is not strictly positive. Returns the end bound used.
// Caller holds t.mu.
func (t *Tracker) closeOpenLocked(now time.Time) time.Time {
	if t.open == nil {
		return now
	}

	episode := t.open
	t.open = nil

	episode.EndTime = now
	duration := episode.EndTime.Sub(episode.StartTime)
	if duration <= 0 {
		return now
	}
	episode.DurationSeconds = int64(math.Round(duration.Seconds()))
	if episode.DurationSeconds == 0 {
		episode.DurationSeconds = 1
	}

	if episode.IsCallApp {
		start := episode.StartTime
		if t.callEpoch.After(start) {
			start = t.callEpoch
		}
		if accrued := episode.EndTime.Sub(start); accrued > 0 {
			t.closedCall += int64(math.Round(accrued.Seconds()))
		}
	}

	select {
	case t.events <- *episode:
	default:
		t.logger.Error("Episode event dropped: consumer not keeping up",
			"process", episode.ProcessName)
	}
	return now
}

// matchesCallKeywordLocked checks process name and title against the
// configured keywords, case-insensitively. Caller holds t.mu.
func (t *Tracker) matchesCallKeywordLocked(processName, windowTitle string) bool {
	process := strings.ToLower(processName)
	title := strings.ToLower(windowTitle)
	for _, keyword := range t.params.CallKeywords {
		k := strings.ToLower(keyword)
		if k == "" {
			continue
		}
		if strings.Contains(process, k) || strings.Contains(title, k) {
			return true
		}
	}
	return false
}
