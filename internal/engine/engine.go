package engine

import (
	"math"
	"sync"
	"time"

	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/infrastructure/logging"
	"deskwatch/internal/schedule"
	"deskwatch/internal/types"
)

// DayKeyFormat is the calendar-day identity used across the agent
const DayKeyFormat = "2006-01-02"

// Params are the live-tunable engine settings. They are replaced
// atomically under the engine mutex by ApplyConfig.
type Params struct {
	SampleInterval      time.Duration     // how often the sampler ticks
	InactivityThreshold int64             // idle seconds before a sample counts as idle
	OverrideMaxIdle     int64             // override predicate honored only below this idle
	AnomalyCeiling      time.Duration     // deltas above this are discarded
	Schedule            schedule.Schedule // category bands
}

// DefaultParams returns the engine settings used until a policy arrives
func DefaultParams() Params {
	return Params{
		SampleInterval:      time.Second,
		InactivityThreshold: 60,
		OverrideMaxIdle:     600,
		AnomalyCeiling:      6 * time.Hour,
		Schedule:            schedule.Default(),
	}
}

// DayClosed is emitted exactly once when a calendar day is finalized.
// The orchestrator forwards it as a day-summary upsert.
type DayClosed struct {
	Day          string
	Totals       types.DayTotals
	FirstEventAt time.Time
	LastEventAt  time.Time
}

// Snapshot is an atomic, consistent copy of the open day's accumulators
type Snapshot struct {
	Day          string
	Totals       types.DayTotals
	FirstEventAt time.Time
	LastEventAt  time.Time
}

// IdleFunc returns seconds since the last user input
type IdleFunc func() (int64, error)

// OverrideFunc reports whether a secondary activity signal (e.g. an
// ongoing call) should force the sample active despite input idleness
type OverrideFunc func() bool

// Engine owns the per-day accumulators and the sampling loop. All state
// lives behind one mutex; ticks never block on I/O.
type Engine struct {
	mu     sync.Mutex
	params Params

	idleFn     IdleFunc
	overrideFn OverrideFunc
	now        func() time.Time

	running  bool
	stop     chan struct{}
	reconfig chan struct{}

	day            string
	totals         types.DayTotals
	firstEventAt   time.Time
	lastEventAt    time.Time
	lastSampleTime time.Time

	stagedSeedDay string
	stagedSeed    *types.DayTotals

	events chan DayClosed

	logger logging.Logger
}

// New creates a sampling engine. overrideFn may be nil when no secondary
// activity signal exists.
func New(idleFn IdleFunc, overrideFn OverrideFunc, params Params, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Engine{
		params:     params,
		idleFn:     idleFn,
		overrideFn: overrideFn,
		now:        time.Now,
		events:     make(chan DayClosed, 16),
		logger:     logger,
	}
}

// Events returns the day-close event stream. Consumed by the orchestrator.
func (e *Engine) Events() <-chan DayClosed {
	return e.events
}

// Start begins the periodic sampler. Calling Start on a running engine
// is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}

	now := e.now()
	e.running = true
	e.stop = make(chan struct{})
	e.reconfig = make(chan struct{}, 1)
	e.openDayLocked(now)
	e.lastSampleTime = now

	// A staged seed only applies if it targets the day we start on
	if e.stagedSeed != nil {
		if e.stagedSeedDay == e.day {
			e.totals = mergeMax(e.totals, *e.stagedSeed)
		} else {
			e.logger.Warn("Discarding staged seed for a different day",
				"stagedDay", e.stagedSeedDay, "currentDay", e.day)
		}
		e.stagedSeed = nil
		e.stagedSeedDay = ""
	}

	interval := e.params.SampleInterval
	stop := e.stop
	reconfig := e.reconfig
	e.mu.Unlock()

	e.logger.Info("Sampling engine started", "day", e.day, "interval", interval.String())

	go e.samplingLoop(interval, stop, reconfig)
}

// Stop halts the sampler without finalizing the day. Safe to call while
// a tick is in flight; finalization is the orchestrator's explicit job.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	close(e.stop)
	e.logger.Info("Sampling engine stopped", "day", e.day)
}

// samplingLoop drives ticks until stopped, resetting its ticker when the
// sample interval is reconfigured
func (e *Engine) samplingLoop(interval time.Duration, stop chan struct{}, reconfig chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Tick(e.now())
		case <-reconfig:
			e.mu.Lock()
			next := e.params.SampleInterval
			e.mu.Unlock()
			if next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
		case <-stop:
			return
		}
	}
}

// SeedDayTotals merges externally supplied baseline totals into the
// current day using element-wise max, never decreasing a counter. When
// the engine is not running the seed is staged and applied on Start only
// if the staged day matches the day the engine starts on.
func (e *Engine) SeedDayTotals(day string, totals types.DayTotals) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		e.stagedSeedDay = day
		seed := totals
		e.stagedSeed = &seed
		return
	}

	if day != e.day {
		e.logger.Warn("Ignoring seed for a day other than the open one",
			"seedDay", day, "currentDay", e.day)
		return
	}

	e.totals = mergeMax(e.totals, totals)
	e.logger.Debug("Seeded day totals", "day", day,
		"activeSeconds", e.totals.ActiveSeconds, "idleSeconds", e.totals.IdleSeconds)
}

// GetCurrentDaySnapshot returns a consistent copy of the open day
func (e *Engine) GetCurrentDaySnapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Day:          e.day,
		Totals:       e.totals,
		FirstEventAt: e.firstEventAt,
		LastEventAt:  e.lastEventAt,
	}
}

// ApplyConfig replaces the live parameters. The sampling loop picks up
// an interval change on its next wakeup.
func (e *Engine) ApplyConfig(params Params) {
	e.mu.Lock()
	e.params = params
	running := e.running
	reconfig := e.reconfig
	e.mu.Unlock()

	if running {
		select {
		case reconfig <- struct{}{}:
		default:
		}
	}
}

// Tick processes one sample at the given wall-clock time. Exposed so
// tests can drive the engine deterministically; the sampling loop calls
// it with time.Now().
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}

	delta := now.Sub(e.lastSampleTime)

	// Clock regressed or duplicate tick
	if delta <= 0 {
		e.lastSampleTime = now
		return
	}

	// Sleep, hibernate or clock jump: discard the delta entirely, but a
	// date change across the gap still closes the old day
	if delta > e.params.AnomalyCeiling {
		err := apperrors.New("Tick", nil, apperrors.ErrCodeClockAnomaly)
		logging.LogError(e.logger, err, "Tick", map[string]interface{}{
			"delta": delta.String(),
			"day":   e.day,
		})
		if dayKey(now) != e.day {
			e.closeDayLocked()
			e.openDayLocked(now)
		}
		e.lastSampleTime = now
		return
	}

	idle, err := e.idleFn()
	if err != nil {
		// Skip this interval rather than guess; the loop continues
		e.logger.Warn("Idle probe failed, skipping sample", "error", err)
		e.lastSampleTime = now
		return
	}

	isActive := idle < e.params.InactivityThreshold
	if !isActive && e.overrideFn != nil && e.overrideFn() && idle < e.params.OverrideMaxIdle {
		isActive = true
	}

	if dayKey(now) == e.day {
		e.accumulateLocked(roundSeconds(delta), isActive, e.params.Schedule.Classify(now), now)
	} else {
		// Normal midnight crossing: split the delta at the boundary,
		// close the old day, then accumulate the remainder into the new one
		midnight := startOfDay(now)
		before := midnight.Sub(e.lastSampleTime)
		after := now.Sub(midnight)

		if before > 0 {
			e.accumulateLocked(roundSeconds(before), isActive, e.params.Schedule.Classify(e.lastSampleTime), midnight)
		}
		e.closeDayLocked()
		e.openDayLocked(now)
		if after > 0 {
			e.accumulateLocked(roundSeconds(after), isActive, e.params.Schedule.Classify(now), now)
		}
	}

	e.lastSampleTime = now
}

// FinalizeCurrentDay closes the open day immediately and starts a fresh
// one at the same instant. Used by tests and administrative resets; the
// normal shutdown path reports the open snapshot instead.
func (e *Engine) FinalizeCurrentDay() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeDayLocked()
	e.openDayLocked(e.now())
}

// accumulateLocked adds a classified interval to the open day.
// Caller holds e.mu.
func (e *Engine) accumulateLocked(seconds int64, isActive bool, category types.Category, eventAt time.Time) {
	if seconds <= 0 {
		return
	}

	if isActive {
		e.totals.ActiveSeconds += seconds
		switch category {
		case types.CategoryWorkHours:
			e.totals.WorkActive += seconds
		case types.CategoryLunch:
			e.totals.LunchActive += seconds
		default:
			e.totals.AfterActive += seconds
		}
	} else {
		e.totals.IdleSeconds += seconds
		switch category {
		case types.CategoryWorkHours:
			e.totals.WorkIdle += seconds
		case types.CategoryLunch:
			e.totals.LunchIdle += seconds
		default:
			e.totals.AfterIdle += seconds
		}
	}

	e.totals.SamplesCount++
	if e.firstEventAt.IsZero() {
		e.firstEventAt = eventAt
	}
	e.lastEventAt = eventAt
}

// closeDayLocked emits the day-close event for the open day.
// Caller holds e.mu; the send never blocks under it.
func (e *Engine) closeDayLocked() {
	if e.day == "" {
		return
	}

	event := DayClosed{
		Day:          e.day,
		Totals:       e.totals,
		FirstEventAt: e.firstEventAt,
		LastEventAt:  e.lastEventAt,
	}

	select {
	case e.events <- event:
		e.logger.Info("Day closed", "day", event.Day,
			"activeSeconds", event.Totals.ActiveSeconds, "idleSeconds", event.Totals.IdleSeconds)
	default:
		e.logger.Error("Day-close event dropped: consumer not keeping up", "day", event.Day)
	}
}

// openDayLocked resets the accumulators for the day containing now.
// Caller holds e.mu.
func (e *Engine) openDayLocked(now time.Time) {
	e.day = dayKey(now)
	e.totals = types.DayTotals{}
	e.firstEventAt = time.Time{}
	e.lastEventAt = time.Time{}
}

// mergeMax merges seed totals into current using element-wise max, so a
// seed can never decrease a counter
func mergeMax(current, seed types.DayTotals) types.DayTotals {
	return types.DayTotals{
		ActiveSeconds: max(current.ActiveSeconds, seed.ActiveSeconds),
		IdleSeconds:   max(current.IdleSeconds, seed.IdleSeconds),
		CallSeconds:   max(current.CallSeconds, seed.CallSeconds),
		WorkActive:    max(current.WorkActive, seed.WorkActive),
		WorkIdle:      max(current.WorkIdle, seed.WorkIdle),
		LunchActive:   max(current.LunchActive, seed.LunchActive),
		LunchIdle:     max(current.LunchIdle, seed.LunchIdle),
		AfterActive:   max(current.AfterActive, seed.AfterActive),
		AfterIdle:     max(current.AfterIdle, seed.AfterIdle),
		SamplesCount:  max(current.SamplesCount, seed.SamplesCount),
	}
}

func dayKey(t time.Time) string {
	return t.Format(DayKeyFormat)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func roundSeconds(d time.Duration) int64 {
	return int64(math.Round(d.Seconds()))
}
