package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"deskwatch/internal/engine"
	"deskwatch/internal/episodes"
	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/schedule"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// appliedSchema gates what the loosely-typed policy tree may hand to
// the hot path. Unknown keys pass through unvalidated (forward
// compatibility); known keys must have sane types and ranges.
const appliedSchema = `{
	"type": "object",
	"properties": {
		"sampling": {
			"type": "object",
			"properties": {
				"sampleIntervalSeconds":      {"type": "integer", "minimum": 1, "maximum": 3600},
				"inactivityThresholdSeconds": {"type": "integer", "minimum": 1, "maximum": 86400},
				"overrideMaxIdleSeconds":     {"type": "integer", "minimum": 0, "maximum": 86400},
				"anomalyCeilingSeconds":      {"type": "integer", "minimum": 60, "maximum": 604800}
			}
		},
		"schedule": {
			"type": "object",
			"properties": {
				"workStart":  {"type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$"},
				"workEnd":    {"type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$"},
				"lunchStart": {"type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$"},
				"lunchEnd":   {"type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$"}
			}
		},
		"episodes": {
			"type": "object",
			"properties": {
				"pollIntervalSeconds": {"type": "integer", "minimum": 1, "maximum": 3600},
				"callKeywords":        {"type": "array", "items": {"type": "string"}}
			}
		},
		"timers": {
			"type": "object",
			"properties": {
				"flushIntervalSeconds":      {"type": "integer", "minimum": 1, "maximum": 3600},
				"handshakeIntervalSeconds":  {"type": "integer", "minimum": 10, "maximum": 86400},
				"queueRetryIntervalSeconds": {"type": "integer", "minimum": 5, "maximum": 3600}
			}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("applied-config.json", appliedSchema)

// AppliedConfig is the strongly-typed projection of an effective policy
// document, the only form the engine and tracker ever consume
type AppliedConfig struct {
	Sampling struct {
		SampleIntervalSeconds      int `json:"sampleIntervalSeconds"`
		InactivityThresholdSeconds int `json:"inactivityThresholdSeconds"`
		OverrideMaxIdleSeconds     int `json:"overrideMaxIdleSeconds"`
		AnomalyCeilingSeconds      int `json:"anomalyCeilingSeconds"`
	} `json:"sampling"`
	Schedule struct {
		WorkStart  string `json:"workStart"`
		WorkEnd    string `json:"workEnd"`
		LunchStart string `json:"lunchStart"`
		LunchEnd   string `json:"lunchEnd"`
	} `json:"schedule"`
	Episodes struct {
		PollIntervalSeconds int      `json:"pollIntervalSeconds"`
		CallKeywords        []string `json:"callKeywords"`
	} `json:"episodes"`
	Timers struct {
		FlushIntervalSeconds      int `json:"flushIntervalSeconds"`
		HandshakeIntervalSeconds  int `json:"handshakeIntervalSeconds"`
		QueueRetryIntervalSeconds int `json:"queueRetryIntervalSeconds"`
	} `json:"timers"`
}

// DefaultApplied returns the configuration used before any handshake
// succeeds, matching the engine and tracker defaults
func DefaultApplied() AppliedConfig {
	var c AppliedConfig
	c.Sampling.SampleIntervalSeconds = 1
	c.Sampling.InactivityThresholdSeconds = 60
	c.Sampling.OverrideMaxIdleSeconds = 600
	c.Sampling.AnomalyCeilingSeconds = int((6 * time.Hour).Seconds())
	c.Schedule.WorkStart = "09:00"
	c.Schedule.WorkEnd = "18:00"
	c.Schedule.LunchStart = "13:00"
	c.Schedule.LunchEnd = "14:00"
	c.Episodes.PollIntervalSeconds = 2
	c.Episodes.CallKeywords = episodes.DefaultParams().CallKeywords
	c.Timers.FlushIntervalSeconds = 6
	c.Timers.HandshakeIntervalSeconds = 300
	c.Timers.QueueRetryIntervalSeconds = 30
	return c
}

// Project validates an effective policy tree and overlays it onto the
// defaults. A document that fails validation is rejected in full so a
// partially malformed policy never reaches the hot path.
func Project(effective map[string]any) (AppliedConfig, error) {
	applied := DefaultApplied()
	if effective == nil {
		return applied, nil
	}

	if err := compiledSchema.Validate(effective); err != nil {
		return applied, apperrors.NewWithContext("Project", err, apperrors.ErrCodeValidation, map[string]string{
			"stage": "schema",
		})
	}

	raw, err := json.Marshal(effective)
	if err != nil {
		return applied, apperrors.New("Project", err, apperrors.ErrCodeMalformed)
	}
	if err := json.Unmarshal(raw, &applied); err != nil {
		return applied, apperrors.New("Project", err, apperrors.ErrCodeMalformed)
	}

	// Clock strings passed the pattern check; reject impossible hours
	if _, err := appliedSchedule(applied); err != nil {
		return DefaultApplied(), apperrors.New("Project", err, apperrors.ErrCodeValidation)
	}

	return applied, nil
}

// EngineParams converts the applied configuration into live engine settings
func (c AppliedConfig) EngineParams() engine.Params {
	sched, err := appliedSchedule(c)
	if err != nil {
		// Unreachable after Project, but never hand a half-built
		// schedule to the classifier
		sched = schedule.Default()
	}
	return engine.Params{
		SampleInterval:      time.Duration(c.Sampling.SampleIntervalSeconds) * time.Second,
		InactivityThreshold: int64(c.Sampling.InactivityThresholdSeconds),
		OverrideMaxIdle:     int64(c.Sampling.OverrideMaxIdleSeconds),
		AnomalyCeiling:      time.Duration(c.Sampling.AnomalyCeilingSeconds) * time.Second,
		Schedule:            sched,
	}
}

// TrackerParams converts the applied configuration into live tracker settings
func (c AppliedConfig) TrackerParams() episodes.Params {
	return episodes.Params{
		PollInterval: time.Duration(c.Episodes.PollIntervalSeconds) * time.Second,
		CallKeywords: c.Episodes.CallKeywords,
	}
}

// appliedSchedule parses the four clock strings into a Schedule
func appliedSchedule(c AppliedConfig) (schedule.Schedule, error) {
	var sched schedule.Schedule
	var err error

	if sched.WorkStart, err = schedule.ParseClock(c.Schedule.WorkStart); err != nil {
		return sched, fmt.Errorf("workStart: %w", err)
	}
	if sched.WorkEnd, err = schedule.ParseClock(c.Schedule.WorkEnd); err != nil {
		return sched, fmt.Errorf("workEnd: %w", err)
	}
	if sched.LunchStart, err = schedule.ParseClock(c.Schedule.LunchStart); err != nil {
		return sched, fmt.Errorf("lunchStart: %w", err)
	}
	if sched.LunchEnd, err = schedule.ParseClock(c.Schedule.LunchEnd); err != nil {
		return sched, fmt.Errorf("lunchEnd: %w", err)
	}
	return sched, nil
}
