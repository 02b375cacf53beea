package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"deskwatch/internal/types"
)

// Schedule defines the daily work and lunch windows as minutes since
// midnight in the device's local time zone. It is read on every sample
// classification, so all methods are allocation-free.
type Schedule struct {
	WorkStart  int // e.g. 9*60
	WorkEnd    int // e.g. 18*60
	LunchStart int // e.g. 13*60
	LunchEnd   int // e.g. 14*60
}

// Default returns the schedule used until a policy says otherwise:
// 09:00-18:00 work with 13:00-14:00 lunch.
func Default() Schedule {
	return Schedule{
		WorkStart:  9 * 60,
		WorkEnd:    18 * 60,
		LunchStart: 13 * 60,
		LunchEnd:   14 * 60,
	}
}

// Classify maps a timestamp to its schedule category. Lunch is only
// recognized inside the work window; a degenerate work window
// (end <= start) classifies everything as after-hours.
func (s Schedule) Classify(t time.Time) types.Category {
	minute := t.Hour()*60 + t.Minute()

	if s.WorkEnd <= s.WorkStart {
		return types.CategoryAfterHours
	}
	if minute < s.WorkStart || minute >= s.WorkEnd {
		return types.CategoryAfterHours
	}
	if s.LunchEnd > s.LunchStart && minute >= s.LunchStart && minute < s.LunchEnd {
		return types.CategoryLunch
	}
	return types.CategoryWorkHours
}

// ParseClock parses a "HH:MM" string into minutes since midnight
func ParseClock(value string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock value %q: expected HH:MM", value)
	}

	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in clock value %q", value)
	}

	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in clock value %q", value)
	}

	return hour*60 + minute, nil
}

// FormatClock renders minutes since midnight as "HH:MM"
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
