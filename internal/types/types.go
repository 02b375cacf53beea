package types

import "time"

// Category identifies which schedule band an interval of time belongs to
type Category int

const (
	CategoryWorkHours Category = iota
	CategoryLunch
	CategoryAfterHours
)

// String returns a string representation of the category
func (c Category) String() string {
	switch c {
	case CategoryWorkHours:
		return "work"
	case CategoryLunch:
		return "lunch"
	case CategoryAfterHours:
		return "after"
	default:
		return "unknown"
	}
}

// DayTotals holds the accumulated seconds for one calendar day.
// Every classified interval lands in exactly one category bucket, so
// WorkActive+LunchActive+AfterActive equals ActiveSeconds (and the
// idle buckets mirror IdleSeconds).
type DayTotals struct {
	ActiveSeconds int64 `json:"activeSeconds"`
	IdleSeconds   int64 `json:"idleSeconds"`
	CallSeconds   int64 `json:"callSeconds"`
	WorkActive    int64 `json:"workActive"`
	WorkIdle      int64 `json:"workIdle"`
	LunchActive   int64 `json:"lunchActive"`
	LunchIdle     int64 `json:"lunchIdle"`
	AfterActive   int64 `json:"afterActive"`
	AfterIdle     int64 `json:"afterIdle"`
	SamplesCount  int64 `json:"samplesCount"`
}

// DaySummary is the per user+device+day record exchanged with the server
type DaySummary struct {
	UserID       string    `json:"userId"`
	DeviceID     string    `json:"deviceId"`
	Day          string    `json:"day"` // YYYY-MM-DD in the device's local zone
	Totals       DayTotals `json:"totals"`
	FirstEventAt time.Time `json:"firstEventAt"`
	LastEventAt  time.Time `json:"lastEventAt"`
}

// Episode is one contiguous foreground dwell on a (process, window title) pair
type Episode struct {
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime"`
	DurationSeconds int64     `json:"durationSeconds"`
	ProcessName     string    `json:"processName"`
	WindowTitle     string    `json:"windowTitle"`
	IsCallApp       bool      `json:"isCallApp"`
}

// QueueItem is one persisted delivery awaiting retry
type QueueItem struct {
	ID          string    `json:"id"`
	Endpoint    string    `json:"endpoint"`
	Payload     []byte    `json:"payload"`
	CreatedAt   time.Time `json:"createdAt"`
	RetryCount  int       `json:"retryCount"`
	LastRetryAt time.Time `json:"lastRetryAt"`
	LastError   string    `json:"lastError"`
}

// LoginRequest carries device credentials to the login endpoint
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"deviceId"`
}

// LoginResponse returns the bearer token for subsequent calls
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// HandshakeRequest is the periodic client check-in payload
type HandshakeRequest struct {
	DeviceID      string `json:"deviceId"`
	ClientVersion string `json:"clientVersion"`
}

// HandshakeResponse carries the resolved configuration back to the device
type HandshakeResponse struct {
	ServerTime      time.Time      `json:"serverTime"`
	AppliedScope    string         `json:"appliedScope"`
	AppliedPolicyID string         `json:"appliedPolicyId"`
	PolicyVersion   int            `json:"policyVersion"`
	EffectiveConfig map[string]any `json:"effectiveConfig"`
}
