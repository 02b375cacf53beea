package repository

import "time"

// Device is one registered agent installation tied to a user account
type Device struct {
	ID           string
	UserID       string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// PolicyDocument is one versioned configuration layer. At most one
// document per (scope, subject) is active at a time; the partial unique
// index enforces it.
type PolicyDocument struct {
	ID        string
	Scope     string
	SubjectID string
	Version   int
	Active    bool
	Document  map[string]any
	UpdatedAt time.Time
}

// HandshakeAudit is one recorded check-in: the raw exchange plus which
// policy layer won the merge
type HandshakeAudit struct {
	ID              string
	DeviceID        string
	RequestBody     string
	ResponseBody    string
	AppliedScope    string
	AppliedPolicyID string
	PolicyVersion   int
	CreatedAt       time.Time
}
