package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorCode classifies agent and server errors for retry and logging decisions
type ErrorCode int

const (
	ErrCodeUnknown ErrorCode = iota
	ErrCodeNotFound
	ErrCodeDuplicate
	ErrCodeConstraint
	ErrCodeConnection
	ErrCodeTransaction
	ErrCodeTimeout
	ErrCodeValidation
	ErrCodePermission
	ErrCodeCorruption
	ErrCodeInternal
	ErrCodeBusy
	ErrCodeSchema
	ErrCodeUnauthorized  // 401/403 from the server; clears credentials, never retried
	ErrCodeNetwork       // transient transport failure; retried through the delivery queue
	ErrCodeMalformed     // unparseable server response; previous state kept, not retried
	ErrCodeClockAnomaly  // oversized sample delta; interval discarded
	ErrCodeServerFailure // 5xx from the server; retried through the delivery queue
)

// String returns a string representation of the error code
func (e ErrorCode) String() string {
	switch e {
	case ErrCodeNotFound:
		return "NOT_FOUND"
	case ErrCodeDuplicate:
		return "DUPLICATE"
	case ErrCodeConstraint:
		return "CONSTRAINT"
	case ErrCodeConnection:
		return "CONNECTION"
	case ErrCodeTransaction:
		return "TRANSACTION"
	case ErrCodeTimeout:
		return "TIMEOUT"
	case ErrCodeValidation:
		return "VALIDATION"
	case ErrCodePermission:
		return "PERMISSION"
	case ErrCodeCorruption:
		return "CORRUPTION"
	case ErrCodeInternal:
		return "INTERNAL"
	case ErrCodeBusy:
		return "BUSY"
	case ErrCodeSchema:
		return "SCHEMA"
	case ErrCodeUnauthorized:
		return "UNAUTHORIZED"
	case ErrCodeNetwork:
		return "NETWORK"
	case ErrCodeMalformed:
		return "MALFORMED"
	case ErrCodeClockAnomaly:
		return "CLOCK_ANOMALY"
	case ErrCodeServerFailure:
		return "SERVER_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// AppError is the error type carried across the storage and transport
// boundaries, with classification and retry information attached
type AppError struct {
	Op        string            // operation name
	Err       error             // underlying error
	Code      ErrorCode         // error classification
	Retryable bool              // whether the error is retryable
	Context   map[string]string // additional context information
	Timestamp time.Time         // when the error occurred
}

func (e *AppError) Error() string {
	if e == nil {
		return "application error"
	}

	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Code != ErrCodeUnknown {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code.String()))
	}
	if e.Retryable {
		parts = append(parts, "retryable=true")
	}

	// Context in deterministic key order
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, e.Context[k]))
		}
	}

	contextStr := ""
	if len(parts) > 0 {
		contextStr = fmt.Sprintf(" [%s]", strings.Join(parts, " "))
	}

	if e.Err != nil {
		return e.Err.Error() + contextStr
	}
	return "application error" + contextStr
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is implements error matching for errors.Is
func (e *AppError) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(*AppError); ok {
		return e.Code == t.Code
	}
	if e.Err != nil {
		return errors.Is(e.Err, target)
	}
	return false
}

// IsRetryable returns whether the error is retryable
func (e *AppError) IsRetryable() bool {
	return e != nil && e.Retryable
}

// GetCode returns the error code as a string (for the logging interface)
func (e *AppError) GetCode() string {
	if e == nil {
		return ErrCodeUnknown.String()
	}
	return e.Code.String()
}

// GetContext returns the error context (for the logging interface)
func (e *AppError) GetContext() map[string]string {
	if e == nil || e.Context == nil {
		return make(map[string]string)
	}
	return e.Context
}

// GetTimestamp returns the error timestamp (for the logging interface)
func (e *AppError) GetTimestamp() time.Time {
	if e == nil {
		return time.Time{}
	}
	return e.Timestamp
}

// New creates a new application error with the given classification
func New(op string, err error, code ErrorCode) *AppError {
	return &AppError{
		Op:        op,
		Err:       err,
		Code:      code,
		Retryable: isRetryableCode(code, err),
		Context:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// NewWithContext creates a new application error with additional context.
// The context map is cloned to avoid external mutation.
func NewWithContext(op string, err error, code ErrorCode, context map[string]string) *AppError {
	appErr := New(op, err, code)
	if context != nil {
		appErr.Context = make(map[string]string, len(context))
		for k, v := range context {
			appErr.Context[k] = v
		}
	}
	return appErr
}

// isRetryableCode determines if an error is retryable based on its classification
func isRetryableCode(code ErrorCode, err error) bool {
	switch code {
	case ErrCodeConnection, ErrCodeTimeout, ErrCodeTransaction, ErrCodeBusy,
		ErrCodeNetwork, ErrCodeServerFailure:
		return true
	case ErrCodeNotFound, ErrCodeDuplicate, ErrCodeConstraint, ErrCodeValidation,
		ErrCodePermission, ErrCodeCorruption, ErrCodeInternal, ErrCodeSchema,
		ErrCodeUnauthorized, ErrCodeMalformed, ErrCodeClockAnomaly:
		return false
	default:
		// For unknown errors, check the underlying error message
		if err != nil {
			errStr := strings.ToLower(err.Error())
			return strings.Contains(errStr, "temporary") ||
				strings.Contains(errStr, "retry") ||
				strings.Contains(errStr, "busy") ||
				strings.Contains(errStr, "locked") ||
				strings.Contains(errStr, "deadlock")
		}
		return false
	}
}

// codeOf extracts the ErrorCode from an error chain, or ErrCodeUnknown
func codeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeUnknown
}

// IsNotFound checks if the error is a "not found" error
func IsNotFound(err error) bool { return codeOf(err) == ErrCodeNotFound }

// IsDuplicate checks if the error is a "duplicate" error
func IsDuplicate(err error) bool { return codeOf(err) == ErrCodeDuplicate }

// IsConnection checks if the error is a "connection" error
func IsConnection(err error) bool { return codeOf(err) == ErrCodeConnection }

// IsTimeout checks if the error is a "timeout" error
func IsTimeout(err error) bool { return codeOf(err) == ErrCodeTimeout }

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool { return codeOf(err) == ErrCodeValidation }

// IsUnauthorized checks if the error is an authorization boundary error
func IsUnauthorized(err error) bool { return codeOf(err) == ErrCodeUnauthorized }

// IsNetwork checks if the error is a transient transport error
func IsNetwork(err error) bool { return codeOf(err) == ErrCodeNetwork }

// IsMalformed checks if the error is an unparseable-response error
func IsMalformed(err error) bool { return codeOf(err) == ErrCodeMalformed }

// IsRetryable checks if the error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}
