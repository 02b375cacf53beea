package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		contains []string
	}{
		{
			name:     "full error",
			err:      NewWithContext("Enqueue", errors.New("disk I/O error"), ErrCodeConnection, map[string]string{"endpoint": "/api/v1/days"}),
			contains: []string{"disk I/O error", "op=Enqueue", "code=CONNECTION", "retryable=true", "endpoint=/api/v1/days"},
		},
		{
			name:     "no underlying error",
			err:      New("Handshake", nil, ErrCodeMalformed),
			contains: []string{"application error", "op=Handshake", "code=MALFORMED"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("Error() = %q, missing %q", got, want)
				}
			}
		})
	}
}

func TestAppError_ContextDeterministicOrder(t *testing.T) {
	err := NewWithContext("Op", errors.New("x"), ErrCodeValidation, map[string]string{
		"zeta": "1", "alpha": "2", "mid": "3",
	})
	first := err.Error()
	for i := 0; i < 10; i++ {
		if err.Error() != first {
			t.Fatal("Error() output is not deterministic across calls")
		}
	}
	if strings.Index(first, "alpha=") > strings.Index(first, "zeta=") {
		t.Errorf("context keys not sorted: %q", first)
	}
}

func TestAppError_Retryability(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		retryable bool
	}{
		{ErrCodeConnection, true},
		{ErrCodeTimeout, true},
		{ErrCodeTransaction, true},
		{ErrCodeBusy, true},
		{ErrCodeNetwork, true},
		{ErrCodeServerFailure, true},
		{ErrCodeNotFound, false},
		{ErrCodeValidation, false},
		{ErrCodeUnauthorized, false},
		{ErrCodeMalformed, false},
		{ErrCodeClockAnomaly, false},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := New("op", errors.New("boom"), tt.code)
			if err.IsRetryable() != tt.retryable {
				t.Errorf("code %s: IsRetryable() = %v, want %v", tt.code, err.IsRetryable(), tt.retryable)
			}
		})
	}
}

func TestAppError_UnwrapAndIs(t *testing.T) {
	base := errors.New("underlying")
	wrapped := New("op", base, ErrCodeNetwork)

	if !errors.Is(wrapped, base) {
		t.Error("errors.Is should match the wrapped error")
	}

	var appErr *AppError
	outer := fmt.Errorf("outer: %w", wrapped)
	if !errors.As(outer, &appErr) {
		t.Fatal("errors.As should find AppError through wrapping")
	}
	if appErr.Code != ErrCodeNetwork {
		t.Errorf("unwrapped code = %v, want NETWORK", appErr.Code)
	}
}

func TestClassificationHelpers(t *testing.T) {
	if !IsUnauthorized(New("op", errors.New("401"), ErrCodeUnauthorized)) {
		t.Error("IsUnauthorized failed to match")
	}
	if !IsNetwork(New("op", errors.New("conn reset"), ErrCodeNetwork)) {
		t.Error("IsNetwork failed to match")
	}
	if !IsMalformed(New("op", errors.New("bad json"), ErrCodeMalformed)) {
		t.Error("IsMalformed failed to match")
	}
	if IsNotFound(errors.New("plain error")) {
		t.Error("IsNotFound matched an unclassified error")
	}
}

func TestClassifyStorageError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"no rows", sql.ErrNoRows, ErrCodeNotFound},
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout},
		{"cancelled", context.Canceled, ErrCodeTimeout},
		{"unique constraint", errors.New("UNIQUE constraint failed: queue.id"), ErrCodeDuplicate},
		{"locked", errors.New("database is locked"), ErrCodeBusy},
		{"missing table", errors.New("no such table: queue"), ErrCodeSchema},
		{"refused", errors.New("connection refused"), ErrCodeConnection},
		{"unknown", errors.New("something odd"), ErrCodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyStorageError(tt.err); got != tt.want {
				t.Errorf("ClassifyStorageError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestAppError_NilSafety(t *testing.T) {
	var err *AppError
	if err.Error() == "" {
		t.Error("nil receiver Error() should not be empty")
	}
	if err.IsRetryable() {
		t.Error("nil receiver should not be retryable")
	}
	if err.Unwrap() != nil {
		t.Error("nil receiver Unwrap() should be nil")
	}
	if !err.GetTimestamp().Equal(time.Time{}) {
		t.Error("nil receiver GetTimestamp() should be zero")
	}
}
