package errors

import (
	"context"
	"errors"
	"testing"
	"time"
)

func quickConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
		Jitter:        false,
		RetryableErrors: []ErrorCode{
			ErrCodeConnection,
			ErrCodeTimeout,
			ErrCodeNetwork,
		},
	}
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), quickConfig(), func() error {
		attempts++
		if attempts < 3 {
			return New("op", errors.New("connection refused"), ErrCodeConnection)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), quickConfig(), func() error {
		attempts++
		return New("op", errors.New("bad payload"), ErrCodeValidation)
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 for non-retryable error", attempts)
	}
}

func TestWithRetry_UnclassifiedErrorNotRetried(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), quickConfig(), func() error {
		attempts++
		return errors.New("plain error")
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 for unclassified error", attempts)
	}
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), quickConfig(), func() error {
		attempts++
		return New("op", errors.New("timeout"), ErrCodeTimeout)
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Error("final error should still carry the AppError chain")
	}
}

func TestWithRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	config := quickConfig()
	config.InitialDelay = time.Second // long enough that cancel wins
	config.MaxDelay = time.Second     // keep the cap from shrinking the delay

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- WithRetry(ctx, config, func() error {
			attempts++
			return New("op", errors.New("timeout"), ErrCodeTimeout)
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled in chain, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WithRetry did not return after cancellation")
	}

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 before cancellation", attempts)
	}
}

func TestCalculateDelay_CappedAtMax(t *testing.T) {
	config := &RetryConfig{
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      300 * time.Millisecond,
		BackoffFactor: 2.0,
		Jitter:        false,
	}

	if got := calculateDelay(0, config); got != 100*time.Millisecond {
		t.Errorf("attempt 0 delay = %v, want 100ms", got)
	}
	if got := calculateDelay(1, config); got != 200*time.Millisecond {
		t.Errorf("attempt 1 delay = %v, want 200ms", got)
	}
	if got := calculateDelay(5, config); got != 300*time.Millisecond {
		t.Errorf("attempt 5 delay = %v, want capped 300ms", got)
	}
}
