package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/testutils"
)

// recordingSender counts deliveries and fails on demand
type recordingSender struct {
	mu        sync.Mutex
	delivered []string
	failAll   bool
	failWith  error
}

func (s *recordingSender) Deliver(ctx context.Context, endpoint string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if s.failAll {
		return errors.New("delivery failed")
	}
	s.delivered = append(s.delivered, endpoint)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func TestRetrier_DrainsSuccessfulDeliveries(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	store.Enqueue(ctx, "/api/v1/days", []byte(`{}`))
	store.Enqueue(ctx, "/api/v1/episodes", []byte(`{}`))

	sender := &recordingSender{}
	retrier := NewRetrier(store, sender, 10, testutils.NewCaptureLogger())
	retrier.RunOnce(ctx)

	if sender.count() != 2 {
		t.Errorf("delivered = %d, want 2", sender.count())
	}
	if size, _ := store.Size(ctx); size != 0 {
		t.Errorf("queue size after drain = %d, want 0", size)
	}
}

func TestRetrier_FailedRedeliveryIncrementsNotDuplicates(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	store.Enqueue(ctx, "/api/v1/days", []byte(`{}`))

	sender := &recordingSender{failAll: true}
	retrier := NewRetrier(store, sender, 10, testutils.NewCaptureLogger())
	retrier.RunOnce(ctx)

	// The failure is recorded on the existing item, never re-enqueued
	if size, _ := store.Size(ctx); size != 1 {
		t.Fatalf("queue size after failed drain = %d, want 1", size)
	}
	items, _ := store.GetPending(ctx, 10)
	if len(items) != 1 || items[0].RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", items[0].RetryCount)
	}
}

func TestRetrier_SweepsDeadLettersAfterCap(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	store.Enqueue(ctx, "/api/v1/days", []byte(`{}`))

	sender := &recordingSender{failAll: true}
	retrier := NewRetrier(store, sender, 10, testutils.NewCaptureLogger())

	// One run per retry until the cap; the final run's sweep drops it
	for i := 0; i < store.MaxRetries(); i++ {
		retrier.RunOnce(ctx)
	}

	if size, _ := store.Size(ctx); size != 0 {
		t.Errorf("queue size after dead-letter sweep = %d, want 0", size)
	}
}

func TestRetrier_PausedDoesNotDeliver(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	store.Enqueue(ctx, "/api/v1/days", []byte(`{}`))

	sender := &recordingSender{}
	retrier := NewRetrier(store, sender, 10, testutils.NewCaptureLogger())
	retrier.Pause()
	retrier.RunOnce(ctx)

	if sender.count() != 0 {
		t.Errorf("paused retrier delivered %d items", sender.count())
	}

	retrier.Resume()
	retrier.RunOnce(ctx)
	if sender.count() != 1 {
		t.Errorf("resumed retrier delivered %d items, want 1", sender.count())
	}
}

func TestRetrier_UnauthorizedAbortsBatchWithoutMarking(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	store.Enqueue(ctx, "/api/v1/days", []byte(`{}`))
	store.Enqueue(ctx, "/api/v1/episodes", []byte(`{}`))

	sender := &recordingSender{
		failWith: apperrors.New("Deliver", errors.New("token rejected"), apperrors.ErrCodeUnauthorized),
	}
	retrier := NewRetrier(store, sender, 10, testutils.NewCaptureLogger())
	retrier.RunOnce(ctx)

	// Stale credentials are not the items' fault: nothing moves toward
	// the dead-letter cap and everything stays deliverable for the next
	// drain after re-login
	items, err := store.GetPending(ctx, 10)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("pending after unauthorized drain = %d, want 2", len(items))
	}
	for _, item := range items {
		if item.RetryCount != 0 {
			t.Errorf("item %s retryCount = %d, want 0", item.ID, item.RetryCount)
		}
	}

	sender.mu.Lock()
	sender.failWith = nil
	sender.mu.Unlock()
	retrier.RunOnce(ctx)
	if sender.count() != 2 {
		t.Errorf("delivered after recovery = %d, want 2", sender.count())
	}
}
