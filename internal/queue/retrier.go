package queue

import (
	"context"
	"sync"
	"time"

	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/infrastructure/logging"
)

// Sender redelivers one queued payload. Implementations must NOT
// re-enqueue their own failures: the retrier records them via
// MarkRetried, and double-buffering the same item would duplicate it.
type Sender interface {
	Deliver(ctx context.Context, endpoint string, payload []byte) error
}

// Retrier drains the delivery queue one bounded batch at a time. It
// owns no timer: the orchestrator's retry ticker calls RunOnce.
type Retrier struct {
	store     *Store
	sender    Sender
	batchSize int
	timeout   time.Duration

	mu     sync.Mutex
	paused bool

	logger logging.Logger
}

// NewRetrier creates a drain over the store and sender
func NewRetrier(store *Store, sender Sender, batchSize int, logger logging.Logger) *Retrier {
	if batchSize <= 0 {
		batchSize = 20
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Retrier{
		store:     store,
		sender:    sender,
		batchSize: batchSize,
		timeout:   45 * time.Second,
		logger:    logger,
	}
}

// Pause suspends draining, used while the agent holds no valid
// credentials
func (r *Retrier) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
}

// Resume re-enables draining after re-authentication
func (r *Retrier) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
}

// RunOnce drains one bounded batch: redeliver, mark the outcome, then
// sweep dead letters. An unauthorized response aborts the batch without
// marking anything: the items are still deliverable, the credentials
// are the problem, and burning retry counts would push them toward the
// dead-letter cap for no fault of their own.
func (r *Retrier) RunOnce(ctx context.Context) {
	r.mu.Lock()
	paused := r.paused
	r.mu.Unlock()
	if paused {
		return
	}

	items, err := r.store.GetPending(ctx, r.batchSize)
	if err != nil {
		logging.LogError(r.logger, err, "RetryQueue.GetPending", nil)
		return
	}

	for _, item := range items {
		sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.sender.Deliver(sendCtx, item.Endpoint, item.Payload)
		cancel()

		if apperrors.IsUnauthorized(err) {
			r.logger.Warn("Stopping queue drain until re-login",
				"id", item.ID, "endpoint", item.Endpoint)
			break
		}

		if err != nil {
			if markErr := r.store.MarkRetried(ctx, item.ID, err); markErr != nil {
				logging.LogError(r.logger, markErr, "RetryQueue.MarkRetried", nil)
			}
			r.logger.Debug("Queued delivery failed again",
				"id", item.ID, "endpoint", item.Endpoint, "retryCount", item.RetryCount+1, "error", err)
			continue
		}

		if markErr := r.store.MarkSent(ctx, item.ID); markErr != nil {
			logging.LogError(r.logger, markErr, "RetryQueue.MarkSent", nil)
			continue
		}
		r.logger.Info("Queued delivery succeeded", "id", item.ID, "endpoint", item.Endpoint)
	}

	if _, err := r.store.CleanupDeadLetters(ctx); err != nil {
		logging.LogError(r.logger, err, "RetryQueue.CleanupDeadLetters", nil)
	}
}
