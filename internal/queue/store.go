package queue

import (
	"context"
	"database/sql"
	"sync"
	"time"

	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/infrastructure/logging"
	"deskwatch/internal/types"

	"github.com/google/uuid"
)

// DefaultMaxRetries is the dead-letter cap: items at or over it are
// abandoned by the cleanup sweep
const DefaultMaxRetries = 5

// Store is the durable delivery buffer. All mutations are serialized
// behind one writer mutex because independent timers (flush producer,
// retry consumer) touch it concurrently. Transient SQLite failures are
// retried with backoff; when the backing database stays unavailable the
// store degrades to a best-effort in-memory buffer and keeps the
// session alive without durability guarantees.
type Store struct {
	mu         sync.Mutex
	db         *sql.DB
	maxRetries int
	retryCfg   *apperrors.RetryConfig
	memory     []types.QueueItem
	logger     logging.Logger
}

// NewStore creates a delivery queue over the given database. db may be
// nil, in which case the store runs purely in memory.
func NewStore(db *sql.DB, maxRetries int, logger logging.Logger) *Store {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Store{
		db:         db,
		maxRetries: maxRetries,
		retryCfg:   apperrors.DefaultRetryConfig(),
		logger:     logger,
	}
}

// MaxRetries returns the dead-letter cap
func (s *Store) MaxRetries() int {
	return s.maxRetries
}

// Enqueue persists a failed delivery for later retry. Returns the item
// id. Storage failures degrade to the in-memory buffer.
func (s *Store) Enqueue(ctx context.Context, endpoint string, payload []byte) (string, error) {
	item := types.QueueItem{
		ID:        uuid.NewString(),
		Endpoint:  endpoint,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		s.memory = append(s.memory, item)
		return item.ID, nil
	}

	err := apperrors.WithRetryContext(ctx, s.retryCfg, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO delivery_queue (id, endpoint, payload, created_at, retry_count, last_error)
			 VALUES (?, ?, ?, ?, 0, '')`,
			item.ID, item.Endpoint, item.Payload, item.CreatedAt)
		return apperrors.WrapStorageErrorWithContext("Enqueue", execErr, map[string]string{
			"endpoint": endpoint,
		})
	}, "queue.Enqueue")
	if err != nil {
		logging.LogError(s.logger, err, "Enqueue", nil)

		// Keep the item alive in memory; durability is lost, delivery is not
		s.memory = append(s.memory, item)
		return item.ID, nil
	}

	return item.ID, nil
}

// GetPending returns the oldest items whose retry count is below the
// dead-letter cap, at most max of them
func (s *Store) GetPending(ctx context.Context, max int) ([]types.QueueItem, error) {
	if max <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var items []types.QueueItem

	if s.db != nil {
		err := apperrors.WithRetryContext(ctx, s.retryCfg, func() error {
			items = items[:0]
			rows, queryErr := s.db.QueryContext(ctx,
				`SELECT id, endpoint, payload, created_at, retry_count, last_retry_at, last_error
				 FROM delivery_queue
				 WHERE retry_count < ?
				 ORDER BY created_at ASC
				 LIMIT ?`,
				s.maxRetries, max)
			if queryErr != nil {
				return apperrors.WrapStorageError("GetPending", queryErr)
			}
			defer rows.Close()

			for rows.Next() {
				var item types.QueueItem
				var lastRetry sql.NullTime
				if scanErr := rows.Scan(&item.ID, &item.Endpoint, &item.Payload,
					&item.CreatedAt, &item.RetryCount, &lastRetry, &item.LastError); scanErr != nil {
					return apperrors.WrapStorageError("GetPending", scanErr)
				}
				if lastRetry.Valid {
					item.LastRetryAt = lastRetry.Time
				}
				items = append(items, item)
			}
			return apperrors.WrapStorageError("GetPending", rows.Err())
		}, "queue.GetPending")
		if err != nil {
			return nil, err
		}
	}

	for _, item := range s.memory {
		if len(items) >= max {
			break
		}
		if item.RetryCount < s.maxRetries {
			items = append(items, item)
		}
	}

	return items, nil
}

// MarkSent deletes a delivered item
func (s *Store) MarkSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removeFromMemoryLocked(id) {
		return nil
	}
	if s.db == nil {
		return nil
	}

	return apperrors.WithRetryContext(ctx, s.retryCfg, func() error {
		_, execErr := s.db.ExecContext(ctx, `DELETE FROM delivery_queue WHERE id = ?`, id)
		return apperrors.WrapStorageErrorWithContext("MarkSent", execErr, map[string]string{"id": id})
	}, "queue.MarkSent")
}

// MarkRetried increments an item's retry count and records the error
func (s *Store) MarkRetried(ctx context.Context, id string, sendErr error) error {
	errText := ""
	if sendErr != nil {
		errText = sendErr.Error()
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.memory {
		if s.memory[i].ID == id {
			s.memory[i].RetryCount++
			s.memory[i].LastRetryAt = now
			s.memory[i].LastError = errText
			return nil
		}
	}
	if s.db == nil {
		return nil
	}

	return apperrors.WithRetryContext(ctx, s.retryCfg, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`UPDATE delivery_queue
			 SET retry_count = retry_count + 1, last_retry_at = ?, last_error = ?
			 WHERE id = ?`,
			now, errText, id)
		return apperrors.WrapStorageErrorWithContext("MarkRetried", execErr, map[string]string{"id": id})
	}, "queue.MarkRetried")
}

// CleanupDeadLetters deletes all items at or over the retry cap and
// returns how many were abandoned
func (s *Store) CleanupDeadLetters(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	kept := s.memory[:0]
	for _, item := range s.memory {
		if item.RetryCount >= s.maxRetries {
			dropped++
			continue
		}
		kept = append(kept, item)
	}
	s.memory = kept

	if s.db != nil {
		err := apperrors.WithRetryContext(ctx, s.retryCfg, func() error {
			result, execErr := s.db.ExecContext(ctx,
				`DELETE FROM delivery_queue WHERE retry_count >= ?`, s.maxRetries)
			if execErr != nil {
				return apperrors.WrapStorageError("CleanupDeadLetters", execErr)
			}
			if affected, raErr := result.RowsAffected(); raErr == nil {
				dropped += int(affected)
			}
			return nil
		}, "queue.CleanupDeadLetters")
		if err != nil {
			return dropped, err
		}
	}

	if dropped > 0 {
		s.logger.Warn("Abandoned dead-letter queue items", "count", dropped, "cap", s.maxRetries)
	}
	return dropped, nil
}

// Size returns the number of items currently buffered, dead letters included
func (s *Store) Size(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.memory)
	if s.db != nil {
		var count int
		err := apperrors.WithRetryContext(ctx, s.retryCfg, func() error {
			return apperrors.WrapStorageError("Size",
				s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_queue`).Scan(&count))
		}, "queue.Size")
		if err != nil {
			return total, err
		}
		total += count
	}
	return total, nil
}

// removeFromMemoryLocked drops an item from the fallback buffer.
// Caller holds s.mu.
func (s *Store) removeFromMemoryLocked(id string) bool {
	for i := range s.memory {
		if s.memory[i].ID == id {
			s.memory = append(s.memory[:i], s.memory[i+1:]...)
			return true
		}
	}
	return false
}
