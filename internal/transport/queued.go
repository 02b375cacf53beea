package transport

import (
	"context"
	"encoding/json"

	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/infrastructure/logging"
	"deskwatch/internal/queue"
	"deskwatch/internal/types"
)

// QueuedSender wraps the client for fresh sends: a delivery that fails
// for a retryable reason lands in the offline queue instead of being
// lost, while a request the server will never accept is logged and
// dropped. Redelivery of queued items is the retrier's job, which
// calls the bare client and never comes back through here.
type QueuedSender struct {
	client *Client
	store  *queue.Store
	logger logging.Logger
}

// NewQueuedSender wires a client to the offline delivery queue
func NewQueuedSender(client *Client, store *queue.Store, logger logging.Logger) *QueuedSender {
	return &QueuedSender{client: client, store: store, logger: logger}
}

// SendDaySummary delivers a day summary, queueing it on retryable failure
func (s *QueuedSender) SendDaySummary(ctx context.Context, summary types.DaySummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return apperrors.New("SendDaySummary", err, apperrors.ErrCodeMalformed)
	}
	return s.send(ctx, EndpointDays, payload)
}

// SendEpisode delivers a closed episode, queueing it on retryable failure
func (s *QueuedSender) SendEpisode(ctx context.Context, episode types.Episode) error {
	payload, err := json.Marshal(episode)
	if err != nil {
		return apperrors.New("SendEpisode", err, apperrors.ErrCodeMalformed)
	}
	return s.send(ctx, EndpointEpisodes, payload)
}

func (s *QueuedSender) send(ctx context.Context, endpoint string, payload []byte) error {
	err := s.client.Deliver(ctx, endpoint, payload)
	if err == nil {
		return nil
	}

	switch {
	case apperrors.IsRetryable(err) || apperrors.IsUnauthorized(err):
		// Unauthorized payloads are queued too: they become deliverable
		// again once a fresh login restores the token
		if _, qerr := s.store.Enqueue(ctx, endpoint, payload); qerr != nil {
			s.logger.Error("failed to queue undeliverable payload", "endpoint", endpoint, "error", qerr)
		} else {
			s.logger.Warn("delivery deferred to offline queue", "endpoint", endpoint, "error", err)
		}
		return err
	default:
		// Permanently rejected; queueing would just burn retries
		s.logger.Error("delivery rejected, dropping payload", "endpoint", endpoint, "error", err)
		return err
	}
}
