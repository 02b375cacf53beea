package repository

import (
	"context"
	"database/sql"
	"time"

	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/infrastructure/logging"
	"deskwatch/internal/types"
)

// EpisodeRepository stores closed foreground episodes. The table is
// append-only: redelivered episodes are simply inserted again, and any
// de-duplication is left to reporting queries. Transient SQLite
// failures are retried with backoff.
type EpisodeRepository struct {
	db       *sql.DB
	retryCfg *apperrors.RetryConfig
	logger   logging.Logger
}

// NewEpisodeRepository creates an episode repository
func NewEpisodeRepository(db *sql.DB, logger logging.Logger) *EpisodeRepository {
	return &EpisodeRepository{db: db, retryCfg: apperrors.DefaultRetryConfig(), logger: logger}
}

// Insert appends one closed episode for a device
func (r *EpisodeRepository) Insert(ctx context.Context, userID, deviceID string, episode types.Episode) error {
	isCall := 0
	if episode.IsCallApp {
		isCall = 1
	}

	return apperrors.WithRetryContext(ctx, r.retryCfg, func() error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO episodes (
				user_id, device_id, start_time, end_time,
				duration_seconds, process_name, window_title, is_call_app
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			userID, deviceID,
			episode.StartTime.UTC(), episode.EndTime.UTC(),
			episode.DurationSeconds, episode.ProcessName, episode.WindowTitle, isCall)
		return apperrors.WrapStorageErrorWithContext("Insert", err, map[string]string{
			"deviceId": deviceID,
			"process":  episode.ProcessName,
		})
	}, "episodes.Insert")
}

// ListByDevice returns episodes for a device starting within [from, to),
// ordered by start time
func (r *EpisodeRepository) ListByDevice(ctx context.Context, deviceID string, from, to time.Time) ([]types.Episode, error) {
	var episodes []types.Episode
	err := apperrors.WithRetryContext(ctx, r.retryCfg, func() error {
		episodes = episodes[:0]
		rows, queryErr := r.db.QueryContext(ctx,
			`SELECT start_time, end_time, duration_seconds, process_name, window_title, is_call_app
			 FROM episodes
			 WHERE device_id = ? AND start_time >= ? AND start_time < ?
			 ORDER BY start_time ASC`,
			deviceID, from.UTC(), to.UTC())
		if queryErr != nil {
			return apperrors.WrapStorageError("ListByDevice", queryErr)
		}
		defer rows.Close()

		for rows.Next() {
			var episode types.Episode
			var isCall int
			if scanErr := rows.Scan(&episode.StartTime, &episode.EndTime,
				&episode.DurationSeconds, &episode.ProcessName, &episode.WindowTitle, &isCall); scanErr != nil {
				return apperrors.WrapStorageError("ListByDevice", scanErr)
			}
			episode.IsCallApp = isCall != 0
			episodes = append(episodes, episode)
		}
		return apperrors.WrapStorageError("ListByDevice", rows.Err())
	}, "episodes.ListByDevice")
	if err != nil {
		return nil, err
	}
	return episodes, nil
}
