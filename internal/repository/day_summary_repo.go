package repository

import (
	"context"
	"database/sql"
	"errors"

	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/infrastructure/logging"
	"deskwatch/internal/types"
)

// DaySummaryRepository stores the per user+device+day rollups. Agents
// send cumulative snapshots, so the upsert merges element-wise with
// MAX: replays and out-of-order deliveries can never shrink a counter.
// Transient SQLite failures are retried with backoff.
type DaySummaryRepository struct {
	db       *sql.DB
	retryCfg *apperrors.RetryConfig
	logger   logging.Logger
}

// NewDaySummaryRepository creates a day summary repository
func NewDaySummaryRepository(db *sql.DB, logger logging.Logger) *DaySummaryRepository {
	return &DaySummaryRepository{db: db, retryCfg: apperrors.DefaultRetryConfig(), logger: logger}
}

// Upsert inserts or monotonically merges one day summary
func (r *DaySummaryRepository) Upsert(ctx context.Context, summary types.DaySummary) error {
	var firstEvent, lastEvent any
	if !summary.FirstEventAt.IsZero() {
		firstEvent = summary.FirstEventAt.UTC()
	}
	if !summary.LastEventAt.IsZero() {
		lastEvent = summary.LastEventAt.UTC()
	}

	return apperrors.WithRetryContext(ctx, r.retryCfg, func() error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO day_summaries (
				user_id, device_id, day,
				active_seconds, idle_seconds, call_seconds,
				work_active, work_idle, lunch_active, lunch_idle, after_active, after_idle,
				samples_count, first_event_at, last_event_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, device_id, day) DO UPDATE SET
				active_seconds = MAX(active_seconds, excluded.active_seconds),
				idle_seconds   = MAX(idle_seconds, excluded.idle_seconds),
				call_seconds   = MAX(call_seconds, excluded.call_seconds),
				work_active    = MAX(work_active, excluded.work_active),
				work_idle      = MAX(work_idle, excluded.work_idle),
				lunch_active   = MAX(lunch_active, excluded.lunch_active),
				lunch_idle     = MAX(lunch_idle, excluded.lunch_idle),
				after_active   = MAX(after_active, excluded.after_active),
				after_idle     = MAX(after_idle, excluded.after_idle),
				samples_count  = MAX(samples_count, excluded.samples_count),
				first_event_at = MIN(
					COALESCE(day_summaries.first_event_at, excluded.first_event_at),
					COALESCE(excluded.first_event_at, day_summaries.first_event_at)),
				last_event_at = MAX(
					COALESCE(day_summaries.last_event_at, excluded.last_event_at),
					COALESCE(excluded.last_event_at, day_summaries.last_event_at))`,
			summary.UserID, summary.DeviceID, summary.Day,
			summary.Totals.ActiveSeconds, summary.Totals.IdleSeconds, summary.Totals.CallSeconds,
			summary.Totals.WorkActive, summary.Totals.WorkIdle,
			summary.Totals.LunchActive, summary.Totals.LunchIdle,
			summary.Totals.AfterActive, summary.Totals.AfterIdle,
			summary.Totals.SamplesCount, firstEvent, lastEvent)
		return apperrors.WrapStorageErrorWithContext("Upsert", err, map[string]string{
			"deviceId": summary.DeviceID,
			"day":      summary.Day,
		})
	}, "daySummaries.Upsert")
}

// Get loads one day summary
func (r *DaySummaryRepository) Get(ctx context.Context, userID, deviceID, day string) (*types.DaySummary, error) {
	var summary types.DaySummary
	err := apperrors.WithRetryContext(ctx, r.retryCfg, func() error {
		row := r.db.QueryRowContext(ctx,
			`SELECT user_id, device_id, day,
				active_seconds, idle_seconds, call_seconds,
				work_active, work_idle, lunch_active, lunch_idle, after_active, after_idle,
				samples_count, first_event_at, last_event_at
			 FROM day_summaries
			 WHERE user_id = ? AND device_id = ? AND day = ?`,
			userID, deviceID, day)

		var firstEvent, lastEvent sql.NullTime
		scanErr := row.Scan(&summary.UserID, &summary.DeviceID, &summary.Day,
			&summary.Totals.ActiveSeconds, &summary.Totals.IdleSeconds, &summary.Totals.CallSeconds,
			&summary.Totals.WorkActive, &summary.Totals.WorkIdle,
			&summary.Totals.LunchActive, &summary.Totals.LunchIdle,
			&summary.Totals.AfterActive, &summary.Totals.AfterIdle,
			&summary.Totals.SamplesCount, &firstEvent, &lastEvent)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return apperrors.HandleNotFound("Get", "day summary", deviceID+"/"+day)
		}
		if scanErr != nil {
			return apperrors.WrapStorageError("Get", scanErr)
		}

		if firstEvent.Valid {
			summary.FirstEventAt = firstEvent.Time
		}
		if lastEvent.Valid {
			summary.LastEventAt = lastEvent.Time
		}
		return nil
	}, "daySummaries.Get")
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// ListByDevice returns all summaries for one device, newest day first
func (r *DaySummaryRepository) ListByDevice(ctx context.Context, userID, deviceID string, limit int) ([]types.DaySummary, error) {
	var summaries []types.DaySummary
	err := apperrors.WithRetryContext(ctx, r.retryCfg, func() error {
		summaries = summaries[:0]
		rows, queryErr := r.db.QueryContext(ctx,
			`SELECT user_id, device_id, day,
				active_seconds, idle_seconds, call_seconds,
				work_active, work_idle, lunch_active, lunch_idle, after_active, after_idle,
				samples_count, first_event_at, last_event_at
			 FROM day_summaries
			 WHERE user_id = ? AND device_id = ?
			 ORDER BY day DESC
			 LIMIT ?`,
			userID, deviceID, limit)
		if queryErr != nil {
			return apperrors.WrapStorageError("ListByDevice", queryErr)
		}
		defer rows.Close()

		for rows.Next() {
			var summary types.DaySummary
			var firstEvent, lastEvent sql.NullTime
			if scanErr := rows.Scan(&summary.UserID, &summary.DeviceID, &summary.Day,
				&summary.Totals.ActiveSeconds, &summary.Totals.IdleSeconds, &summary.Totals.CallSeconds,
				&summary.Totals.WorkActive, &summary.Totals.WorkIdle,
				&summary.Totals.LunchActive, &summary.Totals.LunchIdle,
				&summary.Totals.AfterActive, &summary.Totals.AfterIdle,
				&summary.Totals.SamplesCount, &firstEvent, &lastEvent); scanErr != nil {
				return apperrors.WrapStorageError("ListByDevice", scanErr)
			}
			if firstEvent.Valid {
				summary.FirstEventAt = firstEvent.Time
			}
			if lastEvent.Valid {
				summary.LastEventAt = lastEvent.Time
			}
			summaries = append(summaries, summary)
		}
		return apperrors.WrapStorageError("ListByDevice", rows.Err())
	}, "daySummaries.ListByDevice")
	if err != nil {
		return nil, err
	}
	return summaries, nil
}
