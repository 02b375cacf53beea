package repository

import (
	"context"
	"database/sql"

	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/infrastructure/logging"

	"github.com/google/uuid"
)

// AuditRepository records every handshake exchange for traceability.
// Transient SQLite failures are retried with backoff.
type AuditRepository struct {
	db       *sql.DB
	retryCfg *apperrors.RetryConfig
	logger   logging.Logger
}

// NewAuditRepository creates an audit repository
func NewAuditRepository(db *sql.DB, logger logging.Logger) *AuditRepository {
	return &AuditRepository{db: db, retryCfg: apperrors.DefaultRetryConfig(), logger: logger}
}

// Record stores one handshake exchange and returns its id
func (r *AuditRepository) Record(ctx context.Context, audit HandshakeAudit) (string, error) {
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}

	err := apperrors.WithRetryContext(ctx, r.retryCfg, func() error {
		_, execErr := r.db.ExecContext(ctx,
			`INSERT INTO handshake_audit (
				id, device_id, request_body, response_body,
				applied_scope, applied_policy_id, policy_version
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			audit.ID, audit.DeviceID, audit.RequestBody, audit.ResponseBody,
			audit.AppliedScope, audit.AppliedPolicyID, audit.PolicyVersion)
		return apperrors.WrapStorageErrorWithContext("Record", execErr, map[string]string{
			"deviceId": audit.DeviceID,
		})
	}, "audit.Record")
	if err != nil {
		return "", err
	}
	return audit.ID, nil
}

// ListByDevice returns the most recent handshakes for one device
func (r *AuditRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]HandshakeAudit, error) {
	var audits []HandshakeAudit
	err := apperrors.WithRetryContext(ctx, r.retryCfg, func() error {
		audits = audits[:0]
		rows, queryErr := r.db.QueryContext(ctx,
			`SELECT id, device_id, request_body, response_body,
				applied_scope, applied_policy_id, policy_version, created_at
			 FROM handshake_audit
			 WHERE device_id = ?
			 ORDER BY created_at DESC
			 LIMIT ?`,
			deviceID, limit)
		if queryErr != nil {
			return apperrors.WrapStorageError("ListByDevice", queryErr)
		}
		defer rows.Close()

		for rows.Next() {
			var audit HandshakeAudit
			if scanErr := rows.Scan(&audit.ID, &audit.DeviceID, &audit.RequestBody, &audit.ResponseBody,
				&audit.AppliedScope, &audit.AppliedPolicyID, &audit.PolicyVersion, &audit.CreatedAt); scanErr != nil {
				return apperrors.WrapStorageError("ListByDevice", scanErr)
			}
			audits = append(audits, audit)
		}
		return apperrors.WrapStorageError("ListByDevice", rows.Err())
	}, "audit.ListByDevice")
	if err != nil {
		return nil, err
	}
	return audits, nil
}
