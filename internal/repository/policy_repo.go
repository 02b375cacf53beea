package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/infrastructure/logging"

	"github.com/google/uuid"
)

// PolicyRepository stores the layered configuration documents. Writes
// go through a transaction that retires the previous active document
// for the same (scope, subject) so the partial unique index never trips.
// The whole transaction is the retry unit: a busy database rolls back
// and replays it from the version query.
type PolicyRepository struct {
	db       *sql.DB
	retryCfg *apperrors.RetryConfig
	logger   logging.Logger
}

// NewPolicyRepository creates a policy repository
func NewPolicyRepository(db *sql.DB, logger logging.Logger) *PolicyRepository {
	return &PolicyRepository{db: db, retryCfg: apperrors.DefaultRetryConfig(), logger: logger}
}

// Publish stores a new active document for the given scope and subject,
// deactivating any previous one and bumping the version. Returns the
// stored document.
func (r *PolicyRepository) Publish(ctx context.Context, scope, subjectID string, document map[string]any) (*PolicyDocument, error) {
	raw, err := json.Marshal(document)
	if err != nil {
		return nil, apperrors.New("Publish", err, apperrors.ErrCodeMalformed)
	}

	var stored PolicyDocument
	err = apperrors.WithRetryContext(ctx, r.retryCfg, func() error {
		tx, txErr := r.db.BeginTx(ctx, nil)
		if txErr != nil {
			return apperrors.WrapStorageError("Publish", txErr)
		}
		defer tx.Rollback()

		var prevVersion sql.NullInt64
		if scanErr := tx.QueryRowContext(ctx,
			`SELECT MAX(version) FROM policy_documents WHERE scope = ? AND subject_id = ?`,
			scope, subjectID).Scan(&prevVersion); scanErr != nil {
			return apperrors.WrapStorageError("Publish", scanErr)
		}

		if _, execErr := tx.ExecContext(ctx,
			`UPDATE policy_documents SET active = 0 WHERE scope = ? AND subject_id = ? AND active = 1`,
			scope, subjectID); execErr != nil {
			return apperrors.WrapStorageError("Publish", execErr)
		}

		stored = PolicyDocument{
			ID:        uuid.NewString(),
			Scope:     scope,
			SubjectID: subjectID,
			Version:   int(prevVersion.Int64) + 1,
			Active:    true,
			Document:  document,
		}
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO policy_documents (id, scope, subject_id, version, active, document)
			 VALUES (?, ?, ?, ?, 1, ?)`,
			stored.ID, stored.Scope, stored.SubjectID, stored.Version, string(raw)); execErr != nil {
			return apperrors.WrapStorageErrorWithContext("Publish", execErr, map[string]string{
				"scope":   scope,
				"subject": subjectID,
			})
		}

		return apperrors.WrapStorageError("Publish", tx.Commit())
	}, "policies.Publish")
	if err != nil {
		return nil, err
	}

	r.logger.Info("policy published",
		"scope", scope, "subject", subjectID, "version", stored.Version)
	return &stored, nil
}

// GetActive loads the active document for a scope and subject. Global
// documents use an empty subject id.
func (r *PolicyRepository) GetActive(ctx context.Context, scope, subjectID string) (*PolicyDocument, error) {
	var doc PolicyDocument
	err := apperrors.WithRetryContext(ctx, r.retryCfg, func() error {
		row := r.db.QueryRowContext(ctx,
			`SELECT id, scope, subject_id, version, active, document, updated_at
			 FROM policy_documents
			 WHERE scope = ? AND subject_id = ? AND active = 1`,
			scope, subjectID)

		var active int
		var raw string
		scanErr := row.Scan(&doc.ID, &doc.Scope, &doc.SubjectID, &doc.Version, &active, &raw, &doc.UpdatedAt)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return apperrors.HandleNotFound("GetActive", "policy", scope+"/"+subjectID)
		}
		if scanErr != nil {
			return apperrors.WrapStorageError("GetActive", scanErr)
		}

		doc.Active = active != 0
		if unmarshalErr := json.Unmarshal([]byte(raw), &doc.Document); unmarshalErr != nil {
			return apperrors.NewWithContext("GetActive", unmarshalErr, apperrors.ErrCodeMalformed, map[string]string{
				"policyId": doc.ID,
			})
		}
		return nil
	}, "policies.GetActive")
	if err != nil {
		return nil, err
	}
	return &doc, nil
}
