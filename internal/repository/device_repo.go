package repository

import (
	"context"
	"database/sql"
	"errors"

	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/infrastructure/logging"

	"golang.org/x/crypto/bcrypt"
)

// DeviceRepository manages registered devices and their credentials.
// Transient SQLite failures are retried with backoff.
type DeviceRepository struct {
	db       *sql.DB
	retryCfg *apperrors.RetryConfig
	logger   logging.Logger
}

// NewDeviceRepository creates a device repository
func NewDeviceRepository(db *sql.DB, logger logging.Logger) *DeviceRepository {
	return &DeviceRepository{db: db, retryCfg: apperrors.DefaultRetryConfig(), logger: logger}
}

// Create registers a device, hashing the supplied password
func (r *DeviceRepository) Create(ctx context.Context, device Device, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return apperrors.New("Create", err, apperrors.ErrCodeInternal)
	}

	err = apperrors.WithRetryContext(ctx, r.retryCfg, func() error {
		_, execErr := r.db.ExecContext(ctx,
			`INSERT INTO devices (id, user_id, username, password_hash) VALUES (?, ?, ?, ?)`,
			device.ID, device.UserID, device.Username, string(hash))
		return apperrors.WrapStorageErrorWithContext("Create", execErr, map[string]string{
			"deviceId": device.ID,
		})
	}, "devices.Create")
	if err != nil {
		return err
	}

	r.logger.Info("device registered", "deviceId", device.ID, "userId", device.UserID)
	return nil
}

// GetByID loads one device
func (r *DeviceRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	var device Device
	err := apperrors.WithRetryContext(ctx, r.retryCfg, func() error {
		row := r.db.QueryRowContext(ctx,
			`SELECT id, user_id, username, password_hash, created_at FROM devices WHERE id = ?`, id)

		scanErr := row.Scan(&device.ID, &device.UserID, &device.Username, &device.PasswordHash, &device.CreatedAt)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return apperrors.HandleNotFound("GetByID", "device", id)
		}
		return apperrors.WrapStorageError("GetByID", scanErr)
	}, "devices.GetByID")
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// Authenticate verifies credentials for a device and returns it. A
// wrong password and an unknown device are indistinguishable to the
// caller: both come back unauthorized.
func (r *DeviceRepository) Authenticate(ctx context.Context, username, password, deviceID string) (*Device, error) {
	var device Device
	err := apperrors.WithRetryContext(ctx, r.retryCfg, func() error {
		row := r.db.QueryRowContext(ctx,
			`SELECT id, user_id, username, password_hash, created_at
			 FROM devices WHERE id = ? AND username = ?`, deviceID, username)

		scanErr := row.Scan(&device.ID, &device.UserID, &device.Username, &device.PasswordHash, &device.CreatedAt)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return apperrors.New("Authenticate",
				errors.New("unknown device or username"), apperrors.ErrCodeUnauthorized)
		}
		return apperrors.WrapStorageError("Authenticate", scanErr)
	}, "devices.Authenticate")
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(device.PasswordHash), []byte(password)) != nil {
		return nil, apperrors.New("Authenticate",
			errors.New("password mismatch"), apperrors.ErrCodeUnauthorized)
	}
	return &device, nil
}
