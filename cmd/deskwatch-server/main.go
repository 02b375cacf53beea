package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deskwatch/internal/config"
	"deskwatch/internal/database"
	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/infrastructure/logging"
	"deskwatch/internal/policy"
	"deskwatch/internal/repository"
	"deskwatch/internal/server"
)

// deviceSpec carries the -register-device flag values
type deviceSpec struct {
	DeviceID string
	UserID   string
	Username string
	Password string
}

// policySpec carries the -publish-policy flag values
type policySpec struct {
	File    string
	Scope   string
	Subject string
}

func main() {
	configPath := flag.String("config", "deskwatch-server.toml", "path to the server configuration file")
	registerDevice := flag.Bool("register-device", false, "register a device and exit instead of serving")
	deviceID := flag.String("device-id", "", "device id for -register-device")
	userID := flag.String("user-id", "", "user id for -register-device")
	username := flag.String("username", "", "username for -register-device")
	password := flag.String("password", "", "password for -register-device")
	publishPolicy := flag.String("publish-policy", "", "publish the policy document in this JSON file and exit instead of serving")
	policyScope := flag.String("policy-scope", string(policy.ScopeGlobal), "scope for -publish-policy: global, user or device")
	policySubject := flag.String("policy-subject", "", "subject id for user- or device-scoped policies")
	flag.Parse()

	var err error
	switch {
	case *registerDevice:
		err = provision(*configPath, func(ctx context.Context, db *sql.DB, logger logging.Logger) error {
			return createDevice(ctx, db, deviceSpec{
				DeviceID: *deviceID, UserID: *userID,
				Username: *username, Password: *password,
			}, logger)
		})
	case *publishPolicy != "":
		err = provision(*configPath, func(ctx context.Context, db *sql.DB, logger logging.Logger) error {
			return publishPolicyFile(ctx, db, policySpec{
				File: *publishPolicy, Scope: *policyScope, Subject: *policySubject,
			}, logger)
		})
	default:
		err = run(*configPath)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "deskwatch-server:", err)
		os.Exit(1)
	}
}

// provision opens the configured database and runs one administrative
// action against it
func provision(configPath string, action func(context.Context, *sql.DB, logging.Logger) error) error {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}

	logger := logging.NewDefaultLogger()
	apperrors.SetRetryLogger(apperrors.NewLoggerBridge(logger))

	dbCfg := database.DefaultConfig(database.SchemaServer)
	dbCfg.Path = cfg.DatabasePath

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	svc := database.NewSQLiteService(logger)
	if err := svc.Connect(ctx, dbCfg); err != nil {
		return err
	}
	defer svc.Close()
	if err := svc.Migrate(ctx); err != nil {
		return err
	}

	return action(ctx, svc.DB(), logger)
}

// createDevice registers one device so it can pass login
func createDevice(ctx context.Context, db *sql.DB, spec deviceSpec, logger logging.Logger) error {
	if spec.DeviceID == "" || spec.UserID == "" || spec.Username == "" || spec.Password == "" {
		return errors.New("-register-device needs -device-id, -user-id, -username and -password")
	}

	repo := repository.NewDeviceRepository(db, logger)
	return repo.Create(ctx, repository.Device{
		ID:       spec.DeviceID,
		UserID:   spec.UserID,
		Username: spec.Username,
	}, spec.Password)
}

// publishPolicyFile reads a JSON policy document and publishes it as
// the active document for the given scope and subject
func publishPolicyFile(ctx context.Context, db *sql.DB, spec policySpec, logger logging.Logger) error {
	switch policy.Scope(spec.Scope) {
	case policy.ScopeGlobal:
		if spec.Subject != "" {
			return errors.New("global policies take no -policy-subject")
		}
	case policy.ScopeUser, policy.ScopeDevice:
		if spec.Subject == "" {
			return fmt.Errorf("%s policies need a -policy-subject", spec.Scope)
		}
	default:
		return fmt.Errorf("unknown policy scope %q", spec.Scope)
	}

	raw, err := os.ReadFile(spec.File)
	if err != nil {
		return err
	}
	var document map[string]any
	if err := json.Unmarshal(raw, &document); err != nil {
		return fmt.Errorf("parsing %s: %w", spec.File, err)
	}

	repo := repository.NewPolicyRepository(db, logger)
	stored, err := repo.Publish(ctx, spec.Scope, spec.Subject, document)
	if err != nil {
		return err
	}
	fmt.Printf("published %s policy %s version %d\n", stored.Scope, stored.ID, stored.Version)
	return nil
}

func run(configPath string) error {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}

	logger := logging.NewDefaultLogger()
	apperrors.SetRetryLogger(apperrors.NewLoggerBridge(logger))

	dbCfg := database.DefaultConfig(database.SchemaServer)
	dbCfg.Path = cfg.DatabasePath

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc := database.NewSQLiteService(logger)
	if err := svc.Connect(ctx, dbCfg); err != nil {
		return err
	}
	defer svc.Close()
	if err := svc.Migrate(ctx); err != nil {
		return err
	}

	db := svc.DB()
	srv := server.New(server.Config{
		Secret:   []byte(cfg.Secret),
		TokenTTL: time.Duration(cfg.TokenTTLHours) * time.Hour,
	},
		repository.NewDeviceRepository(db, logger),
		repository.NewDaySummaryRepository(db, logger),
		repository.NewEpisodeRepository(db, logger),
		repository.NewPolicyRepository(db, logger),
		repository.NewAuditRepository(db, logger),
		logger,
	)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "addr", cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}
