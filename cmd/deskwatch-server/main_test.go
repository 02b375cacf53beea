package main

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"deskwatch/internal/database"
	"deskwatch/internal/repository"
	"deskwatch/internal/testutils"
)

// setupDB opens an in-memory server database with migrations applied
func setupDB(t *testing.T) *sql.DB {
	t.Helper()

	svc := database.NewSQLiteService(testutils.NewCaptureLogger())
	if err := svc.Connect(context.Background(), database.TestConfig(database.SchemaServer)); err != nil {
		t.Fatalf("failed to connect test database: %v", err)
	}
	if err := svc.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc.DB()
}

func TestCreateDevice_RegistersForLogin(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	logger := testutils.NewCaptureLogger()

	spec := deviceSpec{DeviceID: "d-1", UserID: "u-1", Username: "alice", Password: "hunter2"}
	if err := createDevice(ctx, db, spec, logger); err != nil {
		t.Fatalf("createDevice: %v", err)
	}

	// The registered device must pass the same credential check login uses
	repo := repository.NewDeviceRepository(db, logger)
	got, err := repo.Authenticate(ctx, "alice", "hunter2", "d-1")
	if err != nil {
		t.Fatalf("Authenticate after registration: %v", err)
	}
	if got.UserID != "u-1" {
		t.Errorf("userId = %s, want u-1", got.UserID)
	}
}

func TestCreateDevice_RequiresAllFields(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	logger := testutils.NewCaptureLogger()

	tests := []struct {
		name string
		spec deviceSpec
	}{
		{"missing device id", deviceSpec{UserID: "u-1", Username: "alice", Password: "pw"}},
		{"missing user id", deviceSpec{DeviceID: "d-1", Username: "alice", Password: "pw"}},
		{"missing username", deviceSpec{DeviceID: "d-1", UserID: "u-1", Password: "pw"}},
		{"missing password", deviceSpec{DeviceID: "d-1", UserID: "u-1", Username: "alice"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := createDevice(ctx, db, tt.spec, logger); err == nil {
				t.Error("createDevice accepted an incomplete spec")
			}
		})
	}
}

func TestPublishPolicyFile_MakesDocumentActive(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	logger := testutils.NewCaptureLogger()

	file := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(file, []byte(`{"timers":{"flushIntervalSeconds":60}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	spec := policySpec{File: file, Scope: "global"}
	if err := publishPolicyFile(ctx, db, spec, logger); err != nil {
		t.Fatalf("publishPolicyFile: %v", err)
	}

	// The handshake resolver must now find an active global document
	repo := repository.NewPolicyRepository(db, logger)
	doc, err := repo.GetActive(ctx, "global", "")
	if err != nil {
		t.Fatalf("GetActive after publish: %v", err)
	}
	if doc.Version != 1 {
		t.Errorf("version = %d, want 1", doc.Version)
	}
	timers, ok := doc.Document["timers"].(map[string]any)
	if !ok || timers["flushIntervalSeconds"] != float64(60) {
		t.Errorf("stored document = %v, want the file contents", doc.Document)
	}
}

func TestPublishPolicyFile_ValidatesScopeAndSubject(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	logger := testutils.NewCaptureLogger()

	file := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(file, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		spec policySpec
	}{
		{"unknown scope", policySpec{File: file, Scope: "team"}},
		{"global with subject", policySpec{File: file, Scope: "global", Subject: "u-1"}},
		{"user without subject", policySpec{File: file, Scope: "user"}},
		{"device without subject", policySpec{File: file, Scope: "device"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := publishPolicyFile(ctx, db, tt.spec, logger); err == nil {
				t.Error("publishPolicyFile accepted an invalid spec")
			}
		})
	}
}

func TestPublishPolicyFile_RejectsMalformedJSON(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	logger := testutils.NewCaptureLogger()

	file := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(file, []byte(`{not json`), 0o600); err != nil {
		t.Fatal(err)
	}

	spec := policySpec{File: file, Scope: "global"}
	if err := publishPolicyFile(ctx, db, spec, logger); err == nil {
		t.Error("publishPolicyFile accepted a malformed document")
	}
}
