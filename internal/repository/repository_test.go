package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"deskwatch/internal/database"
	apperrors "deskwatch/internal/infrastructure/errors"
	"deskwatch/internal/testutils"
	"deskwatch/internal/types"
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

func TestDeviceRepository_AuthenticateLifecycle(t *testing.T) {
	db := setupDB(t)
	repo := NewDeviceRepository(db, testutils.NewCaptureLogger())
	ctx := context.Background()

	device := Device{ID: "d-1", UserID: "u-1", Username: "alice"}
	if err := repo.Create(ctx, device, "hunter2"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.Authenticate(ctx, "alice", "hunter2", "d-1")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.UserID != "u-1" {
		t.Errorf("userId = %s, want u-1", got.UserID)
	}

	if _, err := repo.Authenticate(ctx, "alice", "wrong", "d-1"); !apperrors.IsUnauthorized(err) {
		t.Errorf("wrong password: error = %v, want unauthorized", err)
	}
	if _, err := repo.Authenticate(ctx, "alice", "hunter2", "d-unknown"); !apperrors.IsUnauthorized(err) {
		t.Errorf("unknown device: error = %v, want unauthorized", err)
	}
}

func TestDeviceRepository_GetByIDNotFound(t *testing.T) {
	db := setupDB(t)
	repo := NewDeviceRepository(db, testutils.NewCaptureLogger())

	if _, err := repo.GetByID(context.Background(), "missing"); !apperrors.IsNotFound(err) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestDaySummaryRepository_UpsertIsMonotonic(t *testing.T) {
	db := setupDB(t)
	repo := NewDaySummaryRepository(db, testutils.NewCaptureLogger())
	ctx := context.Background()

	first := types.DaySummary{
		UserID: "u-1", DeviceID: "d-1", Day: "2025-03-10",
		Totals: types.DayTotals{
			ActiveSeconds: 100, IdleSeconds: 40, WorkActive: 100, WorkIdle: 40, SamplesCount: 140,
		},
		FirstEventAt: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		LastEventAt:  time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC),
	}
	if err := repo.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// A later cumulative snapshot grows the row
	second := first
	second.Totals.ActiveSeconds = 250
	second.Totals.WorkActive = 250
	second.Totals.SamplesCount = 290
	second.LastEventAt = time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)
	if err := repo.Upsert(ctx, second); err != nil {
		t.Fatalf("Upsert second: %v", err)
	}

	// A replay of the earlier snapshot must not shrink anything
	if err := repo.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert replay: %v", err)
	}

	got, err := repo.Get(ctx, "u-1", "d-1", "2025-03-10")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Totals.ActiveSeconds != 250 {
		t.Errorf("activeSeconds = %d, want 250", got.Totals.ActiveSeconds)
	}
	if got.Totals.IdleSeconds != 40 {
		t.Errorf("idleSeconds = %d, want 40", got.Totals.IdleSeconds)
	}
	if got.Totals.SamplesCount != 290 {
		t.Errorf("samplesCount = %d, want 290", got.Totals.SamplesCount)
	}
	if !got.FirstEventAt.Equal(first.FirstEventAt) {
		t.Errorf("firstEventAt = %v, want earliest %v", got.FirstEventAt, first.FirstEventAt)
	}
	if !got.LastEventAt.Equal(second.LastEventAt) {
		t.Errorf("lastEventAt = %v, want latest %v", got.LastEventAt, second.LastEventAt)
	}
}

func TestDaySummaryRepository_GetNotFound(t *testing.T) {
	db := setupDB(t)
	repo := NewDaySummaryRepository(db, testutils.NewCaptureLogger())

	if _, err := repo.Get(context.Background(), "u-1", "d-1", "2025-01-01"); !apperrors.IsNotFound(err) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestDaySummaryRepository_ListByDeviceNewestFirst(t *testing.T) {
	db := setupDB(t)
	repo := NewDaySummaryRepository(db, testutils.NewCaptureLogger())
	ctx := context.Background()

	for _, day := range []string{"2025-03-09", "2025-03-11", "2025-03-10"} {
		summary := types.DaySummary{UserID: "u-1", DeviceID: "d-1", Day: day}
		if err := repo.Upsert(ctx, summary); err != nil {
			t.Fatalf("Upsert %s: %v", day, err)
		}
	}

	got, err := repo.ListByDevice(ctx, "u-1", "d-1", 10)
	if err != nil {
		t.Fatalf("ListByDevice: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("summaries = %d, want 3", len(got))
	}
	if got[0].Day != "2025-03-11" || got[2].Day != "2025-03-09" {
		t.Errorf("order = %s..%s, want newest first", got[0].Day, got[2].Day)
	}
}

func TestEpisodeRepository_InsertAndListWindow(t *testing.T) {
	db := setupDB(t)
	repo := NewEpisodeRepository(db, testutils.NewCaptureLogger())
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	episodes := []types.Episode{
		{StartTime: base, EndTime: base.Add(time.Minute), DurationSeconds: 60, ProcessName: "code", WindowTitle: "main.go"},
		{StartTime: base.Add(time.Hour), EndTime: base.Add(time.Hour + 30*time.Minute), DurationSeconds: 1800, ProcessName: "zoom", WindowTitle: "Standup", IsCallApp: true},
		{StartTime: base.Add(26 * time.Hour), EndTime: base.Add(27 * time.Hour), DurationSeconds: 3600, ProcessName: "code", WindowTitle: "main.go"},
	}
	for i, ep := range episodes {
		if err := repo.Insert(ctx, "u-1", "d-1", ep); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	got, err := repo.ListByDevice(ctx, "d-1", base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ListByDevice: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("episodes in window = %d, want 2", len(got))
	}
	if !got[1].IsCallApp {
		t.Errorf("call flag lost on round trip")
	}
	if got[1].DurationSeconds != 1800 {
		t.Errorf("duration = %d, want 1800", got[1].DurationSeconds)
	}
}

func TestEpisodeRepository_DuplicatesAreAppended(t *testing.T) {
	db := setupDB(t)
	repo := NewEpisodeRepository(db, testutils.NewCaptureLogger())
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	ep := types.Episode{StartTime: base, EndTime: base.Add(time.Minute), DurationSeconds: 60, ProcessName: "code", WindowTitle: "x"}

	// Redelivery inserts again; the table takes no stance on duplicates
	if err := repo.Insert(ctx, "u-1", "d-1", ep); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := repo.Insert(ctx, "u-1", "d-1", ep); err != nil {
		t.Fatalf("Insert duplicate: %v", err)
	}

	got, _ := repo.ListByDevice(ctx, "d-1", base, base.Add(time.Hour))
	if len(got) != 2 {
		t.Errorf("episodes = %d, want 2", len(got))
	}
}

func TestPolicyRepository_PublishBumpsVersionAndRetiresPrevious(t *testing.T) {
	db := setupDB(t)
	repo := NewPolicyRepository(db, testutils.NewCaptureLogger())
	ctx := context.Background()

	v1, err := repo.Publish(ctx, "global", "", map[string]any{"a": float64(1)})
	if err != nil {
		t.Fatalf("Publish v1: %v", err)
	}
	if v1.Version != 1 {
		t.Errorf("first version = %d, want 1", v1.Version)
	}

	v2, err := repo.Publish(ctx, "global", "", map[string]any{"a": float64(2)})
	if err != nil {
		t.Fatalf("Publish v2: %v", err)
	}
	if v2.Version != 2 {
		t.Errorf("second version = %d, want 2", v2.Version)
	}

	active, err := repo.GetActive(ctx, "global", "")
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if active.ID != v2.ID {
		t.Errorf("active id = %s, want latest %s", active.ID, v2.ID)
	}
	if active.Document["a"] != float64(2) {
		t.Errorf("document = %v, want latest content", active.Document)
	}
}

func TestPolicyRepository_ScopesAreIndependent(t *testing.T) {
	db := setupDB(t)
	repo := NewPolicyRepository(db, testutils.NewCaptureLogger())
	ctx := context.Background()

	if _, err := repo.Publish(ctx, "global", "", map[string]any{"a": float64(1)}); err != nil {
		t.Fatalf("Publish global: %v", err)
	}
	if _, err := repo.Publish(ctx, "user", "u-1", map[string]any{"b": float64(2)}); err != nil {
		t.Fatalf("Publish user: %v", err)
	}

	if _, err := repo.GetActive(ctx, "global", ""); err != nil {
		t.Errorf("global layer lost after user publish: %v", err)
	}
	if _, err := repo.GetActive(ctx, "device", "d-1"); !apperrors.IsNotFound(err) {
		t.Errorf("missing device layer: error = %v, want not found", err)
	}
}

func TestAuditRepository_RecordAndList(t *testing.T) {
	db := setupDB(t)
	repo := NewAuditRepository(db, testutils.NewCaptureLogger())
	ctx := context.Background()

	id, err := repo.Record(ctx, HandshakeAudit{
		DeviceID:        "d-1",
		RequestBody:     `{"deviceId":"d-1"}`,
		ResponseBody:    `{"appliedScope":"device"}`,
		AppliedScope:    "device",
		AppliedPolicyID: "p-9",
		PolicyVersion:   3,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if id == "" {
		t.Fatal("empty audit id")
	}

	audits, err := repo.ListByDevice(ctx, "d-1", 10)
	if err != nil {
		t.Fatalf("ListByDevice: %v", err)
	}
	if len(audits) != 1 {
		t.Fatalf("audits = %d, want 1", len(audits))
	}
	if audits[0].AppliedScope != "device" || audits[0].PolicyVersion != 3 {
		t.Errorf("audit = %+v, want recorded fields intact", audits[0])
	}
}
