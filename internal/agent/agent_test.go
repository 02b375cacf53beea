package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"deskwatch/internal/config"
	"deskwatch/internal/engine"
	"deskwatch/internal/episodes"
	"deskwatch/internal/platform"
	"deskwatch/internal/queue"
	"deskwatch/internal/testutils"
	"deskwatch/internal/transport"
	"deskwatch/internal/types"
)

type stubWindowAPI struct{}

func (stubWindowAPI) GetForegroundWindow() *platform.WindowInfo { return nil }

// recordingServer captures agent traffic and plays a scripted backend
type recordingServer struct {
	mu         sync.Mutex
	summaries  []types.DaySummary
	episodes   []types.Episode
	daysStatus int
	handshake  types.HandshakeResponse
}

func (s *recordingServer) handler() http.Handler {
	// Method-prefixed ServeMux patterns need Go 1.22+; enforce methods by
	// hand so the scripted backend also works on older toolchains.
	withMethod := func(method string, h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != method {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h(w, r)
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/login", withMethod(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.LoginResponse{Token: "tok", UserID: "u-1"})
	}))
	mux.HandleFunc("/api/v1/days", withMethod(http.MethodPut, func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.daysStatus != 0 {
			w.WriteHeader(s.daysStatus)
			return
		}
		var summary types.DaySummary
		json.NewDecoder(r.Body).Decode(&summary)
		s.summaries = append(s.summaries, summary)
	}))
	mux.HandleFunc("/api/v1/episodes", withMethod(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var episode types.Episode
		json.NewDecoder(r.Body).Decode(&episode)
		s.episodes = append(s.episodes, episode)
	}))
	mux.HandleFunc("/api/v1/handshake", withMethod(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		json.NewEncoder(w).Encode(s.handshake)
	}))
	return mux
}

func (s *recordingServer) summaryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.summaries)
}

func (s *recordingServer) lastSummary() types.DaySummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaries[len(s.summaries)-1]
}

func newTestOrchestrator(t *testing.T, backend *recordingServer) (*Orchestrator, *queue.Store) {
	t.Helper()

	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)

	logger := testutils.NewCaptureLogger()
	eng := engine.New(func() (int64, error) { return 0, nil }, nil, engine.DefaultParams(), logger)
	tracker := episodes.New(stubWindowAPI{}, episodes.DefaultParams(), logger)
	store := queue.NewStore(nil, queue.DefaultMaxRetries, logger)
	client := transport.NewClient(server.URL, 2*time.Second, logger)
	sender := transport.NewQueuedSender(client, store, logger)
	retrier := queue.NewRetrier(store, client, 10, logger)

	cfg := config.Agent{
		ServerURL: server.URL, Username: "alice", Password: "hunter2",
		DeviceID: "d-1", RequestTimeoutSeconds: 2,
	}
	o := New(cfg, eng, tracker, store, retrier, client, sender, logger)
	t.Cleanup(func() {
		tracker.Stop()
		eng.Stop()
	})
	return o, store
}

func TestOrchestrator_FlushSendsCumulativeSnapshot(t *testing.T) {
	backend := &recordingServer{}
	o, _ := newTestOrchestrator(t, backend)
	ctx := context.Background()

	o.login(ctx)
	if !o.authorized() {
		t.Fatal("login did not authorize the agent")
	}

	o.engine.Start()
	today := time.Now().Format(engine.DayKeyFormat)
	o.engine.SeedDayTotals(today, types.DayTotals{
		ActiveSeconds: 100, WorkActive: 100, SamplesCount: 100,
	})

	o.flush(ctx)

	if backend.summaryCount() != 1 {
		t.Fatalf("summaries = %d, want 1", backend.summaryCount())
	}
	got := backend.lastSummary()
	if got.UserID != "u-1" || got.DeviceID != "d-1" {
		t.Errorf("identity = %s/%s, want u-1/d-1", got.UserID, got.DeviceID)
	}
	if got.Day != today || got.Totals.ActiveSeconds != 100 {
		t.Errorf("summary = %s/%d, want %s/100", got.Day, got.Totals.ActiveSeconds, today)
	}
}

func TestOrchestrator_FlushSkipsEmptyDay(t *testing.T) {
	backend := &recordingServer{}
	o, _ := newTestOrchestrator(t, backend)
	ctx := context.Background()

	o.login(ctx)
	o.engine.Start()
	o.flush(ctx)

	if backend.summaryCount() != 0 {
		t.Errorf("summaries = %d, want 0 for a day with no samples", backend.summaryCount())
	}
}

func TestOrchestrator_UnauthorizedPausesDeliveries(t *testing.T) {
	backend := &recordingServer{daysStatus: http.StatusUnauthorized}
	o, store := newTestOrchestrator(t, backend)
	ctx := context.Background()

	o.login(ctx)
	o.engine.Start()
	today := time.Now().Format(engine.DayKeyFormat)
	o.engine.SeedDayTotals(today, types.DayTotals{ActiveSeconds: 50, WorkActive: 50, SamplesCount: 50})

	o.flush(ctx)

	if o.authorized() {
		t.Error("agent still authorized after 401")
	}
	// The rejected payload waits in the queue for a fresh login
	if size, _ := store.Size(ctx); size != 1 {
		t.Errorf("queue size = %d, want 1", size)
	}

	// Subsequent flushes are skipped entirely until re-login
	o.flush(ctx)
	if size, _ := store.Size(ctx); size != 1 {
		t.Errorf("queue size after skipped flush = %d, want still 1", size)
	}
}

func TestOrchestrator_HandshakeAppliesPolicy(t *testing.T) {
	backend := &recordingServer{
		handshake: types.HandshakeResponse{
			ServerTime:      time.Now().UTC(),
			AppliedScope:    "device",
			AppliedPolicyID: "p-1",
			PolicyVersion:   2,
			EffectiveConfig: map[string]any{
				"timers": map[string]any{
					"flushIntervalSeconds": float64(60),
				},
				"sampling": map[string]any{
					"inactivityThresholdSeconds": float64(120),
				},
			},
		},
	}
	o, _ := newTestOrchestrator(t, backend)
	ctx := context.Background()

	o.login(ctx)
	o.handshake(ctx)

	flush, _, _ := o.intervals()
	if flush != 60*time.Second {
		t.Errorf("flush interval = %v, want 60s after policy", flush)
	}
	o.mu.Lock()
	threshold := o.applied.Sampling.InactivityThresholdSeconds
	o.mu.Unlock()
	if threshold != 120 {
		t.Errorf("inactivity threshold = %d, want 120", threshold)
	}
}

func TestOrchestrator_HandshakeRejectsInvalidPolicyInFull(t *testing.T) {
	backend := &recordingServer{
		handshake: types.HandshakeResponse{
			EffectiveConfig: map[string]any{
				"timers": map[string]any{
					"flushIntervalSeconds": float64(60), // valid sibling
				},
				"sampling": map[string]any{
					"inactivityThresholdSeconds": "soon", // invalid
				},
			},
		},
	}
	o, _ := newTestOrchestrator(t, backend)
	ctx := context.Background()

	o.login(ctx)
	o.handshake(ctx)

	// Nothing from the bad document applies, not even the valid part
	flush, _, _ := o.intervals()
	if flush != 6*time.Second {
		t.Errorf("flush interval = %v, want default 6s", flush)
	}
}

func TestOrchestrator_DayCloseResetsCallAccounting(t *testing.T) {
	backend := &recordingServer{}
	o, _ := newTestOrchestrator(t, backend)
	ctx := context.Background()

	o.login(ctx)
	o.tracker.Start()

	// A 60s call closed before the day rolls over
	start := time.Now().Add(-2 * time.Minute)
	o.tracker.Observe("zoom", "Standup", start)
	o.tracker.Observe("code", "main.go", start.Add(60*time.Second))
	if got := o.tracker.CallSessionSeconds(); got != 60 {
		t.Fatalf("CallSessionSeconds = %d, want 60 before day close", got)
	}

	o.sendDayClosed(ctx, engine.DayClosed{
		Day:    "2025-03-10",
		Totals: types.DayTotals{ActiveSeconds: 10, CallSeconds: 60, SamplesCount: 10},
	})

	// The closed day took the call time with it; the new day starts at
	// zero instead of inheriting yesterday's total through the seed path
	if got := o.tracker.CallSessionSeconds(); got != 0 {
		t.Errorf("CallSessionSeconds after day close = %d, want 0", got)
	}
	if backend.summaryCount() != 1 {
		t.Errorf("summaries = %d, want the closed day forwarded", backend.summaryCount())
	}
}

func TestOrchestrator_EpisodeEventsAreForwarded(t *testing.T) {
	backend := &recordingServer{}
	o, _ := newTestOrchestrator(t, backend)
	ctx := context.Background()

	o.login(ctx)
	o.tracker.Start()

	start := time.Now().Add(-time.Minute)
	o.tracker.Observe("zoom", "Standup", start)
	o.tracker.Observe("code", "main.go", start.Add(30*time.Second))

	select {
	case episode := <-o.tracker.Events():
		o.sendEpisode(ctx, episode)
	case <-time.After(time.Second):
		t.Fatal("no episode emitted")
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.episodes) != 1 {
		t.Fatalf("episodes = %d, want 1", len(backend.episodes))
	}
	if backend.episodes[0].ProcessName != "zoom" || !backend.episodes[0].IsCallApp {
		t.Errorf("episode = %+v, want the closed zoom call", backend.episodes[0])
	}
}
