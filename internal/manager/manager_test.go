package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/secdash/internal/connector"
	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/storage"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeConnector behaves according to its config name
type fakeConnector struct {
	cfg     models.ConnectorConfig
	running atomic.Int32
	overlap atomic.Bool
	calls   atomic.Int32
	since   atomic.Pointer[time.Time]
}

func (f *fakeConnector) ID() string   { return f.cfg.ID }
func (f *fakeConnector) Name() string { return f.cfg.Name }

func (f *fakeConnector) TestConnection(ctx context.Context) bool {
	if f.cfg.Name == "panic" {
		panic("probe exploded")
	}
	return f.cfg.Name != "fail"
}

func (f *fakeConnector) SyncIncidents(ctx context.Context, since *time.Time) *models.SyncResult {
	f.since.Store(since)
	return f.sync()
}

func (f *fakeConnector) SyncAssets(ctx context.Context) *models.SyncResult {
	return f.sync()
}

func (f *fakeConnector) sync() *models.SyncResult {
	f.calls.Add(1)
	if f.running.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.running.Add(-1)

	switch f.cfg.Name {
	case "panic":
		panic("nil pointer dereference")
	case "fail":
		r := models.NewSyncResult()
		r.Fail(errors.New("HTTP 401"))
		return r
	case "slow":
		time.Sleep(20 * time.Millisecond)
	}
	r := models.NewSyncResult()
	r.ItemsProcessed = 1
	r.ItemsCreated = 1
	return r
}

func (f *fakeConnector) GetHealth(ctx context.Context) models.Health {
	return models.Health{Healthy: f.cfg.Name != "fail", Message: f.cfg.Name}
}

type recordingReporter struct {
	mu      sync.Mutex
	records map[string]*models.SyncResult
}

func (r *recordingReporter) Record(ctx context.Context, cfg models.ConnectorConfig, syncType models.SyncType, result *models.SyncResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.records == nil {
		r.records = make(map[string]*models.SyncResult)
	}
	r.records[cfg.ID+"/"+string(syncType)] = result
}

type harness struct {
	mgr      *Manager
	store    *storage.MemoryStorage
	reporter *recordingReporter
	built    map[string]*fakeConnector
}

func newHarness(t *testing.T, configs ...models.ConnectorConfig) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewMemory(),
		reporter: &recordingReporter{},
		built:    make(map[string]*fakeConnector),
	}
	for _, cfg := range configs {
		if err := h.store.UpsertConnectorConfig(context.Background(), cfg); err != nil {
			t.Fatalf("UpsertConnectorConfig: %v", err)
		}
	}

	factory := func(cfg models.ConnectorConfig, deps connector.Deps) (connector.Connector, error) {
		switch cfg.Name {
		case "unsupported":
			return nil, fmt.Errorf("%w: test", connector.ErrUnsupported)
		case "invalid":
			return nil, errors.New("base_url is required")
		}
		f := &fakeConnector{cfg: cfg}
		h.built[cfg.ID] = f
		return f, nil
	}

	h.mgr = New(h.store, connector.Deps{}, h.reporter, quietLogger(), Options{Factory: factory})
	if err := h.mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return h
}

func cfg(id, name string) models.ConnectorConfig {
	return models.ConnectorConfig{ID: id, Name: name, Type: models.TypeSIEM, Enabled: true}
}

func TestInitializeSkipsUnsupportedAndDisabled(t *testing.T) {
	disabled := cfg("d", "ok")
	disabled.Enabled = false

	h := newHarness(t, cfg("a", "ok"), cfg("b", "unsupported"), cfg("c", "invalid"), disabled)

	conns := h.mgr.Connectors()
	if len(conns) != 1 || conns[0].ID() != "a" {
		t.Errorf("expected only connector a, got %d", len(conns))
	}
}

func TestSyncAllIncidentsIsolatesFailures(t *testing.T) {
	h := newHarness(t, cfg("a", "ok"), cfg("b", "fail"), cfg("c", "panic"), cfg("d", "slow"))

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	results := h.mgr.SyncAllIncidents(context.Background(), &since)

	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	if !results["a"].Success || !results["d"].Success {
		t.Error("healthy connectors must succeed regardless of others")
	}
	if results["b"].Success || results["b"].FirstError() != "HTTP 401" {
		t.Errorf("unexpected result for b: %+v", results["b"])
	}
	if results["c"].Success {
		t.Error("panicking connector must produce a failed result")
	}
	if got := h.built["a"].since.Load(); got == nil || !got.Equal(since) {
		t.Errorf("since not forwarded, got %v", got)
	}

	// the panicking connector never reached its own status stamp
	stored, _ := h.store.GetConnectorConfig(context.Background(), "c")
	if stored.Status != models.ConnectorError || stored.LastError == "" {
		t.Errorf("expected error status for panicked connector, got %+v", stored)
	}

	if len(h.reporter.records) != 4 {
		t.Errorf("expected every run reported, got %d", len(h.reporter.records))
	}
	if h.reporter.records["c/incidents"].Success {
		t.Error("reported panic result should be failed")
	}
}

func TestSyncAllAssets(t *testing.T) {
	h := newHarness(t, cfg("a", "ok"), cfg("b", "ok"))

	results := h.mgr.SyncAllAssets(context.Background())
	if len(results) != 2 || !results["a"].Success || !results["b"].Success {
		t.Errorf("unexpected results %+v", results)
	}
	if _, ok := h.reporter.records["a/assets"]; !ok {
		t.Error("expected asset run reported")
	}
}

func TestSyncAllWithNoConnectors(t *testing.T) {
	h := newHarness(t)
	if got := h.mgr.SyncAllIncidents(context.Background(), nil); len(got) != 0 {
		t.Errorf("expected empty results, got %v", got)
	}
}

func TestRunsOfSameConnectorAreSerialized(t *testing.T) {
	h := newHarness(t, cfg("s", "slow"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.mgr.SyncAllIncidents(context.Background(), nil)
		}()
	}
	wg.Wait()

	f := h.built["s"]
	if f.calls.Load() != 4 {
		t.Errorf("expected 4 runs, got %d", f.calls.Load())
	}
	if f.overlap.Load() {
		t.Error("runs of the same connector overlapped")
	}
}

func TestSyncConnector(t *testing.T) {
	h := newHarness(t, cfg("a", "ok"))

	result, err := h.mgr.SyncConnector(context.Background(), "a", models.SyncAssets, nil)
	if err != nil || !result.Success {
		t.Fatalf("SyncConnector: %v %+v", err, result)
	}

	if _, err := h.mgr.SyncConnector(context.Background(), "zzz", models.SyncAssets, nil); !errors.Is(err, ErrUnknownConnector) {
		t.Errorf("expected ErrUnknownConnector, got %v", err)
	}
	if _, err := h.mgr.SyncConnector(context.Background(), "a", "vulns", nil); err == nil {
		t.Error("expected error for unknown sync type")
	}
}

func TestTestAllConnections(t *testing.T) {
	h := newHarness(t, cfg("a", "ok"), cfg("b", "fail"), cfg("c", "panic"))

	got := h.mgr.TestAllConnections(context.Background())
	want := map[string]bool{"a": true, "b": false, "c": false}
	for id, ok := range want {
		if got[id] != ok {
			t.Errorf("TestConnection(%s) = %v, want %v", id, got[id], ok)
		}
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, cfg("a", "ok"))

	health, err := h.mgr.Health(context.Background(), "a")
	if err != nil || !health.Healthy {
		t.Errorf("unexpected health %+v %v", health, err)
	}
	if _, err := h.mgr.Health(context.Background(), "nope"); !errors.Is(err, ErrUnknownConnector) {
		t.Errorf("expected ErrUnknownConnector, got %v", err)
	}
}

func TestReloadPicksUpNewConfigs(t *testing.T) {
	h := newHarness(t, cfg("a", "ok"))

	_ = h.store.UpsertConnectorConfig(context.Background(), cfg("b", "ok"))
	disabled := cfg("a", "ok")
	disabled.Enabled = false
	_ = h.store.UpsertConnectorConfig(context.Background(), disabled)

	if err := h.mgr.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	conns := h.mgr.Connectors()
	if len(conns) != 1 || conns[0].ID() != "b" {
		t.Errorf("expected only b after reload, got %d connectors", len(conns))
	}
}

// flakyStore fails connector listing on demand
type flakyStore struct {
	*storage.MemoryStorage
	fail bool
}

func (s *flakyStore) ListConnectorConfigs(ctx context.Context, enabledOnly bool) ([]models.ConnectorConfig, error) {
	if s.fail {
		return nil, errors.New("connection refused")
	}
	return s.MemoryStorage.ListConnectorConfigs(ctx, enabledOnly)
}

func TestReloadClearsConnectorsWhenStorageFails(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStorage: storage.NewMemory()}
	_ = store.UpsertConnectorConfig(ctx, cfg("a", "ok"))

	factory := func(cfg models.ConnectorConfig, deps connector.Deps) (connector.Connector, error) {
		return &fakeConnector{cfg: cfg}, nil
	}
	mgr := New(store, connector.Deps{}, nil, quietLogger(), Options{Factory: factory})
	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(mgr.Connectors()) != 1 {
		t.Fatal("expected one connector before reload")
	}

	store.fail = true
	if err := mgr.Reload(ctx); err == nil {
		t.Fatal("expected reload error")
	}
	if n := len(mgr.Connectors()); n != 0 {
		t.Errorf("expected no connectors after failed reload, got %d", n)
	}
}

func TestReloadSeesConfigsBehindCache(t *testing.T) {
	ctx := context.Background()
	inner := storage.NewMemory()
	_ = inner.UpsertConnectorConfig(ctx, cfg("a", "ok"))
	cached := storage.NewCached(inner, 16, time.Hour)

	factory := func(cfg models.ConnectorConfig, deps connector.Deps) (connector.Connector, error) {
		return &fakeConnector{cfg: cfg}, nil
	}
	mgr := New(cached, connector.Deps{}, nil, quietLogger(), Options{Factory: factory})
	if err := mgr.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// written by another process sharing the store
	_ = inner.UpsertConnectorConfig(ctx, cfg("b", "ok"))

	if err := mgr.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := len(mgr.Connectors()); n != 2 {
		t.Errorf("expected 2 connectors after reload, got %d", n)
	}
}
