package cli

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ppiankov/secdash/internal/config"
	"github.com/ppiankov/secdash/internal/models"
)

// unauthorizedUpstream rejects every call like a tool with a revoked token
func unauthorizedUpstream(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"message":"access denied"}]}`))
	}))
	t.Cleanup(ts.Close)
	return ts, &calls
}

func syncConfig(baseURL string) *config.Config {
	c := config.DefaultConfig()
	if baseURL != "" {
		c.Connectors = []models.ConnectorConfig{falconConnector(baseURL)}
	}
	return c
}

func TestRunSyncNoConnectors(t *testing.T) {
	withTestConfig(t, syncConfig(""))
	setFlag(t, &syncConnector, "")
	setFlag(t, &syncFormat, "text")
	setFlag(t, &syncStrict, true)

	cmd, out := newTestCommand()
	if err := runSync(cmd, models.SyncAssets, nil); err != nil {
		t.Fatalf("runSync: %v", err)
	}
	if !strings.Contains(out.String(), "No enabled connectors") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestRunSyncFailedConnector(t *testing.T) {
	upstream, calls := unauthorizedUpstream(t)
	withTestConfig(t, syncConfig(upstream.URL))
	setFlag(t, &syncConnector, "")
	setFlag(t, &syncFormat, "json")
	setFlag(t, &syncStrict, false)

	cmd, out := newTestCommand()
	if err := runSync(cmd, models.SyncIncidents, nil); err != nil {
		t.Fatalf("without --strict a failed run is only reported, got %v", err)
	}
	if atomic.LoadInt32(calls) == 0 {
		t.Error("expected the connector to call upstream")
	}

	var report struct {
		SyncType models.SyncType                `json:"sync_type"`
		Results  map[string]*models.SyncResult `json:"results"`
		Failed   []string                       `json:"failed"`
	}
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out.String())
	}
	if report.SyncType != models.SyncIncidents {
		t.Errorf("sync_type = %s", report.SyncType)
	}
	if len(report.Failed) != 1 || report.Failed[0] != "falcon" {
		t.Errorf("failed = %v, want [falcon]", report.Failed)
	}
	if res := report.Results["falcon"]; res == nil || res.Success {
		t.Errorf("expected falcon to fail, got %+v", res)
	}
}

func TestRunSyncStrict(t *testing.T) {
	upstream, _ := unauthorizedUpstream(t)
	withTestConfig(t, syncConfig(upstream.URL))
	setFlag(t, &syncConnector, "")
	setFlag(t, &syncFormat, "text")
	setFlag(t, &syncStrict, true)

	cmd, out := newTestCommand()
	err := runSync(cmd, models.SyncAssets, nil)

	var terr *ThresholdExceededError
	if !errors.As(err, &terr) {
		t.Fatalf("expected ThresholdExceededError, got %v", err)
	}
	if terr.Failed != 1 || terr.Total != 1 {
		t.Errorf("got %d of %d, want 1 of 1", terr.Failed, terr.Total)
	}
	if !strings.Contains(out.String(), "FAILED") {
		t.Errorf("expected FAILED line:\n%s", out.String())
	}
}

func TestRunSyncSingleConnector(t *testing.T) {
	upstream, _ := unauthorizedUpstream(t)
	withTestConfig(t, syncConfig(upstream.URL))
	setFlag(t, &syncFormat, "text")
	setFlag(t, &syncStrict, false)

	setFlag(t, &syncConnector, "falcon")
	cmd, out := newTestCommand()
	if err := runSync(cmd, models.SyncAssets, nil); err != nil {
		t.Fatalf("runSync: %v", err)
	}
	if !strings.Contains(out.String(), "falcon") {
		t.Errorf("expected falcon in output:\n%s", out.String())
	}

	setFlag(t, &syncConnector, "ghost")
	cmd, _ = newTestCommand()
	if HandleError(runSync(cmd, models.SyncAssets, nil)) != ExitInvalidInput {
		t.Error("unknown connector should be invalid input")
	}

	setFlag(t, &syncConnector, "bad id!")
	cmd, _ = newTestCommand()
	if HandleError(runSync(cmd, models.SyncAssets, nil)) != ExitInvalidInput {
		t.Error("malformed connector id should be invalid input")
	}
}

func TestRunSyncRemote(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/sync/assets" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"job_id": "job-1", "job": "sync.assets"})
	}))
	defer ts.Close()

	withTestConfig(t, config.DefaultConfig())
	serverURL = ts.URL
	setFlag(t, &syncConnector, "")
	setFlag(t, &syncFormat, "text")

	cmd, out := newTestCommand()
	if err := runSync(cmd, models.SyncAssets, nil); err != nil {
		t.Fatalf("runSync: %v", err)
	}
	if !strings.Contains(out.String(), "job-1") {
		t.Errorf("expected job id in output: %q", out.String())
	}

	setFlag(t, &syncConnector, "falcon")
	cmd, _ = newTestCommand()
	if HandleError(runSync(cmd, models.SyncAssets, nil)) != ExitInvalidInput {
		t.Error("--connector with --server should be rejected")
	}
}

func TestRunTest(t *testing.T) {
	upstream, _ := unauthorizedUpstream(t)
	withTestConfig(t, syncConfig(upstream.URL))
	setFlag(t, &testFormat, "text")

	cmd, out := newTestCommand()
	err := runTest(cmd, nil)
	if err == nil {
		t.Fatal("expected error for an unreachable connector")
	}
	if HandleError(err) != ExitRuntimeError {
		t.Errorf("exit code = %d, want %d", HandleError(err), ExitRuntimeError)
	}
	if !strings.Contains(out.String(), "unreachable") {
		t.Errorf("expected unreachable marker:\n%s", out.String())
	}
}

func TestRunTestNoConnectors(t *testing.T) {
	withTestConfig(t, syncConfig(""))
	setFlag(t, &testFormat, "json")

	cmd, out := newTestCommand()
	if err := runTest(cmd, nil); err != nil {
		t.Fatalf("runTest: %v", err)
	}
	if strings.TrimSpace(out.String()) != "{}" {
		t.Errorf("expected empty JSON object, got %q", out.String())
	}
}
