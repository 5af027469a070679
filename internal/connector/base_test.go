package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/storage"
)

// racingStore reports a duplicate on the first insert, as if a concurrent
// run had inserted the same key between lookup and insert
type racingStore struct {
	*storage.MemoryStorage
	raced bool
}

func (s *racingStore) InsertIncident(ctx context.Context, inc *models.Incident) error {
	if !s.raced {
		s.raced = true
		winner := *inc
		winner.ID = ""
		if err := s.MemoryStorage.InsertIncident(ctx, &winner); err != nil {
			return err
		}
		return fmt.Errorf("insert: %w", storage.ErrDuplicate)
	}
	return s.MemoryStorage.InsertIncident(ctx, inc)
}

func newTestBase(t *testing.T, store storage.Gateway) *Base {
	t.Helper()
	cfg := models.ConnectorConfig{ID: "b1", Name: "base"}
	_ = store.UpsertConnectorConfig(context.Background(), cfg)
	return newBase(cfg, "test", Deps{
		Store:  store,
		Logger: quietLogger(),
		Now:    func() time.Time { return fixedNow },
	})
}

func TestReconcileIncidentConflictBecomesUpdate(t *testing.T) {
	store := &racingStore{MemoryStorage: storage.NewMemory()}
	b := newTestBase(t, store)
	result := models.NewSyncResult()

	inc := &models.Incident{SourceID: "x1", Severity: models.SeverityHigh, Status: models.StatusClosed, DetectedAt: fixedNow}
	if err := b.reconcileIncident(context.Background(), result, inc); err != nil {
		t.Fatalf("reconcileIncident: %v", err)
	}
	if result.ItemsCreated != 0 || result.ItemsUpdated != 1 {
		t.Errorf("expected conflict to become an update, got %+v", result)
	}

	list, _ := store.ListIncidents(context.Background(), storage.IncidentFilter{})
	if len(list) != 1 || list[0].Status != models.StatusClosed {
		t.Errorf("expected one closed incident, got %+v", list)
	}
}

func TestReconcileIncidentRejectsRawVocabulary(t *testing.T) {
	b := newTestBase(t, storage.NewMemory())
	result := models.NewSyncResult()

	inc := &models.Incident{SourceID: "x1", Severity: "sev1", Status: models.StatusNew}
	if err := b.reconcileIncident(context.Background(), result, inc); err == nil {
		t.Error("expected unnormalized severity to be rejected")
	}
	inc = &models.Incident{Severity: models.SeverityLow, Status: models.StatusNew}
	if err := b.reconcileIncident(context.Background(), result, inc); err == nil {
		t.Error("expected missing source id to be rejected")
	}
}

func TestReconcileAssetRequiresIdentity(t *testing.T) {
	b := newTestBase(t, storage.NewMemory())
	result := models.NewSyncResult()

	err := b.reconcileAsset(context.Background(), result, &models.Asset{Name: "nameless", Criticality: models.SeverityLow}, models.AssetUpdate{})
	if err == nil {
		t.Error("expected error for asset without hostname or ip")
	}
}

func TestItemRecoversPanics(t *testing.T) {
	b := newTestBase(t, storage.NewMemory())
	result := models.NewSyncResult()

	b.item(result, "first", func() error { panic("nil map") })
	b.item(result, "second", func() error { return errors.New("bad row") })
	b.item(result, "third", func() error { return nil })

	if result.ItemsProcessed != 3 {
		t.Errorf("expected 3 processed, got %d", result.ItemsProcessed)
	}
	if len(result.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %v", result.Errors)
	}
	if !strings.Contains(result.Errors[0], "first: panic: nil map") {
		t.Errorf("unexpected panic message %q", result.Errors[0])
	}
	if !result.Success {
		t.Error("item failures must not fail the run")
	}
}

func TestHealthRecoversPanics(t *testing.T) {
	b := newTestBase(t, storage.NewMemory())

	h := b.health(context.Background(), func(context.Context) error { panic("boom") })
	if h.Healthy || !strings.Contains(h.Message, "boom") {
		t.Errorf("expected unhealthy result from panic, got %+v", h)
	}

	h = b.health(context.Background(), func(context.Context) error { return errors.New("dial tcp: refused") })
	if h.Healthy || h.Message != "dial tcp: refused" {
		t.Errorf("unexpected health %+v", h)
	}

	h = b.health(context.Background(), func(context.Context) error { return nil })
	if !h.Healthy {
		t.Errorf("expected healthy, got %+v", h)
	}
}

func TestFinishStampsCancelledRuns(t *testing.T) {
	store := storage.NewMemory()
	b := newTestBase(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := models.NewSyncResult()
	result.Fail(context.Canceled)
	b.finish(ctx, result, models.SyncIncidents, fixedNow)

	cfg, _ := store.GetConnectorConfig(context.Background(), "b1")
	if cfg.Status != models.ConnectorError || cfg.LastError != "context canceled" {
		t.Errorf("expected error status after cancelled run, got %+v", cfg)
	}
	if b.Config().Status != models.ConnectorError {
		t.Errorf("in-memory status not updated, got %s", b.Config().Status)
	}
}

func TestSinceOrDefault(t *testing.T) {
	b := newTestBase(t, storage.NewMemory())
	if got := b.sinceOrDefault(nil); !got.Equal(fixedNow.Add(-24 * time.Hour)) {
		t.Errorf("expected 24h lookback, got %v", got)
	}
	since := fixedNow.Add(-5 * time.Minute)
	if got := b.sinceOrDefault(&since); !got.Equal(since) {
		t.Errorf("expected explicit since, got %v", got)
	}
}
