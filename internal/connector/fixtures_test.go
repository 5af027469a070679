package connector

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/ppiankov/secdash/internal/broadcast"
	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/storage"
	"github.com/sirupsen/logrus"
)

// fixedNow is the clock used by every connector test
var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newTestDeps seeds cfg into a memory store and returns deps around it
func newTestDeps(t *testing.T, cfg models.ConnectorConfig, httpClient *http.Client) (Deps, *storage.MemoryStorage, *broadcast.Recorder) {
	t.Helper()
	store := storage.NewMemory()
	if err := store.UpsertConnectorConfig(context.Background(), cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	rec := &broadcast.Recorder{}
	return Deps{
		Store:      store,
		Sink:       rec,
		Logger:     quietLogger(),
		HTTPClient: httpClient,
		Now:        func() time.Time { return fixedNow },
	}, store, rec
}

func storedConfig(t *testing.T, store *storage.MemoryStorage, id string) *models.ConnectorConfig {
	t.Helper()
	cfg, err := store.GetConnectorConfig(context.Background(), id)
	if err != nil || cfg == nil {
		t.Fatalf("GetConnectorConfig(%s): %v, %v", id, cfg, err)
	}
	return cfg
}

func allIncidents(t *testing.T, store *storage.MemoryStorage) map[string]models.Incident {
	t.Helper()
	list, err := store.ListIncidents(context.Background(), storage.IncidentFilter{})
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	out := make(map[string]models.Incident, len(list))
	for _, inc := range list {
		out[inc.SourceID] = inc
	}
	return out
}
