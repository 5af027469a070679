package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ppiankov/secdash/internal/models"
)

// ErrDuplicate is returned when an insert collides with an existing
// (source, source_id) pair.
var ErrDuplicate = errors.New("record already exists")

// ErrNotFound is returned by updates that target a missing record
var ErrNotFound = errors.New("record not found")

// IncidentFilter narrows ListIncidents
type IncidentFilter struct {
	Source string
	Since  time.Time // DetectedAt >= Since when non-zero
	Limit  int       // 0 means unlimited
}

// ConnectorStatusUpdate holds the fields the pipeline may change on a connector config
type ConnectorStatusUpdate struct {
	Status    models.ConnectorState
	LastSync  time.Time
	LastError string
}

// IncidentStore persists normalized incidents
type IncidentStore interface {
	// FindIncident returns nil, nil when no incident has the given key
	FindIncident(ctx context.Context, source, sourceID string) (*models.Incident, error)
	InsertIncident(ctx context.Context, inc *models.Incident) error
	UpdateIncident(ctx context.Context, id string, upd models.IncidentUpdate) error
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]models.Incident, error)
}

// AssetStore persists normalized assets
type AssetStore interface {
	// FindAssetByHostOrIP matches hostname first, then IP. First match wins.
	FindAssetByHostOrIP(ctx context.Context, hostname, ip string) (*models.Asset, error)
	InsertAsset(ctx context.Context, asset *models.Asset) error
	UpdateAsset(ctx context.Context, id string, upd models.AssetUpdate) error
	ListAssets(ctx context.Context) ([]models.Asset, error)
}

// ConnectorStore persists connector configuration and live status
type ConnectorStore interface {
	ListConnectorConfigs(ctx context.Context, enabledOnly bool) ([]models.ConnectorConfig, error)
	GetConnectorConfig(ctx context.Context, id string) (*models.ConnectorConfig, error)
	UpsertConnectorConfig(ctx context.Context, cfg models.ConnectorConfig) error
	UpdateConnectorStatus(ctx context.Context, id string, upd ConnectorStatusUpdate) error
}

// AuditStore persists append-only sync logs and metrics history
type AuditStore interface {
	AppendSyncLog(ctx context.Context, entry models.SyncLog) error
	ListSyncLogs(ctx context.Context, connectorID string, limit int) ([]models.SyncLog, error)
	DeleteSyncLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	AppendMetrics(ctx context.Context, snap models.MetricsSnapshot) error
	LatestMetrics(ctx context.Context) (*models.MetricsSnapshot, error)
	MetricsHistory(ctx context.Context, since time.Time, limit int) ([]models.MetricsSnapshot, error)
	DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Gateway is the persistence surface the sync pipeline depends on
type Gateway interface {
	IncidentStore
	AssetStore
	ConnectorStore
	AuditStore

	// Ping checks the backing store is reachable
	Ping(ctx context.Context) error

	// Close releases resources held by the store
	Close() error
}
