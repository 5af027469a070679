package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ppiankov/secdash/internal/models"
)

// MemoryStorage implements Gateway in process memory.
// It backs single-node deployments without a database and the tests.
type MemoryStorage struct {
	mu         sync.RWMutex
	incidents  map[string]*models.Incident // by id
	incidentBy map[string]string           // source|source_id -> id
	assets     []*models.Asset             // insertion order, first match wins
	connectors map[string]*models.ConnectorConfig
	syncLogs   []models.SyncLog
	metrics    []models.MetricsSnapshot
	now        func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		incidents:  make(map[string]*models.Incident),
		incidentBy: make(map[string]string),
		connectors: make(map[string]*models.ConnectorConfig),
		now:        time.Now,
	}
}

func incidentKey(source, sourceID string) string {
	return source + "|" + sourceID
}

// FindIncident returns a copy of the incident with the given key
func (s *MemoryStorage) FindIncident(ctx context.Context, source, sourceID string) (*models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.incidentBy[incidentKey(source, sourceID)]
	if !ok {
		return nil, nil
	}
	inc := *s.incidents[id]
	return &inc, nil
}

// InsertIncident stores a new incident, assigning an id when empty
func (s *MemoryStorage) InsertIncident(ctx context.Context, inc *models.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := incidentKey(inc.Source, inc.SourceID)
	if _, exists := s.incidentBy[key]; exists {
		return fmt.Errorf("incident %s/%s: %w", inc.Source, inc.SourceID, ErrDuplicate)
	}

	if inc.ID == "" {
		inc.ID = uuid.New().String()
	}
	now := s.now()
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = now
	}
	if inc.UpdatedAt.IsZero() {
		inc.UpdatedAt = now
	}

	stored := *inc
	s.incidents[inc.ID] = &stored
	s.incidentBy[key] = inc.ID
	return nil
}

// UpdateIncident applies the mutable fields to a stored incident
func (s *MemoryStorage) UpdateIncident(ctx context.Context, id string, upd models.IncidentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if upd.UpdatedAt.IsZero() {
		upd.UpdatedAt = s.now()
	}
	upd.Apply(inc)
	return nil
}

// ListIncidents returns incidents ordered by detection time, newest first
func (s *MemoryStorage) ListIncidents(ctx context.Context, filter IncidentFilter) ([]models.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if filter.Source != "" && inc.Source != filter.Source {
			continue
		}
		if !filter.Since.IsZero() && inc.DetectedAt.Before(filter.Since) {
			continue
		}
		result = append(result, *inc)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DetectedAt.After(result[j].DetectedAt)
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// FindAssetByHostOrIP matches case-insensitively on hostname, then on IP
func (s *MemoryStorage) FindAssetByHostOrIP(ctx context.Context, hostname, ip string) (*models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if hostname != "" {
		for _, a := range s.assets {
			if strings.EqualFold(a.Hostname, hostname) || strings.EqualFold(a.Name, hostname) {
				found := *a
				return &found, nil
			}
		}
	}
	if ip != "" {
		for _, a := range s.assets {
			if a.IPAddress == ip {
				found := *a
				return &found, nil
			}
		}
	}
	return nil, nil
}

// InsertAsset stores a new asset, assigning an id when empty
func (s *MemoryStorage) InsertAsset(ctx context.Context, asset *models.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if asset.ID == "" {
		asset.ID = uuid.New().String()
	}
	now := s.now()
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}
	if asset.UpdatedAt.IsZero() {
		asset.UpdatedAt = now
	}

	stored := *asset
	s.assets = append(s.assets, &stored)
	return nil
}

// UpdateAsset applies refreshed fields to a stored asset
func (s *MemoryStorage) UpdateAsset(ctx context.Context, id string, upd models.AssetUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.assets {
		if a.ID == id {
			if upd.UpdatedAt.IsZero() {
				upd.UpdatedAt = s.now()
			}
			upd.Apply(a)
			return nil
		}
	}
	return fmt.Errorf("asset %s: %w", id, ErrNotFound)
}

// ListAssets returns all assets in insertion order
func (s *MemoryStorage) ListAssets(ctx context.Context) ([]models.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		result = append(result, *a)
	}
	return result, nil
}

// ListConnectorConfigs returns configs sorted by id
func (s *MemoryStorage) ListConnectorConfigs(ctx context.Context, enabledOnly bool) ([]models.ConnectorConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.ConnectorConfig, 0, len(s.connectors))
	for _, c := range s.connectors {
		if enabledOnly && !c.Enabled {
			continue
		}
		result = append(result, copyConfig(c))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// GetConnectorConfig returns nil, nil for an unknown id
func (s *MemoryStorage) GetConnectorConfig(ctx context.Context, id string) (*models.ConnectorConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.connectors[id]
	if !ok {
		return nil, nil
	}
	cfg := copyConfig(c)
	return &cfg, nil
}

// UpsertConnectorConfig creates or replaces the administrator-managed fields
// of a connector, preserving pipeline-managed status fields.
func (s *MemoryStorage) UpsertConnectorConfig(ctx context.Context, cfg models.ConnectorConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("connector config requires an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored := copyConfig(&cfg)
	if existing, ok := s.connectors[cfg.ID]; ok {
		stored.LastSync = existing.LastSync
		stored.Status = existing.Status
		stored.LastError = existing.LastError
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
		if stored.Status == "" {
			stored.Status = models.ConnectorInactive
		}
	}
	stored.UpdatedAt = now
	s.connectors[cfg.ID] = &stored
	return nil
}

// UpdateConnectorStatus stamps the pipeline-managed status fields
func (s *MemoryStorage) UpdateConnectorStatus(ctx context.Context, id string, upd ConnectorStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.connectors[id]
	if !ok {
		return fmt.Errorf("connector %s: %w", id, ErrNotFound)
	}
	lastSync := upd.LastSync
	c.LastSync = &lastSync
	c.Status = upd.Status
	c.LastError = upd.LastError
	return nil
}

// AppendSyncLog appends an audit record
func (s *MemoryStorage) AppendSyncLog(ctx context.Context, entry models.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	s.syncLogs = append(s.syncLogs, entry)
	return nil
}

// ListSyncLogs returns audit records newest first, optionally for one connector
func (s *MemoryStorage) ListSyncLogs(ctx context.Context, connectorID string, limit int) ([]models.SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.SyncLog
	for i := len(s.syncLogs) - 1; i >= 0; i-- {
		entry := s.syncLogs[i]
		if connectorID != "" && entry.ConnectorID != connectorID {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// DeleteSyncLogsBefore removes audit records started before cutoff
func (s *MemoryStorage) DeleteSyncLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.syncLogs[:0]
	var removed int64
	for _, entry := range s.syncLogs {
		if entry.StartedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	s.syncLogs = kept
	return removed, nil
}

// AppendMetrics appends a metrics snapshot
func (s *MemoryStorage) AppendMetrics(ctx context.Context, snap models.MetricsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics = append(s.metrics, snap)
	return nil
}

// LatestMetrics returns nil, nil when no snapshot exists yet
func (s *MemoryStorage) LatestMetrics(ctx context.Context) (*models.MetricsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.metrics) == 0 {
		return nil, nil
	}
	latest := s.metrics[len(s.metrics)-1]
	return &latest, nil
}

// MetricsHistory returns snapshots at or after since, oldest first, keeping the newest limit
func (s *MemoryStorage) MetricsHistory(ctx context.Context, since time.Time, limit int) ([]models.MetricsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.MetricsSnapshot
	for _, snap := range s.metrics {
		if snap.Timestamp.Before(since) {
			continue
		}
		result = append(result, snap)
	}

	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// DeleteMetricsBefore removes snapshots captured before cutoff
func (s *MemoryStorage) DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.metrics[:0]
	var removed int64
	for _, snap := range s.metrics {
		if snap.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, snap)
	}
	s.metrics = kept
	return removed, nil
}

// Ping always succeeds for the memory store
func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStorage) Close() error {
	return nil
}

// copyConfig deep-copies the mutable parts of a connector config
func copyConfig(c *models.ConnectorConfig) models.ConnectorConfig {
	cfg := *c
	if c.LastSync != nil {
		t := *c.LastSync
		cfg.LastSync = &t
	}
	if c.Config != nil {
		cfg.Config = make(map[string]any, len(c.Config))
		for k, v := range c.Config {
			cfg.Config[k] = v
		}
	}
	return cfg
}
