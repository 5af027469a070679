package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ppiankov/secdash/internal/models"
)

const (
	incidentsPrefix  = "incidents:"
	assetsPrefix     = "assets:"
	connectorsPrefix = "connectors:"
	metricsPrefix    = "metrics:"
)

// DefaultCacheTTL bounds how long an entry can hide writes made by another process
const DefaultCacheTTL = time.Minute

// Cached wraps a Gateway with an expiring LRU read cache for the list and
// latest queries dashboards poll. Every write to a record family drops that
// family's entries, whether or not the write succeeded. Entries expire after
// the TTL so writes from other processes sharing the store become visible.
type Cached struct {
	Gateway
	cache *expirable.LRU[string, any]

	// gen is bumped on every invalidation. A read that started under an
	// older generation does not fill the cache.
	mu  sync.Mutex
	gen map[string]uint64
}

// NewCached wraps next with a cache holding at most size entries for at most ttl
func NewCached(next Gateway, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 128
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		Gateway: next,
		cache:   expirable.NewLRU[string, any](size, nil, ttl),
		gen:     make(map[string]uint64),
	}
}

// Len reports the number of cached entries
func (c *Cached) Len() int {
	return c.cache.Len()
}

func (c *Cached) invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[prefix]++
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
}

func (c *Cached) generation(prefix string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen[prefix]
}

// fill caches value unless the family was invalidated after gen was read
func (c *Cached) fill(prefix, key string, gen uint64, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[prefix] != gen {
		return
	}
	c.cache.Add(key, value)
}

func (c *Cached) InsertIncident(ctx context.Context, inc *models.Incident) error {
	defer c.invalidate(incidentsPrefix)
	return c.Gateway.InsertIncident(ctx, inc)
}

func (c *Cached) UpdateIncident(ctx context.Context, id string, upd models.IncidentUpdate) error {
	defer c.invalidate(incidentsPrefix)
	return c.Gateway.UpdateIncident(ctx, id, upd)
}

func (c *Cached) ListIncidents(ctx context.Context, filter IncidentFilter) ([]models.Incident, error) {
	key := fmt.Sprintf("%s%s|%d|%d", incidentsPrefix, filter.Source, filter.Since.UnixNano(), filter.Limit)
	if v, ok := c.cache.Get(key); ok {
		return slices.Clone(v.([]models.Incident)), nil
	}

	gen := c.generation(incidentsPrefix)
	result, err := c.Gateway.ListIncidents(ctx, filter)
	if err != nil {
		return nil, err
	}
	c.fill(incidentsPrefix, key, gen, slices.Clone(result))
	return result, nil
}

func (c *Cached) InsertAsset(ctx context.Context, asset *models.Asset) error {
	defer c.invalidate(assetsPrefix)
	return c.Gateway.InsertAsset(ctx, asset)
}

func (c *Cached) UpdateAsset(ctx context.Context, id string, upd models.AssetUpdate) error {
	defer c.invalidate(assetsPrefix)
	return c.Gateway.UpdateAsset(ctx, id, upd)
}

func (c *Cached) ListAssets(ctx context.Context) ([]models.Asset, error) {
	key := assetsPrefix + "all"
	if v, ok := c.cache.Get(key); ok {
		return slices.Clone(v.([]models.Asset)), nil
	}

	gen := c.generation(assetsPrefix)
	result, err := c.Gateway.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	c.fill(assetsPrefix, key, gen, slices.Clone(result))
	return result, nil
}

func (c *Cached) ListConnectorConfigs(ctx context.Context, enabledOnly bool) ([]models.ConnectorConfig, error) {
	key := fmt.Sprintf("%s%t", connectorsPrefix, enabledOnly)
	if v, ok := c.cache.Get(key); ok {
		return slices.Clone(v.([]models.ConnectorConfig)), nil
	}

	gen := c.generation(connectorsPrefix)
	result, err := c.Gateway.ListConnectorConfigs(ctx, enabledOnly)
	if err != nil {
		return nil, err
	}
	c.fill(connectorsPrefix, key, gen, slices.Clone(result))
	return result, nil
}

// InvalidateConnectors drops cached connector lists so the next read sees
// configs written by another process
func (c *Cached) InvalidateConnectors() {
	c.invalidate(connectorsPrefix)
}

func (c *Cached) UpsertConnectorConfig(ctx context.Context, cfg models.ConnectorConfig) error {
	defer c.invalidate(connectorsPrefix)
	return c.Gateway.UpsertConnectorConfig(ctx, cfg)
}

func (c *Cached) UpdateConnectorStatus(ctx context.Context, id string, upd ConnectorStatusUpdate) error {
	defer c.invalidate(connectorsPrefix)
	return c.Gateway.UpdateConnectorStatus(ctx, id, upd)
}

func (c *Cached) AppendMetrics(ctx context.Context, snap models.MetricsSnapshot) error {
	defer c.invalidate(metricsPrefix)
	return c.Gateway.AppendMetrics(ctx, snap)
}

func (c *Cached) LatestMetrics(ctx context.Context) (*models.MetricsSnapshot, error) {
	key := metricsPrefix + "latest"
	if v, ok := c.cache.Get(key); ok {
		snap := v.(models.MetricsSnapshot)
		return &snap, nil
	}

	gen := c.generation(metricsPrefix)
	snap, err := c.Gateway.LatestMetrics(ctx)
	if err != nil || snap == nil {
		return snap, err
	}
	c.fill(metricsPrefix, key, gen, *snap)
	return snap, nil
}

func (c *Cached) DeleteMetricsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer c.invalidate(metricsPrefix)
	return c.Gateway.DeleteMetricsBefore(ctx, cutoff)
}
