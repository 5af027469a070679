// Package manager owns the configured connectors and fans sync runs out to them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/secdash/internal/connector"
	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/storage"
	"github.com/sirupsen/logrus"
)

// DefaultRunTimeout bounds a single connector run
const DefaultRunTimeout = 10 * time.Minute

// ErrUnknownConnector is returned for ids that are not initialized
var ErrUnknownConnector = errors.New("unknown connector")

// RunReporter receives the outcome of every run
type RunReporter interface {
	Record(ctx context.Context, cfg models.ConnectorConfig, syncType models.SyncType, result *models.SyncResult)
}

// Factory builds a connector from its config
type Factory func(cfg models.ConnectorConfig, deps connector.Deps) (connector.Connector, error)

// Options tune a Manager
type Options struct {
	RunTimeout time.Duration
	Factory    Factory
}

// Manager holds the initialized connectors. Failures inside a connector are
// converted into failed results and never propagate to the caller.
type Manager struct {
	store    storage.Gateway
	deps     connector.Deps
	reporter RunReporter
	logger   *logrus.Logger
	opts     Options

	mu         sync.RWMutex
	connectors map[string]connector.Connector
	configs    map[string]models.ConnectorConfig

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Manager. reporter may be nil.
func New(store storage.Gateway, deps connector.Deps, reporter RunReporter, logger *logrus.Logger, opts Options) *Manager {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.Factory == nil {
		opts.Factory = connector.New
	}
	deps.Store = store
	if deps.Logger == nil {
		deps.Logger = logger
	}

	return &Manager{
		store:      store,
		deps:       deps,
		reporter:   reporter,
		logger:     logger,
		opts:       opts,
		connectors: make(map[string]connector.Connector),
		configs:    make(map[string]models.ConnectorConfig),
		locks:      make(map[string]*sync.Mutex),
	}
}

// Initialize builds a connector for every enabled config. Unsupported or
// invalid configs are logged and skipped.
func (m *Manager) Initialize(ctx context.Context) error {
	configs, err := m.store.ListConnectorConfigs(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list connector configs: %w", err)
	}

	connectors := make(map[string]connector.Connector, len(configs))
	byID := make(map[string]models.ConnectorConfig, len(configs))
	for _, cfg := range configs {
		log := m.logger.WithFields(logrus.Fields{
			"connector_id": cfg.ID,
			"name":         cfg.Name,
			"type":         cfg.Type,
		})

		conn, err := m.opts.Factory(cfg, m.deps)
		if err != nil {
			if errors.Is(err, connector.ErrUnsupported) {
				log.WithError(err).Warn("skipping unsupported connector")
			} else {
				log.WithError(err).Error("skipping misconfigured connector")
			}
			continue
		}
		connectors[cfg.ID] = conn
		byID[cfg.ID] = cfg
	}

	m.mu.Lock()
	m.connectors = connectors
	m.configs = byID
	m.mu.Unlock()

	m.logger.WithField("count", len(connectors)).Info("connectors initialized")
	return nil
}

// connectorCache is implemented by stores that cache connector lists
type connectorCache interface {
	InvalidateConnectors()
}

// Reload discards the current connectors and initializes from storage again.
// When storage cannot be read the manager is left with no connectors.
func (m *Manager) Reload(ctx context.Context) error {
	m.logger.Info("reloading connectors")

	m.mu.Lock()
	m.connectors = make(map[string]connector.Connector)
	m.configs = make(map[string]models.ConnectorConfig)
	m.mu.Unlock()

	if cc, ok := m.store.(connectorCache); ok {
		cc.InvalidateConnectors()
	}
	return m.Initialize(ctx)
}

// Connectors returns the initialized connectors ordered by id
func (m *Manager) Connectors() []connector.Connector {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.connectors))
	for id := range m.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make([]connector.Connector, 0, len(ids))
	for _, id := range ids {
		result = append(result, m.connectors[id])
	}
	return result
}

// SyncAllIncidents runs SyncIncidents on every connector concurrently
func (m *Manager) SyncAllIncidents(ctx context.Context, since *time.Time) map[string]*models.SyncResult {
	return m.fanOut(ctx, models.SyncIncidents, since)
}

// SyncAllAssets runs SyncAssets on every connector concurrently
func (m *Manager) SyncAllAssets(ctx context.Context) map[string]*models.SyncResult {
	return m.fanOut(ctx, models.SyncAssets, nil)
}

// SyncConnector runs one sync on a single connector
func (m *Manager) SyncConnector(ctx context.Context, id string, syncType models.SyncType, since *time.Time) (*models.SyncResult, error) {
	if syncType != models.SyncIncidents && syncType != models.SyncAssets {
		return nil, fmt.Errorf("unknown sync type %q", syncType)
	}
	conn, cfg, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, id)
	}
	return m.run(ctx, conn, cfg, syncType, since), nil
}

// TestAllConnections probes every connector concurrently
func (m *Manager) TestAllConnections(ctx context.Context) map[string]bool {
	connectors := m.Connectors()
	results := make(map[string]bool, len(connectors))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, conn := range connectors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := m.probe(ctx, conn)
			mu.Lock()
			results[conn.ID()] = ok
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// Health returns the health of one connector
func (m *Manager) Health(ctx context.Context, id string) (models.Health, error) {
	conn, _, ok := m.lookup(id)
	if !ok {
		return models.Health{}, fmt.Errorf("%w: %s", ErrUnknownConnector, id)
	}
	return conn.GetHealth(ctx), nil
}

func (m *Manager) lookup(id string) (connector.Connector, models.ConnectorConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connectors[id]
	return conn, m.configs[id], ok
}

func (m *Manager) snapshot() map[string]models.ConnectorConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	configs := make(map[string]models.ConnectorConfig, len(m.configs))
	for id, cfg := range m.configs {
		configs[id] = cfg
	}
	return configs
}

// fanOut runs one sync type on every connector and collects the results.
// Partial success: every connector gets a result even if others fail.
func (m *Manager) fanOut(ctx context.Context, syncType models.SyncType, since *time.Time) map[string]*models.SyncResult {
	connectors := m.Connectors()
	configs := m.snapshot()
	results := make(map[string]*models.SyncResult, len(connectors))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, conn := range connectors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := m.run(ctx, conn, configs[conn.ID()], syncType, since)
			mu.Lock()
			results[conn.ID()] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	m.logger.WithFields(logrus.Fields{
		"sync_type":  syncType,
		"connectors": len(results),
		"failed":     failed,
	}).Info("sync fan-out completed")
	return results
}

// run executes one sync with the per-connector lock held, converts panics
// into failed results and reports the outcome.
func (m *Manager) run(ctx context.Context, conn connector.Connector, cfg models.ConnectorConfig, syncType models.SyncType, since *time.Time) (result *models.SyncResult) {
	lock := m.lockFor(conn.ID())
	lock.Lock()
	defer lock.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, m.opts.RunTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = models.NewSyncResult()
			result.Fail(fmt.Errorf("connector panicked: %v", r))
			result.Duration = time.Since(start)
			m.stampError(ctx, conn.ID(), result.FailureMessage())
			m.logger.WithFields(logrus.Fields{
				"connector_id": conn.ID(),
				"sync_type":    syncType,
				"panic":        r,
			}).Error("connector run panicked")
		}
		if result == nil {
			result = models.NewSyncResult()
			result.Fail(errors.New("connector returned no result"))
		}
		if m.reporter != nil {
			m.reporter.Record(ctx, cfg, syncType, result)
		}
	}()

	switch syncType {
	case models.SyncIncidents:
		return conn.SyncIncidents(runCtx, since)
	default:
		return conn.SyncAssets(runCtx)
	}
}

func (m *Manager) probe(ctx context.Context, conn connector.Connector) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(logrus.Fields{
				"connector_id": conn.ID(),
				"panic":        r,
			}).Error("connection test panicked")
			ok = false
		}
	}()

	ok = conn.TestConnection(ctx)
	m.logger.WithFields(logrus.Fields{
		"connector_id": conn.ID(),
		"ok":           ok,
	}).Info("connection tested")
	return ok
}

func (m *Manager) stampError(ctx context.Context, id, message string) {
	upd := storage.ConnectorStatusUpdate{
		Status:    models.ConnectorError,
		LastSync:  time.Now(),
		LastError: message,
	}
	if err := m.store.UpdateConnectorStatus(context.WithoutCancel(ctx), id, upd); err != nil {
		m.logger.WithError(err).WithField("connector_id", id).Warn("failed to update connector status")
	}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}
