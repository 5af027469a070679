package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/storage"
	"github.com/sirupsen/logrus"
)

// Base carries the state and reconciliation logic shared by all connectors
type Base struct {
	mu     sync.Mutex // guards the status fields of cfg
	cfg    models.ConnectorConfig
	source string
	deps   Deps
	log    *logrus.Entry
}

func newBase(cfg models.ConnectorConfig, source string, deps Deps) *Base {
	deps = deps.withDefaults()
	return &Base{
		cfg:    cfg,
		source: source,
		deps:   deps,
		log: deps.Logger.WithFields(logrus.Fields{
			"connector_id": cfg.ID,
			"source":       source,
		}),
	}
}

// ID returns the config id
func (b *Base) ID() string { return b.cfg.ID }

// Name returns the display name
func (b *Base) Name() string { return b.cfg.Name }

// Source returns the value stored in Incident.Source and Asset.Source
func (b *Base) Source() string { return b.source }

// Config returns a copy of the connector config including its latest status
func (b *Base) Config() models.ConnectorConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

func (b *Base) now() time.Time { return b.deps.Now() }

// sinceOrDefault resolves the incident window start
func (b *Base) sinceOrDefault(since *time.Time) time.Time {
	if since != nil {
		return *since
	}
	return b.now().Add(-DefaultLookback)
}

// health converts a probe into a Health value, recovering from panics
func (b *Base) health(ctx context.Context, probe func(context.Context) error) (h models.Health) {
	h.LastSync = b.Config().LastSync
	defer func() {
		if r := recover(); r != nil {
			h.Healthy = false
			h.Message = fmt.Sprintf("health check panicked: %v", r)
		}
	}()

	if err := probe(ctx); err != nil {
		h.Message = err.Error()
		return h
	}
	h.Healthy = true
	h.Message = "connection successful"
	return h
}

// item runs one per-item step. Errors and panics are recorded on the
// result and never abort the run.
func (b *Base) item(result *models.SyncResult, label string, fn func() error) {
	result.ItemsProcessed++
	defer func() {
		if r := recover(); r != nil {
			result.AddError("%s: panic: %v", label, r)
		}
	}()

	if err := fn(); err != nil {
		result.AddError("%s: %v", label, err)
	}
}

// reconcileIncident creates or updates an incident keyed by (source, source_id)
func (b *Base) reconcileIncident(ctx context.Context, result *models.SyncResult, inc *models.Incident) error {
	if inc.SourceID == "" {
		return errors.New("missing source id")
	}
	if !inc.Severity.Valid() || !inc.Status.Valid() {
		return fmt.Errorf("unnormalized severity %q or status %q", inc.Severity, inc.Status)
	}
	inc.Source = b.source

	existing, err := b.deps.Store.FindIncident(ctx, inc.Source, inc.SourceID)
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}

	if existing == nil {
		err := b.deps.Store.InsertIncident(ctx, inc)
		if err == nil {
			result.ItemsCreated++
			b.emit(ctx, models.EventIncidentCreated, *inc)
			return nil
		}
		if !errors.Is(err, storage.ErrDuplicate) {
			return fmt.Errorf("insert: %w", err)
		}

		// lost a race with a concurrent insert of the same key
		existing, err = b.deps.Store.FindIncident(ctx, inc.Source, inc.SourceID)
		if err != nil {
			return fmt.Errorf("lookup after conflict: %w", err)
		}
		if existing == nil {
			return fmt.Errorf("incident %s vanished after insert conflict", inc.SourceID)
		}
	}

	upd := models.IncidentUpdate{
		Status:        inc.Status,
		ResolvedAt:    inc.ResolvedAt,
		FalsePositive: inc.FalsePositive,
		UpdatedAt:     b.now(),
	}
	if err := b.deps.Store.UpdateIncident(ctx, existing.ID, upd); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	result.ItemsUpdated++

	upd.Apply(existing)
	b.emit(ctx, models.EventIncidentUpdated, *existing)
	return nil
}

// reconcileAsset creates an asset or refreshes the first hostname-or-IP match
func (b *Base) reconcileAsset(ctx context.Context, result *models.SyncResult, asset *models.Asset, upd models.AssetUpdate) error {
	if asset.Hostname == "" && asset.IPAddress == "" {
		return errors.New("asset has neither hostname nor ip address")
	}
	if !asset.Criticality.Valid() {
		return fmt.Errorf("unnormalized criticality %q", asset.Criticality)
	}
	asset.Source = b.source

	existing, err := b.deps.Store.FindAssetByHostOrIP(ctx, asset.Hostname, asset.IPAddress)
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}

	if existing != nil {
		upd.UpdatedAt = b.now()
		if err := b.deps.Store.UpdateAsset(ctx, existing.ID, upd); err != nil {
			return fmt.Errorf("update: %w", err)
		}
		result.ItemsUpdated++
		return nil
	}

	if asset.Name == "" {
		asset.Name = asset.Hostname
	}
	if asset.ComplianceStatus == "" {
		asset.ComplianceStatus = models.ComplianceUnknown
	}
	if asset.LastScan == nil {
		scan := upd.LastScan
		asset.LastScan = &scan
	}
	if err := b.deps.Store.InsertAsset(ctx, asset); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	result.ItemsCreated++
	b.emit(ctx, models.EventAssetCreated, *asset)
	return nil
}

// finish stamps the duration and the connector's live status. A failed stamp
// is logged; it does not change the run outcome.
func (b *Base) finish(ctx context.Context, result *models.SyncResult, syncType models.SyncType, started time.Time) *models.SyncResult {
	result.Duration = b.now().Sub(started)

	upd := storage.ConnectorStatusUpdate{
		Status:   models.ConnectorActive,
		LastSync: b.now(),
	}
	if !result.Success {
		upd.Status = models.ConnectorError
		upd.LastError = result.FailureMessage()
	}

	// stamping must happen even when the run was cancelled
	stampCtx := context.WithoutCancel(ctx)
	if err := b.deps.Store.UpdateConnectorStatus(stampCtx, b.cfg.ID, upd); err != nil {
		b.log.WithError(err).Warn("failed to update connector status")
	} else {
		lastSync := upd.LastSync
		b.mu.Lock()
		b.cfg.LastSync = &lastSync
		b.cfg.Status = upd.Status
		b.cfg.LastError = upd.LastError
		b.mu.Unlock()
	}

	entry := b.log.WithFields(logrus.Fields{
		"sync_type": syncType,
		"processed": result.ItemsProcessed,
		"created":   result.ItemsCreated,
		"updated":   result.ItemsUpdated,
		"errors":    result.ErrorCount(),
		"duration":  result.Duration,
	})
	if result.Success {
		entry.Info("sync completed")
	} else {
		entry.WithField("error", result.FailureMessage()).Warn("sync failed")
	}
	return result
}

// emit publishes an event. Delivery failures are logged only.
func (b *Base) emit(ctx context.Context, t models.EventType, payload any) {
	if b.deps.Sink == nil {
		return
	}
	event := models.Event{Type: t, Timestamp: b.now(), Payload: payload}
	if err := b.deps.Sink.Publish(ctx, event); err != nil {
		b.log.WithError(err).WithField("event", t).Debug("failed to publish event")
	}
}
