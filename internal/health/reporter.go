// Package health records the outcome of sync runs and maintains the
// dashboard aggregates derived from stored incidents and assets.
package health

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ppiankov/secdash/internal/broadcast"
	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/storage"
	"github.com/sirupsen/logrus"
)

// Reporter writes the audit trail of every sync run
type Reporter struct {
	store   storage.AuditStore
	sink    broadcast.Sink
	metrics *Metrics
	logger  *logrus.Logger
	now     func() time.Time
}

// NewReporter creates a Reporter. sink and metrics may be nil.
func NewReporter(store storage.AuditStore, sink broadcast.Sink, metrics *Metrics, logger *logrus.Logger) *Reporter {
	return &Reporter{
		store:   store,
		sink:    sink,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Record appends a SyncLog for the run, updates the run metrics and
// broadcasts the connector status. Failures are logged and never returned.
func (r *Reporter) Record(ctx context.Context, cfg models.ConnectorConfig, syncType models.SyncType, result *models.SyncResult) {
	now := r.now()
	started := now.Add(-result.Duration)
	entry := models.NewSyncLog(uuid.New().String(), cfg.ID, syncType, result, started)

	log := r.logger.WithFields(logrus.Fields{
		"connector_id": cfg.ID,
		"sync_type":    syncType,
	})

	// the audit record must survive a cancelled run
	if err := r.store.AppendSyncLog(context.WithoutCancel(ctx), entry); err != nil {
		log.WithError(err).Error("failed to write sync log")
	}

	r.observe(cfg.ID, syncType, result)

	status := models.ConnectorActive
	if !result.Success {
		status = models.ConnectorError
	}
	if r.sink == nil {
		return
	}
	event := models.Event{
		Type:      models.EventConnectorStatus,
		Timestamp: now,
		Payload: models.ConnectorStatusPayload{
			ConnectorID: cfg.ID,
			SyncType:    syncType,
			Status:      status,
			LastError:   result.FailureMessage(),
			LastSync:    now,
		},
	}
	if err := r.sink.Publish(ctx, event); err != nil {
		log.WithError(err).Debug("failed to publish connector status")
	}
}

func (r *Reporter) observe(connectorID string, syncType models.SyncType, result *models.SyncResult) {
	if r.metrics == nil {
		return
	}
	st := string(syncType)

	status, up := "success", 1.0
	if !result.Success {
		status, up = "failed", 0.0
	}
	r.metrics.SyncRuns.WithLabelValues(connectorID, st, status).Inc()
	r.metrics.SyncItems.WithLabelValues(connectorID, st, "created").Add(float64(result.ItemsCreated))
	r.metrics.SyncItems.WithLabelValues(connectorID, st, "updated").Add(float64(result.ItemsUpdated))
	r.metrics.SyncItems.WithLabelValues(connectorID, st, "errored").Add(float64(result.ErrorCount()))
	r.metrics.SyncDuration.WithLabelValues(connectorID, st).Observe(result.Duration.Seconds())
	r.metrics.ConnectorUp.WithLabelValues(connectorID).Set(up)
}
