package health

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ppiankov/secdash/internal/broadcast"
	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/storage"
	"github.com/sirupsen/logrus"
)

// VolumeWindow is the window counted by MetricsSnapshot.AlertVolume24h
const VolumeWindow = 24 * time.Hour

// RollupStore is the subset of the gateway the rollup reads and writes
type RollupStore interface {
	ListIncidents(ctx context.Context, filter storage.IncidentFilter) ([]models.Incident, error)
	ListAssets(ctx context.Context) ([]models.Asset, error)
	AppendMetrics(ctx context.Context, snap models.MetricsSnapshot) error
}

// Rollup recomputes the dashboard aggregates from scratch on every run
type Rollup struct {
	store   RollupStore
	sink    broadcast.Sink
	metrics *Metrics
	logger  *logrus.Logger
	now     func() time.Time
}

// NewRollup creates a Rollup. sink and metrics may be nil.
func NewRollup(store RollupStore, sink broadcast.Sink, metrics *Metrics, logger *logrus.Logger) *Rollup {
	return &Rollup{
		store:   store,
		sink:    sink,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Run computes a snapshot, appends it to the metrics history and
// broadcasts metrics.updated.
func (r *Rollup) Run(ctx context.Context) (*models.MetricsSnapshot, error) {
	incidents, err := r.store.ListIncidents(ctx, storage.IncidentFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	assets, err := r.store.ListAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}

	snap := Compute(incidents, assets, r.now())
	if err := r.store.AppendMetrics(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to append metrics: %w", err)
	}

	if r.metrics != nil {
		r.metrics.ActiveIncidents.Set(float64(snap.ActiveIncidents))
		r.metrics.CriticalIncidents.Set(float64(snap.CriticalIncidents))
	}

	r.logger.WithFields(logrus.Fields{
		"active":   snap.ActiveIncidents,
		"critical": snap.CriticalIncidents,
		"assets":   snap.TotalAssets,
	}).Info("metrics rollup completed")

	if r.sink != nil {
		event := models.Event{Type: models.EventMetricsUpdated, Timestamp: snap.Timestamp, Payload: snap}
		if err := r.sink.Publish(ctx, event); err != nil {
			r.logger.WithError(err).Debug("failed to publish metrics update")
		}
	}
	return &snap, nil
}

// Compute derives a snapshot from the full incident and asset sets.
//
// MTTD is the mean delay between detection and ingestion. MTTR is the mean
// delay between detection and resolution over resolved incidents. The
// false-positive rate is the share of resolved or closed incidents flagged
// as false positives. Rates and coverage are percentages rounded to one decimal.
func Compute(incidents []models.Incident, assets []models.Asset, now time.Time) models.MetricsSnapshot {
	snap := models.MetricsSnapshot{
		Timestamp:           now,
		IncidentsBySeverity: make(map[models.Severity]int, len(models.Severities)),
		IncidentsByStatus:   make(map[models.IncidentStatus]int, 4),
		TotalAssets:         len(assets),
	}
	for _, sev := range models.Severities {
		snap.IncidentsBySeverity[sev] = 0
	}

	var detectSum, resolveSum float64
	var detectN, resolveN, finished, falsePositives int
	windowStart := now.Add(-VolumeWindow)

	for _, inc := range incidents {
		snap.IncidentsBySeverity[inc.Severity]++
		snap.IncidentsByStatus[inc.Status]++

		if inc.Status.Active() {
			snap.ActiveIncidents++
			if inc.Severity == models.SeverityCritical {
				snap.CriticalIncidents++
			}
		} else {
			finished++
			if inc.FalsePositive {
				falsePositives++
			}
		}

		if !inc.DetectedAt.Before(windowStart) {
			snap.AlertVolume24h++
		}

		if !inc.CreatedAt.IsZero() && !inc.DetectedAt.IsZero() {
			if d := inc.CreatedAt.Sub(inc.DetectedAt); d >= 0 {
				detectSum += d.Minutes()
				detectN++
			}
		}
		if inc.ResolvedAt != nil && !inc.DetectedAt.IsZero() {
			if d := inc.ResolvedAt.Sub(inc.DetectedAt); d >= 0 {
				resolveSum += d.Minutes()
				resolveN++
			}
		}
	}

	snap.MTTDMinutes = mean(detectSum, detectN)
	snap.MTTRMinutes = mean(resolveSum, resolveN)
	snap.FalsePositiveRate = percent(falsePositives, finished)

	var edr, av int
	for _, a := range assets {
		if a.EDRInstalled {
			edr++
		}
		if a.AVInstalled {
			av++
		}
		if a.ComplianceStatus == models.ComplianceNonCompliant {
			snap.NonCompliantAssets++
		}
	}
	snap.EDRCoverage = percent(edr, len(assets))
	snap.AVCoverage = percent(av, len(assets))

	return snap
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return round1(sum / float64(n))
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return round1(float64(part) / float64(total) * 100)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
