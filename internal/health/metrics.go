package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for sync runs
type Metrics struct {
	SyncRuns          *prometheus.CounterVec
	SyncItems         *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
	ConnectorUp       *prometheus.GaugeVec
	ActiveIncidents   prometheus.Gauge
	CriticalIncidents prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SyncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "secdash_sync_runs_total",
			Help: "Total number of connector sync runs by outcome",
		}, []string{"connector", "sync_type", "status"}),
		SyncItems: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "secdash_sync_items_total",
			Help: "Total number of items handled by sync runs",
		}, []string{"connector", "sync_type", "outcome"}),
		SyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "secdash_sync_duration_seconds",
			Help:    "Duration of connector sync runs",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"connector", "sync_type"}),
		ConnectorUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "secdash_connector_up",
			Help: "Whether the last sync of a connector succeeded (1) or failed (0)",
		}, []string{"connector"}),
		ActiveIncidents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "secdash_active_incidents",
			Help: "Active incidents at the last metrics rollup",
		}),
		CriticalIncidents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "secdash_critical_incidents",
			Help: "Active critical incidents at the last metrics rollup",
		}),
	}
}
