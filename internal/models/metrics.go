package models

import "time"

// MetricsSnapshot is one rollup of dashboard aggregates, recomputed from scratch
type MetricsSnapshot struct {
	Timestamp           time.Time              `json:"timestamp"`
	ActiveIncidents     int                    `json:"active_incidents"`
	CriticalIncidents   int                    `json:"critical_incidents"`
	IncidentsBySeverity map[Severity]int       `json:"incidents_by_severity"`
	IncidentsByStatus   map[IncidentStatus]int `json:"incidents_by_status"`
	MTTDMinutes         float64                `json:"mttd_minutes"`
	MTTRMinutes         float64                `json:"mttr_minutes"`
	AlertVolume24h      int                    `json:"alert_volume_24h"`
	FalsePositiveRate   float64                `json:"false_positive_rate"`
	TotalAssets         int                    `json:"total_assets"`
	EDRCoverage         float64                `json:"edr_coverage"`
	AVCoverage          float64                `json:"av_coverage"`
	NonCompliantAssets  int                    `json:"non_compliant_assets"`
}

// EventType names a real-time broadcast event
type EventType string

const (
	EventIncidentCreated EventType = "incident.created"
	EventIncidentUpdated EventType = "incident.updated"
	EventAssetCreated    EventType = "asset.created"
	EventMetricsUpdated  EventType = "metrics.updated"
	EventConnectorStatus EventType = "connector.status"
)

// Event is emitted to the broadcast sink after a write commits
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// ConnectorStatusPayload is the payload of a connector.status event
type ConnectorStatusPayload struct {
	ConnectorID string         `json:"connector_id"`
	SyncType    SyncType       `json:"sync_type"`
	Status      ConnectorState `json:"status"`
	LastError   string         `json:"last_error,omitempty"`
	LastSync    time.Time      `json:"last_sync"`
}
