package models

import (
	"fmt"
	"time"
)

// Severity is the closed four-level severity taxonomy every stored record uses
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Severities lists the taxonomy from most to least severe
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Valid reports whether s is one of the four taxonomy values
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Rank orders severities, 0 is most severe
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

// IncidentStatus is the closed incident lifecycle taxonomy
type IncidentStatus string

const (
	StatusNew        IncidentStatus = "new"
	StatusInProgress IncidentStatus = "in-progress"
	StatusResolved   IncidentStatus = "resolved"
	StatusClosed     IncidentStatus = "closed"
)

// Statuses lists the lifecycle in order
var Statuses = []IncidentStatus{StatusNew, StatusInProgress, StatusResolved, StatusClosed}

// Valid reports whether s is one of the four lifecycle values
func (s IncidentStatus) Valid() bool {
	switch s {
	case StatusNew, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Active reports whether the incident still needs attention
func (s IncidentStatus) Active() bool {
	return s == StatusNew || s == StatusInProgress
}

// ConnectorType is the declared category of an external system
type ConnectorType string

const (
	TypeSIEM        ConnectorType = "siem"
	TypeEDR         ConnectorType = "edr"
	TypeCMDB        ConnectorType = "cmdb"
	TypeTicketing   ConnectorType = "ticketing"
	TypeVulnScanner ConnectorType = "vulnerability-scanner"
	TypeUnknown     ConnectorType = "unknown"
)

const defaultSyncPeriod = 5 * time.Minute

// ConnectorTypes lists every declarable type
var ConnectorTypes = []ConnectorType{TypeSIEM, TypeEDR, TypeCMDB, TypeTicketing, TypeVulnScanner}

// Valid reports whether t is a declarable connector type
func (t ConnectorType) Valid() bool {
	for _, known := range ConnectorTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ConnectorState is the live status of a configured connector
type ConnectorState string

const (
	ConnectorActive   ConnectorState = "active"
	ConnectorError    ConnectorState = "error"
	ConnectorInactive ConnectorState = "inactive"
)

// ConnectorConfig is the administrator-managed definition of one external system.
// The pipeline only ever mutates LastSync, Status and LastError.
type ConnectorConfig struct {
	ID             string         `json:"id" yaml:"id" mapstructure:"id"`
	Name           string         `json:"name" yaml:"name" mapstructure:"name"`
	Type           ConnectorType  `json:"type" yaml:"type" mapstructure:"type"`
	Implementation string         `json:"implementation,omitempty" yaml:"implementation,omitempty" mapstructure:"implementation"`
	BaseURL        string         `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	Token          string         `json:"-" yaml:"token,omitempty" mapstructure:"token"`
	Username       string         `json:"username,omitempty" yaml:"username,omitempty" mapstructure:"username"`
	Password       string         `json:"-" yaml:"password,omitempty" mapstructure:"password"`
	Enabled        bool           `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	SyncInterval   time.Duration  `json:"sync_interval" yaml:"sync_interval" mapstructure:"sync_interval"`
	LastSync       *time.Time     `json:"last_sync,omitempty" yaml:"-" mapstructure:"-"`
	Status         ConnectorState `json:"status" yaml:"-" mapstructure:"-"`
	LastError      string         `json:"last_error,omitempty" yaml:"-" mapstructure:"-"`
	Config         map[string]any `json:"config,omitempty" yaml:"config,omitempty" mapstructure:"config"`
	CreatedAt      time.Time      `json:"created_at" yaml:"-" mapstructure:"-"`
	UpdatedAt      time.Time      `json:"updated_at" yaml:"-" mapstructure:"-"`
}

// HasBearerToken reports whether the connector authenticates with a token
func (c *ConnectorConfig) HasBearerToken() bool {
	return c.Token != ""
}

// HasBasicAuth reports whether the connector authenticates with username/password
func (c *ConnectorConfig) HasBasicAuth() bool {
	return c.Username != "" && c.Password != ""
}

// Interval returns the configured sync interval or the default
func (c *ConnectorConfig) Interval() time.Duration {
	if c.SyncInterval <= 0 {
		return defaultSyncPeriod
	}
	return c.SyncInterval
}

// SyncType identifies which of the two sync operations produced a result
type SyncType string

const (
	SyncIncidents SyncType = "incidents"
	SyncAssets    SyncType = "assets"
)

// SyncResult is the outcome of exactly one sync invocation.
type SyncResult struct {
	Success        bool          `json:"success"`
	ItemsProcessed int           `json:"items_processed"`
	ItemsCreated   int           `json:"items_created"`
	ItemsUpdated   int           `json:"items_updated"`
	Errors         []string      `json:"errors"`
	FailReason     string        `json:"fail_reason,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// NewSyncResult returns an empty result that is successful until a fetch fails
func NewSyncResult() *SyncResult {
	return &SyncResult{Success: true, Errors: []string{}}
}

// AddError records a per-item failure without failing the run
func (r *SyncResult) AddError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Fail marks the whole run as failed and records the reason. The first
// reason wins.
func (r *SyncResult) Fail(err error) {
	r.Success = false
	r.Errors = append(r.Errors, err.Error())
	if r.FailReason == "" {
		r.FailReason = err.Error()
	}
}

// FailureMessage returns the message a failed run stamps on its connector:
// the fetch-level reason, or the first recorded error when there is none.
func (r *SyncResult) FailureMessage() string {
	if r.Success {
		return ""
	}
	if r.FailReason != "" {
		return r.FailReason
	}
	return r.FirstError()
}

// ErrorCount returns the number of recorded errors
func (r *SyncResult) ErrorCount() int {
	return len(r.Errors)
}

// FirstError returns the first recorded error message, if any
func (r *SyncResult) FirstError() string {
	if len(r.Errors) == 0 {
		return ""
	}
	return r.Errors[0]
}

// Health is the outcome of a connector health probe
type Health struct {
	Healthy  bool       `json:"healthy"`
	Message  string     `json:"message"`
	LastSync *time.Time `json:"last_sync,omitempty"`
}

// SyncLogStatus is the audit outcome of a run
type SyncLogStatus string

const (
	SyncLogSuccess SyncLogStatus = "success"
	SyncLogFailed  SyncLogStatus = "failed"
)

// maxLoggedErrors bounds how many error messages one audit record keeps
const maxLoggedErrors = 50

// SyncLog is the append-only audit record of one sync run
type SyncLog struct {
	ID             string        `json:"id"`
	ConnectorID    string        `json:"connector_id"`
	SyncType       SyncType      `json:"sync_type"`
	Status         SyncLogStatus `json:"status"`
	ItemsProcessed int           `json:"items_processed"`
	ItemsCreated   int           `json:"items_created"`
	ItemsUpdated   int           `json:"items_updated"`
	ErrorCount     int           `json:"error_count"`
	Errors         []string      `json:"errors,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

// NewSyncLog builds an audit record from a result
func NewSyncLog(id, connectorID string, syncType SyncType, result *SyncResult, startedAt time.Time) SyncLog {
	status := SyncLogSuccess
	if !result.Success {
		status = SyncLogFailed
	}

	errs := result.Errors
	if len(errs) > maxLoggedErrors {
		errs = errs[:maxLoggedErrors]
	}

	return SyncLog{
		ID:             id,
		ConnectorID:    connectorID,
		SyncType:       syncType,
		Status:         status,
		ItemsProcessed: result.ItemsProcessed,
		ItemsCreated:   result.ItemsCreated,
		ItemsUpdated:   result.ItemsUpdated,
		ErrorCount:     result.ErrorCount(),
		Errors:         append([]string(nil), errs...),
		StartedAt:      startedAt,
		Duration:       result.Duration,
	}
}
