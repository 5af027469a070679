package models

import "time"

// Incident is a normalized incident or alert. (Source, SourceID) is unique.
type Incident struct {
	ID             string         `json:"id"`
	Source         string         `json:"source"`
	SourceID       string         `json:"source_id"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Severity       Severity       `json:"severity"`
	Status         IncidentStatus `json:"status"`
	DetectedAt     time.Time      `json:"detected_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	AffectedAssets []string       `json:"affected_assets,omitempty"`
	IOCs           map[string]any `json:"iocs,omitempty"`
	FalsePositive  bool           `json:"false_positive"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IncidentUpdate carries the mutable fields written on a repeat sighting
type IncidentUpdate struct {
	Status        IncidentStatus
	ResolvedAt    *time.Time
	FalsePositive bool
	UpdatedAt     time.Time
}

// Apply writes the update onto an incident
func (u IncidentUpdate) Apply(inc *Incident) {
	inc.Status = u.Status
	inc.ResolvedAt = u.ResolvedAt
	inc.FalsePositive = u.FalsePositive
	inc.UpdatedAt = u.UpdatedAt
}

// Compliance states for assets
const (
	ComplianceCompliant    = "compliant"
	ComplianceNonCompliant = "non-compliant"
	ComplianceUnknown      = "unknown"
)

// Asset types
const (
	AssetServer      = "server"
	AssetWorkstation = "workstation"
	AssetNetwork     = "network"
	AssetCloud       = "cloud"
	AssetMobile      = "mobile"
	AssetOther       = "other"
)

// Asset is a normalized inventory record. Identity is a best-effort
// hostname-or-IP match; duplicate hostnames are possible.
type Asset struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Hostname         string     `json:"hostname,omitempty"`
	IPAddress        string     `json:"ip_address,omitempty"`
	Type             string     `json:"type"`
	Department       string     `json:"department,omitempty"`
	Criticality      Severity   `json:"criticality"`
	OS               string     `json:"os,omitempty"`
	EDRInstalled     bool       `json:"edr_installed"`
	AVInstalled      bool       `json:"av_installed"`
	ComplianceStatus string     `json:"compliance_status"`
	LastScan         *time.Time `json:"last_scan,omitempty"`
	Source           string     `json:"source"`
	SourceID         string     `json:"source_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// AssetUpdate carries the fields refreshed on a repeat sighting.
// Nil flags and empty OS leave the stored value untouched.
type AssetUpdate struct {
	OS           string
	EDRInstalled *bool
	AVInstalled  *bool
	LastScan     time.Time
	UpdatedAt    time.Time
}

// Apply writes the update onto an asset
func (u AssetUpdate) Apply(a *Asset) {
	if u.OS != "" {
		a.OS = u.OS
	}
	if u.EDRInstalled != nil {
		a.EDRInstalled = *u.EDRInstalled
	}
	if u.AVInstalled != nil {
		a.AVInstalled = *u.AVInstalled
	}
	scan := u.LastScan
	a.LastScan = &scan
	a.UpdatedAt = u.UpdatedAt
}

// Bool returns a pointer to b
func Bool(b bool) *bool {
	return &b
}
