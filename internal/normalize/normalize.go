// Package normalize maps source-system severity and status vocabularies
// into the closed taxonomies stored by the pipeline. Every function is total:
// unknown input falls into the lowest severity bucket or the "new" status.
package normalize

import (
	"strconv"
	"strings"

	"github.com/ppiankov/secdash/internal/models"
)

// Thresholds buckets a numeric score into the four severity levels.
// A score >= Critical is critical, >= High is high, >= Medium is medium, else low.
type Thresholds struct {
	Critical float64
	High     float64
	Medium   float64
}

// DefaultScoreThresholds buckets 1-100 scores (EDR detections).
var DefaultScoreThresholds = Thresholds{Critical: 70, High: 50, Medium: 30}

// RiskScoreThresholds buckets 0-10 risk/CVSS-like scores.
var RiskScoreThresholds = Thresholds{Critical: 9, High: 7, Medium: 4}

// SeverityFromScore buckets a numeric score.
func SeverityFromScore(score float64, t Thresholds) models.Severity {
	switch {
	case score >= t.Critical:
		return models.SeverityCritical
	case score >= t.High:
		return models.SeverityHigh
	case score >= t.Medium:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// SeverityFromPriority maps a 1-5 incident priority code, 1 being most urgent.
func SeverityFromPriority(code string) models.Severity {
	switch leadingCode(code) {
	case "1":
		return models.SeverityCritical
	case "2":
		return models.SeverityHigh
	case "3":
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// Severity maps a named severity tier. Numeric strings are treated as
// 1-100 scores.
func Severity(raw string) models.Severity {
	v := canonical(raw)

	if score, err := strconv.ParseFloat(v, 64); err == nil {
		return SeverityFromScore(score, DefaultScoreThresholds)
	}

	switch v {
	case "critical", "crit", "fatal", "emergency", "sev1", "sev-1", "p1", "very_high", "urgent":
		return models.SeverityCritical
	case "high", "major", "error", "sev2", "sev-2", "p2", "severe":
		return models.SeverityHigh
	case "medium", "moderate", "warning", "warn", "sev3", "sev-3", "p3", "minor":
		return models.SeverityMedium
	case "low", "info", "informational", "notice", "sev4", "sev-4", "p4", "p5", "none":
		return models.SeverityLow
	default:
		return models.SeverityLow
	}
}

// Status maps a lifecycle vocabulary into the four incident states.
func Status(raw string) models.IncidentStatus {
	switch canonical(raw) {
	case "new", "open", "unassigned", "created", "pending", "detected", "active":
		return models.StatusNew
	case "in_progress", "in-progress", "inprogress", "investigating", "assigned",
		"on_hold", "triaged", "acknowledged", "working", "true_positive":
		return models.StatusInProgress
	case "resolved", "fixed", "remediated", "mitigated", "done", "contained":
		return models.StatusResolved
	case "closed", "cancelled", "canceled", "false_positive", "ignored", "dismissed":
		return models.StatusClosed
	default:
		return models.StatusNew
	}
}

// ServiceNowState maps the numeric incident state codes of ticketing systems.
func ServiceNowState(code string) models.IncidentStatus {
	switch strings.TrimSpace(code) {
	case "1":
		return models.StatusNew
	case "2", "3":
		return models.StatusInProgress
	case "6":
		return models.StatusResolved
	case "7", "8":
		return models.StatusClosed
	default:
		return Status(code)
	}
}

// Criticality maps an asset business-criticality label.
func Criticality(raw string) models.Severity {
	// ServiceNow style "1 - most critical"
	switch leadingCode(raw) {
	case "1":
		return models.SeverityCritical
	case "2":
		return models.SeverityHigh
	case "3":
		return models.SeverityMedium
	}

	switch canonical(raw) {
	case "mission_critical", "critical", "tier0", "tier_0":
		return models.SeverityCritical
	case "high", "tier1", "tier_1":
		return models.SeverityHigh
	case "medium", "tier2", "tier_2":
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// AssetType maps a source device class into the stored asset types.
func AssetType(raw string) string {
	v := canonical(raw)
	switch {
	case strings.Contains(v, "server"), v == "cmdb_ci_server", v == "cmdb_ci_linux_server", v == "cmdb_ci_win_server":
		return models.AssetServer
	case strings.Contains(v, "workstation"), strings.Contains(v, "desktop"), strings.Contains(v, "laptop"), v == "cmdb_ci_computer":
		return models.AssetWorkstation
	case strings.Contains(v, "router"), strings.Contains(v, "switch"), strings.Contains(v, "firewall"), strings.Contains(v, "netgear"):
		return models.AssetNetwork
	case strings.Contains(v, "cloud"), strings.Contains(v, "vm_instance"), strings.Contains(v, "container"):
		return models.AssetCloud
	case strings.Contains(v, "mobile"), strings.Contains(v, "phone"), strings.Contains(v, "tablet"):
		return models.AssetMobile
	default:
		return models.AssetOther
	}
}

// canonical lowercases and replaces spaces with underscores.
func canonical(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	return strings.ReplaceAll(v, " ", "_")
}

// leadingCode extracts the integer code from values like "1 - Critical".
// The code must be the whole first token, so "10" stays "10" and "1x"
// yields no code.
func leadingCode(raw string) string {
	raw = strings.TrimSpace(raw)
	end := 0
	for end < len(raw) && raw[end] >= '0' && raw[end] <= '9' {
		end++
	}
	if end == 0 {
		return ""
	}
	if end < len(raw) {
		next := raw[end]
		if next != ' ' && next != '-' && next != '.' && next != ':' && next != '\t' {
			return ""
		}
	}
	return raw[:end]
}
