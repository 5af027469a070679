package health

import (
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/secdash/internal/models"
)

// Trend directions
const (
	TrendImproving = "improving"
	TrendDegrading = "degrading"
	TrendStable    = "stable"
)

// Trend compares active incident counts between two snapshots
type Trend struct {
	Direction      string    `json:"direction"`
	PreviousActive int       `json:"previous_active"`
	CurrentActive  int       `json:"current_active"`
	ChangePercent  float64   `json:"change_percent"`
	CriticalChange int       `json:"critical_change"`
	CoverageChange float64   `json:"edr_coverage_change"`
	ComparedWith   time.Time `json:"compared_with"`
}

// CalculateTrend compares current with previous. It returns nil without a previous snapshot.
func CalculateTrend(current, previous *models.MetricsSnapshot) *Trend {
	if current == nil || previous == nil {
		return nil
	}

	trend := &Trend{
		PreviousActive: previous.ActiveIncidents,
		CurrentActive:  current.ActiveIncidents,
		CriticalChange: current.CriticalIncidents - previous.CriticalIncidents,
		CoverageChange: round1(current.EDRCoverage - previous.EDRCoverage),
		ComparedWith:   previous.Timestamp,
	}

	change := current.ActiveIncidents - previous.ActiveIncidents
	if previous.ActiveIncidents > 0 {
		trend.ChangePercent = round1(float64(change) / float64(previous.ActiveIncidents) * 100.0)
	}

	switch {
	case change < 0:
		trend.Direction = TrendImproving
	case change > 0:
		trend.Direction = TrendDegrading
	default:
		trend.Direction = TrendStable
	}
	return trend
}

// Sparkline returns active incident counts over a history, oldest first
func Sparkline(history []models.MetricsSnapshot) []int {
	points := make([]int, len(history))
	for i, snap := range history {
		points[i] = snap.ActiveIncidents
	}
	return points
}

// CompareSnapshots renders a short human-readable comparison
func CompareSnapshots(current, previous *models.MetricsSnapshot) string {
	if previous == nil {
		return "No previous snapshot to compare with"
	}
	trend := CalculateTrend(current, previous)

	var b strings.Builder
	fmt.Fprintf(&b, "Comparison: %s vs %s\n\n",
		current.Timestamp.Format(time.RFC3339), previous.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Active incidents: %d → %d (%.1f%% %s)\n",
		trend.PreviousActive, trend.CurrentActive, trend.ChangePercent, trend.Direction)

	for _, sev := range models.Severities {
		prev, curr := previous.IncidentsBySeverity[sev], current.IncidentsBySeverity[sev]
		if prev == curr {
			continue
		}
		fmt.Fprintf(&b, "  %s: %d → %d (%+d)\n", sev, prev, curr, curr-prev)
	}
	if trend.CoverageChange != 0 {
		fmt.Fprintf(&b, "EDR coverage: %.1f%% → %.1f%%\n", previous.EDRCoverage, current.EDRCoverage)
	}
	return b.String()
}

// TrendIndicator returns an arrow for a trend direction
func TrendIndicator(direction string) string {
	switch direction {
	case TrendImproving:
		return "↓"
	case TrendDegrading:
		return "↑"
	case TrendStable:
		return "→"
	default:
		return "?"
	}
}
