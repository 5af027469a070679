package tui

import (
	"fmt"
	"strings"

	"github.com/ppiankov/secdash/internal/health"
	"github.com/ppiankov/secdash/internal/models"
)

// headerHeight is the number of terminal lines the header occupies.
const headerHeight = 6

// renderHeader produces the header string from the board data.
func renderHeader(board Board, width int) string {
	var b strings.Builder

	// Line 1: title and connector counts
	counts := map[models.ConnectorState]int{}
	for _, c := range board.Connectors {
		if c.Enabled {
			counts[c.Status]++
		}
	}
	b.WriteString(fmt.Sprintf("secdash  Connectors: %d  %s  %s  %s",
		len(board.Connectors),
		stateStyle(models.ConnectorActive).Render(fmt.Sprintf("ok:%d", counts[models.ConnectorActive])),
		stateStyle(models.ConnectorError).Render(fmt.Sprintf("error:%d", counts[models.ConnectorError])),
		stateStyle(models.ConnectorInactive).Render(fmt.Sprintf("idle:%d", counts[models.ConnectorInactive])),
	))
	b.WriteString("\n")

	snap := board.Metrics
	if snap == nil {
		b.WriteString("No metrics computed yet\n\n")
	} else {
		// Line 2: incidents and trend
		b.WriteString(fmt.Sprintf("Active incidents: %d  Critical: %s",
			snap.ActiveIncidents,
			severityStyle(models.SeverityCritical).Render(fmt.Sprintf("%d", snap.CriticalIncidents))))
		if board.Trend != nil {
			b.WriteString(fmt.Sprintf("  %s %.1f%%", health.TrendIndicator(board.Trend.Direction), board.Trend.ChangePercent))
		}
		b.WriteString("\n")

		// Line 3: severity breakdown
		sevParts := make([]string, 0, len(models.Severities))
		for _, sev := range models.Severities {
			if count := snap.IncidentsBySeverity[sev]; count > 0 {
				label := fmt.Sprintf("%s:%d", strings.ToUpper(string(sev)[:1]), count)
				sevParts = append(sevParts, severityStyle(sev).Render(label))
			}
		}
		b.WriteString(strings.Join(sevParts, "  "))
		b.WriteString("\n")

		// Line 4: coverage
		b.WriteString(fmt.Sprintf("Assets: %d  EDR: %s  AV: %s  MTTR: %.0fm",
			snap.TotalAssets,
			coverageStyle(snap.EDRCoverage).Render(fmt.Sprintf("%.1f%%", snap.EDRCoverage)),
			coverageStyle(snap.AVCoverage).Render(fmt.Sprintf("%.1f%%", snap.AVCoverage)),
			snap.MTTRMinutes))
		b.WriteString("\n")
	}

	// Line 5: sparkline
	if len(board.Sparkline) > 0 {
		b.WriteString("Active: ")
		b.WriteString(renderSparkline(board.Sparkline))
	}

	return styleHeader.Width(width).Render(b.String())
}

// renderSparkline converts an int slice to a unicode sparkline string.
func renderSparkline(values []int) string {
	if len(values) == 0 {
		return ""
	}

	bars := []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

	lo, hi := values[0], values[0]
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	var b strings.Builder
	for _, v := range values {
		if hi == lo {
			b.WriteRune(bars[len(bars)/2])
		} else {
			normalized := float64(v-lo) / float64(hi-lo)
			idx := int(normalized * float64(len(bars)-1))
			b.WriteRune(bars[idx])
		}
	}

	b.WriteString(fmt.Sprintf(" [%d→%d]", values[0], values[len(values)-1]))
	return b.String()
}
