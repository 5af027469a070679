// Package reporter renders sync results, connector status and metrics for terminals and scripts.
package reporter

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/ppiankov/secdash/internal/health"
	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/policy"
)

const rule = "--------------------------------------------------\n"

// TextReporter generates human-readable text reports
type TextReporter struct {
	writer io.Writer
	ok     func(a ...interface{}) string
	warn   func(a ...interface{}) string
	bad    func(a ...interface{}) string
	bold   func(a ...interface{}) string
}

// NewTextReporter creates a new text reporter. Colors follow color.NoColor.
func NewTextReporter(writer io.Writer) *TextReporter {
	return &TextReporter{
		writer: writer,
		ok:     color.New(color.FgGreen).SprintFunc(),
		warn:   color.New(color.FgYellow).SprintFunc(),
		bad:    color.New(color.FgRed, color.Bold).SprintFunc(),
		bold:   color.New(color.Bold).SprintFunc(),
	}
}

// SyncResults prints one line per connector run plus its errors
func (r *TextReporter) SyncResults(syncType models.SyncType, results map[string]*models.SyncResult) error {
	r.printf("%s\n", r.bold(fmt.Sprintf("Sync %s", syncType)))
	r.printf(rule)

	if len(results) == 0 {
		r.printf("  No enabled connectors\n")
		return nil
	}

	var failed, processed, created, updated int
	for _, id := range sortedKeys(results) {
		res := results[id]
		processed += res.ItemsProcessed
		created += res.ItemsCreated
		updated += res.ItemsUpdated

		state := r.ok("OK")
		switch {
		case !res.Success:
			state = r.bad("FAILED")
			failed++
		case res.ErrorCount() > 0:
			state = r.warn("PARTIAL")
		}

		r.printf("  %-24s %s  processed=%d created=%d updated=%d errors=%d (%s)\n",
			id, state, res.ItemsProcessed, res.ItemsCreated, res.ItemsUpdated,
			res.ErrorCount(), res.Duration.Round(time.Millisecond))

		for i, msg := range res.Errors {
			if i == 5 {
				r.printf("      ... %d more\n", len(res.Errors)-i)
				break
			}
			r.printf("      - %s\n", msg)
		}
	}

	r.printf("\n  Total: %d processed, %d created, %d updated, %d of %d connectors failed\n",
		processed, created, updated, failed, len(results))
	return nil
}

// Connectors prints the configured connectors and their live status
func (r *TextReporter) Connectors(configs []models.ConnectorConfig) error {
	r.printf("%s\n", r.bold("Connectors"))
	r.printf(rule)

	if len(configs) == 0 {
		r.printf("  No connectors configured\n")
		return nil
	}

	for _, c := range configs {
		lastSync := "never"
		if c.LastSync != nil {
			lastSync = formatTimestamp(*c.LastSync)
		}
		enabled := ""
		if !c.Enabled {
			enabled = " (disabled)"
		}

		r.printf("  %-24s %-10s %-22s last sync %s%s\n",
			c.ID, c.Type, r.state(c.Status), lastSync, enabled)
		if c.LastError != "" {
			r.printf("      last error: %s\n", c.LastError)
		}
	}
	return nil
}

// Health prints connection test outcomes
func (r *TextReporter) Health(results map[string]bool) error {
	r.printf("%s\n", r.bold("Connection tests"))
	r.printf(rule)

	if len(results) == 0 {
		r.printf("  No enabled connectors\n")
		return nil
	}

	for _, id := range sortedKeys(results) {
		state := r.ok("healthy")
		if !results[id] {
			state = r.bad("unreachable")
		}
		r.printf("  %-24s %s\n", id, state)
	}
	return nil
}

// Metrics prints a snapshot and, when available, its trend
func (r *TextReporter) Metrics(snap *models.MetricsSnapshot, trend *health.Trend) error {
	r.printf("%s\n", r.bold("Security metrics"))
	r.printf(rule)

	if snap == nil {
		r.printf("  No metrics computed yet\n")
		return nil
	}

	r.printf("  Computed: %s\n", formatTimestamp(snap.Timestamp))
	r.printf("  Active incidents: %d", snap.ActiveIncidents)
	if trend != nil {
		r.printf(" %s %.1f%% since %s", health.TrendIndicator(trend.Direction),
			trend.ChangePercent, formatTimestamp(trend.ComparedWith))
	}
	r.printf("\n")

	critical := fmt.Sprintf("%d", snap.CriticalIncidents)
	if snap.CriticalIncidents > 0 {
		critical = r.bad(critical)
	}
	r.printf("  Critical incidents: %s\n", critical)

	r.printf("\n  By severity:\n")
	for _, sev := range models.Severities {
		r.printf("    %-10s %d\n", strings.Title(string(sev)), snap.IncidentsBySeverity[sev])
	}
	if len(snap.IncidentsByStatus) > 0 {
		r.printf("\n  By status:\n")
		for _, st := range models.Statuses {
			r.printf("    %-12s %d\n", st, snap.IncidentsByStatus[st])
		}
	}

	r.printf("\n  MTTD: %.1f min   MTTR: %.1f min\n", snap.MTTDMinutes, snap.MTTRMinutes)
	r.printf("  Alert volume (24h): %d\n", snap.AlertVolume24h)
	r.printf("  False positive rate: %.1f%%\n", snap.FalsePositiveRate)
	r.printf("\n  Assets: %d (%d non-compliant)\n", snap.TotalAssets, snap.NonCompliantAssets)
	r.printf("  EDR coverage: %s   AV coverage: %s\n", r.coverage(snap.EDRCoverage), r.coverage(snap.AVCoverage))
	return nil
}

// Policy prints a policy evaluation
func (r *TextReporter) Policy(result *policy.Result) error {
	r.printf("%s\n", r.bold("Policy check"))
	r.printf(rule)

	if result.Pass {
		r.printf("  %s\n", r.ok("PASS"))
		return nil
	}

	r.printf("  %s (%d violations)\n", r.bad("FAIL"), len(result.Violations))
	for _, v := range result.Violations {
		r.printf("    [%s] %s\n", v.Rule, v.Message)
	}
	return nil
}

func (r *TextReporter) state(s models.ConnectorState) string {
	switch s {
	case models.ConnectorActive:
		return r.ok(string(s))
	case models.ConnectorError:
		return r.bad(string(s))
	default:
		return r.warn(string(s))
	}
}

func (r *TextReporter) coverage(pct float64) string {
	text := fmt.Sprintf("%.1f%%", pct)
	switch {
	case pct >= 95:
		return r.ok(text)
	case pct >= 80:
		return r.warn(text)
	default:
		return r.bad(text)
	}
}

// printf is a helper to write formatted output
func (r *TextReporter) printf(format string, args ...interface{}) {
	fmt.Fprintf(r.writer, format, args...)
}

// formatTimestamp formats a timestamp for display
func formatTimestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
