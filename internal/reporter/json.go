package reporter

import (
	"encoding/json"
	"io"
	"time"

	"github.com/ppiankov/secdash/internal/health"
	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/policy"
)

// JSONReporter generates machine-readable JSON reports
type JSONReporter struct {
	writer io.Writer
	pretty bool
}

// NewJSONReporter creates a new JSON reporter
func NewJSONReporter(writer io.Writer, pretty bool) *JSONReporter {
	return &JSONReporter{
		writer: writer,
		pretty: pretty,
	}
}

// SyncReport is the JSON document for a one-shot sync
type SyncReport struct {
	SyncType models.SyncType               `json:"sync_type"`
	Results  map[string]*models.SyncResult `json:"results"`
	Failed   []string                      `json:"failed"`
}

// StatusReport is the JSON document for `secdash status`
type StatusReport struct {
	Timestamp  time.Time                `json:"timestamp"`
	Connectors []models.ConnectorConfig `json:"connectors"`
	Metrics    *models.MetricsSnapshot  `json:"metrics,omitempty"`
	Trend      *health.Trend            `json:"trend,omitempty"`
}

// CheckReport is the JSON document for `secdash check`
type CheckReport struct {
	Policy  *policy.Result          `json:"policy"`
	Metrics *models.MetricsSnapshot `json:"metrics,omitempty"`
}

// SyncResults writes a SyncReport
func (r *JSONReporter) SyncResults(syncType models.SyncType, results map[string]*models.SyncResult) error {
	failed := []string{}
	for _, id := range sortedKeys(results) {
		if !results[id].Success {
			failed = append(failed, id)
		}
	}
	return r.Generate(SyncReport{SyncType: syncType, Results: results, Failed: failed})
}

// Health writes connection test outcomes keyed by connector id
func (r *JSONReporter) Health(results map[string]bool) error {
	return r.Generate(results)
}

// Status writes a StatusReport
func (r *JSONReporter) Status(report StatusReport) error {
	if report.Connectors == nil {
		report.Connectors = []models.ConnectorConfig{}
	}
	return r.Generate(report)
}

// Check writes a CheckReport
func (r *JSONReporter) Check(result *policy.Result, snap *models.MetricsSnapshot) error {
	return r.Generate(CheckReport{Policy: result, Metrics: snap})
}

// Generate writes any value as JSON followed by a newline
func (r *JSONReporter) Generate(v any) error {
	var data []byte
	var err error

	if r.pretty {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}

	if err != nil {
		return err
	}

	_, err = r.writer.Write(data)
	if err != nil {
		return err
	}

	// Add trailing newline for terminal output
	_, err = r.writer.Write([]byte("\n"))
	return err
}
