// Package policy evaluates alert thresholds against the latest metrics rollup
// and connector statuses.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ppiankov/secdash/internal/models"
	"gopkg.in/yaml.v3"
)

// Policy defines alert thresholds for the security posture.
type Policy struct {
	Version string `yaml:"version"`
	Rules   Rules  `yaml:"rules"`
}

// Rules contains all configurable alert rules. A nil rule is not checked.
type Rules struct {
	MaxCriticalIncidents *int     `yaml:"max_critical_incidents,omitempty"`
	MaxActiveIncidents   *int     `yaml:"max_active_incidents,omitempty"`
	MaxConnectorErrors   *int     `yaml:"max_connector_errors,omitempty"`
	MinEDRCoverage       *float64 `yaml:"min_edr_coverage,omitempty"`
	MinAVCoverage        *float64 `yaml:"min_av_coverage,omitempty"`
	MaxFalsePositiveRate *float64 `yaml:"max_false_positive_rate,omitempty"`
	RequireConnectors    []string `yaml:"require_connectors,omitempty"`
}

// Violation is a single policy failure.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Result holds the outcome of a policy check.
type Result struct {
	Pass       bool        `json:"pass"`
	Violations []Violation `json:"violations"`
}

// LoadFromFile reads a policy file. A missing file yields nil, nil.
func LoadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read policy: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML policy document.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return &p, nil
}

// DefaultPolicyFile is the name FindPolicyFile looks for first
const DefaultPolicyFile = "secdash-policy.yaml"

// FindPolicyFile searches for a policy file in the current directory
// and parent directories up to the filesystem root.
func FindPolicyFile() string {
	names := []string{DefaultPolicyFile, "secdash-policy.yml"}

	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		for _, name := range names {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// Evaluate checks the latest snapshot and connector statuses against the rules.
// A nil snapshot fails every metrics rule that is set.
func (p *Policy) Evaluate(snap *models.MetricsSnapshot, connectors []models.ConnectorConfig) *Result {
	if p == nil {
		return &Result{Pass: true}
	}

	var violations []Violation
	add := func(rule, format string, args ...any) {
		violations = append(violations, Violation{Rule: rule, Message: fmt.Sprintf(format, args...)})
	}

	metricsRules := p.Rules.MaxCriticalIncidents != nil || p.Rules.MaxActiveIncidents != nil ||
		p.Rules.MinEDRCoverage != nil || p.Rules.MinAVCoverage != nil || p.Rules.MaxFalsePositiveRate != nil
	if snap == nil && metricsRules {
		add("metrics", "no metrics snapshot available")
	}

	if snap != nil {
		if p.Rules.MaxCriticalIncidents != nil && snap.CriticalIncidents > *p.Rules.MaxCriticalIncidents {
			add("max_critical_incidents", "critical incidents %d exceeds limit %d",
				snap.CriticalIncidents, *p.Rules.MaxCriticalIncidents)
		}

		if p.Rules.MaxActiveIncidents != nil && snap.ActiveIncidents > *p.Rules.MaxActiveIncidents {
			add("max_active_incidents", "active incidents %d exceeds limit %d",
				snap.ActiveIncidents, *p.Rules.MaxActiveIncidents)
		}

		if p.Rules.MinEDRCoverage != nil && snap.EDRCoverage < *p.Rules.MinEDRCoverage {
			add("min_edr_coverage", "EDR coverage %.1f%% below minimum %.1f%%",
				snap.EDRCoverage, *p.Rules.MinEDRCoverage)
		}

		if p.Rules.MinAVCoverage != nil && snap.AVCoverage < *p.Rules.MinAVCoverage {
			add("min_av_coverage", "AV coverage %.1f%% below minimum %.1f%%",
				snap.AVCoverage, *p.Rules.MinAVCoverage)
		}

		if p.Rules.MaxFalsePositiveRate != nil && snap.FalsePositiveRate > *p.Rules.MaxFalsePositiveRate {
			add("max_false_positive_rate", "false positive rate %.1f%% exceeds limit %.1f%%",
				snap.FalsePositiveRate, *p.Rules.MaxFalsePositiveRate)
		}
	}

	if p.Rules.MaxConnectorErrors != nil {
		var failing []string
		for _, c := range connectors {
			if c.Enabled && c.Status == models.ConnectorError {
				failing = append(failing, c.ID)
			}
		}
		if len(failing) > *p.Rules.MaxConnectorErrors {
			sort.Strings(failing)
			add("max_connector_errors", "%d connectors in error (%s) exceeds limit %d",
				len(failing), strings.Join(failing, ", "), *p.Rules.MaxConnectorErrors)
		}
	}

	if len(p.Rules.RequireConnectors) > 0 {
		enabled := make(map[string]bool, len(connectors))
		for _, c := range connectors {
			if c.Enabled {
				enabled[c.ID] = true
			}
		}
		for _, id := range p.Rules.RequireConnectors {
			if !enabled[id] {
				add("require_connectors", "required connector %q is not configured and enabled", id)
			}
		}
	}

	return &Result{
		Pass:       len(violations) == 0,
		Violations: violations,
	}
}

// SamplePolicy returns a commented policy document.
func SamplePolicy() string {
	return `# secdash alert policy
version: "1"
rules:
  max_critical_incidents: 0
  max_active_incidents: 50
  max_connector_errors: 0
  min_edr_coverage: 95
  max_false_positive_rate: 20
`
}
