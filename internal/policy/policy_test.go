package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/secdash/internal/models"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func baseSnapshot() *models.MetricsSnapshot {
	return &models.MetricsSnapshot{
		ActiveIncidents:   12,
		CriticalIncidents: 2,
		EDRCoverage:       90.0,
		AVCoverage:        99.5,
		FalsePositiveRate: 10.0,
		TotalAssets:       200,
	}
}

func baseConnectors() []models.ConnectorConfig {
	return []models.ConnectorConfig{
		{ID: "falcon", Enabled: true, Status: models.ConnectorActive},
		{ID: "snow", Enabled: true, Status: models.ConnectorError},
		{ID: "old", Enabled: false, Status: models.ConnectorError},
	}
}

func TestEvaluateNilPolicy(t *testing.T) {
	var p *Policy
	result := p.Evaluate(baseSnapshot(), baseConnectors())
	if !result.Pass {
		t.Error("nil policy should pass")
	}
}

func TestMaxCriticalIncidents(t *testing.T) {
	pass := &Policy{Rules: Rules{MaxCriticalIncidents: intPtr(2)}}
	if result := pass.Evaluate(baseSnapshot(), nil); !result.Pass {
		t.Errorf("expected pass, got violations: %v", result.Violations)
	}

	fail := &Policy{Rules: Rules{MaxCriticalIncidents: intPtr(0)}}
	result := fail.Evaluate(baseSnapshot(), nil)
	if result.Pass {
		t.Fatal("expected fail: 2 critical exceeds limit 0")
	}
	if result.Violations[0].Rule != "max_critical_incidents" {
		t.Errorf("expected max_critical_incidents, got %s", result.Violations[0].Rule)
	}
}

func TestMaxActiveIncidents(t *testing.T) {
	p := &Policy{Rules: Rules{MaxActiveIncidents: intPtr(10)}}
	result := p.Evaluate(baseSnapshot(), nil)
	if result.Pass {
		t.Fatal("expected fail: 12 active exceeds limit 10")
	}
	if result.Violations[0].Rule != "max_active_incidents" {
		t.Errorf("expected max_active_incidents, got %s", result.Violations[0].Rule)
	}
}

func TestMinEDRCoverage(t *testing.T) {
	pass := &Policy{Rules: Rules{MinEDRCoverage: floatPtr(90.0)}}
	if result := pass.Evaluate(baseSnapshot(), nil); !result.Pass {
		t.Errorf("expected pass (90 >= 90), got violations: %v", result.Violations)
	}

	fail := &Policy{Rules: Rules{MinEDRCoverage: floatPtr(95.0)}}
	result := fail.Evaluate(baseSnapshot(), nil)
	if result.Pass {
		t.Fatal("expected fail: 90 < 95")
	}
	if !strings.Contains(result.Violations[0].Message, "90.0%") {
		t.Errorf("message should carry coverage: %s", result.Violations[0].Message)
	}
}

func TestMaxFalsePositiveRate(t *testing.T) {
	p := &Policy{Rules: Rules{MaxFalsePositiveRate: floatPtr(5.0)}}
	result := p.Evaluate(baseSnapshot(), nil)
	if result.Pass {
		t.Fatal("expected fail: 10% exceeds 5%")
	}
	if result.Violations[0].Rule != "max_false_positive_rate" {
		t.Errorf("expected max_false_positive_rate, got %s", result.Violations[0].Rule)
	}
}

func TestMaxConnectorErrorsIgnoresDisabled(t *testing.T) {
	pass := &Policy{Rules: Rules{MaxConnectorErrors: intPtr(1)}}
	if result := pass.Evaluate(nil, baseConnectors()); !result.Pass {
		t.Errorf("expected pass (one enabled connector in error), got %v", result.Violations)
	}

	fail := &Policy{Rules: Rules{MaxConnectorErrors: intPtr(0)}}
	result := fail.Evaluate(nil, baseConnectors())
	if result.Pass {
		t.Fatal("expected fail: snow is in error")
	}
	if !strings.Contains(result.Violations[0].Message, "snow") {
		t.Errorf("message should name the connector: %s", result.Violations[0].Message)
	}
	if strings.Contains(result.Violations[0].Message, "old") {
		t.Errorf("disabled connector should not count: %s", result.Violations[0].Message)
	}
}

func TestRequireConnectors(t *testing.T) {
	p := &Policy{Rules: Rules{RequireConnectors: []string{"falcon", "old", "splunk"}}}
	result := p.Evaluate(nil, baseConnectors())
	if len(result.Violations) != 2 {
		t.Fatalf("expected 2 violations (old disabled, splunk missing), got %v", result.Violations)
	}
}

func TestMissingSnapshotFailsMetricsRules(t *testing.T) {
	p := &Policy{Rules: Rules{MaxCriticalIncidents: intPtr(5)}}
	result := p.Evaluate(nil, nil)
	if result.Pass {
		t.Fatal("expected fail without a snapshot")
	}
	if result.Violations[0].Rule != "metrics" {
		t.Errorf("expected metrics violation, got %s", result.Violations[0].Rule)
	}

	connectorsOnly := &Policy{Rules: Rules{MaxConnectorErrors: intPtr(5)}}
	if result := connectorsOnly.Evaluate(nil, nil); !result.Pass {
		t.Errorf("connector rules should not need a snapshot: %v", result.Violations)
	}
}

func TestMultipleViolations(t *testing.T) {
	p := &Policy{
		Rules: Rules{
			MaxCriticalIncidents: intPtr(0),
			MaxActiveIncidents:   intPtr(0),
			MinEDRCoverage:       floatPtr(99.0),
		},
	}
	result := p.Evaluate(baseSnapshot(), nil)
	if result.Pass {
		t.Error("expected fail")
	}
	if len(result.Violations) != 3 {
		t.Errorf("expected 3 violations, got %d: %v", len(result.Violations), result.Violations)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secdash-policy.yaml")

	content := `version: "1"
rules:
  max_critical_incidents: 0
  max_connector_errors: 1
  min_edr_coverage: 95.5
  require_connectors:
    - falcon
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if p == nil {
		t.Fatal("expected policy, got nil")
	}
	if p.Version != "1" {
		t.Errorf("expected version 1, got %s", p.Version)
	}
	if p.Rules.MaxCriticalIncidents == nil || *p.Rules.MaxCriticalIncidents != 0 {
		t.Errorf("expected max_critical_incidents 0, got %v", p.Rules.MaxCriticalIncidents)
	}
	if p.Rules.MinEDRCoverage == nil || *p.Rules.MinEDRCoverage != 95.5 {
		t.Errorf("expected min_edr_coverage 95.5, got %v", p.Rules.MinEDRCoverage)
	}
	if p.Rules.MaxActiveIncidents != nil {
		t.Errorf("unset rule should stay nil, got %v", *p.Rules.MaxActiveIncidents)
	}
	if len(p.Rules.RequireConnectors) != 1 || p.Rules.RequireConnectors[0] != "falcon" {
		t.Errorf("expected require falcon, got %v", p.Rules.RequireConnectors)
	}
}

func TestLoadFromFileNotFound(t *testing.T) {
	p, err := LoadFromFile("/nonexistent/path")
	if err != nil {
		t.Errorf("expected nil error for missing file, got %v", err)
	}
	if p != nil {
		t.Error("expected nil policy for missing file")
	}
}

func TestParseRejectsUnknownRule(t *testing.T) {
	_, err := Parse([]byte("rules:\n  max_issues: 3\n"))
	if err == nil {
		t.Fatal("expected error for unknown rule")
	}
}

func TestParseEmpty(t *testing.T) {
	p, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if result := p.Evaluate(nil, nil); !result.Pass {
		t.Errorf("empty policy should pass, got %v", result.Violations)
	}
}

func TestSamplePolicyParses(t *testing.T) {
	p, err := Parse([]byte(SamplePolicy()))
	if err != nil {
		t.Fatalf("sample policy: %v", err)
	}
	if p.Rules.MinEDRCoverage == nil {
		t.Error("sample should set min_edr_coverage")
	}
}

func TestFindPolicyFile(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "secdash-policy.yaml")
	if err := os.WriteFile(want, []byte(SamplePolicy()), 0644); err != nil {
		t.Fatal(err)
	}

	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(orig) })
	if err := os.Chdir(nested); err != nil {
		t.Fatal(err)
	}

	got := FindPolicyFile()
	// TempDir may sit behind a symlink, compare resolved paths
	gotResolved, _ := filepath.EvalSymlinks(got)
	wantResolved, _ := filepath.EvalSymlinks(want)
	if gotResolved != wantResolved {
		t.Errorf("FindPolicyFile() = %s, want %s", got, want)
	}
}
