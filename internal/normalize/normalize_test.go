package normalize

import (
	"testing"

	"github.com/ppiankov/secdash/internal/models"
)

func TestSeverityFromScoreDefaultThresholds(t *testing.T) {
	tests := []struct {
		score float64
		want  models.Severity
	}{
		{100, models.SeverityCritical},
		{75, models.SeverityCritical},
		{70, models.SeverityCritical},
		{69, models.SeverityHigh},
		{50, models.SeverityHigh},
		{45, models.SeverityMedium},
		{30, models.SeverityMedium},
		{29, models.SeverityLow},
		{0, models.SeverityLow},
		{-5, models.SeverityLow},
	}

	for _, tt := range tests {
		got := SeverityFromScore(tt.score, DefaultScoreThresholds)
		if got != tt.want {
			t.Errorf("SeverityFromScore(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestSeverityFromPriority(t *testing.T) {
	tests := map[string]models.Severity{
		"1":            models.SeverityCritical,
		"1 - Critical": models.SeverityCritical,
		"2":            models.SeverityHigh,
		"3":            models.SeverityMedium,
		"4":            models.SeverityLow,
		"5":            models.SeverityLow,
		"":             models.SeverityLow,
		"banana":       models.SeverityLow,
		"10":           models.SeverityLow,
		"1x":           models.SeverityLow,
		"12 - Planned": models.SeverityLow,
		"2-High":       models.SeverityHigh,
	}

	for in, want := range tests {
		if got := SeverityFromPriority(in); got != want {
			t.Errorf("SeverityFromPriority(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSeverityNamedTiers(t *testing.T) {
	tests := map[string]models.Severity{
		"Critical":      models.SeverityCritical,
		"SEV1":          models.SeverityCritical,
		"high":          models.SeverityHigh,
		"Major":         models.SeverityHigh,
		"medium":        models.SeverityMedium,
		"Warning":       models.SeverityMedium,
		"informational": models.SeverityLow,
		"75":            models.SeverityCritical,
		"45":            models.SeverityMedium,
		"":              models.SeverityLow,
		"unheard-of":    models.SeverityLow,
	}

	for in, want := range tests {
		if got := Severity(in); got != want {
			t.Errorf("Severity(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSeverityIsTotal(t *testing.T) {
	inputs := []string{"", " ", "??", "critical", "CRIT", "0", "101", "p9", "null", "in progress"}
	for _, in := range inputs {
		if got := Severity(in); !got.Valid() {
			t.Errorf("Severity(%q) produced invalid value %q", in, got)
		}
		if got := SeverityFromPriority(in); !got.Valid() {
			t.Errorf("SeverityFromPriority(%q) produced invalid value %q", in, got)
		}
		if got := Criticality(in); !got.Valid() {
			t.Errorf("Criticality(%q) produced invalid value %q", in, got)
		}
	}
}

func TestStatus(t *testing.T) {
	tests := map[string]models.IncidentStatus{
		"new":            models.StatusNew,
		"Open":           models.StatusNew,
		"in_progress":    models.StatusInProgress,
		"In Progress":    models.StatusInProgress,
		"investigating":  models.StatusInProgress,
		"true_positive":  models.StatusInProgress,
		"resolved":       models.StatusResolved,
		"closed":         models.StatusClosed,
		"false_positive": models.StatusClosed,
		"":               models.StatusNew,
		"whatever":       models.StatusNew,
	}

	for in, want := range tests {
		if got := Status(in); got != want {
			t.Errorf("Status(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestStatusIsDeterministic(t *testing.T) {
	for _, in := range []string{"open", "closed", "nonsense", "Resolved"} {
		first := Status(in)
		for i := 0; i < 5; i++ {
			if got := Status(in); got != first {
				t.Fatalf("Status(%q) not deterministic: %s vs %s", in, first, got)
			}
		}
	}
}

func TestServiceNowState(t *testing.T) {
	tests := map[string]models.IncidentStatus{
		"1": models.StatusNew,
		"2": models.StatusInProgress,
		"3": models.StatusInProgress,
		"6": models.StatusResolved,
		"7": models.StatusClosed,
		"8": models.StatusClosed,
		"9": models.StatusNew,
	}

	for in, want := range tests {
		if got := ServiceNowState(in); got != want {
			t.Errorf("ServiceNowState(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestCriticality(t *testing.T) {
	tests := map[string]models.Severity{
		"1 - most critical":     models.SeverityCritical,
		"2 - somewhat critical": models.SeverityHigh,
		"3 - less critical":     models.SeverityMedium,
		"4 - not critical":      models.SeverityLow,
		"mission critical":      models.SeverityCritical,
		"":                      models.SeverityLow,
		"10":                    models.SeverityLow,
		"1x":                    models.SeverityLow,
	}

	for in, want := range tests {
		if got := Criticality(in); got != want {
			t.Errorf("Criticality(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestAssetType(t *testing.T) {
	tests := map[string]string{
		"cmdb_ci_linux_server": models.AssetServer,
		"Server":               models.AssetServer,
		"Workstation":          models.AssetWorkstation,
		"Laptop":               models.AssetWorkstation,
		"cmdb_ci_computer":     models.AssetWorkstation,
		"Firewall":             models.AssetNetwork,
		"Mobile Phone":         models.AssetMobile,
		"cloud vm":             models.AssetCloud,
		"":                     models.AssetOther,
	}

	for in, want := range tests {
		if got := AssetType(in); got != want {
			t.Errorf("AssetType(%q) = %s, want %s", in, got, want)
		}
	}
}
