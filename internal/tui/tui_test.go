package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/ppiankov/secdash/internal/health"
	"github.com/ppiankov/secdash/internal/models"
)

func testConnectors() []models.ConnectorConfig {
	early := time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)
	late := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	return []models.ConnectorConfig{
		{ID: "snow", Name: "ServiceNow", Type: models.TypeCMDB, Implementation: "servicenow", Enabled: true,
			Status: models.ConnectorActive, LastSync: &early, BaseURL: "https://snow.example.com"},
		{ID: "falcon", Name: "Falcon", Type: models.TypeEDR, Implementation: "crowdstrike", Enabled: true,
			Status: models.ConnectorError, LastSync: &late, LastError: "HTTP 401 unauthorized"},
		{ID: "splunk", Type: models.TypeSIEM, Enabled: true, Status: models.ConnectorInactive},
		{ID: "jira", Type: models.TypeTicketing, Enabled: false, Status: models.ConnectorInactive},
	}
}

func testBoard() Board {
	return Board{
		Connectors: testConnectors(),
		Metrics: &models.MetricsSnapshot{
			ActiveIncidents:   7,
			CriticalIncidents: 2,
			IncidentsBySeverity: map[models.Severity]int{
				models.SeverityCritical: 2,
				models.SeverityHigh:     5,
			},
			TotalAssets: 40,
			EDRCoverage: 87.5,
			AVCoverage:  100,
			MTTRMinutes: 95,
		},
		Trend:     &health.Trend{Direction: health.TrendImproving, ChangePercent: -12.5},
		Sparkline: []int{9, 8, 7},
	}
}

func ids(connectors []models.ConnectorConfig) string {
	out := make([]string, len(connectors))
	for i, c := range connectors {
		out[i] = c.ID
	}
	return strings.Join(out, ",")
}

// --- Filter tests ---

func TestApplyFiltersNoFilter(t *testing.T) {
	all := testConnectors()
	result := applyFilters(all, filterState{})
	if len(result) != len(all) {
		t.Errorf("expected %d connectors, got %d", len(all), len(result))
	}
}

func TestApplyFiltersType(t *testing.T) {
	result := applyFilters(testConnectors(), filterState{Type: models.TypeEDR})
	if ids(result) != "falcon" {
		t.Errorf("expected falcon, got %s", ids(result))
	}
}

func TestApplyFiltersState(t *testing.T) {
	result := applyFilters(testConnectors(), filterState{State: models.ConnectorInactive})
	if ids(result) != "splunk,jira" {
		t.Errorf("expected splunk,jira, got %s", ids(result))
	}
}

func TestApplyFiltersSearchCaseInsensitive(t *testing.T) {
	tests := map[string]string{
		"SERVICENOW":   "snow",
		"unauthorized": "falcon",
		"ticketing":    "jira",
		"nonexistent":  "",
	}
	for search, want := range tests {
		result := applyFilters(testConnectors(), filterState{SearchText: search})
		if got := ids(result); got != want {
			t.Errorf("search %q = %s, want %s", search, got, want)
		}
	}
}

// --- Sort tests ---

func TestSortConnectors(t *testing.T) {
	tests := []struct {
		field sortField
		want  string
	}{
		{sortByState, "falcon,snow,jira,splunk"},
		{sortByID, "falcon,jira,snow,splunk"},
		{sortByType, "snow,falcon,splunk,jira"},
		{sortByLastSync, "falcon,snow,jira,splunk"},
	}

	for _, tt := range tests {
		t.Run(sortFieldName(tt.field), func(t *testing.T) {
			connectors := testConnectors()
			sortConnectors(connectors, tt.field)
			if got := ids(connectors); got != tt.want {
				t.Errorf("sort by %s = %s, want %s", sortFieldName(tt.field), got, tt.want)
			}
		})
	}
}

func TestUniqueTypes(t *testing.T) {
	types := uniqueTypes(testConnectors())
	if len(types) != 4 {
		t.Fatalf("expected 4 types, got %v", types)
	}
	if types[0] != models.TypeCMDB {
		t.Errorf("expected sorted types, got %v", types)
	}
	if len(uniqueTypes(nil)) != 0 {
		t.Error("expected no types for empty input")
	}
}

func TestSortFieldName(t *testing.T) {
	if sortFieldName(sortField(99)) != "unknown" {
		t.Error("expected unknown for out-of-range field")
	}
}

// --- Table tests ---

func TestBuildRows(t *testing.T) {
	rows := buildRows(testConnectors())
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
	if rows[0][0] != "OK" || rows[1][0] != "ERROR" || rows[2][0] != "IDLE" || rows[3][0] != "OFF" {
		t.Errorf("unexpected status labels: %v %v %v %v", rows[0][0], rows[1][0], rows[2][0], rows[3][0])
	}
	if rows[2][4] != "never" {
		t.Errorf("expected never for unsynced connector, got %s", rows[2][4])
	}
	if rows[1][5] != "HTTP 401 unauthorized" {
		t.Errorf("expected error column, got %s", rows[1][5])
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

// --- Header and detail tests ---

func TestRenderHeader(t *testing.T) {
	out := renderHeader(testBoard(), 100)
	for _, frag := range []string{"Connectors: 4", "ok:1", "error:1", "idle:1", "Active incidents: 7", "↓ -12.5%", "C:2", "H:5", "EDR: 87.5%", "[9→7]"} {
		if !strings.Contains(out, frag) {
			t.Errorf("header missing %q:\n%s", frag, out)
		}
	}
}

func TestRenderHeaderNoMetrics(t *testing.T) {
	out := renderHeader(Board{Connectors: testConnectors()}, 100)
	if !strings.Contains(out, "No metrics computed yet") {
		t.Errorf("expected empty metrics notice:\n%s", out)
	}
}

func TestRenderDetailNil(t *testing.T) {
	if out := renderDetail(nil, 80); !strings.Contains(out, "No connector selected") {
		t.Errorf("unexpected detail: %s", out)
	}
}

func TestRenderDetailShowsLastError(t *testing.T) {
	c := testConnectors()[1]
	out := renderDetail(&c, 120)
	for _, frag := range []string{"ERROR", "falcon (Falcon)", "Impl: crowdstrike", "Last error: HTTP 401 unauthorized"} {
		if !strings.Contains(out, frag) {
			t.Errorf("detail missing %q:\n%s", frag, out)
		}
	}
}

func TestRenderDetailNeverSynced(t *testing.T) {
	c := testConnectors()[2]
	out := renderDetail(&c, 120)
	if !strings.Contains(out, "Last sync: never") || !strings.Contains(out, "Impl: auto") {
		t.Errorf("unexpected detail:\n%s", out)
	}
	if strings.Contains(out, "Last error") {
		t.Error("no error line expected")
	}
}

func TestRenderSparkline(t *testing.T) {
	if renderSparkline(nil) != "" {
		t.Error("expected empty sparkline")
	}
	if out := renderSparkline([]int{3, 3, 3}); !strings.HasPrefix(out, "▅▅▅") {
		t.Errorf("constant sparkline = %q", out)
	}
	out := renderSparkline([]int{0, 7})
	if !strings.HasPrefix(out, "▁█") || !strings.HasSuffix(out, "[0→7]") {
		t.Errorf("increasing sparkline = %q", out)
	}
}

// --- Model tests ---

func TestModelInitialSortPutsErrorsFirst(t *testing.T) {
	m := New(testBoard(), nil)
	if m.Init() != nil {
		t.Error("expected nil init command")
	}
	if sel := m.selectedConnector(); sel == nil || sel.ID != "falcon" {
		t.Errorf("expected falcon selected first, got %v", sel)
	}
}

func TestModelQuit(t *testing.T) {
	m := New(testBoard(), nil)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestModelWindowResize(t *testing.T) {
	m := New(testBoard(), nil)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 10})
	model := updated.(Model)
	if model.width != 120 || model.height != 10 {
		t.Errorf("expected 120x10, got %dx%d", model.width, model.height)
	}
}

func TestModelSearch(t *testing.T) {
	m := New(testBoard(), nil)
	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'/'}})
	model := updated.(Model)
	if model.mode != modeSearch {
		t.Fatal("expected search mode")
	}
	if !strings.Contains(model.View(), "/ ") {
		t.Error("expected search prompt in view")
	}

	model.searchInput.SetValue("snow")
	updated, _ = model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	model = updated.(Model)
	if model.mode != modeNormal {
		t.Error("expected normal mode after enter")
	}
	if ids(model.filteredConnectors) != "snow" {
		t.Errorf("expected snow only, got %s", ids(model.filteredConnectors))
	}

	updated, _ = model.Update(tea.KeyMsg{Type: tea.KeyEscape})
	model = updated.(Model)
	if len(model.filteredConnectors) != 4 {
		t.Errorf("expected filters cleared, got %d", len(model.filteredConnectors))
	}
}

func TestModelSearchEscapeDiscards(t *testing.T) {
	m := New(testBoard(), nil)
	m.mode = modeSearch
	m.searchInput.SetValue("zzz")
	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyEscape})
	model := updated.(Model)
	if model.mode != modeNormal || model.searchInput.Value() != "" {
		t.Error("expected search discarded")
	}
	if len(model.filteredConnectors) != 4 {
		t.Error("escape must not apply the search")
	}
}

func TestModelFilterType(t *testing.T) {
	m := New(testBoard(), nil)
	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'t'}})
	model := updated.(Model)
	if model.mode != modeFilterType {
		t.Fatal("expected type filter mode")
	}
	if !strings.Contains(model.View(), "Filter by type:") {
		t.Error("expected type picker in view")
	}

	// All, cmdb, edr, ...
	updated, _ = model.Update(tea.KeyMsg{Type: tea.KeyDown})
	updated, _ = updated.(Model).Update(tea.KeyMsg{Type: tea.KeyDown})
	updated, _ = updated.(Model).Update(tea.KeyMsg{Type: tea.KeyEnter})
	model = updated.(Model)
	if model.filters.Type != models.TypeEDR {
		t.Errorf("expected edr filter, got %q", model.filters.Type)
	}
	if ids(model.filteredConnectors) != "falcon" {
		t.Errorf("expected falcon, got %s", ids(model.filteredConnectors))
	}
	if model.statusMsg != "Filter: edr" {
		t.Errorf("unexpected status: %s", model.statusMsg)
	}
}

func TestModelFilterTypeCursorBounds(t *testing.T) {
	m := New(testBoard(), nil)
	m.mode = modeFilterType
	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyUp})
	if updated.(Model).typeCursor != 0 {
		t.Error("cursor should not go below 0")
	}

	model := updated.(Model)
	for i := 0; i < 10; i++ {
		next, _ := model.Update(tea.KeyMsg{Type: tea.KeyDown})
		model = next.(Model)
	}
	if model.typeCursor != len(model.typeChoices) {
		t.Errorf("cursor should stop at %d, got %d", len(model.typeChoices), model.typeCursor)
	}
}

func TestModelCycleSort(t *testing.T) {
	m := New(testBoard(), nil)
	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'s'}})
	model := updated.(Model)
	if model.sortBy != sortByID {
		t.Errorf("expected id sort, got %s", sortFieldName(model.sortBy))
	}
	if model.statusMsg != "Sort: id" {
		t.Errorf("unexpected status: %s", model.statusMsg)
	}
	if ids(model.filteredConnectors) != "falcon,jira,snow,splunk" {
		t.Errorf("unexpected order: %s", ids(model.filteredConnectors))
	}
}

func TestModelRefresh(t *testing.T) {
	calls := 0
	loader := func(ctx context.Context) (Board, error) {
		calls++
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected a deadline on refresh")
		}
		return Board{Connectors: testConnectors()[:1]}, nil
	}

	m := New(testBoard(), loader)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	if cmd == nil {
		t.Fatal("expected refresh command")
	}
	model := updated.(Model)
	if !model.refreshing {
		t.Error("expected refreshing flag")
	}

	// a second press while in flight is ignored
	if _, again := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}}); again != nil {
		t.Error("expected no second refresh while one is running")
	}

	updated, _ = model.Update(cmd())
	model = updated.(Model)
	if calls != 1 {
		t.Errorf("expected 1 loader call, got %d", calls)
	}
	if model.refreshing {
		t.Error("refreshing flag should clear")
	}
	if len(model.board.Connectors) != 1 || ids(model.filteredConnectors) != "snow" {
		t.Errorf("expected refreshed board, got %s", ids(model.filteredConnectors))
	}
	if !strings.HasPrefix(model.statusMsg, "Refreshed") {
		t.Errorf("unexpected status: %s", model.statusMsg)
	}
}

func TestModelRefreshFailureKeepsBoard(t *testing.T) {
	loader := func(ctx context.Context) (Board, error) {
		return Board{}, errors.New("store down")
	}

	m := New(testBoard(), loader)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	updated, _ := m.Update(cmd())
	model := updated.(Model)
	if len(model.board.Connectors) != 4 {
		t.Error("failed refresh must keep the previous board")
	}
	if !strings.Contains(model.statusMsg, "store down") {
		t.Errorf("unexpected status: %s", model.statusMsg)
	}
}

func TestModelRefreshWithoutLoader(t *testing.T) {
	m := New(testBoard(), nil)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	if cmd != nil {
		t.Error("expected no command without a loader")
	}
	if updated.(Model).statusMsg != "Refresh unavailable" {
		t.Errorf("unexpected status: %s", updated.(Model).statusMsg)
	}
}

func TestModelCopyError(t *testing.T) {
	m := New(testBoard(), nil)
	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'c'}})
	model := updated.(Model)
	if model.clipboard != "falcon: HTTP 401 unauthorized" {
		t.Errorf("unexpected clipboard: %q", model.clipboard)
	}
}

func TestModelCopyNothing(t *testing.T) {
	m := New(Board{}, nil)
	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'c'}})
	if updated.(Model).statusMsg != "Nothing to copy" {
		t.Errorf("unexpected status: %s", updated.(Model).statusMsg)
	}
}

func TestModelView(t *testing.T) {
	m := New(testBoard(), nil)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	view := updated.(Model).View()
	for _, frag := range []string{"secdash", "Connector", "falcon", "HTTP 401", "q:quit", "r:refresh", "4/4 connectors"} {
		if !strings.Contains(view, frag) {
			t.Errorf("view missing %q", frag)
		}
	}
}
