// Package tui is the interactive connector status board.
package tui

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/ppiankov/secdash/internal/health"
	"github.com/ppiankov/secdash/internal/models"
)

// mode represents the current UI interaction mode.
type mode int

const (
	modeNormal mode = iota
	modeSearch
	modeFilterType
)

const defaultTableHeight = 15

// refreshTimeout bounds one reload of the board data.
const refreshTimeout = 15 * time.Second

// Board is everything the status board renders.
type Board struct {
	Connectors []models.ConnectorConfig
	Metrics    *models.MetricsSnapshot
	Trend      *health.Trend
	Sparkline  []int
}

// Loader fetches fresh board data. It backs the refresh key.
type Loader func(ctx context.Context) (Board, error)

// refreshMsg carries the outcome of a Loader call.
type refreshMsg struct {
	board Board
	err   error
}

// Model is the top-level Bubble Tea model for the status board.
type Model struct {
	board  Board
	loader Loader

	// UI state
	table              table.Model
	searchInput        textinput.Model
	filteredConnectors []models.ConnectorConfig
	filters            filterState
	sortBy             sortField
	mode               mode
	typeChoices        []models.ConnectorType
	typeCursor         int
	refreshing         bool
	width              int
	height             int
	statusMsg          string
	// clipboard is captured here for testing instead of writing to stdout
	clipboard string
}

// New creates a new TUI model. loader may be nil, which disables refresh.
func New(board Board, loader Loader) Model {
	ti := textinput.New()
	ti.Placeholder = "search..."
	ti.CharLimit = 64

	m := Model{
		loader:      loader,
		table:       newTable(nil, defaultTableHeight),
		searchInput: ti,
		sortBy:      sortByState,
		mode:        modeNormal,
		width:       80,
		height:      24,
	}
	m.setBoard(board)
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(msg.Width)
		tableH := msg.Height - headerHeight - detailHeight - 3
		if tableH < 3 {
			tableH = 3
		}
		m.table.SetHeight(tableH)
		return m, nil

	case refreshMsg:
		m.refreshing = false
		if msg.err != nil {
			m.statusMsg = "Refresh failed: " + msg.err.Error()
			return m, nil
		}
		m.setBoard(msg.board)
		m.statusMsg = "Refreshed " + time.Now().Format("15:04:05")
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	switch m.mode {
	case modeSearch:
		m.searchInput, cmd = m.searchInput.Update(msg)
		return m, cmd
	default:
		m.table, cmd = m.table.Update(msg)
		return m, cmd
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.mode {
	case modeSearch:
		return m.handleSearchKey(msg)
	case modeFilterType:
		return m.handleFilterTypeKey(msg)
	default:
		return m.handleNormalKey(msg)
	}
}

func (m Model) handleNormalKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, keys.Search):
		m.mode = modeSearch
		m.searchInput.Focus()
		return m, textinput.Blink
	case key.Matches(msg, keys.FilterType):
		m.mode = modeFilterType
		m.typeCursor = 0
		return m, nil
	case key.Matches(msg, keys.Sort):
		m.sortBy = (m.sortBy + 1) % sortField(sortFieldCount)
		m.rebuildTable()
		m.statusMsg = fmt.Sprintf("Sort: %s", sortFieldName(m.sortBy))
		return m, nil
	case key.Matches(msg, keys.Refresh):
		return m.refresh()
	case key.Matches(msg, keys.Copy):
		m.copySelectedError()
		return m, nil
	case key.Matches(msg, keys.ClearFilter):
		m.filters = filterState{}
		m.searchInput.SetValue("")
		m.statusMsg = ""
		m.rebuildTable()
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) handleSearchKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.filters.SearchText = m.searchInput.Value()
		m.mode = modeNormal
		m.searchInput.Blur()
		m.rebuildTable()
		return m, nil
	case "esc":
		m.mode = modeNormal
		m.searchInput.Blur()
		m.searchInput.SetValue("")
		return m, nil
	}

	var cmd tea.Cmd
	m.searchInput, cmd = m.searchInput.Update(msg)
	return m, cmd
}

func (m Model) handleFilterTypeKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.typeCursor > 0 {
			m.typeCursor--
		}
	case "down", "j":
		if m.typeCursor < len(m.typeChoices) {
			m.typeCursor++
		}
	case "enter":
		if m.typeCursor == 0 {
			m.filters.Type = ""
		} else if m.typeCursor <= len(m.typeChoices) {
			m.filters.Type = m.typeChoices[m.typeCursor-1]
		}
		m.mode = modeNormal
		m.rebuildTable()
		if m.filters.Type != "" {
			m.statusMsg = fmt.Sprintf("Filter: %s", m.filters.Type)
		} else {
			m.statusMsg = ""
		}
	case "esc":
		m.mode = modeNormal
	}
	return m, nil
}

// refresh starts an asynchronous reload through the loader.
func (m Model) refresh() (tea.Model, tea.Cmd) {
	if m.loader == nil {
		m.statusMsg = "Refresh unavailable"
		return m, nil
	}
	if m.refreshing {
		return m, nil
	}
	m.refreshing = true
	m.statusMsg = "Refreshing..."

	loader := m.loader
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		board, err := loader(ctx)
		return refreshMsg{board: board, err: err}
	}
}

func (m *Model) setBoard(board Board) {
	m.board = board
	m.typeChoices = uniqueTypes(board.Connectors)
	m.rebuildTable()
}

func (m *Model) rebuildTable() {
	filtered := applyFilters(m.board.Connectors, m.filters)
	sortConnectors(filtered, m.sortBy)
	m.filteredConnectors = filtered
	m.table.SetRows(buildRows(filtered))
	if m.table.Cursor() >= len(filtered) && len(filtered) > 0 {
		m.table.SetCursor(len(filtered) - 1)
	}
}

func (m *Model) selectedConnector() *models.ConnectorConfig {
	cursor := m.table.Cursor()
	if cursor < 0 || cursor >= len(m.filteredConnectors) {
		return nil
	}
	return &m.filteredConnectors[cursor]
}

// copySelectedError writes the selected connector's last error to the clipboard via OSC 52.
func (m *Model) copySelectedError() {
	c := m.selectedConnector()
	if c == nil || c.LastError == "" {
		m.statusMsg = "Nothing to copy"
		return
	}
	text := fmt.Sprintf("%s: %s", c.ID, c.LastError)
	m.clipboard = text
	m.statusMsg = "Copied!"
	// OSC 52 clipboard escape: works in most modern terminals
	fmt.Printf("\033]52;c;%s\a", base64.StdEncoding.EncodeToString([]byte(text)))
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(renderHeader(m.board, m.width))
	b.WriteString("\n")

	if m.mode == modeSearch {
		b.WriteString(styleSearchPrompt.Render("/ "))
		b.WriteString(m.searchInput.View())
		b.WriteString("\n")
	}

	if m.mode == modeFilterType {
		b.WriteString(m.renderTypeFilter())
		b.WriteString("\n")
	}

	b.WriteString(m.table.View())
	b.WriteString("\n")

	b.WriteString(renderDetail(m.selectedConnector(), m.width))
	b.WriteString("\n")

	b.WriteString(m.renderFooter())

	return b.String()
}

func (m *Model) renderTypeFilter() string {
	var b strings.Builder
	b.WriteString("Filter by type:\n")

	options := []string{"All"}
	for _, t := range m.typeChoices {
		options = append(options, string(t))
	}
	for i, opt := range options {
		cursor := "  "
		if i == m.typeCursor {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s%s\n", cursor, opt))
	}
	return b.String()
}

func (m *Model) renderFooter() string {
	left := "q:quit  /:search  t:type  s:sort  r:refresh  c:copy  esc:clear"
	right := fmt.Sprintf("%d/%d connectors", len(m.filteredConnectors), len(m.board.Connectors))

	if m.statusMsg != "" {
		right = m.statusMsg + "  " + right
	}

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}

	return styleFooter.Render(left + strings.Repeat(" ", gap) + right)
}

// Run starts the Bubble Tea program. Called from the status command.
func Run(board Board, loader Loader) error {
	m := New(board, loader)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
