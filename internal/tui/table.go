package tui

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/ppiankov/secdash/internal/models"
)

var tableColumns = []table.Column{
	{Title: "Status", Width: 9},
	{Title: "Connector", Width: 22},
	{Title: "Type", Width: 12},
	{Title: "Impl", Width: 12},
	{Title: "Last Sync", Width: 17},
	{Title: "Error", Width: 30},
}

// buildRows converts connector configs to table rows.
func buildRows(connectors []models.ConnectorConfig) []table.Row {
	rows := make([]table.Row, 0, len(connectors))
	for _, c := range connectors {
		rows = append(rows, table.Row{
			stateLabel(c),
			truncate(c.ID, tableColumns[1].Width),
			string(c.Type),
			c.Implementation,
			lastSyncLabel(c),
			truncate(c.LastError, tableColumns[5].Width),
		})
	}
	return rows
}

func stateLabel(c models.ConnectorConfig) string {
	if !c.Enabled {
		return "OFF"
	}
	switch c.Status {
	case models.ConnectorActive:
		return "OK"
	case models.ConnectorError:
		return "ERROR"
	case models.ConnectorInactive, "":
		return "IDLE"
	default:
		return string(c.Status)
	}
}

func lastSyncLabel(c models.ConnectorConfig) string {
	if c.LastSync == nil {
		return "never"
	}
	return c.LastSync.Local().Format("2006-01-02 15:04")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	const ellipsis = "..."
	if maxLen <= len(ellipsis) {
		return s[:maxLen]
	}
	return s[:maxLen-len(ellipsis)] + ellipsis
}

// newTable creates a bubbles table with standard columns and styling.
func newTable(rows []table.Row, height int) table.Model {
	t := table.New(
		table.WithColumns(tableColumns),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(height),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(colorBorder).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(colorAccent).
		Bold(false)
	t.SetStyles(s)

	return t
}
