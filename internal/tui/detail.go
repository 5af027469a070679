package tui

import (
	"fmt"
	"strings"

	"github.com/ppiankov/secdash/internal/models"
)

// detailHeight is the fixed number of lines for the detail panel.
const detailHeight = 5

// renderDetail produces the detail view for a selected connector.
func renderDetail(c *models.ConnectorConfig, width int) string {
	if c == nil {
		return styleDetailPanel.Width(width).Render("No connector selected")
	}

	var b strings.Builder

	state := stateStyle(c.Status).Render(strings.ToUpper(string(c.Status)))
	name := c.ID
	if c.Name != "" && c.Name != c.ID {
		name = fmt.Sprintf("%s (%s)", c.ID, c.Name)
	}
	b.WriteString(fmt.Sprintf("%s  %s\n", state, name))

	impl := c.Implementation
	if impl == "" {
		impl = "auto"
	}
	b.WriteString(fmt.Sprintf("Type: %s  Impl: %s  Interval: %s  URL: %s\n", c.Type, impl, c.Interval(), c.BaseURL))

	if c.LastSync != nil {
		b.WriteString(fmt.Sprintf("Last sync: %s\n", c.LastSync.Local().Format("2006-01-02 15:04:05")))
	} else {
		b.WriteString("Last sync: never\n")
	}

	if c.LastError != "" {
		b.WriteString(styleError.Render("Last error: " + c.LastError))
	}

	return styleDetailPanel.Width(width).Render(b.String())
}
