package tui

import (
	"sort"
	"strings"

	"github.com/ppiankov/secdash/internal/models"
)

// filterState holds current active filters.
type filterState struct {
	Type       models.ConnectorType
	State      models.ConnectorState
	SearchText string
}

// sortField enumerates columns that can be sorted.
type sortField int

const (
	sortByState sortField = iota
	sortByID
	sortByType
	sortByLastSync
)

// sortFieldCount is the total number of sortable columns.
const sortFieldCount = 4

// connectors in error sort first
var statePriority = map[models.ConnectorState]int{
	models.ConnectorError: 0, models.ConnectorActive: 1, models.ConnectorInactive: 2,
}

// applyFilters returns connectors matching all active filters.
func applyFilters(connectors []models.ConnectorConfig, f filterState) []models.ConnectorConfig {
	result := make([]models.ConnectorConfig, 0, len(connectors))
	searchLower := strings.ToLower(f.SearchText)

	for _, c := range connectors {
		if f.Type != "" && c.Type != f.Type {
			continue
		}
		if f.State != "" && c.Status != f.State {
			continue
		}
		if searchLower != "" && !matchesSearch(c, searchLower) {
			continue
		}
		result = append(result, c)
	}
	return result
}

func matchesSearch(c models.ConnectorConfig, searchLower string) bool {
	return strings.Contains(strings.ToLower(c.ID), searchLower) ||
		strings.Contains(strings.ToLower(c.Name), searchLower) ||
		strings.Contains(strings.ToLower(string(c.Type)), searchLower) ||
		strings.Contains(strings.ToLower(c.Implementation), searchLower) ||
		strings.Contains(strings.ToLower(c.BaseURL), searchLower) ||
		strings.Contains(strings.ToLower(c.LastError), searchLower)
}

// sortConnectors sorts a slice of connectors in place by the given field.
// Ties fall back to id order.
func sortConnectors(connectors []models.ConnectorConfig, field sortField) {
	sort.SliceStable(connectors, func(i, j int) bool {
		a, b := connectors[i], connectors[j]
		switch field {
		case sortByState:
			if pa, pb := statePriority[a.Status], statePriority[b.Status]; pa != pb {
				return pa < pb
			}
		case sortByType:
			if a.Type != b.Type {
				return a.Type < b.Type
			}
		case sortByLastSync:
			// most recent first, never synced last
			switch {
			case a.LastSync == nil && b.LastSync != nil:
				return false
			case a.LastSync != nil && b.LastSync == nil:
				return true
			case a.LastSync != nil && b.LastSync != nil && !a.LastSync.Equal(*b.LastSync):
				return a.LastSync.After(*b.LastSync)
			}
		}
		return a.ID < b.ID
	})
}

// uniqueTypes returns deduplicated, sorted connector types.
func uniqueTypes(connectors []models.ConnectorConfig) []models.ConnectorType {
	seen := make(map[models.ConnectorType]bool)
	var types []models.ConnectorType
	for _, c := range connectors {
		if !seen[c.Type] {
			seen[c.Type] = true
			types = append(types, c.Type)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// sortFieldName returns a human-readable name for the sort field.
func sortFieldName(f sortField) string {
	switch f {
	case sortByState:
		return "status"
	case sortByID:
		return "id"
	case sortByType:
		return "type"
	case sortByLastSync:
		return "last sync"
	default:
		return "unknown"
	}
}
