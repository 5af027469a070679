package api

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxConnectorIDLength prevents pathological connector identifiers.
	MaxConnectorIDLength = 128

	// MaxListLimit bounds list endpoints.
	MaxListLimit = 1000

	defaultListLimit = 100
)

var connectorIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// SyncRequest is the optional body of the sync trigger endpoints.
type SyncRequest struct {
	Since string `json:"since,omitempty"`
}

// ValidateConnectorID verifies a connector id path parameter.
func ValidateConnectorID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("connector id is required")
	}
	if len(id) > MaxConnectorIDLength {
		return fmt.Errorf("connector id exceeds %d characters", MaxConnectorIDLength)
	}
	if !connectorIDPattern.MatchString(id) {
		return fmt.Errorf("connector id contains invalid characters")
	}
	return nil
}

// ParseLimit reads a list limit. Empty means the default.
func ParseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("limit must be an integer")
	}
	if n < 1 || n > MaxListLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", MaxListLimit)
	}
	return n, nil
}

// ParseSince reads an RFC3339 timestamp or a duration relative to now
// ("24h"). Empty means nil. Future timestamps are rejected.
func ParseSince(raw string, now time.Time) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("since duration must be positive")
		}
		t := now.Add(-d)
		return &t, nil
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("since must be RFC3339 or a duration like 24h")
	}
	if t.After(now) {
		return nil, fmt.Errorf("since must not be in the future")
	}
	return &t, nil
}
