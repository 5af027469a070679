package connector

import (
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	inputs := []string{
		"2026-03-01T12:30:00Z",
		"2026-03-01T12:30:00.000Z",
		"2026-03-01 12:30:00",
		"2026-03-01T14:30:00+02:00",
		"2026-03-01T12:30:00.000+0000",
		"1772368200",
		"1772368200.000",
	}
	for _, in := range inputs {
		got, err := parseTimestamp(in)
		if err != nil {
			t.Errorf("parseTimestamp(%q): %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("parseTimestamp(%q) = %v, want %v", in, got, want)
		}
	}

	for _, bad := range []string{"", "yesterday", "03/01/2026"} {
		if _, err := parseTimestamp(bad); err == nil {
			t.Errorf("parseTimestamp(%q) should fail", bad)
		}
	}
}

func TestOptions(t *testing.T) {
	cfg := map[string]any{
		"page_size":     float64(50),
		"max_polls":     "7",
		"poll_interval": "250ms",
		"poll_seconds":  3,
		"query":         "search index=notable",
		"empty":         "",
	}

	if got := intOption(cfg, "page_size", 100); got != 50 {
		t.Errorf("intOption float = %d", got)
	}
	if got := intOption(cfg, "max_polls", 30); got != 7 {
		t.Errorf("intOption string = %d", got)
	}
	if got := intOption(cfg, "missing", 30); got != 30 {
		t.Errorf("intOption fallback = %d", got)
	}
	if got := durationOption(cfg, "poll_interval", time.Second); got != 250*time.Millisecond {
		t.Errorf("durationOption string = %v", got)
	}
	if got := durationOption(cfg, "poll_seconds", time.Second); got != 3*time.Second {
		t.Errorf("durationOption int = %v", got)
	}
	if got := stringOption(cfg, "query", "x"); got != "search index=notable" {
		t.Errorf("stringOption = %q", got)
	}
	if got := stringOption(cfg, "empty", "x"); got != "x" {
		t.Errorf("stringOption empty = %q", got)
	}
	if got := stringOption(nil, "query", "x"); got != "x" {
		t.Errorf("stringOption nil map = %q", got)
	}
}
