package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/secdash/internal/models"
)

const (
	snapshotDir    = "snapshots"
	snapshotSuffix = "-metrics.json"
	snapshotLayout = "2006-01-02T15-04-05"
)

// Archive keeps metrics snapshots as JSON files on disk. Retention writes
// snapshots here before pruning them from the database.
type Archive struct {
	baseDir string
}

// NewArchive creates an archive rooted at baseDir
func NewArchive(baseDir string) *Archive {
	return &Archive{baseDir: baseDir}
}

// Path returns the archive root
func (a *Archive) Path() string {
	return a.baseDir
}

// SaveSnapshot writes one snapshot, named by its timestamp
func (a *Archive) SaveSnapshot(snap models.MetricsSnapshot) error {
	dir := filepath.Join(a.baseDir, snapshotDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	path := filepath.Join(dir, snap.Timestamp.UTC().Format(snapshotLayout)+snapshotSuffix)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the snapshot captured at ts
func (a *Archive) LoadSnapshot(ts time.Time) (*models.MetricsSnapshot, error) {
	path := filepath.Join(a.baseDir, snapshotDir, ts.UTC().Format(snapshotLayout)+snapshotSuffix)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("snapshot not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap models.MetricsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// ListSnapshots returns archived snapshot timestamps, oldest first
func (a *Archive) ListSnapshots() ([]time.Time, error) {
	dir := filepath.Join(a.baseDir, snapshotDir)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return []time.Time{}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var timestamps []time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), snapshotSuffix) {
			continue
		}
		ts, err := time.Parse(snapshotLayout, strings.TrimSuffix(entry.Name(), snapshotSuffix))
		if err != nil {
			continue
		}
		timestamps = append(timestamps, ts)
	}

	sort.Slice(timestamps, func(i, j int) bool {
		return timestamps[i].Before(timestamps[j])
	})
	return timestamps, nil
}

// LastSnapshots loads the newest n archived snapshots, oldest first.
// Files that fail to load are skipped.
func (a *Archive) LastSnapshots(n int) ([]models.MetricsSnapshot, error) {
	timestamps, err := a.ListSnapshots()
	if err != nil {
		return nil, err
	}

	start := len(timestamps) - n
	if start < 0 || n <= 0 {
		start = 0
	}

	result := make([]models.MetricsSnapshot, 0, len(timestamps)-start)
	for _, ts := range timestamps[start:] {
		snap, err := a.LoadSnapshot(ts)
		if err != nil {
			continue
		}
		result = append(result, *snap)
	}
	return result, nil
}
