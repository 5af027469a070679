package health

import (
	"context"
	"fmt"
	"time"

	"github.com/ppiankov/secdash/internal/storage"
	"github.com/sirupsen/logrus"
)

// Default retention windows
const (
	DefaultSyncLogRetention = 30 * 24 * time.Hour
	DefaultMetricsRetention = 90 * 24 * time.Hour
)

// RetentionPolicy holds how long each audit stream is kept
type RetentionPolicy struct {
	SyncLogs       time.Duration
	MetricsHistory time.Duration
}

// RetentionResult reports what one cleanup removed
type RetentionResult struct {
	SyncLogsDeleted int64 `json:"sync_logs_deleted"`
	MetricsDeleted  int64 `json:"metrics_deleted"`
	MetricsArchived int   `json:"metrics_archived"`
}

// Retention prunes sync logs and metrics history older than the policy.
// Metrics snapshots are written to the archive before they are deleted.
type Retention struct {
	store   storage.AuditStore
	archive *storage.Archive
	policy  RetentionPolicy
	logger  *logrus.Logger
	now     func() time.Time
}

// NewRetention creates a Retention. archive may be nil.
func NewRetention(store storage.AuditStore, archive *storage.Archive, policy RetentionPolicy, logger *logrus.Logger) *Retention {
	if policy.SyncLogs <= 0 {
		policy.SyncLogs = DefaultSyncLogRetention
	}
	if policy.MetricsHistory <= 0 {
		policy.MetricsHistory = DefaultMetricsRetention
	}
	return &Retention{
		store:   store,
		archive: archive,
		policy:  policy,
		logger:  logger,
		now:     time.Now,
	}
}

// Run deletes expired records
func (r *Retention) Run(ctx context.Context) (RetentionResult, error) {
	var res RetentionResult
	now := r.now()

	logCutoff := now.Add(-r.policy.SyncLogs)
	n, err := r.store.DeleteSyncLogsBefore(ctx, logCutoff)
	if err != nil {
		return res, fmt.Errorf("failed to delete sync logs: %w", err)
	}
	res.SyncLogsDeleted = n

	metricsCutoff := now.Add(-r.policy.MetricsHistory)
	if r.archive != nil {
		archived, err := r.archiveBefore(ctx, metricsCutoff)
		if err != nil {
			return res, err
		}
		res.MetricsArchived = archived
	}

	n, err = r.store.DeleteMetricsBefore(ctx, metricsCutoff)
	if err != nil {
		return res, fmt.Errorf("failed to delete metrics history: %w", err)
	}
	res.MetricsDeleted = n

	r.logger.WithFields(logrus.Fields{
		"sync_logs_deleted": res.SyncLogsDeleted,
		"metrics_deleted":   res.MetricsDeleted,
		"metrics_archived":  res.MetricsArchived,
	}).Info("retention cleanup completed")
	return res, nil
}

// archiveBefore writes every snapshot older than cutoff to the archive
func (r *Retention) archiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	history, err := r.store.MetricsHistory(ctx, time.Time{}, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to read metrics history: %w", err)
	}

	archived := 0
	for _, snap := range history {
		if !snap.Timestamp.Before(cutoff) {
			continue
		}
		if err := r.archive.SaveSnapshot(snap); err != nil {
			return archived, fmt.Errorf("failed to archive snapshot: %w", err)
		}
		archived++
	}
	return archived, nil
}
