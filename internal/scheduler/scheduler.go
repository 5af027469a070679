// Package scheduler triggers sync and housekeeping jobs on fixed timetables.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/secdash/internal/health"
	"github.com/ppiankov/secdash/internal/jobs"
	"github.com/ppiankov/secdash/internal/models"
	"github.com/sirupsen/logrus"
)

// Schedule holds the four timetables
type Schedule struct {
	Incident        time.Duration
	Asset           time.Duration
	Metrics         time.Duration
	Retention       time.Duration
	StartupLookback time.Duration
}

// DefaultSchedule returns the stock timetables
func DefaultSchedule() Schedule {
	return Schedule{
		Incident:        5 * time.Minute,
		Asset:           time.Hour,
		Metrics:         5 * time.Minute,
		Retention:       24 * time.Hour,
		StartupLookback: 24 * time.Hour,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.Incident <= 0 {
		s.Incident = d.Incident
	}
	if s.Asset <= 0 {
		s.Asset = d.Asset
	}
	if s.Metrics <= 0 {
		s.Metrics = d.Metrics
	}
	if s.Retention <= 0 {
		s.Retention = d.Retention
	}
	if s.StartupLookback <= 0 {
		s.StartupLookback = d.StartupLookback
	}
	return s
}

// Enqueuer is the part of a job queue the scheduler needs
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (string, error)
}

// Scheduler enqueues a job on every trigger and never waits for it
type Scheduler struct {
	queue    Enqueuer
	schedule Schedule
	logger   *logrus.Logger
	now      func() time.Time
}

// New creates a Scheduler. Non-positive intervals fall back to the defaults.
func New(queue Enqueuer, schedule Schedule, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		queue:    queue,
		schedule: schedule.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// Start enqueues the cold-start jobs, then runs the four timetables until
// ctx is done. It blocks.
func (s *Scheduler) Start(ctx context.Context) {
	s.enqueueIncidents(ctx, s.schedule.StartupLookback)
	s.enqueue(ctx, jobs.SyncAssets, nil)
	s.enqueue(ctx, jobs.MetricsRollup, nil)

	s.logger.WithFields(logrus.Fields{
		"incident":  s.schedule.Incident,
		"asset":     s.schedule.Asset,
		"metrics":   s.schedule.Metrics,
		"retention": s.schedule.Retention,
	}).Info("scheduler started")

	var wg sync.WaitGroup
	every := func(interval time.Duration, trigger func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					trigger()
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	every(s.schedule.Incident, func() { s.enqueueIncidents(ctx, s.schedule.Incident) })
	every(s.schedule.Asset, func() { s.enqueue(ctx, jobs.SyncAssets, nil) })
	every(s.schedule.Metrics, func() { s.enqueue(ctx, jobs.MetricsRollup, nil) })
	every(s.schedule.Retention, func() { s.enqueue(ctx, jobs.RetentionCleanup, nil) })

	wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) enqueueIncidents(ctx context.Context, lookback time.Duration) {
	since := s.now().Add(-lookback).UTC()
	s.enqueue(ctx, jobs.SyncIncidents, jobs.SyncPayload{Since: &since})
}

func (s *Scheduler) enqueue(ctx context.Context, name string, payload any) {
	id, err := s.queue.Enqueue(ctx, name, payload)
	if err != nil {
		s.logger.WithError(err).WithField("job", name).Warn("failed to enqueue job")
		return
	}
	s.logger.WithFields(logrus.Fields{"job": name, "job_id": id}).Debug("job enqueued")
}

// Syncer runs connector fan-outs
type Syncer interface {
	SyncAllIncidents(ctx context.Context, since *time.Time) map[string]*models.SyncResult
	SyncAllAssets(ctx context.Context) map[string]*models.SyncResult
}

// RollupRunner recomputes metrics
type RollupRunner interface {
	Run(ctx context.Context) (*models.MetricsSnapshot, error)
}

// RetentionRunner prunes audit history
type RetentionRunner interface {
	Run(ctx context.Context) (health.RetentionResult, error)
}

// Registrar is the part of a job queue that accepts handlers
type Registrar interface {
	Handle(name string, h jobs.HandlerFunc)
}

// RegisterHandlers binds the four job names to their executors
func RegisterHandlers(q Registrar, syncer Syncer, rollup RollupRunner, retention RetentionRunner) {
	q.Handle(jobs.SyncIncidents, func(ctx context.Context, job jobs.Job) error {
		p, err := jobs.DecodeSync(job)
		if err != nil {
			return err
		}
		return failures(syncer.SyncAllIncidents(ctx, p.Since))
	})
	q.Handle(jobs.SyncAssets, func(ctx context.Context, job jobs.Job) error {
		return failures(syncer.SyncAllAssets(ctx))
	})
	q.Handle(jobs.MetricsRollup, func(ctx context.Context, job jobs.Job) error {
		_, err := rollup.Run(ctx)
		return err
	})
	q.Handle(jobs.RetentionCleanup, func(ctx context.Context, job jobs.Job) error {
		_, err := retention.Run(ctx)
		return err
	})
}

// failures reports the connectors whose run failed so the job is logged as failed
func failures(results map[string]*models.SyncResult) error {
	var failed []string
	for id, r := range results {
		if !r.Success {
			failed = append(failed, id)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	sort.Strings(failed)
	return fmt.Errorf("%d of %d connectors failed: %s", len(failed), len(results), strings.Join(failed, ", "))
}
