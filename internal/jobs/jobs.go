// Package jobs runs named units of work asynchronously. Failed jobs are
// logged and never retried; the next scheduled trigger is the retry.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Job names
const (
	SyncIncidents    = "sync.incidents"
	SyncAssets       = "sync.assets"
	MetricsRollup    = "metrics.rollup"
	RetentionCleanup = "retention.cleanup"
)

var (
	// ErrQueueFull is returned when the in-process buffer has no room
	ErrQueueFull = errors.New("job queue is full")

	// ErrClosed is returned by Enqueue after Close
	ErrClosed = errors.New("job queue is closed")
)

// Job is one unit of work
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// HandlerFunc executes a job
type HandlerFunc func(ctx context.Context, job Job) error

// CompleteFunc observes every finished job. err is nil on success.
type CompleteFunc func(job Job, err error, duration time.Duration)

// Queue accepts jobs and dispatches them to registered handlers
type Queue interface {
	// Enqueue submits a job and returns its id without waiting for it to run
	Enqueue(ctx context.Context, name string, payload any) (string, error)

	// Handle registers the handler for a job name. Call before Start.
	Handle(name string, h HandlerFunc)

	// Start begins consuming jobs until Close or ctx is done
	Start(ctx context.Context) error

	// Close stops accepting jobs and waits for running ones
	Close() error
}

// SyncPayload is the payload of sync.incidents jobs
type SyncPayload struct {
	Since *time.Time `json:"since,omitempty"`
}

// DecodeSync reads a SyncPayload. An empty payload yields a nil since.
func DecodeSync(job Job) (SyncPayload, error) {
	var p SyncPayload
	if len(job.Payload) == 0 || string(job.Payload) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("invalid %s payload: %w", job.Name, err)
	}
	return p, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return data, nil
}

// dispatcher holds the handler table shared by queue implementations
type dispatcher struct {
	mu         sync.RWMutex
	handlers   map[string]HandlerFunc
	logger     *logrus.Logger
	onComplete CompleteFunc
}

func newDispatcher(logger *logrus.Logger, onComplete CompleteFunc) *dispatcher {
	return &dispatcher{
		handlers:   make(map[string]HandlerFunc),
		logger:     logger,
		onComplete: onComplete,
	}
}

func (d *dispatcher) handle(name string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

func (d *dispatcher) names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

// run executes one job, recovering panics. Failures are logged only.
func (d *dispatcher) run(ctx context.Context, job Job) {
	log := d.logger.WithFields(logrus.Fields{
		"job":    job.Name,
		"job_id": job.ID,
	})

	d.mu.RLock()
	h, ok := d.handlers[job.Name]
	d.mu.RUnlock()

	start := time.Now()
	err := func() (err error) {
		if !ok {
			return fmt.Errorf("no handler registered for %q", job.Name)
		}
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		return h(ctx, job)
	}()
	duration := time.Since(start)

	if err != nil {
		log.WithError(err).WithField("duration", duration).Error("job failed")
	} else {
		log.WithField("duration", duration).Debug("job completed")
	}
	if d.onComplete != nil {
		d.onComplete(job, err, duration)
	}
}
