// Package broadcast delivers pipeline events to live dashboard subscribers.
package broadcast

import (
	"context"
	"sync"

	"github.com/ppiankov/secdash/internal/models"
	"github.com/sirupsen/logrus"
)

// Sink receives events after the write that produced them has committed
type Sink interface {
	Publish(ctx context.Context, event models.Event) error
}

// LogSink writes events to the logger. Used when no broker is configured.
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a sink that logs each event at debug level
func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish logs the event
func (s *LogSink) Publish(ctx context.Context, event models.Event) error {
	s.logger.WithFields(logrus.Fields{
		"event": event.Type,
		"at":    event.Timestamp,
	}).Debug("event published")
	return nil
}

// Recorder keeps published events in memory for inspection
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

// Publish appends the event
func (r *Recorder) Publish(ctx context.Context, event models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything published so far
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

// OfType returns published events with the given type
func (r *Recorder) OfType(t models.EventType) []models.Event {
	var out []models.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
