package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	// SubjectPrefix is prepended to the job name to form the subject
	SubjectPrefix = "secdash.jobs."

	// WorkerGroup is the queue group shared by every worker process
	WorkerGroup = "secdash-workers"

	headerJobID = "X-Job-ID"
)

// Conn is the subset of *nats.Conn the queue uses
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSQueue distributes jobs across processes through a NATS queue group.
// Each job is delivered to exactly one subscribed worker.
type NATSQueue struct {
	*dispatcher
	conn Conn
	sem  chan struct{}

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
	wg     sync.WaitGroup
}

// NATSOptions tune a NATSQueue
type NATSOptions struct {
	Workers    int
	OnComplete CompleteFunc
}

// NewNATS creates a queue over an established connection
func NewNATS(conn Conn, logger *logrus.Logger, opts NATSOptions) *NATSQueue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &NATSQueue{
		dispatcher: newDispatcher(logger, opts.OnComplete),
		conn:       conn,
		sem:        make(chan struct{}, opts.Workers),
	}
}

// Handle registers the handler for a job name. Call before Start.
func (q *NATSQueue) Handle(name string, h HandlerFunc) {
	q.handle(name, h)
}

// Enqueue publishes the job on secdash.jobs.<name>
func (q *NATSQueue) Enqueue(ctx context.Context, name string, payload any) (string, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	job := Job{
		ID:         uuid.New().String(),
		Name:       name,
		Payload:    data,
		EnqueuedAt: time.Now(),
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	msg := &nats.Msg{Subject: SubjectPrefix + name, Data: body, Header: nats.Header{}}
	msg.Header.Set(headerJobID, job.ID)
	if err := q.conn.PublishMsg(msg); err != nil {
		return "", fmt.Errorf("failed to publish job %s: %w", name, err)
	}
	return job.ID, nil
}

// Start subscribes every registered job name to the worker queue group
func (q *NATSQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	for _, name := range q.names() {
		subject := SubjectPrefix + name
		sub, err := q.conn.QueueSubscribe(subject, WorkerGroup, func(msg *nats.Msg) {
			q.receive(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		q.subs = append(q.subs, sub)
		q.logger.WithFields(logrus.Fields{
			"subject": subject,
			"group":   WorkerGroup,
		}).Info("subscribed to job subject")
	}
	return nil
}

// receive decodes a delivered job and runs it on a bounded worker slot
func (q *NATSQueue) receive(ctx context.Context, msg *nats.Msg) {
	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		q.logger.WithError(err).WithField("subject", msg.Subject).Error("failed to decode job")
		return
	}

	// Close waits on wg, so no Add may start once closed is set
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.WithField("job", job.Name).Warn("queue closed, dropping delivered job")
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	select {
	case q.sem <- struct{}{}:
	case <-ctx.Done():
		q.wg.Done()
		return
	}

	go func() {
		defer q.wg.Done()
		defer func() { <-q.sem }()
		q.run(ctx, job)
	}()
}

// Close unsubscribes and waits for running jobs
func (q *NATSQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	subs := q.subs
	q.subs = nil
	q.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	q.wg.Wait()
	return firstErr
}
