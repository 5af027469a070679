package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type completion struct {
	job Job
	err error
}

func collector() (CompleteFunc, func() []completion, *sync.WaitGroup) {
	var mu sync.Mutex
	var done []completion
	wg := &sync.WaitGroup{}
	fn := func(job Job, err error, _ time.Duration) {
		mu.Lock()
		done = append(done, completion{job: job, err: err})
		mu.Unlock()
		wg.Done()
	}
	get := func() []completion {
		mu.Lock()
		defer mu.Unlock()
		return append([]completion(nil), done...)
	}
	return fn, get, wg
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for jobs")
	}
}

func TestMemoryQueueRunsJobsAndIsolatesFailures(t *testing.T) {
	onComplete, completions, wg := collector()
	q := NewMemory(quietLogger(), MemoryOptions{Workers: 2, OnComplete: onComplete})

	var mu sync.Mutex
	var since []time.Time
	q.Handle(SyncIncidents, func(ctx context.Context, job Job) error {
		p, err := DecodeSync(job)
		if err != nil {
			return err
		}
		mu.Lock()
		since = append(since, *p.Since)
		mu.Unlock()
		return nil
	})
	q.Handle(SyncAssets, func(ctx context.Context, job Job) error {
		return errors.New("remote down")
	})
	q.Handle(MetricsRollup, func(ctx context.Context, job Job) error {
		panic("rollup bug")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := time.Date(2026, 3, 1, 11, 55, 0, 0, time.UTC)
	wg.Add(4)
	ids := map[string]bool{}
	for _, name := range []string{SyncAssets, MetricsRollup, "unknown.job"} {
		id, err := q.Enqueue(ctx, name, nil)
		if err != nil {
			t.Fatalf("Enqueue(%s): %v", name, err)
		}
		ids[id] = true
	}
	id, err := q.Enqueue(ctx, SyncIncidents, SyncPayload{Since: &ts})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ids[id] = true
	if len(ids) != 4 {
		t.Error("expected unique job ids")
	}

	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTimeout(t, wg)

	failed := 0
	for _, c := range completions() {
		if c.err != nil {
			failed++
		}
	}
	if failed != 3 {
		t.Errorf("expected 3 failed jobs, got %d", failed)
	}
	if len(since) != 1 || !since[0].Equal(ts) {
		t.Errorf("expected incident job with since %v, got %v", ts, since)
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := q.Enqueue(ctx, SyncAssets, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestMemoryQueueFull(t *testing.T) {
	q := NewMemory(quietLogger(), MemoryOptions{Workers: 1, Buffer: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, SyncAssets, nil); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if _, err := q.Enqueue(ctx, SyncAssets, nil); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestMemoryQueueCloseDrainsBuffer(t *testing.T) {
	var mu sync.Mutex
	ran := 0
	q := NewMemory(quietLogger(), MemoryOptions{Workers: 1})
	q.Handle(RetentionCleanup, func(ctx context.Context, job Job) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = q.Enqueue(ctx, RetentionCleanup, nil)
	}
	_ = q.Start(ctx)
	_ = q.Close()

	if ran != 3 {
		t.Errorf("expected buffered jobs to run before Close returns, ran %d", ran)
	}
}

func TestDecodeSync(t *testing.T) {
	p, err := DecodeSync(Job{Name: SyncIncidents})
	if err != nil || p.Since != nil {
		t.Errorf("empty payload: %+v %v", p, err)
	}

	p, err = DecodeSync(Job{Name: SyncIncidents, Payload: json.RawMessage(`{"since":"2026-03-01T11:55:00Z"}`)})
	if err != nil || p.Since == nil || p.Since.Minute() != 55 {
		t.Errorf("unexpected payload %+v %v", p, err)
	}

	if _, err := DecodeSync(Job{Name: SyncIncidents, Payload: json.RawMessage(`{"since":"yesterday"}`)}); err == nil {
		t.Error("expected error for malformed since")
	}
}

// loopbackConn delivers published messages to queue subscribers in-process
type loopbackConn struct {
	mu        sync.Mutex
	published []*nats.Msg
	subs      map[string]nats.MsgHandler
	groups    map[string]string
}

func newLoopback() *loopbackConn {
	return &loopbackConn{subs: map[string]nats.MsgHandler{}, groups: map[string]string{}}
}

func (c *loopbackConn) PublishMsg(msg *nats.Msg) error {
	c.mu.Lock()
	c.published = append(c.published, msg)
	cb := c.subs[msg.Subject]
	c.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
	return nil
}

func (c *loopbackConn) QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[subject] = cb
	c.groups[subject] = queue
	return nil, nil
}

func TestNATSQueue(t *testing.T) {
	conn := newLoopback()
	onComplete, completions, wg := collector()
	q := NewNATS(conn, quietLogger(), NATSOptions{Workers: 2, OnComplete: onComplete})

	q.Handle(SyncIncidents, func(ctx context.Context, job Job) error {
		p, err := DecodeSync(job)
		if err != nil {
			return err
		}
		if p.Since == nil {
			return errors.New("missing since")
		}
		return nil
	})
	q.Handle(SyncAssets, func(ctx context.Context, job Job) error {
		return errors.New("boom")
	})

	ctx := context.Background()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if conn.groups["secdash.jobs.sync.incidents"] != WorkerGroup {
		t.Errorf("expected queue group subscription, got %v", conn.groups)
	}

	ts := time.Date(2026, 3, 1, 11, 55, 0, 0, time.UTC)
	wg.Add(2)
	id, err := q.Enqueue(ctx, SyncIncidents, SyncPayload{Since: &ts})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, SyncAssets, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitTimeout(t, wg)

	if got := conn.published[0].Header.Get(headerJobID); got != id {
		t.Errorf("expected job id header %s, got %s", id, got)
	}

	results := map[string]error{}
	for _, c := range completions() {
		results[c.job.Name] = c.err
	}
	if results[SyncIncidents] != nil {
		t.Errorf("incident job failed: %v", results[SyncIncidents])
	}
	if results[SyncAssets] == nil {
		t.Error("expected asset job failure")
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := q.Enqueue(ctx, SyncAssets, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestNATSQueueDropsDeliveriesAfterClose(t *testing.T) {
	conn := newLoopback()
	q := NewNATS(conn, quietLogger(), NATSOptions{Workers: 1})

	var runs atomic.Int32
	q.Handle(RetentionCleanup, func(ctx context.Context, job Job) error {
		runs.Add(1)
		return nil
	})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// a message already in flight when the subscription went away
	data, _ := json.Marshal(Job{ID: "late", Name: RetentionCleanup})
	conn.mu.Lock()
	cb := conn.subs[SubjectPrefix+RetentionCleanup]
	conn.mu.Unlock()
	if cb == nil {
		t.Fatal("expected a subscription callback")
	}
	cb(&nats.Msg{Subject: SubjectPrefix + RetentionCleanup, Data: data})

	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if n := runs.Load(); n != 0 {
		t.Errorf("job ran %d times after Close", n)
	}
}
