package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/ppiankov/secdash/internal/broadcast"
	"github.com/ppiankov/secdash/internal/config"
	"github.com/ppiankov/secdash/internal/connector"
	"github.com/ppiankov/secdash/internal/health"
	"github.com/ppiankov/secdash/internal/jobs"
	"github.com/ppiankov/secdash/internal/manager"
	"github.com/ppiankov/secdash/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// runtime is the wired pipeline shared by serve and the one-shot commands
type runtime struct {
	store    storage.Gateway
	nc       *nats.Conn
	sink     broadcast.Sink
	registry *prometheus.Registry
	metrics  *health.Metrics
	reporter *health.Reporter
	manager  *manager.Manager
	closers  []func() error
}

// openStore builds the persistence gateway: postgres when a DSN is set,
// otherwise memory seeded with the configured connectors. A positive
// cache_size wraps it in the read cache, expiring after cache_ttl.
func openStore(ctx context.Context, c *config.Config, log *logrus.Logger) (storage.Gateway, error) {
	var store storage.Gateway

	if c.DatabaseURL != "" {
		pg, err := storage.NewPostgres(ctx, c.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		store = pg
		log.Debug("using postgres store")
	} else {
		mem := storage.NewMemory()
		for _, conn := range c.Connectors {
			if err := mem.UpsertConnectorConfig(ctx, conn); err != nil {
				return nil, fmt.Errorf("failed to seed connector %s: %w", conn.ID, err)
			}
		}
		store = mem
		log.WithField("connectors", len(c.Connectors)).Debug("using in-memory store")
	}

	if c.CacheSize > 0 {
		return storage.NewCached(store, c.CacheSize, c.CacheExpiry()), nil
	}
	return store, nil
}

// openRuntime wires store, broadcast sink, metrics, run reporter and an
// initialized connector manager
func openRuntime(ctx context.Context, c *config.Config, log *logrus.Logger) (*runtime, error) {
	store, err := openStore(ctx, c, log)
	if err != nil {
		return nil, err
	}
	rt := &runtime{store: store}
	rt.closers = append(rt.closers, store.Close)

	if c.NATSURL != "" {
		nc, err := nats.Connect(c.NATSURL,
			nats.Name("secdash"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.WithError(err).Warn("nats disconnected")
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
			}),
		)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		sink, err := broadcast.NewNATSSink(nc)
		if err != nil {
			nc.Close()
			rt.Close()
			return nil, err
		}
		rt.nc = nc
		rt.sink = sink
		// closers run in reverse: sink encoder first, then drain the connection
		rt.closers = append(rt.closers, nc.Drain, sink.Close)
	} else {
		rt.sink = broadcast.NewLogSink(log)
	}

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.metrics = health.NewMetrics(rt.registry)
	rt.reporter = health.NewReporter(store, rt.sink, rt.metrics, log)

	deps := connector.Deps{
		Sink:        rt.sink,
		Logger:      log,
		HTTPTimeout: c.HTTPTimeout,
	}
	rt.manager = manager.New(store, deps, rt.reporter, log, manager.Options{})
	if err := rt.manager.Initialize(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	return rt, nil
}

// newQueue picks the NATS queue group when connected, else the in-process pool
func (rt *runtime) newQueue(c *config.Config, log *logrus.Logger) jobs.Queue {
	if rt.nc != nil {
		return jobs.NewNATS(rt.nc, log, jobs.NATSOptions{Workers: c.Workers})
	}
	return jobs.NewMemory(log, jobs.MemoryOptions{Workers: c.Workers})
}

// Close releases everything in reverse order of acquisition
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
