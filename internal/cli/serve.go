package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ppiankov/secdash/internal/api"
	"github.com/ppiankov/secdash/internal/health"
	"github.com/ppiankov/secdash/internal/jobs"
	"github.com/ppiankov/secdash/internal/scheduler"
	"github.com/ppiankov/secdash/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serveAddr      string
	serveScheduler bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, job workers and operational API",
	Long: `Serve runs the full pipeline until interrupted:

- cold start: incident sync (startup lookback), asset sync and a metrics rollup
- incident sync every schedule.incident_interval, asset sync every
  schedule.asset_interval, metrics rollup every schedule.metrics_interval and
  retention cleanup every schedule.retention_interval
- the operational HTTP API and /metrics on http_addr

With nats_url set, jobs are distributed over a NATS queue group so several
serve processes share the work, and events are broadcast on secdash.events.*.
Only one of them should schedule: start the others with --scheduler=false
(or schedule.enabled: false) so every trigger is enqueued once.

Example:
  secdash serve
  secdash serve --addr :9090
  secdash serve --scheduler=false`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides http_addr)")
	serveCmd.Flags().BoolVar(&serveScheduler, "scheduler", true, "enqueue periodic jobs from this process (overrides schedule.enabled)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.WithError(err).Warn("shutdown incomplete")
		}
	}()

	queue := rt.newQueue(cfg, logger)

	var archive *storage.Archive
	if cfg.ArchiveDir != "" {
		archive = storage.NewArchive(cfg.ArchiveDir)
	}
	sched := newPipeline(rt, queue, archive, schedulerEnabled(cmd))
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.WithError(err).Warn("job queue close failed")
		}
	}()

	server := api.NewServer(api.Options{
		Store:      rt.store,
		Manager:    rt.manager,
		Queue:      queue,
		Logger:     logger,
		Gatherer:   rt.registry,
		BodyLimit:  cfg.API.BodyLimit,
		RateLimit:  cfg.API.RateLimit,
		RateWindow: cfg.API.RateWindow,
	})

	addr := cfg.HTTPAddr
	if serveAddr != "" {
		addr = serveAddr
	}

	logger.WithFields(logrus.Fields{
		"addr":       addr,
		"connectors": len(rt.manager.Connectors()),
		"workers":    cfg.Workers,
		"nats":       rt.nc != nil,
		"scheduler":  sched != nil,
	}).Info("secdash serving")

	// the scheduler stops with ctx; a server failure cancels ctx too
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if sched != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Start(runCtx)
		}()
	}

	serveErr := server.Run(runCtx, addr)
	cancel()
	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	logger.Info("secdash stopped")
	return nil
}

// schedulerEnabled resolves --scheduler against schedule.enabled
func schedulerEnabled(cmd *cobra.Command) bool {
	if cmd.Flags().Changed("scheduler") {
		return serveScheduler
	}
	return cfg.Schedule.Enabled
}

// newPipeline registers the job handlers on queue and returns the scheduler
// that feeds it, or nil when this process only works queued jobs
func newPipeline(rt *runtime, queue jobs.Queue, archive *storage.Archive, schedule bool) *scheduler.Scheduler {
	rollup := health.NewRollup(rt.store, rt.sink, rt.metrics, logger)
	retention := health.NewRetention(rt.store, archive, health.RetentionPolicy{
		SyncLogs:       cfg.Retention.SyncLogs,
		MetricsHistory: cfg.Retention.MetricsHistory,
	}, logger)
	scheduler.RegisterHandlers(queue, rt.manager, rollup, retention)

	if !schedule {
		logger.Info("scheduler disabled, working queued jobs only")
		return nil
	}
	return scheduler.New(queue, scheduler.Schedule{
		Incident:        cfg.Schedule.IncidentInterval,
		Asset:           cfg.Schedule.AssetInterval,
		Metrics:         cfg.Schedule.MetricsInterval,
		Retention:       cfg.Schedule.RetentionInterval,
		StartupLookback: cfg.Schedule.StartupLookback,
	}, logger)
}
