package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tidalforge/audiopipe/internal/config"
	"github.com/tidalforge/audiopipe/internal/index"
	"github.com/tidalforge/audiopipe/internal/jobmodel"
	"github.com/tidalforge/audiopipe/internal/jobstore"
	"github.com/tidalforge/audiopipe/internal/lease"
	xlog "github.com/tidalforge/audiopipe/internal/log"
	"github.com/tidalforge/audiopipe/internal/mover"
	"github.com/tidalforge/audiopipe/internal/orchestrator"
	"github.com/tidalforge/audiopipe/internal/queue"
	"github.com/tidalforge/audiopipe/internal/telemetry"
	"github.com/tidalforge/audiopipe/internal/worker"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	xlog.Configure(xlog.Config{Level: "info", Service: "audiopipe", Version: version})
	logger := xlog.WithComponent("orchestratord")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Msg("failed to load configuration")
	}
	xlog.Configure(xlog.Config{Level: cfg.LogLevel, Service: cfg.ServiceName, Version: version})

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("storage_root", cfg.StorageRoot).
		Int("stages", len(cfg.Stages)).
		Msg("starting audiopipe orchestrator")

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled: cfg.TracingEnabled, ServiceName: cfg.ServiceName,
		Exporter: cfg.TracingExporter, Endpoint: cfg.TracingEndpoint,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "telemetry.init_failed").Msg("failed to initialize tracer provider")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer provider shutdown error")
		}
	}()

	layout := jobstore.NewLayout(cfg.StorageRoot)
	if err := layout.EnsureDirs(); err != nil {
		logger.Fatal().Err(err).Str("event", "storage.init_failed").Msg("failed to create storage layout")
	}
	// Refuse to run rather than silently fall back to copy+delete on a
	// non-atomic filesystem.
	if err := layout.ProbeAtomicRename(); err != nil {
		logger.Fatal().Err(err).Str("event", "storage.atomic_probe_failed").Msg("rename is not atomic on this filesystem; refusing to start")
	}
	store := jobstore.NewStore(layout)

	idx, err := index.Open(cfg.IndexPath, store)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "index.open_failed").Msg("failed to open derived index")
	}
	defer func() { _ = idx.Close() }()
	if err := idx.Rebuild(ctx); err != nil {
		logger.Error().Err(err).Msg("initial index rebuild failed; listings may be stale until the next rebuild")
	}

	leaseTTLs := make([]time.Duration, len(cfg.Stages))
	for i, sc := range cfg.Stages {
		leaseTTLs[i] = sc.LeaseTTL
	}
	m := mover.NewWithLeaseTTLs(len(cfg.Stages), store, leaseTTLs)
	bus := queue.NewMemoryBus()
	dispatcher := queue.New(cfg, bus)
	// core is the documented integration surface; this binary ships no
	// HTTP/RPC layer, so it also supplies the shared artifact store the
	// stage workers below write through.
	core := orchestrator.New(cfg, store, m, dispatcher, idx, nil)

	reclaimer := lease.New(store, m, cfg.ReclaimInterval)
	go func() {
		if err := reclaimer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("reclaimer exited unexpectedly")
		}
	}()

	watcher := queue.NewWatcher(store, dispatcher, cfg)
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("DONE-directory watcher exited unexpectedly")
		}
	}()

	for i, sc := range cfg.Stages {
		stageIndex := i + 1
		sk := &worker.Skeleton{
			StageName: sc.Name, StageIndex: stageIndex, Config: sc,
			Mover: m, Artifacts: core.ArtifactStore(), Dispatcher: dispatcher,
			Locate: store.ReadMetadata, AppendLog: store.AppendLog, UpdateMeta: store.UpdateMetadata,
			DoWork: worker.EchoStage(sc.Name),
		}
		if stageIndex > 1 {
			sk.PrereqStage = cfg.Stages[stageIndex-2].Name
		}
		if err := dispatcher.Subscribe(ctx, sc.Name, sk.Process); err != nil {
			logger.Fatal().Err(err).Str("stage", sc.Name).Msg("failed to subscribe stage worker")
		}
		logger.Info().Str("stage", sc.Name).Int("concurrency", sc.Concurrency).Msg("stage worker subscribed")
	}

	// Cold-start recovery: a job sitting in Completed with an unstarted
	// downstream stage (e.g. the watcher missed its event while the daemon
	// was down) gets enqueued immediately rather than waiting on a new
	// filesystem event.
	if err := coldStartEnqueue(ctx, store, dispatcher, cfg); err != nil {
		logger.Error().Err(err).Msg("cold-start enqueue sweep failed")
	}

	logger.Info().Msg("audiopipe orchestrator ready")
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, draining in-flight stage work")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("dispatcher shutdown did not complete cleanly")
	}

	logger.Info().Msg("orchestrator exiting")
}

// coldStartEnqueue is the startup recovery sweep: every job already
// sitting in Completed gets its next unstarted stage (if any) enqueued
// once at startup, independent of whether the DONE-directory watcher ever
// saw the event that produced it.
func coldStartEnqueue(ctx context.Context, store *jobstore.Store, d *queue.Dispatcher, cfg config.Config) error {
	ids, err := store.ListByState(jobmodel.StateCompleted)
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, _, err := store.ReadMetadata(id)
		if err != nil {
			continue
		}
		next := queue.NextUnstartedStage(cfg, rec.Stages)
		if next == "" {
			continue
		}
		if err := d.Enqueue(ctx, next, id); err != nil {
			xlog.WithComponent("orchestratord").Warn().Err(err).Str("job_id", id).Str("stage", next).Msg("cold-start enqueue failed")
		}
	}
	return nil
}
