package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PerpEngine/internal/config"
	"PerpEngine/internal/core"
	"PerpEngine/internal/ingestion"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/persistence"
	"PerpEngine/internal/projection"
	"PerpEngine/internal/query"
	"PerpEngine/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	replayBatchSize = 1000
	recentKeysLimit = 100_000
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLoggerWithLevel("engine", cfg.App.LogLevel)
	logger.Info().Msg("PerpEngine starting")

	oracleCfg, err := cfg.Oracle.Resolver()
	if err != nil {
		logger.Fatal().Err(err).Msg("oracle config")
	}

	// --- Context with graceful shutdown ---
	// Ingress (servers, NATS) stops first, then the sequencer, then the
	// workers once they have drained.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coreCtx, stopCore := context.WithCancel(context.Background())
	defer stopCore()
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker("core", "persistence", "nats")

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger).Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	// --- Channels ---
	// persist blocks (backpressure), projection drops when full
	persistChan := make(chan core.CoreOutput, cfg.App.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.App.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.App.PublishChanSize)

	// --- Deterministic core ---
	// The Postgres dedup tier and the persist channel are attached after
	// replay, so replayed events are neither rejected as duplicates nor
	// written twice.
	deterministicCore := core.NewDeterministicCore(core.Config{
		Oracle:              oracleCfg,
		IdempotencyCapacity: cfg.App.IdempotencyLRUCapacity,
		Metrics:             metrics,
		ProjectionChan:      projectionChan,
	})

	// --- Projections ---
	// Started before replay so lagging projections catch up from the log.
	sinks := []projection.Sink{projection.NewPostgresSink(db)}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		redisSink := projection.NewRedisSink(rdb, cfg.Redis.KeyPrefix)
		if err := redisSink.Ping(ctx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, read cache disabled")
		} else {
			sinks = append(sinks, redisSink)
		}
	}
	projWorker := projection.NewProjectionWorker(projectionChan, metrics, logger.With().Str("component", "projection").Logger(), sinks...)
	projDone := make(chan error, 1)
	go func() { projDone <- projWorker.Run(workerCtx) }()

	// --- Recovery: snapshot + replay ---
	recoverStart := time.Now()
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("load snapshot")
	}
	if snap != nil {
		if err := deterministicCore.RestoreSnapshot(snap); err != nil {
			logger.Fatal().Err(err).Int64("sequence", snap.Sequence).Msg("restore snapshot")
		}
		deterministicCore.WarmLRU(snap.IdempotencyKeys)
		logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot restored")
	} else {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	replayed, err := persistence.Replay(ctx, snapMgr, deterministicCore, replayBatchSize)
	if err != nil {
		logger.Fatal().Err(err).Int64("replayed", replayed).Msg("event replay failed")
	}
	metrics.ReplayEventsTotal.Add(float64(replayed))
	metrics.ReplayDuration.Set(time.Since(recoverStart).Seconds())
	logger.Info().
		Int64("replayed", replayed).
		Int64("next_sequence", deterministicCore.GetSequence()).
		Dur("took", time.Since(recoverStart)).
		Msg("recovery complete")

	if keys, err := dbChecker.RecentKeys(ctx, min(recentKeysLimit, cfg.App.IdempotencyLRUCapacity)); err != nil {
		logger.Warn().Err(err).Msg("warm idempotency LRU from event log")
	} else {
		deterministicCore.WarmLRU(keys)
	}
	deterministicCore.Attach(dbChecker, persistChan)

	// --- Persistence ---
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.App.PersistBatchSize, cfg.App.PersistFlushTimeout,
		metrics, logger.With().Str("component", "persistence").Logger())
	lastSeq, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("latest persisted sequence")
	}
	persistWorker.SetLastPersisted(lastSeq)
	if cfg.NATS.Publish {
		persistWorker.OnCommit(func(out core.CoreOutput) {
			select {
			case publishChan <- ingestion.NewPublishableEvent(out):
			default:
				metrics.PublishDrops.Inc()
			}
		})
	}
	persistDone := make(chan error, 1)
	go func() { persistDone <- persistWorker.Run(workerCtx) }()
	healthChecker.SetComponent("persistence", true)

	// --- Sequencer ---
	sequencer := core.NewSequencer(deterministicCore, cfg.App.CommandBuffer, logger.With().Str("component", "sequencer").Logger())
	seqDone := make(chan error, 1)
	go func() { seqDone <- sequencer.Run(coreCtx) }()

	if err := bootstrapMarkets(ctx, sequencer, cfg.Markets, logger); err != nil {
		logger.Fatal().Err(err).Msg("configure markets")
	}
	healthChecker.SetComponent("core", true)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger.With().Str("component", "nats").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure command stream")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure event stream")
	}

	rawEventChan := make(chan ingestion.RawEvent, cfg.App.CommandBuffer)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, metrics, logger.With().Str("component", "nats").Logger())
	if err := natsSubscriber.Subscribe(ctx, cfg.NATS.Durable, cfg.NATS.MaxBatch); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}
	healthChecker.SetComponent("nats", true)

	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, logger.With().Str("component", "publisher").Logger())
	dispatcher := ingestion.NewDispatcher(sequencer, metrics, logger.With().Str("component", "dispatcher").Logger())

	// --- Services ---
	snaps := &snapshotter{
		seq:     sequencer,
		mgr:     snapMgr,
		persist: persistWorker,
		metrics: metrics,
		retain:  cfg.App.SnapshotRetain,
		log:     logger.With().Str("component", "snapshot").Logger(),
		lastSeq: deterministicCore.GetSequence(),
	}
	queryService := query.NewQueryService(sequencer, db, metrics)
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		DB:            db,
		QueryService:  queryService,
		Commands:      ingestion.NewCommandService(sequencer, metrics),
		Snapshotter:   snaps,
		HealthChecker: healthChecker,
		Logger:        logger,
	})

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	// 1. Outbound publisher (stops after persistence drains)
	pubDone := make(chan error, 1)
	go func() { pubDone <- outboundPublisher.Run(workerCtx) }()

	// 2. NATS -> sequencer
	go runIngestion(ctx, dispatcher, rawEventChan, errChan)

	// 3. gRPC server
	go func() {
		if err := grpcServer.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	// 4. HTTP gateway
	go func() {
		if err := grpcServer.StartHTTPGateway(ctx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()

	// 5. Periodic snapshots
	go snaps.runPeriodic(ctx, cfg.App.SnapshotInterval, cfg.App.SnapshotCheckPeriod)

	// 6. Prometheus metrics server
	go func() {
		errChan <- serveMetrics(ctx, cfg.Server.MetricsAddr, logger)
	}()

	// 7. Channel utilization
	go reportChannels(ctx, metrics, map[string]func() (int, int){
		"persist":    func() (int, int) { return len(persistChan), cap(persistChan) },
		"projection": func() (int, int) { return len(projectionChan), cap(projectionChan) },
		"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
		"commands":   func() (int, int) { return len(rawEventChan), cap(rawEventChan) },
	})

	logger.Info().
		Int64("next_sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("PerpEngine ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil {
			logger.Error().Err(err).Msg("goroutine failed, shutting down")
		}
	case err := <-seqDone:
		logger.Error().Err(err).Msg("sequencer exited, shutting down")
		seqDone <- err
	}

	// --- Graceful shutdown ---
	// stop ingress, stop the sequencer, snapshot, drain persistence, then
	// stop the remaining workers
	healthChecker.SetReady(false)
	cancel()
	natsSubscriber.Stop()

	stopCore()
	<-seqDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	start := time.Now()
	finalSnap := deterministicCore.CreateSnapshot()

	close(persistChan)
	drained := false
	select {
	case <-persistDone:
		drained = true
	case <-shutdownCtx.Done():
		logger.Error().Msg("persistence did not drain before the shutdown deadline")
	}

	if _, err := snaps.save(shutdownCtx, finalSnap, start); err != nil && !errors.Is(err, errNothingToSnapshot) {
		logger.Error().Err(err).Msg("final snapshot failed")
	}

	close(projectionChan)
	if drained {
		// the commit hook is the only sender
		close(publishChan)
	}
	for _, done := range []chan error{projDone, pubDone} {
		select {
		case <-done:
		case <-shutdownCtx.Done():
		}
	}
	stopWorkers()

	logger.Info().Int64("next_sequence", deterministicCore.GetSequence()).Msg("PerpEngine shutdown complete")
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sample := range channels {
				size, capacity := sample()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}
