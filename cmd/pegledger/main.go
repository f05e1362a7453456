package main

import (
	"PegLedger/internal/core"
	"PegLedger/internal/event"
	"PegLedger/internal/ingestion"
	"PegLedger/internal/observability"
	"PegLedger/internal/oracle"
	"PegLedger/internal/persistence"
	"PegLedger/internal/projection"
	"PegLedger/internal/query"
	"PegLedger/internal/registry"
	"PegLedger/internal/server"
	"PegLedger/internal/token"
	"PegLedger/migrations"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	logger := observability.NewLogger("main")
	defer observability.CloseLogs()

	if err := run(logger); err != nil {
		logger.Error().Err(err).Msg("PegLedger exited with error")
		observability.CloseLogs()
		os.Exit(1)
	}
}

func run(logger zerolog.Logger) error {
	cfg := DefaultConfig()
	logger.Info().Msg("PegLedger starting")

	// ingressCtx stops everything that feeds the engine; workerCtx outlives
	// it so the workers can drain what the engine already committed.
	ingressCtx, stopIngress := context.WithCancel(context.Background())
	defer stopIngress()
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Collateral, feeds, registry ---
	collateral, err := loadCollateral(cfg.CollateralFile)
	if err != nil {
		return err
	}

	feeds := make(map[common.Address]*oracle.PushFeed, len(collateral))
	assets := make([]common.Address, 0, len(collateral))
	adapters := make([]*oracle.Adapter, 0, len(collateral))
	for _, c := range collateral {
		asset := common.HexToAddress(c.Asset)
		feed := oracle.NewPushFeed(c.FeedDecimals)
		adapter, err := oracle.NewAdapter(asset, feed, oracle.WithStalenessWindow(cfg.StalenessWindow))
		if err != nil {
			return fmt.Errorf("adapter for %s: %w", c.Symbol, err)
		}
		feeds[asset] = feed
		assets = append(assets, asset)
		adapters = append(adapters, adapter)
		logger.Info().Str("symbol", c.Symbol).Str("asset", asset.Hex()).Uint8("feed_decimals", c.FeedDecimals).Msg("collateral registered")
	}
	reg, err := registry.New(assets, adapters)
	if err != nil {
		return err
	}

	// --- Postgres ---
	var db *sql.DB
	if cfg.PostgresURL != "" {
		db, err = openPostgres(ingressCtx, cfg.PostgresURL, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		healthChecker.AddProbe("postgres", db.PingContext)
	} else {
		logger.Warn().Msg("PEG_POSTGRES_DSN empty, running without persistence")
	}

	// --- NATS ---
	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.NATSURL != "" {
		nc, js, err = ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

		if err := ingestion.EnsureStreams(ingressCtx, js); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(ingressCtx, js); err != nil {
			return err
		}
		if err := token.EnsureSettlementStream(ingressCtx, js); err != nil {
			return err
		}
		healthChecker.AddProbe("nats", func(context.Context) error {
			if st := nc.Status(); st != nats.CONNECTED {
				return fmt.Errorf("nats %s", st)
			}
			return nil
		})
	} else {
		logger.Warn().Msg("PEG_NATS_URL empty, using in-memory tokens and HTTP-only ingestion")
	}

	// --- Tokens ---
	tokens, pegged := buildTokens(cfg, assets, js, logger)

	// --- Engine ---
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	engineLogger := observability.NewLogger("engine")
	engineCfg := core.Config{
		Registry:            reg,
		Collateral:          tokens,
		Pegged:              pegged,
		ProjectionChan:      projectionChan,
		IdempotencyCapacity: cfg.IdempotencyLRUCapacity,
		Metrics:             metrics,
		Logger:              &engineLogger,
	}
	if db != nil {
		engineCfg.PersistChan = persistChan
		engineCfg.DBChecker = persistence.NewPostgresIdempotencyChecker(db, cfg.IdempotencyDBTimeout)
	}
	engine, err := core.NewEngine(engineCfg)
	if err != nil {
		return err
	}

	prices := ingestion.NewPriceIngestor(feeds, metrics, observability.NewLogger("prices"))

	// --- Recovery ---
	var snapMgr *persistence.SnapshotManager
	if db != nil {
		snapMgr = persistence.NewSnapshotManager(db)
		result, err := persistence.Recover(ingressCtx, snapMgr, engine, cfg.ReplayBatchSize, metrics, observability.NewLogger("recovery"))
		if err != nil {
			return fmt.Errorf("recovery: %w", err)
		}
		for asset, round := range result.PriceRounds {
			prices.SetLastRound(common.HexToAddress(asset), round)
		}
	}

	// --- Ingestion ---
	var (
		rawChan    chan ingestion.RawEvent
		subscriber *ingestion.NATSSubscriber
	)
	if js != nil {
		rawChan = make(chan ingestion.RawEvent, cfg.RawChanSize)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, observability.NewLogger("subscriber"))
	}
	loop := ingestion.NewCommandLoop(engine, prices, rawChan, observability.NewLogger("loop"))

	// --- Workers ---
	var workers sync.WaitGroup
	errChan := make(chan error, 8)
	goWorker := func(name string, fn func() error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	var publishChan chan ingestion.PublishableEvent
	if js != nil {
		publishChan = make(chan ingestion.PublishableEvent, cfg.PublishChanSize)
		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, observability.NewLogger("publisher"))
		goWorker("publisher", func() error { return publisher.Run(workerCtx) })
	}

	var persistWorker *persistence.PersistenceWorker
	if db != nil {
		persistWorker = persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
			metrics, observability.NewLogger("persistence"),
			persistence.WithOnFlushed(func(envs []*event.EventEnvelope) {
				publishDurable(publishChan, envs, metrics)
			}))
	}
	persistDone := make(chan struct{})
	if persistWorker != nil {
		go func() {
			defer close(persistDone)
			if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("persistence: %w", err)
			}
		}()
	} else {
		close(persistDone)
	}

	history := projection.NewLiquidationHistory(cfg.LiquidationHistorySize)
	projectors := []projection.Projector{history}
	if db != nil {
		projectors = append(projectors, projection.NewPostgresProjector(db))
	}
	projWorker := projection.NewProjectionWorker(projectionChan, metrics, observability.NewLogger("projection"), projectors...)
	goWorker("projection", func() error { return projWorker.Run(workerCtx) })

	// --- API ---
	deps := server.Deps{
		Loop:           loop,
		Liquidations:   query.NewMemoryService(history, projWorker),
		HealthChecker:  healthChecker,
		Metrics:        metrics,
		MetricsHandler: promhttp.Handler(),
		RateLimit:      rate.Limit(cfg.HTTPRateLimit),
		RateBurst:      cfg.HTTPRateBurst,
		Logger:         observability.NewLogger("api"),
	}
	if db != nil {
		pg := query.NewPostgresService(db)
		deps.Liquidations = pg
		deps.Integrity = pg
	}
	srv, err := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, deps)
	if err != nil {
		return err
	}
	healthChecker.AddProbe("grpc", server.GRPCHealthProbe(dialAddr(cfg.GRPCAddr)))

	// --- Ingress goroutines ---
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(ingressCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("command loop: %w", err)
		}
	}()
	go func() {
		if err := srv.StartGRPC(ingressCtx); err != nil {
			errChan <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		if err := srv.StartHTTP(ingressCtx); err != nil {
			errChan <- fmt.Errorf("http: %w", err)
		}
	}()
	if subscriber != nil {
		if err := subscriber.Subscribe(ingressCtx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
	}
	if snapMgr != nil {
		go runPeriodicSnapshots(ingressCtx, loop, prices, assets, snapMgr, cfg.SnapshotInterval, metrics, logger)
	}
	go reportChannels(ingressCtx, metrics, map[string]func() (int, int){
		"persist":    func() (int, int) { return len(persistChan), cap(persistChan) },
		"projection": func() (int, int) { return len(projectionChan), cap(projectionChan) },
		"raw":        func() (int, int) { return len(rawChan), cap(rawChan) },
		"publish":    func() (int, int) { return len(publishChan), cap(publishChan) },
	})

	srv.SetServing(true)
	healthChecker.SetReady(true)
	logger.Info().
		Int64("next_sequence", engine.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Bool("persistence", db != nil).
		Bool("nats", js != nil).
		Msg("PegLedger ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	stopIngress()
	<-loopDone

	// The engine is idle from here on: nothing else sends to its channels.
	close(persistChan)
	close(projectionChan)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	select {
	case <-persistDone:
	case <-shutdownCtx.Done():
		logger.Error().Msg("persistence did not drain before the shutdown deadline")
	}
	if publishChan != nil {
		close(publishChan)
	}
	waitOrTimeout(shutdownCtx, &workers, logger)

	if snapMgr != nil && engine.GetSequence() > 1 {
		snap := persistence.SnapshotFromState(engine.CreateSnapshotState(), time.Now())
		snap.PriceRounds = priceRounds(prices, assets)
		if err := saveSnapshot(shutdownCtx, snapMgr, snap, metrics); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		} else {
			logger.Info().Int64("sequence", snap.Sequence).Msg("final snapshot saved")
		}
	}
	if nc != nil {
		nc.Drain()
	}

	logger.Info().Msg("PegLedger shutdown complete")
	return runErr
}

func openPostgres(ctx context.Context, dsn string, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("Postgres connected")

	applied, err := persistence.NewMigrator(db, migrations.FS, observability.NewLogger("migrate")).Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")
	return db, nil
}

// buildTokens returns NATS settlement tokens when js is set, in-memory
// tokens held by the engine's custody address otherwise.
func buildTokens(cfg Config, assets []common.Address, js jetstream.JetStream, logger zerolog.Logger) (map[common.Address]token.Fungible, token.Fungible) {
	tokens := make(map[common.Address]token.Fungible, len(assets))
	if js != nil {
		settleLogger := observability.NewLogger("settlement")
		for _, asset := range assets {
			tokens[asset] = token.NewSettlementToken(js, asset, cfg.SettlementTimeout, settleLogger)
		}
		return tokens, token.NewSettlementToken(js, cfg.PeggedAsset, cfg.SettlementTimeout, settleLogger)
	}

	for _, asset := range assets {
		tokens[asset] = token.NewMemoryToken(cfg.EngineAddress)
	}
	logger.Warn().Str("custody", cfg.EngineAddress.Hex()).Msg("in-memory tokens start with empty wallets")
	return tokens, token.NewMemoryToken(cfg.EngineAddress)
}

// publishDurable forwards flushed envelopes to the outbound publisher,
// dropping when it falls behind. Consumers can re-read the event log.
func publishDurable(out chan<- ingestion.PublishableEvent, envs []*event.EventEnvelope, metrics *observability.Metrics) {
	if out == nil {
		return
	}
	for _, env := range envs {
		select {
		case out <- ingestion.NewPublishableEvent(env):
		default:
			metrics.PublishDrops.Inc()
		}
	}
}

// runPeriodicSnapshots captures the engine on the loop goroutine every
// interval and saves it. Snapshots stay unverified until the event log has
// caught up with them.
func runPeriodicSnapshots(
	ctx context.Context,
	loop *ingestion.CommandLoop,
	prices *ingestion.PriceIngestor,
	assets []common.Address,
	snapMgr *persistence.SnapshotManager,
	interval time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastSeq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var snap *persistence.SnapshotData
			if err := loop.Do(ctx, func(e *core.Engine) {
				if seq := e.GetSequence() - 1; seq == 0 || seq == lastSeq {
					return
				}
				snap = persistence.SnapshotFromState(e.CreateSnapshotState(), time.Now())
				snap.PriceRounds = priceRounds(prices, assets)
			}); err != nil || snap == nil {
				continue
			}
			if err := saveSnapshot(ctx, snapMgr, snap, metrics); err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSeq = snap.Sequence
			logger.Info().Int64("sequence", snap.Sequence).Msg("periodic snapshot saved")
		}
	}
}

func saveSnapshot(ctx context.Context, snapMgr *persistence.SnapshotManager, snap *persistence.SnapshotData, metrics *observability.Metrics) error {
	start := time.Now()
	if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if _, err := snapMgr.VerifyPending(ctx); err != nil {
		return fmt.Errorf("verify snapshots: %w", err)
	}
	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	return nil
}

// priceRounds must run where the price ingestor is owned (the loop, or
// after it has stopped).
func priceRounds(prices *ingestion.PriceIngestor, assets []common.Address) map[string]uint64 {
	rounds := make(map[string]uint64, len(assets))
	for _, asset := range assets {
		if r := prices.LastRound(asset); r > 0 {
			rounds[asset.Hex()] = r
		}
	}
	return rounds
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sizeOf := range channels {
				size, capacity := sizeOf()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}

func waitOrTimeout(ctx context.Context, wg *sync.WaitGroup, logger zerolog.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Error().Msg("workers did not stop before the shutdown deadline")
	}
}

// dialAddr turns a listen address such as ":9090" into a dialable target.
func dialAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}
