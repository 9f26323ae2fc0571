package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mgamer/indexer-v3-sub004/internal/admin"
	"github.com/mgamer/indexer-v3-sub004/internal/alert"
	"github.com/mgamer/indexer-v3-sub004/internal/chain"
	"github.com/mgamer/indexer-v3-sub004/internal/chain/evm"
	"github.com/mgamer/indexer-v3-sub004/internal/config"
	"github.com/mgamer/indexer-v3-sub004/internal/metrics"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/demux"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/ledger"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/normalizer"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/normalizer/seaport"
	"github.com/mgamer/indexer-v3-sub004/internal/pipeline/normalizer/sudoswap"
	"github.com/mgamer/indexer-v3-sub004/internal/pricing"
	"github.com/mgamer/indexer-v3-sub004/internal/reconciliation"
	"github.com/mgamer/indexer-v3-sub004/internal/store"
	"github.com/mgamer/indexer-v3-sub004/internal/store/kafka"
	"github.com/mgamer/indexer-v3-sub004/internal/store/postgres"
	redispkg "github.com/mgamer/indexer-v3-sub004/internal/store/redis"
	"github.com/mgamer/indexer-v3-sub004/internal/tracing"
)

const serviceName = "nft-indexer"

type dbStatsProvider interface {
	Stats() sql.DBStats
}

type dbPoolStatsGauges struct {
	open         *prometheus.GaugeVec
	inUse        *prometheus.GaugeVec
	idle         *prometheus.GaugeVec
	waitCount    *prometheus.GaugeVec
	waitDuration *prometheus.GaugeVec
}

func collectDBPoolStats(db dbStatsProvider, chainName, network string, gauges dbPoolStatsGauges) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.Stats()
	gauges.open.WithLabelValues(chainName, network).Set(float64(stats.OpenConnections))
	gauges.inUse.WithLabelValues(chainName, network).Set(float64(stats.InUse))
	gauges.idle.WithLabelValues(chainName, network).Set(float64(stats.Idle))
	gauges.waitCount.WithLabelValues(chainName, network).Set(float64(stats.WaitCount))
	gauges.waitDuration.WithLabelValues(chainName, network).Set(stats.WaitDuration.Seconds())
	return nil
}

func startDBPoolStatsPump(ctx context.Context, db dbStatsProvider, chainName, network string, intervalMS int, logger *slog.Logger) {
	if db == nil || intervalMS <= 0 {
		return
	}

	gauges := dbPoolStatsGauges{
		open:         metrics.DBPoolOpen,
		inUse:        metrics.DBPoolInUse,
		idle:         metrics.DBPoolIdle,
		waitCount:    metrics.DBPoolWaitCount,
		waitDuration: metrics.DBPoolWaitDurationSeconds,
	}
	ticker := time.NewTicker(time.Duration(intervalMS) * time.Millisecond)

	go func() {
		defer ticker.Stop()
		if err := collectDBPoolStats(db, chainName, network, gauges); err != nil {
			logger.Warn("failed to collect initial db pool stats", "error", err)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := collectDBPoolStats(db, chainName, network, gauges); err != nil {
					logger.Warn("failed to collect db pool stats", "error", err)
				}
			}
		}
	}()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("indexer exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("indexer shut down gracefully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting nft indexer",
		"chain", cfg.Chain.Chain,
		"network", cfg.Chain.Network,
		"confirmation_lag", cfg.Sync.ConfirmationLag,
		"backfill_workers", cfg.Backfill.Workers,
		"kafka_enabled", len(cfg.Kafka.Brokers) > 0,
	)

	shutdownTracing, err := tracing.Init(context.Background(), serviceName, cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:                cfg.DB.URL,
		MaxOpenConns:       cfg.DB.MaxOpenConns,
		MaxIdleConns:       cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	if cfg.DB.RunMigrations {
		if err := db.RunMigrations(context.Background()); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}
	logger.Info("connected to database")

	redisClient, err := redispkg.NewClient(cfg.Redis.URL, cfg.Redis.KeyPrefix)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisClient.Close()

	notifier, closeNotifier := buildNotifier(cfg, redisClient)
	defer func() {
		if err := closeNotifier(); err != nil {
			logger.Warn("notifier close error", "error", err)
		}
	}()

	provider := evm.NewClient(cfg.Chain.RPCURL, cfg.Chain.Chain, logger,
		evm.WithRateLimit(cfg.Chain.RPCRateLimit, cfg.Chain.RPCBurst),
		evm.WithBreaker(cfg.Chain.BreakerFailure, cfg.Chain.BreakerOpen),
	)

	demuxRegistry, err := demux.NewRegistry(cfg.Network)
	if err != nil {
		return fmt.Errorf("build event registry: %w", err)
	}

	orders := postgres.NewOrderRepo(db)
	transfers := postgres.NewTransferRepo(db)
	catalog := postgres.NewCatalogRepo(db)
	queue := redispkg.NewQueue(redisClient, cfg.Redis.QueueName, redispkg.WithVisibility(cfg.Backfill.Visibility))

	strategies, err := buildStrategies(cfg, provider, transfers, catalog, logger)
	if err != nil {
		return fmt.Errorf("register order strategies: %w", err)
	}
	norm := normalizer.New(strategies, normalizer.Deps{
		Orders:      orders,
		TokenSets:   catalog,
		Collections: transfers,
		Royalties:   catalog,
		Sources:     catalog,
		Transfers:   transfers,
		Oracle:      pricing.NewOracle(catalog, cfg.Network, logger),
		Queue:       queue,
		Notifier:    notifier,
		Settings:    cfg.Network,
	}, normalizer.Config{
		Chain:   cfg.Chain.Chain,
		Network: cfg.Chain.Network,
		Workers: cfg.Normalizer.Workers,
		FanOut:  cfg.Normalizer.PoolFanOut,
	}, logger)

	alerter := buildAlerter(cfg.Alert, logger)
	ldg := ledger.New(transfers, cfg.Network, cfg.Chain.Chain, cfg.Chain.Network, logger)
	ldg.SetAlerter(alerter)
	p := pipeline.New(pipeline.Config{
		Chain:    cfg.Chain.Chain,
		Network:  cfg.Chain.Network,
		Sync:     cfg.Sync,
		Backfill: cfg.Backfill,
		Reorg:    cfg.Reorg,
	}, pipeline.Deps{
		Provider:   provider,
		Demuxer:    demux.New(demuxRegistry, cfg.Chain.Chain, cfg.Chain.Network, logger),
		Ledger:     ldg,
		Normalizer: norm,
		Cursors:    postgres.NewCursorRepo(db),
		Blocks:     postgres.NewBlockRepo(db),
		Queue:      queue,
		Lock:       redispkg.NewLock(redisClient),
		Alerter:    alerter,
	}, logger)

	var adminHandler http.Handler
	if cfg.Server.AdminEnabled {
		var rlOpts []admin.RateLimitOption
		if cfg.Server.TrustProxyHeaders {
			rlOpts = append(rlOpts, admin.WithTrustedProxyHeaders())
		}
		rl := admin.NewRateLimitMiddleware(logger, rlOpts...)
		defer rl.Stop()
		srv := admin.NewServer(p, logger,
			admin.WithHealthProvider(p),
			admin.WithReorgTrigger(p.Detector()),
			admin.WithOrderReader(orders),
			admin.WithBalanceReader(transfers),
			admin.WithReconciler(reconciliation.NewService(provider, transfers, alerter, reconciliation.Config{
				Chain:   cfg.Chain.Chain,
				Network: cfg.Chain.Network,
			}, logger)),
		)
		adminHandler = admin.AuditMiddleware(logger, rl.Wrap(srv.Handler()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, p.Health(), adminHandler, logger)
	})
	g.Go(func() error {
		return p.Run(gCtx)
	})

	startDBPoolStatsPump(gCtx, db.DB, cfg.Chain.Chain, cfg.Chain.Network, cfg.DB.PoolStatsIntervalMS, logger)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildNotifier publishes order updates to Kafka when brokers are configured
// and to a Redis list otherwise.
func buildNotifier(cfg *config.Config, client *redispkg.Client) (store.Notifier, func() error) {
	if len(cfg.Kafka.Brokers) > 0 {
		n := kafka.NewNotifier(kafka.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		return n, n.Close
	}
	return redispkg.NewListNotifier(client, cfg.Redis.UpdatesList), func() error { return nil }
}

func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	if len(channels) == 0 {
		logger.Info("no alert channels configured")
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, channels...)
}

func buildStrategies(cfg *config.Config, state chain.StateReader, inventory sudoswap.Inventory, royalties sudoswap.Royalties, logger *slog.Logger) (*normalizer.Registry, error) {
	reg := normalizer.NewRegistry()
	if err := reg.Register(seaport.New(cfg.Network, state, logger)); err != nil {
		return nil, err
	}
	pools := sudoswap.New(cfg.Network, state, inventory, royalties, sudoswap.Config{PricePoints: cfg.Normalizer.PricePoints}, logger)
	if err := reg.Register(pools); err != nil {
		return nil, err
	}
	return reg, nil
}

type healthSource interface {
	Snapshot() pipeline.HealthSnapshot
}

// healthHandler answers 503 only while the realtime loop is unhealthy, so a
// slow but progressing indexer is not restarted.
func healthHandler(h healthSource, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap := h.Snapshot()
		status := http.StatusOK
		if !snap.Serving() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	}
}

func newHealthMux(h healthSource, adminHandler http.Handler, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler(h, logger))
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())
	if adminHandler != nil {
		mux.Handle("/admin/", adminHandler)
	}
	return mux
}

func runHealthServer(ctx context.Context, port int, h healthSource, adminHandler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           newHealthMux(h, adminHandler, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port, "admin", adminHandler != nil)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
