package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/api"
	"github.com/punchamoorthee/ledgercore/internal/config"
	"github.com/punchamoorthee/ledgercore/internal/events"
	"github.com/punchamoorthee/ledgercore/internal/gateway"
	"github.com/punchamoorthee/ledgercore/internal/logger"
	"github.com/punchamoorthee/ledgercore/internal/service"
	"github.com/punchamoorthee/ledgercore/internal/store"
	"github.com/punchamoorthee/ledgercore/internal/sweeper"
	"github.com/punchamoorthee/ledgercore/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Tracing.ServiceName); err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing.ServiceName, cfg.Tracing.CollectorURL)
	if err != nil {
		logger.Fatal("failed to init tracing", err)
	}

	// Initialize Layers
	ledgerStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("unable to open store", err, zap.String("driver", cfg.Database.Driver))
	}
	defer ledgerStore.Close()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// the cache and lease both degrade when redis is down
			logger.Warn("redis ping failed", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
	}

	var (
		gw      gateway.Gateway
		sandbox *gateway.Sandbox
		cache   *gateway.CachedGateway
	)
	switch cfg.Gateway.Mode {
	case "http":
		gw = gateway.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.SecretKey, cfg.Gateway.Timeout)
	default:
		sandbox = gateway.NewSandbox("http://localhost:" + cfg.Server.Port)
		gw = sandbox
	}
	if rdb != nil && cfg.Gateway.StatusCacheTTL > 0 {
		cache = gateway.NewCachedGateway(gw, rdb, cfg.Gateway.StatusCacheTTL)
		gw = cache
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}
	defer publisher.Close()

	reconciler := service.NewReconciler(ledgerStore, gw, publisher)
	loans := service.NewLoanService(ledgerStore, publisher, service.PartialPolicy(cfg.Repayment.PartialPolicy))
	handler := api.NewHandler(api.Services{
		Ledger:      service.NewLedgerService(ledgerStore),
		Deposits:    service.NewDepositService(ledgerStore, gw, publisher, cfg.DepositHorizon()),
		Reconciler:  reconciler,
		Loans:       loans,
		Status:      service.NewStatusService(ledgerStore, reconciler, loans),
		Sandbox:     sandbox,
		StatusCache: cache,
	})

	var lease sweeper.Lease = sweeper.LocalLease{}
	if rdb != nil {
		lease = sweeper.NewRedisLease(rdb)
	}
	sw := sweeper.New(reconciler, loans, lease, sweeper.Config{
		Interval:  cfg.Sweeper.Interval,
		LeaseTTL:  cfg.Sweeper.LeaseTTL,
		BatchSize: cfg.Sweeper.BatchSize,
	})
	go sw.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port),
			zap.String("env", cfg.Server.Env), zap.String("gateway", cfg.Gateway.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracer shutdown failed", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.Driver == "bolt" {
		return store.NewBolt(cfg.Database.BoltPath)
	}
	pg, err := store.NewPostgres(ctx, cfg.Database.Source, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}
