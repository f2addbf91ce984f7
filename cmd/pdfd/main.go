// Package main wires together the PDF generation service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/WarriorSushi/Speedstein-sub004/internal/api"
	"github.com/WarriorSushi/Speedstein-sub004/internal/batch"
	"github.com/WarriorSushi/Speedstein-sub004/internal/clock/system"
	"github.com/WarriorSushi/Speedstein-sub004/internal/config"
	"github.com/WarriorSushi/Speedstein-sub004/internal/dedup"
	eventsmem "github.com/WarriorSushi/Speedstein-sub004/internal/events/memory"
	eventspubsub "github.com/WarriorSushi/Speedstein-sub004/internal/events/pubsub"
	"github.com/WarriorSushi/Speedstein-sub004/internal/id/uuid"
	"github.com/WarriorSushi/Speedstein-sub004/internal/logging"
	"github.com/WarriorSushi/Speedstein-sub004/internal/metrics"
	"github.com/WarriorSushi/Speedstein-sub004/internal/pipeline"
	"github.com/WarriorSushi/Speedstein-sub004/internal/pool"
	"github.com/WarriorSushi/Speedstein-sub004/internal/quota"
	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
	"github.com/WarriorSushi/Speedstein-sub004/internal/rpc"
	gcsstorage "github.com/WarriorSushi/Speedstein-sub004/internal/storage/gcs"
	localstorage "github.com/WarriorSushi/Speedstein-sub004/internal/storage/local"
	blobmem "github.com/WarriorSushi/Speedstein-sub004/internal/storage/memory"
	storemem "github.com/WarriorSushi/Speedstein-sub004/internal/store/memory"
	pgstore "github.com/WarriorSushi/Speedstein-sub004/internal/store/postgres"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.NewUUIDGenerator()

	stores, closeStores, err := buildStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer closeStores()

	blobs, closeBlobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}
	defer closeBlobs()

	cache, closeCache, err := buildDedupCache(ctx, cfg, clock)
	if err != nil {
		logger.Fatal("dedup cache init failed", zap.Error(err))
	}
	defer closeCache()

	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer closePublisher()

	allocator, err := pool.NewChromeAllocator(pool.ChromeConfig{
		ExecPath:   cfg.Chrome.ExecPath,
		NoSandbox:  cfg.Chrome.NoSandbox,
		NavTimeout: time.Duration(cfg.Chrome.NavTimeoutSeconds) * time.Second,
	}, logger.Named("chrome"))
	if err != nil {
		logger.Fatal("chrome init failed", zap.Error(err))
	}
	defer func() {
		if err := allocator.Close(); err != nil {
			logger.Warn("chrome close failed", zap.Error(err))
		}
	}()

	sessions := pool.New(pool.Config{
		MinIdle:             cfg.Pool.MinIdle,
		MaxSessions:         cfg.Pool.MaxSessions,
		AcquireTimeout:      time.Duration(cfg.Pool.AcquireTimeoutMs) * time.Millisecond,
		IdleTimeout:         time.Duration(cfg.Pool.IdleTimeoutSeconds) * time.Second,
		LeaseTimeout:        time.Duration(cfg.Pool.LeaseTimeoutSeconds) * time.Second,
		MaintenanceInterval: 30 * time.Second,
	}, allocator.StartSession, clock, logger.Named("pool"))
	defer func() {
		if err := sessions.Close(); err != nil {
			logger.Warn("pool close failed", zap.Error(err))
		}
	}()
	go poolGaugeLoop(ctx, sessions)

	ledger := quota.New(stores.counters, stores.creds, clock,
		time.Duration(cfg.Quota.StalenessSeconds)*time.Second, logger.Named("quota"))

	pipe := pipeline.New(pipeline.Config{
		MaxHTMLBytes:      cfg.Limits.MaxHTMLBytes,
		GenerationTimeout: cfg.GenerationTimeout(),
		DedupTTL:          time.Duration(cfg.Dedup.TTLHours) * time.Hour,
		ArtifactTTL:       time.Duration(cfg.Limits.ArtifactTTLHours) * time.Hour,
		BillDedupHits:     cfg.Quota.BillDedupHits,
	}, sessions, ledger, cache, blobs, stores.usage, stores.creds, publisher, idGen, clock, logger.Named("pipeline"))

	orchestrator := batch.New(batch.Config{
		MaxConcurrent: cfg.Batch.MaxConcurrent,
		MaxPerBatch: map[render.Tier]int{
			render.TierFree:       cfg.Batch.MaxPerBatchFree,
			render.TierPro:        cfg.Batch.MaxPerBatchPro,
			render.TierEnterprise: cfg.Batch.MaxPerBatchEnt,
		},
		MaxBatchBytes: cfg.Batch.MaxBatchBytes,
		TenantRPS:     rate.Limit(cfg.Batch.TenantRatePerSec),
		TenantBurst:   cfg.Batch.TenantBurst,
	}, pipe, idGen, clock, logger.Named("batch"))

	var rpcHandler http.Handler
	if cfg.RPC.Enabled {
		rpcServer := rpc.NewServer(rpc.Config{
			RequestTimeout: time.Duration(cfg.RPC.RequestTimeoutSeconds) * time.Second,
			PingInterval:   time.Duration(cfg.RPC.PingIntervalSeconds) * time.Second,
			MaxInFlight:    cfg.RPC.MaxInFlight,
		}, pipe, logger.Named("rpc"))
		rpc.RegisterMethods(rpcServer, pipe, orchestrator, clock)
		rpcHandler = rpcServer
	}

	apiServer := api.NewServer(api.Config{
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		MaxBodyBytes:   cfg.Limits.MaxBodyBytes,
	}, pipe, orchestrator, rpcHandler, func() bool {
		return !sessions.Snapshot().Halted
	}, clock, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// tenantStores groups the persistence interfaces one backend provides.
type tenantStores struct {
	creds    render.CredentialStore
	counters render.CounterStore
	usage    render.UsageStore
}

func buildStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (tenantStores, func(), error) {
	switch cfg.DB.Backend {
	case "postgres":
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxConns),
			MinConns: int32(cfg.DB.MinConns),
		})
		if err != nil {
			return tenantStores{}, nil, err
		}
		return tenantStores{creds: store, counters: store, usage: store}, store.Close, nil
	default:
		store := storemem.NewStore()
		seedDevTenant(store, logger)
		return tenantStores{creds: store, counters: store, usage: store}, func() {}, nil
	}
}

// seedDevTenant registers one free-tier credential so the memory backend
// is usable out of the box. The key comes from PDFD_DEV_API_KEY.
func seedDevTenant(store *storemem.Store, logger *zap.Logger) {
	key := os.Getenv("PDFD_DEV_API_KEY")
	if key == "" {
		return
	}
	now := time.Now().UTC()
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	store.Seed(render.Tenant{
		ID:          "dev-tenant",
		Tier:        render.TierFree,
		QuotaLimit:  1000,
		PeriodStart: periodStart,
		PeriodEnd:   periodStart.AddDate(0, 1, 0),
	}, render.Credential{
		ID:         "dev-credential",
		TenantID:   "dev-tenant",
		SecretHash: pipeline.HashSecret(key),
		Prefix:     "dev",
	})
	logger.Info("seeded development tenant", zap.String("tenant_id", "dev-tenant"))
}

func buildBlobStore(ctx context.Context, cfg config.Config) (render.BlobStore, func(), error) {
	switch cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: cfg.Storage.GCSBucket,
			Prefix: cfg.Storage.Prefix,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		return blobmem.NewBlobStore(), func() {}, nil
	}
}

func buildDedupCache(ctx context.Context, cfg config.Config, clock render.Clock) (dedup.Cache, func(), error) {
	switch cfg.Dedup.Backend {
	case "redis":
		cache, err := dedup.NewRedisCache(ctx, dedup.RedisConfig{
			Addr:     cfg.Dedup.Redis.Addr,
			Password: cfg.Dedup.Redis.Password,
			DB:       cfg.Dedup.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return cache, func() { _ = cache.Close() }, nil
	default:
		return dedup.NewMemoryCache(clock), func() {}, nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (render.Publisher, func(), error) {
	if !cfg.PubSub.Enabled {
		return eventsmem.New(), func() {}, nil
	}
	pub, err := eventspubsub.New(ctx, eventspubsub.Config{
		ProjectID: cfg.PubSub.ProjectID,
		Topic:     cfg.PubSub.TopicName,
	})
	if err != nil {
		return nil, nil, err
	}
	return pub, func() { _ = pub.Close() }, nil
}

// poolGaugeLoop mirrors pool occupancy into Prometheus gauges.
func poolGaugeLoop(ctx context.Context, p *pool.Pool) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := p.Snapshot()
			metrics.SetPoolSessions(stats.Idle, stats.Leased, stats.Starting)
		case <-ctx.Done():
			return
		}
	}
}
