package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manthysbr/jewelforge/internal/adapters/duckdb"
	"github.com/manthysbr/jewelforge/internal/adapters/memory"
	"github.com/manthysbr/jewelforge/internal/adapters/redis"
	"github.com/manthysbr/jewelforge/internal/adapters/render"
	"github.com/manthysbr/jewelforge/internal/adapters/system"
	appconfig "github.com/manthysbr/jewelforge/internal/config"
	"github.com/manthysbr/jewelforge/internal/core/domain"
	"github.com/manthysbr/jewelforge/internal/core/ports"
	"github.com/manthysbr/jewelforge/internal/core/services"
	"github.com/manthysbr/jewelforge/pkg/kernel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting jewelforge engine")

	if err := run(logger); err != nil {
		logger.Error("engine failed", "error", err)
		os.Exit(1)
	}
}

// engineStore is what both storage drivers provide.
type engineStore interface {
	ports.PersistenceStore
	ports.SettingsRepository
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := appconfig.Load(appconfig.ConfigPath(""))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration loaded",
		"environment", cfg.Environment,
		"storage", cfg.Storage.Driver,
		"renderer", cfg.Renderer.Mode,
	)

	// Storage
	var store engineStore
	switch cfg.Storage.Driver {
	case "memory":
		store = memory.NewStore()
	default:
		repo, err := duckdb.NewRepository(logger, cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("init repository: %w", err)
		}
		defer repo.Close()
		store = repo
	}

	// Runtime settings override the file configuration once saved.
	secretKey, err := appconfig.NewSecretKey()
	if err != nil {
		return fmt.Errorf("init secret key: %w", err)
	}
	settings, err := appconfig.NewSettingsStore(ctx, logger, store, secretKey, cfg)
	if err != nil {
		return fmt.Errorf("init settings store: %w", err)
	}
	cfg = settings.Config()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(registry)

	// Events
	bus := services.NewEventBus(logger)
	publishers := services.MultiPublisher{bus}
	var redisPub *redis.Publisher
	if cfg.Events.RedisAddr != "" {
		client, err := redis.NewClient(ctx, cfg.Events)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer client.Close()
		redisPub = redis.NewPublisher(client, cfg.Events.ChannelPrefix, logger)
		publishers = append(publishers, redisPub)
		logger.Info("redis event publishing enabled", "addr", cfg.Events.RedisAddr)
	}

	// Renderer
	renderer, keySetter, err := buildRenderer(ctx, logger, cfg.Renderer)
	if err != nil {
		return err
	}

	// Core services
	monitor := services.NewResourceMonitor(logger, system.NewProbe(), cfg.Resources, cfg.Monitoring)
	monitor.OnSample(metrics.ObserveSnapshot)

	breaker := services.NewCircuitBreaker(logger, cfg.Breaker)
	breaker.OnStateChange(metrics.ObserveBreaker)

	checkpoints := services.NewCheckpointManager(logger, store, cfg.Generation.CheckpointInterval)
	defer checkpoints.Close()
	checkpoints.OnSaved(metrics.ObserveCheckpoint)

	planner := services.NewRecoveryPlanner(logger, store, checkpoints, cfg.Generation)

	scheduler := services.NewJobScheduler(logger, cfg.Generation, services.SchedulerDeps{
		Store:       store,
		Monitor:     monitor,
		Breaker:     breaker,
		Checkpoints: checkpoints,
		Planner:     planner,
		Renderer:    renderer,
		Publisher:   publishers,
		Metrics:     metrics,
	})
	monitor.AttachGenerationStats(scheduler.GenerationStats)

	// Hot reload
	settings.OnChange(func(s domain.RuntimeSettings) {
		scheduler.UpdateConfig(s.Generation)
		monitor.UpdateLimits(s.Resources)
		if keySetter != nil {
			keySetter.SetAPIKey(s.RendererAPIKey)
		}
		logger.Info("runtime settings applied")
	})

	// Prime the snapshot before admission opens.
	monitor.Sample(ctx)

	recovered, err := scheduler.RecoverPersisted(ctx)
	if err != nil {
		return fmt.Errorf("recover persisted jobs: %w", err)
	}
	logger.Info("startup recovery finished", "recovered", recovered)

	apiServer := kernel.NewServer(logger, scheduler, monitor, bus, kernel.Options{
		Settings:       settings,
		Gatherer:       registry,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return monitor.Run(gCtx)
	})

	g.Go(func() error {
		return scheduler.Run(gCtx)
	})

	if redisPub != nil {
		g.Go(func() error {
			return redisPub.Run(gCtx)
		})
	}

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

type apiKeySetter interface {
	SetAPIKey(key string)
}

// buildRenderer returns the generation operation for the configured mode and,
// when the renderer holds a credential, the hook that rotates it.
func buildRenderer(ctx context.Context, logger *slog.Logger, cfg domain.RendererConfig) (ports.GenerationOperation, apiKeySetter, error) {
	switch cfg.Mode {
	case "docker":
		r, err := render.NewDockerRenderer(logger, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("init docker renderer: %w", err)
		}
		// Containers left by a previous process hold no live job.
		removed, err := r.CleanupOrphans(ctx)
		if err != nil {
			logger.Warn("orphan container cleanup failed", "error", err)
		} else if removed > 0 {
			logger.Info("removed orphan render containers", "count", removed)
		}
		return r, nil, nil
	default:
		r := render.NewHTTPRenderer(logger, cfg)
		return r, r, nil
	}
}
