package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/target/loadrun-api/config"
	"github.com/target/loadrun-api/internal/adapters/blobstore"
	"github.com/target/loadrun-api/internal/adapters/writer"
	"github.com/target/loadrun-api/internal/core"
	"github.com/target/loadrun-api/internal/data"
	"github.com/target/loadrun-api/internal/observability/statsd"
	"github.com/target/loadrun-api/internal/service"
)

// ServiceContainer holds the wired domain services and their shared
// dependencies.
type ServiceContainer struct {
	Records    *service.RecordService
	Reconciler *service.Reconciler
	Writers    *writer.Manager

	Pending   *data.RedisPendingJobsRepo
	Documents core.DocumentStore
	Blobs     core.BlobStore
	Metrics   *statsd.Client
}

// ServiceDeps carries the infrastructure clients services are built from.
type ServiceDeps struct {
	Config *config.AppConfig
	DB     *sql.DB
	Redis  redis.UniversalClient
	Logger *slog.Logger
}

// NewServices wires the full service graph from infrastructure clients.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps are required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := statsd.NewClient(statsd.Config{
		Enabled: cfg.Observability.Metrics.IsEnabled(),
		Address: cfg.Observability.Metrics.StatsdAddress,
		Prefix:  "loadrun",
		Logger:  logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("init metrics client: %w", err)
	}

	documents, err := buildDocumentStore(cfg, deps.DB)
	if err != nil {
		return ServiceContainer{}, err
	}

	var blobs core.BlobStore
	if cfg.BlobStore.Enabled {
		s3cfg := blobstore.Config{
			EndpointURL: cfg.BlobStore.EndpointURL,
			Region:      cfg.BlobStore.Region,
			Bucket:      cfg.BlobStore.Bucket,
			AccessKey:   cfg.BlobStore.AccessKey,
			SecretKey:   cfg.BlobStore.SecretKey,
			KeyPrefix:   cfg.BlobStore.KeyPrefix,
		}
		blobs = blobstore.NewS3BlobStore(blobstore.Connect(s3cfg), s3cfg)
	}

	if deps.Redis == nil {
		return ServiceContainer{}, errors.New("redis client is required")
	}
	pending := data.NewRedisPendingJobsRepo(deps.Redis)

	records, err := service.NewRecordService(service.RecordServiceOptions{
		Documents:            documents,
		Blobs:                blobs,
		Logger:               logger,
		Metrics:              metrics,
		OptionsRetryInterval: cfg.Reconciler.OptionsRetryInterval,
		OptionsRetryAttempts: uint(cfg.Reconciler.OptionsRetryAttempts),
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build record service: %w", err)
	}

	writers, err := writer.NewManager(writer.ManagerOptions{
		URL:         cfg.Writer.URL,
		Credentials: writer.Credentials{Token: cfg.Writer.Token},
		ProjectID:   cfg.Writer.ProjectID,
		Scopes:      pending,
		Logger:      logger,
		Timeout:     cfg.Writer.ChannelTimeout,
		ScopeTTL:    cfg.Writer.ScopeTTL,
		OnTimeout: func(ctx context.Context, st *core.ConnectionJobState) {
			if err := records.FinalizeFailure(ctx, st.Snapshot()); err != nil {
				logger.ErrorContext(ctx, "finalize after channel timeout failed",
					"job_id", st.JobID(), "error", err)
			}
		},
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build writer manager: %w", err)
	}

	waiter := core.NewConsistencyWaiter(logger)
	waiter.Interval = cfg.Reconciler.WaitInterval
	waiter.Attempts = uint(cfg.Reconciler.WaitAttempts)

	reconciler, err := service.NewReconciler(service.ReconcilerOptions{
		Records: records,
		Writers: writers,
		Pending: pending,
		Logger:  logger,
		Metrics: metrics,
		Tracker: service.TrackerTuning{
			MarkRetryInterval: cfg.Reconciler.MarkRetryInterval,
			MarkRetryAttempts: uint(cfg.Reconciler.MarkRetryAttempts),
			TeardownGrace:     cfg.Reconciler.TeardownGrace,
			Waiter:            waiter,
		},
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build reconciler: %w", err)
	}

	return ServiceContainer{
		Records:    records,
		Reconciler: reconciler,
		Writers:    writers,
		Pending:    pending,
		Documents:  documents,
		Blobs:      blobs,
		Metrics:    metrics,
	}, nil
}

func buildDocumentStore(cfg *config.AppConfig, db *sql.DB) (core.DocumentStore, error) {
	if cfg.Reconciler.DocStore == "memory" {
		return data.NewMemoryDocumentStore(), nil
	}
	if db == nil {
		return nil, errors.New("postgres document store requires a database connection")
	}
	return data.NewPgDocumentStore(db), nil
}

// ServiceOrchestrationConfig carries everything RunServicesWithShutdown
// needs.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// RunServicesWithShutdown starts all enabled services and manages their
// lifecycle. It blocks until a shutdown signal is received or a service
// fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil {
		return errors.New("service orchestration config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	var httpServer *httpServerHandle
	if enabled[config.ServiceModeHTTP] {
		httpServer = startHTTPServer(&HTTPServerConfig{
			Config:   cfg.Config,
			Services: cfg.Services,
			Logger:   logger,
		})
		g.Go(func() error {
			select {
			case err := <-httpServer.errCh:
				return err
			case <-gctx.Done():
				return nil
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down services...")

		if httpServer != nil {
			grace := time.Duration(cfg.Config.HTTP.ShutdownGraceSeconds) * time.Second
			shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			if err := httpServer.server.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown failed", "error", err)
			}
		}

		if enabled[config.ServiceModeReconciler] && cfg.Services.Reconciler != nil {
			cfg.Services.Reconciler.Shutdown()
		}
		if cfg.Services.Metrics != nil {
			if err := cfg.Services.Metrics.Close(); err != nil {
				logger.Error("metrics client close failed", "error", err)
			}
		}
		return nil
	})

	return g.Wait()
}
