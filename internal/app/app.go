// Package app connects the stores, broker and pipeline components described by the configuration.
package app

import (
	"context"
	"fmt"
	"projectsync/internal/aws"
	"projectsync/internal/cache"
	"projectsync/internal/config"
	"projectsync/internal/controller"
	"projectsync/internal/database"
	"projectsync/internal/ledger"
	"projectsync/internal/notify"
	"projectsync/internal/orchestrator"
	"projectsync/internal/rabbitmq"
	"projectsync/internal/source"
	"projectsync/internal/telemetry"
	"time"

	"github.com/rs/zerolog/log"
)

// App holds the long lived dependencies shared by the API server and the operator CLI
type App struct {
	Config   *config.Config
	DB       database.Database
	Cache    *cache.RedisCache
	Rabbit   rabbitmq.Client
	Notifier *notify.Notifier
	Ledger   *ledger.Ledger
	Sources  *source.Registry
	Signals  *orchestrator.Signals
	Runs     orchestrator.RunRegistry
	Runner   *orchestrator.Runner
	Files    aws.FileService
}

// New connects every dependency. Anything already opened is closed again on failure.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	telemetry.Register()

	sources, validation, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	for _, w := range validation.Warnings {
		log.Warn().Str("file", cfg.SourcesFile).Msg(w)
	}

	a.DB, err = database.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	log.Info().Str("ledger", cfg.Ledger.Driver).Msg("Database connection established")

	a.Cache, err = cache.NewRedisCache(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	a.Rabbit, err = rabbitmq.NewClientFromConfig(cfg.RabbitMQ)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	if err := a.Rabbit.SetupTopology(); err != nil {
		return nil, fmt.Errorf("declare rabbitmq topology: %w", err)
	}

	a.Notifier = notify.New(a.Rabbit, cfg.RabbitMQ.EventsExchange)
	a.Ledger = ledger.New(a.DB, a.Notifier, cfg.Pipeline.BlockOverlaps)
	a.Ledger.SetStaleAfter(cfg.Pipeline.StaleAfterDuration())

	a.Sources, err = source.NewRegistry(sources, source.Deps{
		Cache:      a.Cache,
		PayloadTTL: time.Duration(cfg.Redis.PayloadTTL) * time.Second,
		Observer:   telemetry.ObserveFetch,
	})
	if err != nil {
		return nil, err
	}

	deps := orchestrator.Deps{
		Ledger:     a.Ledger,
		Strategies: a.Sources,
		Projects:   a.DB,
		Geo:        a.DB,
		Signals:    orchestrator.NewSignals(a.Cache),
		Runs:       orchestrator.NewRunRegistry(),
		Escalator:  a.Notifier,
	}
	a.Signals, a.Runs = deps.Signals, deps.Runs

	if cfg.AWS.ArchiveReports {
		a.Files, err = aws.NewFileService(ctx, cfg.AWS.AccessKey, cfg.AWS.SecretKey, cfg.AWS.Bucket, cfg.AWS.Region)
		if err != nil {
			return nil, fmt.Errorf("init report archive: %w", err)
		}
		if err := a.Files.TestConnection(ctx); err != nil {
			log.Warn().Err(err).Msg("Report archive unreachable; reports will be retried per job")
		}
		deps.Archiver = a.Files
	}

	a.Runner = orchestrator.NewRunner(deps, orchestrator.OptionsFromConfig(cfg.Pipeline))

	log.Info().Int("sources", len(sources)).Msg("Pipeline ready")
	return a, nil
}

// JobController builds the queue backed job controller over the app's components
func (a *App) JobController() controller.JobController {
	return controller.NewJobController(controller.JobControllerDeps{
		Ledger:       a.Ledger,
		Sources:      a.Sources,
		Runner:       a.Runner,
		Signals:      a.Signals,
		Runs:         a.Runs,
		Rabbit:       a.Rabbit,
		RabbitConfig: a.Config.RabbitMQ,
		DefaultChunk: a.Config.Pipeline.DefaultChunkSize,
	})
}

// ChunkSize picks the batch size for a new job: the request, then the source, then the pipeline default
func (a *App) ChunkSize(sourceCode string, requested int) int {
	if requested > 0 {
		return requested
	}
	if src, ok := a.Sources.Source(sourceCode); ok && src.ChunkSize > 0 {
		return src.ChunkSize
	}
	return a.Config.Pipeline.DefaultChunkSize
}

func (a *App) Close() {
	if a.Rabbit != nil {
		if err := a.Rabbit.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close rabbitmq connection")
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis connection")
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
