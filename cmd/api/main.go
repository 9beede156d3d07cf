package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"projectsync/internal/app"
	"projectsync/internal/config"
	"projectsync/internal/controller"
	"projectsync/internal/server"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := os.Getenv("PROJECTSYNC_CONFIG")
	if configPath == "" {
		configPath = "config/config.json"
	}

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogger(cfg.Logging)
	log.Info().Str("env", cfg.Env).Int("port", cfg.Port).Msg("Starting projectsync API")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}
	defer a.Close()

	jc := a.JobController()
	sc := controller.NewServer(a.DB, a.Cache, a.Rabbit)
	srv := server.New(*cfg, sc, jc)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Starts consuming job messages from rabbit MQ
		if err := jc.ProcessJobs(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		// a job still running is paused at its last completed batch
		jc.StopProcessing()
		return nil
	})

	g.Go(func() error {
		// jobs left running by a crashed process are failed and queued again
		reclaimAbandoned(gctx, jc)
		ticker := time.NewTicker(max(cfg.Pipeline.StaleAfterDuration()/2, time.Minute))
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				reclaimAbandoned(gctx, jc)
			}
		}
	})

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		a.Close()
		os.Exit(1)
	}

	log.Info().Msg("Shutdown complete")
}

func reclaimAbandoned(ctx context.Context, jc controller.JobController) {
	jobs, err := jc.ReclaimAbandoned(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to reclaim abandoned jobs")
	}
	if len(jobs) > 0 {
		log.Warn().Int("count", len(jobs)).Msg("Reclaimed abandoned jobs")
	}
}

func setupLogger(config config.LoggingConfig) {
	// Set global log level
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure logger output
	switch config.Format {
	case "json":
		// JSON is the default for zerolog
	default:
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	// Add timestamp
	log.Logger = log.With().Timestamp().Logger()
}
