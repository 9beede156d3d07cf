package controller

import (
	"context"
	"projectsync/internal/cache"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Pinger is any dependency that can report its own health
type Pinger interface {
	Health() error
}

// HealthReport is the per-dependency outcome of a health check
type HealthReport struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks"`
}

type ServerController interface {
	// Health checks every configured dependency concurrently
	Health(ctx context.Context) HealthReport
	Online() string
}

type serverController struct {
	checks map[string]func(ctx context.Context) error
}

// NewServer builds the health checks for the given dependencies. Nil dependencies are skipped.
func NewServer(db Pinger, c cache.Cache, rabbit Pinger) ServerController {
	checks := make(map[string]func(ctx context.Context) error)
	if db != nil {
		checks["database"] = func(context.Context) error { return db.Health() }
	}
	if c != nil {
		checks["cache"] = c.Ping
	}
	if rabbit != nil {
		checks["rabbitmq"] = func(context.Context) error { return rabbit.Health() }
	}
	return &serverController{checks: checks}
}

func (sc *serverController) Online() string {
	return "Online"
}

func (sc *serverController) Health(ctx context.Context) HealthReport {
	report := HealthReport{Healthy: true, Checks: make(map[string]string, len(sc.checks))}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for name, check := range sc.checks {
		name, check := name, check
		g.Go(func() error {
			err := check(gctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
				report.Healthy = false
				report.Checks[name] = err.Error()
				return nil
			}
			report.Checks[name] = "ok"
			return nil
		})
	}
	// checks never return errors so one failure does not cancel the others
	_ = g.Wait()

	return report
}
