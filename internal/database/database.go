package database

import (
	"context"
	"errors"
	"fmt"
	"projectsync/internal/config"
	"projectsync/internal/model"
	"projectsync/internal/upsert"

	"github.com/rs/zerolog/log"
)

var ErrJobNotFound = errors.New("job not found")

type Database interface {
	Health() error
	Close()
	JobDatabase
	ProjectDatabase
	GeoDatabase
}

// JobDatabase defines job ledger persistence
type JobDatabase interface {
	// Create a new job
	CreateJob(ctx context.Context, job *model.Job) error

	// Get a job by ID
	GetJobByID(ctx context.Context, id string) (*model.Job, error)

	// Replace a job's mutable state: status, checkpoint, counters, error log, stats and timestamps
	UpdateJob(ctx context.Context, job *model.Job) error

	// List jobs newest first
	ListJobs(ctx context.Context, filter JobFilter) ([]*model.Job, error)

	// Count jobs by status
	CountJobsByStatus(ctx context.Context, status model.JobStatus) (int64, error)
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Source   string
	Statuses []model.JobStatus
	Limit    int
	Offset   int
}

// ProjectDatabase is the target store for upserted projects
type ProjectDatabase interface {
	upsert.Store
	CountProjects(ctx context.Context, source string) (int64, error)
}

// GeoDatabase reads the reference geography produced by the geography importer
type GeoDatabase interface {
	GeoEntities(ctx context.Context, level model.GeoLevel) ([]model.GeoEntity, error)
	BarangaysByCity(ctx context.Context, cityID int64) ([]model.GeoEntity, error)
	FindBarangays(ctx context.Context, code, name string) ([]model.GeoEntity, error)
}

type store struct {
	*Postgres
	JobDatabase

	mongo *MongoJobs
}

// New connects the target store and the configured job ledger
func New(ctx context.Context, cfg *config.Config) (Database, error) {
	pg, err := NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}

	if cfg.Postgres.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
	}

	s := &store{Postgres: pg, JobDatabase: pg.Jobs()}

	if cfg.Ledger.Driver == config.LedgerMongo {
		mongoJobs, err := NewMongoJobs(ctx, cfg.MongoDB)
		if err != nil {
			pg.Close()
			return nil, fmt.Errorf("connect job ledger: %w", err)
		}
		s.mongo = mongoJobs
		s.JobDatabase = mongoJobs
	}

	log.Info().
		Str("ledger", cfg.Ledger.Driver).
		Bool("ensure_schema", cfg.Postgres.EnsureSchema).
		Msg("Database initialized")

	return s, nil
}

// Health implements Database interface
func (s *store) Health() error {
	if err := s.Postgres.Health(); err != nil {
		return err
	}
	if s.mongo != nil {
		return s.mongo.Health()
	}
	return nil
}

func (s *store) Close() {
	s.Postgres.Close()
	if s.mongo != nil {
		s.mongo.Close()
	}
}
