package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"projectsync/internal/model"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const jobColumns = `id, source, start_id, end_id, current_id, chunk_size, status,
	counters, errors, stats, created_at, updated_at, started_at, completed_at`

type pgJobs struct {
	pool *pgxpool.Pool
}

func (d *pgJobs) CreateJob(ctx context.Context, job *model.Job) error {
	counters, errs, stats, err := marshalJobState(job)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err = d.pool.Exec(ctx, `
		INSERT INTO ingest_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, job.ID, job.Source, job.Start, job.End, job.Current, job.ChunkSize, string(job.Status),
		counters, errs, stats, job.CreatedAt, job.UpdatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to create job")
		return fmt.Errorf("insert job: %w", err)
	}

	log.Debug().Str("jobID", job.ID).Str("source", job.Source).Msg("Created new job")
	return nil
}

func (d *pgJobs) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := scanJob(d.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM ingest_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Msg("Failed to get job")
		return nil, err
	}
	return job, nil
}

func (d *pgJobs) UpdateJob(ctx context.Context, job *model.Job) error {
	counters, errs, stats, err := marshalJobState(job)
	if err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()

	tag, err := d.pool.Exec(ctx, `
		UPDATE ingest_jobs SET
			current_id = $2, chunk_size = $3, status = $4, counters = $5, errors = $6, stats = $7,
			updated_at = $8, started_at = $9, completed_at = $10
		WHERE id = $1
	`, job.ID, job.Current, job.ChunkSize, string(job.Status), counters, errs, stats,
		job.UpdatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to update job")
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}

	log.Debug().Str("jobID", job.ID).Str("status", string(job.Status)).Int64("current", job.Current).Msg("Updated job")
	return nil
}

func (d *pgJobs) ListJobs(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Source != "" {
		args = append(args, filter.Source)
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM ingest_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list jobs")
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (d *pgJobs) CountJobsByStatus(ctx context.Context, status model.JobStatus) (int64, error) {
	var n int64
	if err := d.pool.QueryRow(ctx, `SELECT count(*) FROM ingest_jobs WHERE status = $1`, string(status)).Scan(&n); err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("Failed to count jobs by status")
		return 0, err
	}
	return n, nil
}

func marshalJobState(job *model.Job) (counters, errs, stats []byte, err error) {
	if counters, err = json.Marshal(job.Counters); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal counters: %w", err)
	}
	if errs, err = json.Marshal(job.Errors); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal error log: %w", err)
	}
	if stats, err = json.Marshal(nonNilMap(job.Stats)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal stats: %w", err)
	}
	return counters, errs, stats, nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job                   model.Job
		status                string
		counters, errs, stats []byte
	)
	err := row.Scan(&job.ID, &job.Source, &job.Start, &job.End, &job.Current, &job.ChunkSize, &status,
		&counters, &errs, &stats, &job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)

	if err := json.Unmarshal(counters, &job.Counters); err != nil {
		return nil, fmt.Errorf("decode counters: %w", err)
	}
	if err := json.Unmarshal(errs, &job.Errors); err != nil {
		return nil, fmt.Errorf("decode error log: %w", err)
	}
	if err := json.Unmarshal(stats, &job.Stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &job, nil
}
