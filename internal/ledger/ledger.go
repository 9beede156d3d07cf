// Package ledger is the durable record of ingestion jobs: creation behind the
// conflict guard, status transitions and checkpoints.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"projectsync/internal/database"
	"projectsync/internal/model"
	"projectsync/internal/telemetry"
	"time"

	"github.com/rs/zerolog/log"
)

// Events receives every persisted status transition
type Events interface {
	JobTransitioned(ctx context.Context, job *model.Job)
}

// CreateRequest describes a new job
type CreateRequest struct {
	Source    string `json:"source"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	ChunkSize int    `json:"chunk_size"`
	// Override accepts the duplicate-fetch risk of overlapping an active job
	Override bool `json:"override"`
}

// DefaultStaleAfter is how long a running job may go unwritten before it is considered abandoned
const DefaultStaleAfter = 30 * time.Minute

// AbandonedReason is recorded when a running job is reclaimed from a dead process
const AbandonedReason = "abandoned"

type Ledger struct {
	jobs          database.JobDatabase
	guard         *Guard
	events        Events
	blockOverlaps bool
	staleAfter    time.Duration
	now           func() time.Time
}

func New(jobs database.JobDatabase, events Events, blockOverlaps bool) *Ledger {
	return &Ledger{
		jobs:          jobs,
		guard:         NewGuard(jobs),
		events:        events,
		blockOverlaps: blockOverlaps,
		staleAfter:    DefaultStaleAfter,
		now:           time.Now,
	}
}

// SetStaleAfter changes the abandonment window. Zero disables reclaiming.
func (l *Ledger) SetStaleAfter(d time.Duration) {
	l.staleAfter = d
}

// Create validates the range, checks for overlapping active jobs and persists a pending job.
// Overlaps fail with a *ConflictError unless the request overrides them.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (*model.Job, error) {
	job, err := model.NewJob(req.Source, req.Start, req.End, req.ChunkSize)
	if err != nil {
		return nil, err
	}

	conflicts, err := l.guard.Conflicts(ctx, req.Source, req.Start, req.End)
	if err != nil {
		return nil, err
	}

	if len(conflicts) > 0 {
		conflict := &ConflictError{Source: req.Source, Start: req.Start, End: req.End, Conflicts: conflicts}
		if !req.Override {
			return nil, conflict
		}
		if l.blockOverlaps {
			return nil, fmt.Errorf("%w: %w", ErrOverlapBlocked, conflict)
		}

		ids := make([]string, len(conflicts))
		for i, c := range conflicts {
			ids[i] = c.ID
		}
		job.SetStat("overlap_override", ids)

		log.Warn().
			Str("source", req.Source).
			Int64("start", req.Start).
			Int64("end", req.End).
			Strs("conflicting_jobs", ids).
			Msg("Creating job over overlapping active jobs; duplicate upstream fetches are possible")
	}

	if err := l.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	telemetry.JobTransitions.WithLabelValues(string(job.Status)).Inc()
	l.publish(ctx, job)

	log.Info().
		Str("jobId", job.ID).
		Str("source", job.Source).
		Int64("start", job.Start).
		Int64("end", job.End).
		Int("chunk_size", job.ChunkSize).
		Msg("Job created")

	return job, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*model.Job, error) {
	return l.jobs.GetJobByID(ctx, id)
}

func (l *Ledger) List(ctx context.Context, filter database.JobFilter) ([]*model.Job, error) {
	return l.jobs.ListJobs(ctx, filter)
}

// Resume loads a paused or failed job. The caller runs it, which moves it back to running.
// An abandoned running job is failed first so it can be resumed from its checkpoint.
func (l *Ledger) Resume(ctx context.Context, id string) (*model.Job, error) {
	job, err := l.jobs.GetJobByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := l.Reclaim(ctx, job); err != nil {
		return nil, err
	}
	if !job.CanResume() {
		return nil, fmt.Errorf("%w: job %s is %s", model.ErrNotResumable, job.ID, job.Status)
	}
	return job, nil
}

// Cancel cancels a job that is not currently executing
func (l *Ledger) Cancel(ctx context.Context, id string) (*model.Job, error) {
	job, err := l.jobs.GetJobByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := l.Transition(ctx, job, model.StatusCancelled, ""); err != nil {
		return nil, err
	}
	return job, nil
}

// IsAbandoned reports whether a running job has gone unwritten past the abandonment window
func (l *Ledger) IsAbandoned(job *model.Job) bool {
	return job.IsAbandoned(l.now(), l.staleAfter)
}

// Reclaim fails a running job whose process stopped writing to the ledger, keeping its
// checkpoint. It reports whether the job was reclaimed.
func (l *Ledger) Reclaim(ctx context.Context, job *model.Job) (bool, error) {
	if !l.IsAbandoned(job) {
		return false, nil
	}

	log.Warn().
		Str("jobId", job.ID).
		Time("last_update", job.UpdatedAt).
		Int64("current", job.Current).
		Msg("Reclaiming abandoned job")

	if err := l.Transition(ctx, job, model.StatusFailed, AbandonedReason); err != nil {
		return false, fmt.Errorf("reclaim job %s: %w", job.ID, err)
	}
	return true, nil
}

// ReclaimAbandoned fails every abandoned running job, returning the ones it reclaimed.
// Jobs that live reports as executing are left alone; live may be nil.
func (l *Ledger) ReclaimAbandoned(ctx context.Context, live func(jobID string) bool) ([]*model.Job, error) {
	running, err := l.jobs.ListJobs(ctx, database.JobFilter{Statuses: []model.JobStatus{model.StatusRunning}})
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}

	var reclaimed []*model.Job
	for _, job := range running {
		if live != nil && live(job.ID) {
			continue
		}
		ok, err := l.Reclaim(ctx, job)
		if err != nil {
			return reclaimed, err
		}
		if ok {
			reclaimed = append(reclaimed, job)
		}
	}
	return reclaimed, nil
}

// Checkpoint persists the job's position, counters, error log and stats
func (l *Ledger) Checkpoint(ctx context.Context, job *model.Job) error {
	if err := l.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("checkpoint job %s at %d: %w", job.ID, job.Current, err)
	}
	return nil
}

// Transition applies a status change to the job and persists it
func (l *Ledger) Transition(ctx context.Context, job *model.Job, to model.JobStatus, reason string) error {
	from := job.Status

	var err error
	switch to {
	case model.StatusRunning:
		err = job.MarkRunning()
	case model.StatusCompleted:
		err = job.MarkCompleted()
	case model.StatusFailed:
		err = job.MarkFailed(reason)
	case model.StatusPaused:
		err = job.MarkPaused()
	case model.StatusCancelled:
		err = job.MarkCancelled()
	default:
		err = fmt.Errorf("%w: unknown status %q", model.ErrInvalidTransition, to)
	}
	if err != nil {
		return err
	}

	if reason != "" && to != model.StatusFailed {
		job.SetStat("last_transition_reason", reason)
	}

	if err := l.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist %s -> %s: %w", from, to, err)
	}

	telemetry.JobTransitions.WithLabelValues(string(to)).Inc()
	l.publish(ctx, job)

	log.Info().
		Str("jobId", job.ID).
		Str("source", job.Source).
		Str("from", string(from)).
		Str("to", string(to)).
		Int64("current", job.Current).
		Str("reason", reason).
		Msg("Job status changed")

	return nil
}

func (l *Ledger) publish(ctx context.Context, job *model.Job) {
	if l.events == nil {
		return
	}
	l.events.JobTransitioned(ctx, job)
}

// IsNotFound reports whether err means the job does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, database.ErrJobNotFound)
}
