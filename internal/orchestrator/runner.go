// Package orchestrator drives ingestion jobs batch by batch over their id range.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"projectsync/internal/config"
	"projectsync/internal/geo"
	"projectsync/internal/ledger"
	"projectsync/internal/model"
	"projectsync/internal/recovery"
	"projectsync/internal/source"
	"projectsync/internal/telemetry"
	"projectsync/internal/upsert"
	"projectsync/pkg/upstream"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrJobFailed is returned by Run when the job ends in the failed state
var ErrJobFailed = errors.New("job failed")

const reasonBudget = "runtime budget exceeded"

const (
	defaultCheckpointInterval = 10
	defaultHeartbeatInterval  = 2 * time.Minute
)

// Options controls pacing and limits of a run. Source descriptors may override
// the freshness window and the runtime budget.
type Options struct {
	CheckpointInterval int
	// HeartbeatInterval forces a checkpoint when this long has passed since the last one,
	// keeping a live job clear of the ledger's abandonment window
	HeartbeatInterval time.Duration
	BatchDelay         time.Duration
	RuntimeBudget      time.Duration
	FreshnessWindow    time.Duration
	Recovery           recovery.Options
}

func OptionsFromConfig(p config.PipelineConfig) Options {
	return Options{
		CheckpointInterval: p.CheckpointInterval,
		HeartbeatInterval:  p.HeartbeatIntervalDuration(),
		BatchDelay:         p.BatchDelay(),
		RuntimeBudget:      p.RuntimeBudgetDuration(),
		FreshnessWindow:    p.FreshnessWindowDuration(),
		Recovery: recovery.Options{
			MaxRetries:       p.MaxRetries,
			MaxBackoff:       time.Duration(p.MaxBackoff) * time.Second,
			MaintenancePolls: p.MaintenancePolls,
			MaintenanceWait:  time.Duration(p.MaintenanceWait) * time.Second,
		},
	}
}

// Archiver stores a report of a job once it leaves the running state
type Archiver interface {
	ArchiveReport(ctx context.Context, job *model.Job) error
}

// Deps are the collaborators a Runner needs. Signals, Runs, Escalator and Archiver are optional.
type Deps struct {
	Ledger     *ledger.Ledger
	Strategies *source.Registry
	Projects   upsert.Store
	Geo        geo.Store
	Signals    *Signals
	Runs       RunRegistry
	Escalator  recovery.Escalator
	Archiver   Archiver
}

// Runner executes one job at a time on the calling goroutine
type Runner struct {
	deps  Deps
	opts  Options
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewRunner(deps Deps, opts Options) *Runner {
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = defaultCheckpointInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = upsert.DefaultGrace
	}
	if deps.Signals == nil {
		deps.Signals = NewSignals(nil)
	}
	return &Runner{deps: deps, opts: opts, sleep: upstream.Sleep, now: time.Now}
}

// run is the state of one job execution
type run struct {
	job       *model.Job
	src       model.Source
	strategy  source.Strategy
	places    *geo.Context
	writer    *upsert.Engine
	recoverer *recovery.Engine
	chunk     int
	budget    time.Duration
	logger    zerolog.Logger
}

// shrink halves the batch size for the remaining batches
func (st *run) shrink() bool {
	if st.chunk <= 1 {
		return false
	}
	st.chunk /= 2
	st.logger.Warn().Int("chunk_size", st.chunk).Msg("Reduced batch size")
	return true
}

// Run moves a pending, paused or failed job to running and processes its range from
// the stored checkpoint. A job left running by a dead process is reclaimed first.
// It returns when the job completes, pauses, is cancelled or fails; only the failed
// outcome produces an error.
func (r *Runner) Run(ctx context.Context, job *model.Job) (err error) {
	logger := log.With().Str("jobId", job.ID).Str("source", job.Source).Logger()

	if r.deps.Runs != nil {
		if err := r.deps.Runs.Register(job.ID, job.Source); err != nil {
			return err
		}
		defer r.deps.Runs.Unregister(job.ID)
	}

	if job.Status == model.StatusRunning {
		if _, err := r.deps.Ledger.Reclaim(ctx, job); err != nil {
			return err
		}
	}

	if err := r.deps.Ledger.Transition(ctx, job, model.StatusRunning, ""); err != nil {
		return fmt.Errorf("start job %s: %w", job.ID, err)
	}
	telemetry.ActiveJobs.Inc()
	defer telemetry.ActiveJobs.Dec()

	// the final transition must be persisted even when ctx was cancelled
	persistCtx := context.WithoutCancel(ctx)

	var places *geo.Context
	defer func() {
		if p := recover(); p != nil {
			logger.Error().
				Interface("panic", p).
				Str("stack", string(debug.Stack())).
				Msg("Job aborted by panic")
			err = r.finish(persistCtx, job, places, model.StatusFailed, fmt.Sprintf("panic: %v", p))
		}
	}()

	logger.Info().
		Int64("start", job.Start).
		Int64("end", job.End).
		Int64("current", job.Current).
		Int("chunk_size", job.ChunkSize).
		Msg("Starting job")

	st, err := r.prepare(ctx, job, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Job initialization failed")
		return r.finish(persistCtx, job, nil, model.StatusFailed, err.Error())
	}
	places = st.places

	return r.loop(ctx, persistCtx, st)
}

func (r *Runner) prepare(ctx context.Context, job *model.Job, logger zerolog.Logger) (*run, error) {
	strategy, ok := r.deps.Strategies.Get(job.Source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", source.ErrUnknownSource, job.Source)
	}
	src, _ := r.deps.Strategies.Source(job.Source)

	places, err := geo.Load(ctx, r.deps.Geo)
	if err != nil {
		return nil, fmt.Errorf("load geographic reference data: %w", err)
	}

	grace := r.opts.FreshnessWindow
	if src.FreshnessWindow > 0 {
		grace = src.FreshnessWindow
	}
	budget := r.opts.RuntimeBudget
	if src.RuntimeBudget > 0 {
		budget = src.RuntimeBudget
	}

	writer := upsert.NewEngine(r.deps.Projects, grace)
	return &run{
		job:       job,
		src:       src,
		strategy:  strategy,
		places:    places,
		writer:    writer,
		recoverer: recovery.NewEngine(writer, r.deps.Escalator, r.opts.Recovery),
		chunk:     job.ChunkSize,
		budget:    budget,
		logger:    logger,
	}, nil
}

func (r *Runner) loop(ctx, persistCtx context.Context, st *run) error {
	job := st.job
	started := r.now()
	saved := started
	batches := 0

	for job.Current <= job.End {
		from := job.Current
		to := min(from+int64(st.chunk)-1, job.End)

		batchCtx, cancel := r.budgetContext(ctx, st, started)
		err := r.runBatch(batchCtx, st, from, to)
		overBudget := batchCtx.Err() != nil && ctx.Err() == nil
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return r.stop(persistCtx, st, StopPause, "interrupted")
			case overBudget:
				return r.stop(persistCtx, st, StopPause, reasonBudget)
			}
			st.logger.Error().Err(err).Int64("from", from).Int64("to", to).Msg("Batch failed")
			job.LogError(fmt.Sprintf("%d-%d", from, to), err.Error(), map[string]string{"stage": "batch"})
		}

		if err := job.UpdateProgress(to + 1); err != nil {
			return r.finish(persistCtx, job, st.places, model.StatusFailed, err.Error())
		}
		batches++

		now := r.now()
		if batches%r.opts.CheckpointInterval == 0 || now.Sub(saved) >= r.opts.HeartbeatInterval {
			if err := r.deps.Ledger.Checkpoint(persistCtx, job); err != nil {
				st.logger.Warn().Err(err).Msg("Checkpoint failed")
			} else {
				saved = now
				st.logger.Debug().Int64("current", job.Current).Int("batches", batches).Msg("Checkpoint saved")
			}
		}

		if job.Current > job.End {
			break
		}
		if st.budget > 0 && now.Sub(started) >= st.budget {
			return r.stop(persistCtx, st, StopPause, reasonBudget)
		}
		if mode, ok := r.deps.Signals.Check(ctx, job.ID); ok {
			return r.stop(persistCtx, st, mode, "stop requested")
		}
		if err := r.sleep(ctx, r.opts.BatchDelay); err != nil {
			return r.stop(persistCtx, st, StopPause, "interrupted")
		}
	}

	return r.finish(persistCtx, job, st.places, model.StatusCompleted, "")
}

// budgetContext bounds one batch by what is left of the runtime budget, so a batch
// stuck in retries or maintenance waits cannot overrun it
func (r *Runner) budgetContext(ctx context.Context, st *run, started time.Time) (context.Context, context.CancelFunc) {
	if st.budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, st.budget-r.now().Sub(started))
}

func (r *Runner) stop(ctx context.Context, st *run, mode StopMode, reason string) error {
	status := model.StatusPaused
	if mode == StopCancel {
		status = model.StatusCancelled
	}
	return r.finish(ctx, st.job, st.places, status, reason)
}

// finish records the resolver statistics, persists the final transition, clears any
// stop request and archives the report
func (r *Runner) finish(ctx context.Context, job *model.Job, places *geo.Context, status model.JobStatus, reason string) error {
	if places != nil {
		for key, n := range places.Stats() {
			job.SetStat(key, n)
		}
	}

	if err := r.deps.Ledger.Transition(ctx, job, status, reason); err != nil {
		log.Error().Err(err).Str("jobId", job.ID).Str("status", string(status)).Msg("Failed to persist final job status")
		if status == model.StatusFailed {
			return fmt.Errorf("%w: %s (%w)", ErrJobFailed, reason, err)
		}
		return err
	}
	r.deps.Signals.Clear(ctx, job.ID)

	if r.deps.Archiver != nil {
		if err := r.deps.Archiver.ArchiveReport(ctx, job); err != nil {
			log.Warn().Err(err).Str("jobId", job.ID).Msg("Failed to archive job report")
		}
	}

	log.Info().
		Str("jobId", job.ID).
		Str("status", string(job.Status)).
		Int64("current", job.Current).
		Int("success", job.Counters.Success).
		Int("created", job.Counters.Create).
		Int("updated", job.Counters.Update).
		Int("skipped", job.Counters.Skip).
		Int("errors", job.Counters.Error).
		Float64("progress", job.ProgressPercentage()).
		Dur("duration", job.Duration()).
		Msg("Job finished")

	if status == model.StatusFailed {
		return fmt.Errorf("%w: %s", ErrJobFailed, reason)
	}
	return nil
}
