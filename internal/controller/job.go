package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"projectsync/internal/config"
	"projectsync/internal/database"
	"projectsync/internal/ledger"
	"projectsync/internal/model"
	"projectsync/internal/orchestrator"
	"projectsync/internal/rabbitmq"
	"projectsync/internal/source"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotRunning is returned when a stop is requested for a job that is not executing
	ErrNotRunning = errors.New("job is not running")
	// ErrEnqueue is returned when a job was stored but could not be handed to the queue
	ErrEnqueue = errors.New("failed to enqueue job")
)

const consumerRetryDelay = 5 * time.Second

// JobRunner executes a job to its next resting state
type JobRunner interface {
	Run(ctx context.Context, job *model.Job) error
}

// JobController handles job operations
type JobController interface {
	// CreateJob stores a new job behind the conflict guard and enqueues it
	CreateJob(ctx context.Context, req ledger.CreateRequest) (*model.Job, error)

	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter database.JobFilter) ([]*model.Job, error)

	// ResumeJob re-enqueues a paused or failed job
	ResumeJob(ctx context.Context, id string) (*model.Job, error)

	// StopJob asks a running job to pause at its next batch boundary
	StopJob(ctx context.Context, id string) (*model.Job, error)

	// CancelJob cancels an idle job directly and signals a running one
	CancelJob(ctx context.Context, id string) (*model.Job, error)

	// ReclaimAbandoned fails jobs left running by a dead process and enqueues them again
	ReclaimAbandoned(ctx context.Context) ([]*model.Job, error)

	Sources() []model.Source
	ActiveRuns() []orchestrator.ActiveRun

	// ProcessJobs starts consuming the jobs queue
	ProcessJobs(ctx context.Context) error

	// StopProcessing stops the consumer and waits for the current job to return
	StopProcessing()
}

type jobMessage struct {
	JobID string `json:"job_id"`
}

type jobController struct {
	ledger       *ledger.Ledger
	sources      *source.Registry
	runner       JobRunner
	signals      *orchestrator.Signals
	runs         orchestrator.RunRegistry
	rabbitClient rabbitmq.Client
	rabbitConfig config.RabbitMQConfig
	defaultChunk int
	consumerTag  string
	shutdown     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// JobControllerDeps groups the collaborators of the job controller
type JobControllerDeps struct {
	Ledger       *ledger.Ledger
	Sources      *source.Registry
	Runner       JobRunner
	Signals      *orchestrator.Signals
	Runs         orchestrator.RunRegistry
	Rabbit       rabbitmq.Client
	RabbitConfig config.RabbitMQConfig
	DefaultChunk int
}

func NewJobController(deps JobControllerDeps) JobController {
	return &jobController{
		ledger:       deps.Ledger,
		sources:      deps.Sources,
		runner:       deps.Runner,
		signals:      deps.Signals,
		runs:         deps.Runs,
		rabbitClient: deps.Rabbit,
		rabbitConfig: deps.RabbitConfig,
		defaultChunk: deps.DefaultChunk,
		shutdown:     make(chan struct{}),
	}
}

func (c *jobController) CreateJob(ctx context.Context, req ledger.CreateRequest) (*model.Job, error) {
	src, ok := c.sources.Source(req.Source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", source.ErrUnknownSource, req.Source)
	}
	if err := src.ValidateRange(req.Start, req.End); err != nil {
		return nil, err
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = src.ChunkSize
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = c.defaultChunk
	}

	job, err := c.ledger.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := c.enqueueJob(ctx, job); err != nil {
		// the job stays pending and can be resumed through the queue later
		return job, fmt.Errorf("%w: %w", ErrEnqueue, err)
	}

	log.Info().
		Str("jobId", job.ID).
		Str("source", job.Source).
		Msg("Job created and enqueued")

	return job, nil
}

func (c *jobController) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return c.ledger.Get(ctx, id)
}

func (c *jobController) ListJobs(ctx context.Context, filter database.JobFilter) ([]*model.Job, error) {
	return c.ledger.List(ctx, filter)
}

func (c *jobController) ResumeJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := c.ledger.Resume(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.enqueueJob(ctx, job); err != nil {
		return job, fmt.Errorf("%w: %w", ErrEnqueue, err)
	}

	log.Info().Str("jobId", job.ID).Int64("current", job.Current).Msg("Job enqueued for resume")
	return job, nil
}

func (c *jobController) StopJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := c.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.StatusRunning {
		return job, fmt.Errorf("%w: status %s", ErrNotRunning, job.Status)
	}
	// nobody is left to read a signal; failing the job keeps it resumable
	if c.abandoned(job) {
		if _, err := c.ledger.Reclaim(ctx, job); err != nil {
			return job, err
		}
		return job, nil
	}
	if err := c.signals.Raise(ctx, job.ID, orchestrator.StopPause); err != nil {
		return job, fmt.Errorf("raise stop signal: %w", err)
	}

	log.Info().Str("jobId", job.ID).Msg("Stop requested")
	return job, nil
}

func (c *jobController) CancelJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := c.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Status == model.StatusRunning && !c.abandoned(job) {
		if err := c.signals.Raise(ctx, job.ID, orchestrator.StopCancel); err != nil {
			return job, fmt.Errorf("raise cancel signal: %w", err)
		}
		log.Info().Str("jobId", job.ID).Msg("Cancellation requested")
		return job, nil
	}

	return c.ledger.Cancel(ctx, id)
}

// abandoned reports whether a running job has no live process behind it
func (c *jobController) abandoned(job *model.Job) bool {
	if c.runs != nil && c.runs.IsActive(job.ID) {
		return false
	}
	return c.ledger.IsAbandoned(job)
}

func (c *jobController) ReclaimAbandoned(ctx context.Context) ([]*model.Job, error) {
	var live func(string) bool
	if c.runs != nil {
		live = c.runs.IsActive
	}
	reclaimed, err := c.ledger.ReclaimAbandoned(ctx, live)
	if err != nil {
		return reclaimed, err
	}

	for _, job := range reclaimed {
		if err := c.enqueueJob(ctx, job); err != nil {
			return reclaimed, fmt.Errorf("%w: %w", ErrEnqueue, err)
		}
		log.Info().Str("jobId", job.ID).Int64("current", job.Current).Msg("Abandoned job enqueued for resume")
	}
	return reclaimed, nil
}

func (c *jobController) Sources() []model.Source {
	return c.sources.Sources()
}

func (c *jobController) ActiveRuns() []orchestrator.ActiveRun {
	if c.runs == nil {
		return nil
	}
	return c.runs.Active()
}

// enqueueJob publishes the job id; the job itself lives in the ledger
func (c *jobController) enqueueJob(ctx context.Context, job *model.Job) error {
	body, err := json.Marshal(jobMessage{JobID: job.ID})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	headers := amqp.Table{
		"job_id": job.ID,
		"source": job.Source,
	}
	if err := c.rabbitClient.Publish(ctx, c.rabbitConfig.ExchangeName, rabbitmq.RoutingJobRun, body, headers); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (c *jobController) ProcessJobs(ctx context.Context) error {
	if err := c.rabbitClient.SetupTopology(); err != nil {
		return fmt.Errorf("failed to set up broker topology: %w", err)
	}

	c.consumerTag = fmt.Sprintf("jobs-consumer-%s", uuid.NewString())
	c.startConsumer(ctx, c.rabbitConfig.QueueName, c.consumerTag)

	log.Info().Int("sources", len(c.sources.Sources())).Msg("Job processing started")
	return nil
}

func (c *jobController) StopProcessing() {
	c.stopOnce.Do(func() { close(c.shutdown) })
	c.wg.Wait()
	log.Info().Msg("Job processing stopped")
}

func (c *jobController) startConsumer(ctx context.Context, queueName, consumerTag string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		log.Info().
			Str("queue", queueName).
			Str("consumerTag", consumerTag).
			Msg("Starting job consumer")

		for {
			deliveries, err := c.rabbitClient.Consume(queueName, consumerTag)
			if err != nil {
				log.Error().
					Err(err).
					Str("queue", queueName).
					Str("consumerTag", consumerTag).
					Msg("Failed to consume from queue")
				if !c.wait(ctx, consumerRetryDelay) {
					return
				}
				continue
			}

			if !c.drain(ctx, deliveries) {
				return
			}

			log.Warn().
				Str("queue", queueName).
				Str("consumerTag", consumerTag).
				Msg("Consumer channel closed, reconnecting...")
			if !c.wait(ctx, consumerRetryDelay) {
				return
			}
		}
	}()
}

// drain handles deliveries one at a time until the channel closes (true) or
// the consumer is shut down (false)
func (c *jobController) drain(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-c.shutdown:
			return false
		case delivery, ok := <-deliveries:
			if !ok {
				return true
			}
			c.processDelivery(ctx, delivery)
		}
	}
}

func (c *jobController) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.shutdown:
		return false
	case <-t.C:
		return true
	}
}

func (c *jobController) processDelivery(ctx context.Context, delivery amqp.Delivery) {
	jobID, _ := delivery.Headers["job_id"].(string)
	if jobID == "" {
		var msg jobMessage
		if err := json.Unmarshal(delivery.Body, &msg); err == nil {
			jobID = msg.JobID
		}
	}
	if jobID == "" {
		log.Error().Msg("Message missing job_id, rejecting")
		delivery.Nack(false, false)
		return
	}

	logger := log.With().Str("jobId", jobID).Logger()
	logger.Info().Msg("Processing job message")

	job, err := c.ledger.Get(ctx, jobID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to retrieve job")
		// a missing job never appears later; anything else is worth another delivery
		delivery.Nack(false, !ledger.IsNotFound(err))
		return
	}

	if job.Status == model.StatusRunning && c.abandoned(job) {
		if _, err := c.ledger.Reclaim(ctx, job); err != nil {
			logger.Error().Err(err).Msg("Failed to reclaim job")
			delivery.Nack(false, true)
			return
		}
	}

	if job.Status != model.StatusPending && !job.CanResume() {
		logger.Info().Str("status", string(job.Status)).Msg("Job is not runnable, dropping message")
		delivery.Ack(false)
		return
	}

	if err := c.runner.Run(ctx, job); err != nil {
		logger.Error().Err(err).Msg("Job run failed")
	}
	delivery.Ack(false)
}
