package controller

import (
	"context"
	"encoding/json"
	"errors"
	"projectsync/internal/config"
	"projectsync/internal/database"
	"projectsync/internal/ledger"
	"projectsync/internal/model"
	"projectsync/internal/orchestrator"
	"projectsync/internal/rabbitmq"
	"projectsync/internal/source"
	"slices"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]model.Job
}

func (m *memJobs) CreateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memJobs) GetJobByID(_ context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	return &j, nil
}

func (m *memJobs) UpdateJob(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memJobs) ListJobs(_ context.Context, filter database.JobFilter) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Job
	for _, j := range m.jobs {
		if filter.Source != "" && j.Source != filter.Source {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, j.Status) {
			continue
		}
		cp := j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memJobs) CountJobsByStatus(context.Context, model.JobStatus) (int64, error) {
	return 0, nil
}

type publishedMessage struct {
	exchange, key string
	body          []byte
	headers       amqp.Table
}

type fakeRabbit struct {
	mu         sync.Mutex
	published  []publishedMessage
	publishErr error
	deliveries chan amqp.Delivery
	topology   int
}

func (f *fakeRabbit) Close() error { return nil }
func (f *fakeRabbit) DeclareExchange(string, string) error { return nil }
func (f *fakeRabbit) DeclareQueue(string) (amqp.Queue, error) { return amqp.Queue{}, nil }
func (f *fakeRabbit) BindQueue(string, string, string) error { return nil }
func (f *fakeRabbit) Health() error { return nil }
func (f *fakeRabbit) SetupTopology() error { f.topology++; return nil }
func (f *fakeRabbit) Consume(string, string) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeRabbit) Publish(_ context.Context, exchange, key string, body []byte, headers amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMessage{exchange, key, body, headers})
	return nil
}

type fakeRunner struct {
	mu   sync.Mutex
	ran  []string
	done chan string
}

func (f *fakeRunner) Run(_ context.Context, job *model.Job) error {
	f.mu.Lock()
	f.ran = append(f.ran, job.ID)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- job.ID
	}
	return nil
}

type ackRecord struct {
	acked, nacked, requeued bool
}

func (a *ackRecord) Ack(uint64, bool) error { a.acked = true; return nil }
func (a *ackRecord) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked, a.requeued = true, requeue
	return nil
}
func (a *ackRecord) Reject(_ uint64, requeue bool) error {
	a.nacked, a.requeued = true, requeue
	return nil
}

type fixture struct {
	jobs    *memJobs
	rabbit  *fakeRabbit
	runner  *fakeRunner
	signals *orchestrator.Signals
	jc      *jobController
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry, err := source.NewRegistry([]model.Source{{
		Code:      "dpwh",
		Name:      "DPWH",
		Strategy:  "dpwh",
		BaseURL:   "http://127.0.0.1:1",
		Endpoint:  "/api/projects/{id}",
		ChunkSize: 25,
	}, {
		Code:     "opendata",
		Name:     "Open Data",
		Strategy: "opendata",
		BaseURL:  "http://127.0.0.1:1",
		Endpoint: "/api/projects?limit={limit}&offset={offset}",
	}}, source.Deps{})
	require.NoError(t, err)

	f := &fixture{
		jobs:    &memJobs{jobs: map[string]model.Job{}},
		rabbit:  &fakeRabbit{deliveries: make(chan amqp.Delivery)},
		runner:  &fakeRunner{},
		signals: orchestrator.NewSignals(nil),
	}
	f.jc = NewJobController(JobControllerDeps{
		Ledger:       ledger.New(f.jobs, nil, false),
		Sources:      registry,
		Runner:       f.runner,
		Signals:      f.signals,
		Runs:         orchestrator.NewRunRegistry(),
		Rabbit:       f.rabbit,
		RabbitConfig: config.RabbitMQConfig{ExchangeName: "projectsync.jobs", QueueName: "jobs"},
		DefaultChunk: 50,
	}).(*jobController)
	return f
}

func (f *fixture) store(t *testing.T, status model.JobStatus) *model.Job {
	t.Helper()
	job, err := model.NewJob("dpwh", 1, 100, 10)
	require.NoError(t, err)
	if status != model.StatusPending {
		require.NoError(t, job.MarkRunning())
	}
	switch status {
	case model.StatusPaused:
		require.NoError(t, job.MarkPaused())
	case model.StatusCompleted:
		require.NoError(t, job.UpdateProgress(101))
		require.NoError(t, job.MarkCompleted())
	}
	require.NoError(t, f.jobs.CreateJob(context.Background(), job))
	return job
}

// abandoned stores a running job whose process stopped writing two hours ago
func (f *fixture) abandoned(t *testing.T) *model.Job {
	t.Helper()
	job := f.store(t, model.StatusRunning)
	job.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, f.jobs.UpdateJob(context.Background(), job))
	return job
}

func TestCreateJobEnqueuesWithSourceChunkSize(t *testing.T) {
	f := newFixture(t)

	job, err := f.jc.CreateJob(context.Background(), ledger.CreateRequest{Source: "dpwh", Start: 1, End: 200})
	require.NoError(t, err)
	assert.Equal(t, 25, job.ChunkSize)
	assert.Equal(t, model.StatusPending, job.Status)

	require.Len(t, f.rabbit.published, 1)
	msg := f.rabbit.published[0]
	assert.Equal(t, "projectsync.jobs", msg.exchange)
	assert.Equal(t, rabbitmq.RoutingJobRun, msg.key)
	assert.Equal(t, job.ID, msg.headers["job_id"])

	var body jobMessage
	require.NoError(t, json.Unmarshal(msg.body, &body))
	assert.Equal(t, job.ID, body.JobID)
}

func TestCreateJobFallsBackToDefaultChunkSize(t *testing.T) {
	f := newFixture(t)

	job, err := f.jc.CreateJob(context.Background(), ledger.CreateRequest{Source: "opendata", Start: 1, End: 10})
	require.NoError(t, err)
	assert.Equal(t, 50, job.ChunkSize)
}

func TestCreateJobRejectsUnknownSource(t *testing.T) {
	f := newFixture(t)

	_, err := f.jc.CreateJob(context.Background(), ledger.CreateRequest{Source: "nope", Start: 1, End: 10})
	assert.ErrorIs(t, err, source.ErrUnknownSource)
	assert.Empty(t, f.rabbit.published)
}

func TestCreateJobKeepsJobWhenEnqueueFails(t *testing.T) {
	f := newFixture(t)
	f.rabbit.publishErr = errors.New("channel/connection is not open")

	job, err := f.jc.CreateJob(context.Background(), ledger.CreateRequest{Source: "dpwh", Start: 1, End: 10})
	require.ErrorIs(t, err, ErrEnqueue)
	require.NotNil(t, job)

	stored, err := f.jobs.GetJobByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)
}

func TestCreateJobReportsOverlap(t *testing.T) {
	f := newFixture(t)
	f.store(t, model.StatusRunning)

	_, err := f.jc.CreateJob(context.Background(), ledger.CreateRequest{Source: "dpwh", Start: 50, End: 150})
	var conflict *ledger.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Len(t, conflict.Conflicts, 1)
}

func TestStopJobRequiresRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	running := f.store(t, model.StatusRunning)
	paused := f.store(t, model.StatusPaused)

	_, err := f.jc.StopJob(ctx, running.ID)
	require.NoError(t, err)
	mode, ok := f.signals.Check(ctx, running.ID)
	assert.True(t, ok)
	assert.Equal(t, orchestrator.StopPause, mode)

	_, err = f.jc.StopJob(ctx, paused.ID)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	running := f.store(t, model.StatusRunning)
	paused := f.store(t, model.StatusPaused)

	job, err := f.jc.CancelJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, job.Status)
	mode, ok := f.signals.Check(ctx, running.ID)
	assert.True(t, ok)
	assert.Equal(t, orchestrator.StopCancel, mode)

	job, err = f.jc.CancelJob(ctx, paused.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, job.Status)
	_, signalled := f.signals.Check(ctx, paused.ID)
	assert.False(t, signalled)
}

func TestCreateJobRejectsListRangeBelowOne(t *testing.T) {
	f := newFixture(t)

	_, err := f.jc.CreateJob(context.Background(), ledger.CreateRequest{Source: "opendata", Start: 0, End: 10})
	assert.ErrorIs(t, err, model.ErrInvalidRange)

	// item sources address ids directly
	_, err = f.jc.CreateJob(context.Background(), ledger.CreateRequest{Source: "dpwh", Start: 0, End: 10})
	assert.NoError(t, err)
}

func TestStopAndCancelAbandonedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stopped, err := f.jc.StopJob(ctx, f.abandoned(t).ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stopped.Status)
	assert.True(t, stopped.CanResume())
	_, signalled := f.signals.Check(ctx, stopped.ID)
	assert.False(t, signalled)

	cancelled, err := f.jc.CancelJob(ctx, f.abandoned(t).ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	_, signalled = f.signals.Check(ctx, cancelled.ID)
	assert.False(t, signalled)
}

func TestReclaimAbandonedEnqueuesStaleJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := f.abandoned(t)
	live := f.store(t, model.StatusRunning)

	reclaimed, err := f.jc.ReclaimAbandoned(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, stale.ID, reclaimed[0].ID)

	stored, err := f.jobs.GetJobByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	require.Len(t, f.rabbit.published, 1)
	assert.Equal(t, stale.ID, f.rabbit.published[0].headers["job_id"])

	stored, err = f.jobs.GetJobByID(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, stored.Status)
}

func TestResumeJobEnqueues(t *testing.T) {
	f := newFixture(t)
	paused := f.store(t, model.StatusPaused)
	completed := f.store(t, model.StatusCompleted)

	_, err := f.jc.ResumeJob(context.Background(), paused.ID)
	require.NoError(t, err)
	require.Len(t, f.rabbit.published, 1)

	_, err = f.jc.ResumeJob(context.Background(), completed.ID)
	assert.ErrorIs(t, err, model.ErrNotResumable)
	assert.Len(t, f.rabbit.published, 1)
}

func TestProcessDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.store(t, model.StatusPending)
	completed := f.store(t, model.StatusCompleted)
	abandoned := f.abandoned(t)

	tests := []struct {
		name     string
		delivery amqp.Delivery
		wantRun  bool
		want     ackRecord
	}{
		{
			name:     "header id",
			delivery: amqp.Delivery{Headers: amqp.Table{"job_id": pending.ID}},
			wantRun:  true,
			want:     ackRecord{acked: true},
		},
		{
			name:     "body id",
			delivery: amqp.Delivery{Body: []byte(`{"job_id":"` + pending.ID + `"}`)},
			wantRun:  true,
			want:     ackRecord{acked: true},
		},
		{
			name:     "terminal job",
			delivery: amqp.Delivery{Headers: amqp.Table{"job_id": completed.ID}},
			want:     ackRecord{acked: true},
		},
		{
			name:     "abandoned job",
			delivery: amqp.Delivery{Headers: amqp.Table{"job_id": abandoned.ID}},
			wantRun:  true,
			want:     ackRecord{acked: true},
		},
		{
			name:     "unknown job",
			delivery: amqp.Delivery{Headers: amqp.Table{"job_id": "missing"}},
			want:     ackRecord{nacked: true},
		},
		{
			name:     "no id",
			delivery: amqp.Delivery{Body: []byte(`{}`)},
			want:     ackRecord{nacked: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.runner.ran = nil
			ack := &ackRecord{}
			tt.delivery.Acknowledger = ack

			f.jc.processDelivery(ctx, tt.delivery)

			assert.Equal(t, tt.want, *ack)
			assert.Equal(t, tt.wantRun, len(f.runner.ran) == 1)
		})
	}
}

func TestProcessJobsConsumesUntilStopped(t *testing.T) {
	f := newFixture(t)
	f.runner.done = make(chan string, 1)
	job := f.store(t, model.StatusPending)

	require.NoError(t, f.jc.ProcessJobs(context.Background()))
	assert.Equal(t, 1, f.rabbit.topology)

	ack := &ackRecord{}
	f.rabbit.deliveries <- amqp.Delivery{Headers: amqp.Table{"job_id": job.ID}, Acknowledger: ack}
	assert.Equal(t, job.ID, <-f.runner.done)

	f.jc.StopProcessing()
	assert.True(t, ack.acked)
}
