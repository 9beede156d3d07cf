package ledger

import (
	"context"
	"errors"
	"projectsync/internal/database"
	"projectsync/internal/model"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]model.Job
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[string]model.Job)}
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
	if _, ok := m.jobs[job.ID]; !ok {
		return database.ErrJobNotFound
	}
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
		if len(filter.Statuses) > 0 {
			match := false
			for _, s := range filter.Statuses {
				match = match || j.Status == s
			}
			if !match {
				continue
			}
		}
		cp := j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memJobs) CountJobsByStatus(_ context.Context, status model.JobStatus) (int64, error) {
	jobs, _ := m.ListJobs(context.Background(), database.JobFilter{Statuses: []model.JobStatus{status}})
	return int64(len(jobs)), nil
}

type recordedEvents struct {
	statuses []model.JobStatus
}

func (r *recordedEvents) JobTransitioned(_ context.Context, job *model.Job) {
	r.statuses = append(r.statuses, job.Status)
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		a, b [2]int64
		want bool
	}{
		{[2]int64{1, 100}, [2]int64{50, 150}, true},
		{[2]int64{50, 150}, [2]int64{1, 100}, true},
		{[2]int64{1, 100}, [2]int64{10, 20}, true},
		{[2]int64{10, 20}, [2]int64{1, 100}, true},
		{[2]int64{1, 100}, [2]int64{100, 200}, true},
		{[2]int64{1, 100}, [2]int64{101, 200}, false},
		{[2]int64{5, 5}, [2]int64{1, 4}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Overlaps(tt.a[0], tt.a[1], tt.b[0], tt.b[1]), "%v vs %v", tt.a, tt.b)
	}
}

func TestCreateRejectsInvalidRange(t *testing.T) {
	l := New(newMemJobs(), nil, false)
	_, err := l.Create(context.Background(), CreateRequest{Source: "dpwh", Start: 10, End: 1, ChunkSize: 5})
	assert.ErrorIs(t, err, model.ErrInvalidRange)
}

func TestCreateOverlapNeedsOverride(t *testing.T) {
	jobs := newMemJobs()
	events := &recordedEvents{}
	l := New(jobs, events, false)
	ctx := context.Background()

	first, err := l.Create(ctx, CreateRequest{Source: "dpwh", Start: 1, End: 100, ChunkSize: 10})
	require.NoError(t, err)

	_, err = l.Create(ctx, CreateRequest{Source: "dpwh", Start: 50, End: 150, ChunkSize: 10})
	require.ErrorIs(t, err, ErrRangeOverlap)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Len(t, conflict.Conflicts, 1)
	assert.Equal(t, first.ID, conflict.Conflicts[0].ID)
	assert.Len(t, jobs.jobs, 1)

	// another source never conflicts
	_, err = l.Create(ctx, CreateRequest{Source: "opendata", Start: 50, End: 150, ChunkSize: 10})
	require.NoError(t, err)

	second, err := l.Create(ctx, CreateRequest{Source: "dpwh", Start: 50, End: 150, ChunkSize: 10, Override: true})
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, second.Stats["overlap_override"])
	assert.Len(t, jobs.jobs, 3)
	assert.Equal(t, []model.JobStatus{model.StatusPending, model.StatusPending, model.StatusPending}, events.statuses)
}

func TestCreateIgnoresFinishedJobs(t *testing.T) {
	l := New(newMemJobs(), nil, false)
	ctx := context.Background()

	first, err := l.Create(ctx, CreateRequest{Source: "dpwh", Start: 1, End: 100, ChunkSize: 10})
	require.NoError(t, err)
	_, err = l.Cancel(ctx, first.ID)
	require.NoError(t, err)

	_, err = l.Create(ctx, CreateRequest{Source: "dpwh", Start: 1, End: 100, ChunkSize: 10})
	assert.NoError(t, err)
}

func TestCreateBlockedOverlap(t *testing.T) {
	l := New(newMemJobs(), nil, true)
	ctx := context.Background()

	_, err := l.Create(ctx, CreateRequest{Source: "dpwh", Start: 1, End: 100, ChunkSize: 10})
	require.NoError(t, err)

	_, err = l.Create(ctx, CreateRequest{Source: "dpwh", Start: 50, End: 150, ChunkSize: 10, Override: true})
	assert.ErrorIs(t, err, ErrOverlapBlocked)
	assert.ErrorIs(t, err, ErrRangeOverlap)
}

func TestTransitionsArePersisted(t *testing.T) {
	jobs := newMemJobs()
	events := &recordedEvents{}
	l := New(jobs, events, false)
	ctx := context.Background()

	job, err := l.Create(ctx, CreateRequest{Source: "dpwh", Start: 1, End: 100, ChunkSize: 10})
	require.NoError(t, err)

	require.NoError(t, l.Transition(ctx, job, model.StatusRunning, ""))
	require.NoError(t, job.UpdateProgress(41))
	require.NoError(t, l.Checkpoint(ctx, job))
	require.NoError(t, l.Transition(ctx, job, model.StatusPaused, "runtime budget exceeded"))

	stored, err := l.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, stored.Status)
	assert.Equal(t, int64(41), stored.Current)
	assert.Equal(t, "runtime budget exceeded", stored.Stats["last_transition_reason"])

	resumed, err := l.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(41), resumed.Current)

	require.NoError(t, l.Transition(ctx, resumed, model.StatusRunning, ""))
	require.NoError(t, l.Transition(ctx, resumed, model.StatusCompleted, ""))

	_, err = l.Resume(ctx, job.ID)
	assert.ErrorIs(t, err, model.ErrNotResumable)

	_, err = l.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	assert.Equal(t, []model.JobStatus{
		model.StatusPending, model.StatusRunning, model.StatusPaused, model.StatusRunning, model.StatusCompleted,
	}, events.statuses)
}

func TestResumeFailedJob(t *testing.T) {
	l := New(newMemJobs(), nil, false)
	ctx := context.Background()

	job, err := l.Create(ctx, CreateRequest{Source: "dpwh", Start: 1, End: 10, ChunkSize: 5})
	require.NoError(t, err)
	require.NoError(t, l.Transition(ctx, job, model.StatusRunning, ""))
	require.NoError(t, l.Transition(ctx, job, model.StatusFailed, "source unreachable"))

	resumed, err := l.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, resumed.CanResume())
	assert.Equal(t, "source unreachable", resumed.Errors.Entries()[0].Message)
}

func TestGetMissingJob(t *testing.T) {
	l := New(newMemJobs(), nil, false)
	_, err := l.Get(context.Background(), "nope")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(errors.New("other")))
}

// crashed leaves a job running at position 5, as a killed process would
func crashed(t *testing.T, l *Ledger, source string) *model.Job {
	t.Helper()
	ctx := context.Background()
	job, err := l.Create(ctx, CreateRequest{Source: source, Start: 1, End: 10, ChunkSize: 2})
	require.NoError(t, err)
	require.NoError(t, l.Transition(ctx, job, model.StatusRunning, ""))
	require.NoError(t, job.UpdateProgress(5))
	require.NoError(t, l.Checkpoint(ctx, job))
	return job
}

func TestResumeReclaimsAbandonedJob(t *testing.T) {
	jobs := newMemJobs()
	events := &recordedEvents{}
	l := New(jobs, events, false)
	ctx := context.Background()
	job := crashed(t, l, "dpwh")

	_, err := l.Resume(ctx, job.ID)
	require.ErrorIs(t, err, model.ErrNotResumable)

	l.now = func() time.Time { return job.UpdatedAt.Add(DefaultStaleAfter) }
	resumed, err := l.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, resumed.Status)
	assert.Equal(t, int64(5), resumed.Current)
	assert.Equal(t, AbandonedReason, resumed.Errors.Entries()[0].Message)

	stored, err := l.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Equal(t, model.StatusFailed, events.statuses[len(events.statuses)-1])
}

func TestReclaimAbandoned(t *testing.T) {
	l := New(newMemJobs(), nil, false)
	ctx := context.Background()
	stale := crashed(t, l, "dpwh")

	l.now = func() time.Time { return stale.UpdatedAt.Add(time.Hour) }
	live := crashed(t, l, "opendata")
	pending, err := l.Create(ctx, CreateRequest{Source: "geoportal", Start: 1, End: 10, ChunkSize: 2})
	require.NoError(t, err)

	// only stale has gone unwritten for the window
	live.UpdatedAt = l.now()
	require.NoError(t, l.Checkpoint(ctx, live))

	// still executing in this process, whatever the ledger says
	reclaimed, err := l.ReclaimAbandoned(ctx, func(id string) bool { return id == stale.ID })
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	reclaimed, err = l.ReclaimAbandoned(ctx, nil)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, stale.ID, reclaimed[0].ID)

	got, err := l.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	got, err = l.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestReclaimDisabled(t *testing.T) {
	l := New(newMemJobs(), nil, false)
	l.SetStaleAfter(0)
	job := crashed(t, l, "dpwh")
	l.now = func() time.Time { return job.UpdatedAt.Add(24 * time.Hour) }

	ok, err := l.Reclaim(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.StatusRunning, job.Status)
}
