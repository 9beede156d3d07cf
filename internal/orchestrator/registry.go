package orchestrator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ActiveRun describes a job executing in this process
type ActiveRun struct {
	JobID     string    `json:"job_id"`
	Source    string    `json:"source"`
	StartedAt time.Time `json:"started_at"`
}

// RunRegistry tracks the jobs this process is executing
type RunRegistry interface {
	Register(jobID, source string) error
	Unregister(jobID string)
	IsActive(jobID string) bool
	Active() []ActiveRun
}

type runRegistry struct {
	runs map[string]ActiveRun
	mu   sync.RWMutex
}

func NewRunRegistry() RunRegistry {
	return &runRegistry{runs: make(map[string]ActiveRun)}
}

// Register claims a job for this process; a job can only execute once at a time
func (r *runRegistry) Register(jobID, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[jobID]; ok {
		return fmt.Errorf("job %s is already running", jobID)
	}
	r.runs[jobID] = ActiveRun{JobID: jobID, Source: source, StartedAt: time.Now().UTC()}

	log.Debug().
		Str("jobId", jobID).
		Str("source", source).
		Msg("Registered active run")
	return nil
}

func (r *runRegistry) Unregister(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.runs, jobID)
}

func (r *runRegistry) IsActive(jobID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.runs[jobID]
	return ok
}

// Active lists the running jobs, oldest first
func (r *runRegistry) Active() []ActiveRun {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runs := make([]ActiveRun, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs
}
