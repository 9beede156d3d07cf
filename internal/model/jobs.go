package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of an ingestion job
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusPaused    JobStatus = "paused"
	StatusCancelled JobStatus = "cancelled"
)

// ErrorLogCapacity bounds the per-job error log
const ErrorLogCapacity = 1000

var (
	ErrInvalidRange         = errors.New("job range start must not exceed end")
	ErrInvalidChunkSize     = errors.New("job chunk size must be positive")
	ErrInvalidTransition    = errors.New("invalid job status transition")
	ErrNotResumable         = errors.New("job is not resumable")
	ErrCheckpointRegression = errors.New("checkpoint must not move backwards or past the range end")
)

var transitions = map[JobStatus][]JobStatus{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusPaused, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled},
	StatusFailed:  {StatusRunning},
}

// AllStatuses lists every job status in lifecycle order
var AllStatuses = []JobStatus{
	StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusPaused, StatusCancelled,
}

// ActiveStatuses are the states the conflict guard treats as occupying a range
var ActiveStatuses = []JobStatus{StatusPending, StatusRunning, StatusPaused}

// CanTransition reports whether a job may move from one status to another
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known status
func (s JobStatus) IsValid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	return s.IsValid() && len(transitions[s]) == 0
}

// IsActive reports whether the status still claims its id range
func (s JobStatus) IsActive() bool {
	for _, active := range ActiveStatuses {
		if s == active {
			return true
		}
	}
	return false
}

// JobCounters tracks per-record outcomes for a job
type JobCounters struct {
	Success int `bson:"success" json:"success"`
	Error   int `bson:"error" json:"error"`
	Skip    int `bson:"skip" json:"skip"`
	Create  int `bson:"create" json:"create"`
	Update  int `bson:"update" json:"update"`
}

// Processed is the number of records that reached a final outcome
func (c JobCounters) Processed() int {
	return c.Success + c.Error + c.Skip
}

// ErrorEntry is a single item in the job error log
type ErrorEntry struct {
	ItemID    string            `bson:"item_id" json:"item_id"`
	Message   string            `bson:"message" json:"message"`
	Context   map[string]string `bson:"context,omitempty" json:"context,omitempty"`
	Timestamp time.Time         `bson:"timestamp" json:"timestamp"`
}

// ErrorLog is a fixed-capacity ring buffer of error entries.
// Once full, each append overwrites the oldest entry.
type ErrorLog struct {
	Items   []ErrorEntry `bson:"items" json:"items"`
	Head    int          `bson:"head" json:"head"`
	Dropped int          `bson:"dropped" json:"dropped"`
}

// Append adds an entry, evicting the oldest one when at capacity
func (l *ErrorLog) Append(entry ErrorEntry) {
	if len(l.Items) < ErrorLogCapacity {
		l.Items = append(l.Items, entry)
		return
	}
	l.Items[l.Head] = entry
	l.Head = (l.Head + 1) % ErrorLogCapacity
	l.Dropped++
}

// Entries returns the log in chronological order
func (l *ErrorLog) Entries() []ErrorEntry {
	out := make([]ErrorEntry, 0, len(l.Items))
	out = append(out, l.Items[l.Head:]...)
	out = append(out, l.Items[:l.Head]...)
	return out
}

// Len is the number of retained entries
func (l *ErrorLog) Len() int {
	return len(l.Items)
}

// Job is one bounded ingestion run over an inclusive id range for one source
type Job struct {
	ID          string         `bson:"_id" json:"id"`
	Source      string         `bson:"source" json:"source"`
	Start       int64          `bson:"start" json:"start"`
	End         int64          `bson:"end" json:"end"`
	Current     int64          `bson:"current" json:"current"`
	ChunkSize   int            `bson:"chunk_size" json:"chunk_size"`
	Status      JobStatus      `bson:"status" json:"status"`
	Counters    JobCounters    `bson:"counters" json:"counters"`
	Errors      ErrorLog       `bson:"errors" json:"errors"`
	Stats       map[string]any `bson:"stats" json:"stats"`
	CreatedAt   time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `bson:"updated_at" json:"updated_at"`
	StartedAt   *time.Time     `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt *time.Time     `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// NewJob builds a pending job positioned at the start of its range
func NewJob(source string, start, end int64, chunkSize int) (*Job, error) {
	if start > end {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, start, end)
	}
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}

	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Source:    source,
		Start:     start,
		End:       end,
		Current:   start,
		ChunkSize: chunkSize,
		Status:    StatusPending,
		Stats:     map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (j *Job) transition(to JobStatus) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkRunning starts a pending job or resumes a paused/failed one
func (j *Job) MarkRunning() error {
	if j.Status != StatusPending && !j.CanResume() {
		return fmt.Errorf("%w: status %s", ErrNotResumable, j.Status)
	}
	if err := j.transition(StatusRunning); err != nil {
		return err
	}
	if j.StartedAt == nil {
		started := j.UpdatedAt
		j.StartedAt = &started
	}
	j.CompletedAt = nil
	return nil
}

// MarkCompleted finishes the job
func (j *Job) MarkCompleted() error {
	if err := j.transition(StatusCompleted); err != nil {
		return err
	}
	j.finish()
	return nil
}

// MarkFailed fails the job and records the reason in the error log
func (j *Job) MarkFailed(reason string) error {
	if err := j.transition(StatusFailed); err != nil {
		return err
	}
	j.LogError("job", reason, nil)
	j.finish()
	return nil
}

// MarkPaused suspends the job at its current checkpoint
func (j *Job) MarkPaused() error {
	return j.transition(StatusPaused)
}

// MarkCancelled stops the job for good
func (j *Job) MarkCancelled() error {
	if err := j.transition(StatusCancelled); err != nil {
		return err
	}
	j.finish()
	return nil
}

func (j *Job) finish() {
	completed := j.UpdatedAt
	j.CompletedAt = &completed
}

// CanResume is true only for paused and failed jobs
func (j *Job) CanResume() bool {
	return j.Status == StatusPaused || j.Status == StatusFailed
}

// IsAbandoned reports whether a running job has not been written for staleAfter,
// meaning the process executing it is gone
func (j *Job) IsAbandoned(now time.Time, staleAfter time.Duration) bool {
	return j.Status == StatusRunning && staleAfter > 0 && now.Sub(j.UpdatedAt) >= staleAfter
}

// UpdateProgress moves the checkpoint forward. The position may be at most End+1.
func (j *Job) UpdateProgress(position int64) error {
	if position < j.Current || position > j.End+1 {
		return fmt.Errorf("%w: current %d, requested %d, end %d", ErrCheckpointRegression, j.Current, position, j.End)
	}
	j.Current = position
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (j *Job) IncrementSuccess(n int) { j.Counters.Success += n }
func (j *Job) IncrementError(n int)   { j.Counters.Error += n }
func (j *Job) IncrementSkip(n int)    { j.Counters.Skip += n }
func (j *Job) IncrementCreate(n int)  { j.Counters.Create += n }
func (j *Job) IncrementUpdate(n int)  { j.Counters.Update += n }

// LogError appends to the bounded error log
func (j *Job) LogError(itemID, message string, context map[string]string) {
	j.Errors.Append(ErrorEntry{
		ItemID:    itemID,
		Message:   message,
		Context:   context,
		Timestamp: time.Now().UTC(),
	})
}

// Total is the size of the id range
func (j *Job) Total() int64 {
	return j.End - j.Start + 1
}

// RemainingCount is the number of ids not yet reached by the checkpoint
func (j *Job) RemainingCount() int64 {
	remaining := j.End - j.Current + 1
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ProgressPercentage is the checkpoint position as a percentage of the range
func (j *Job) ProgressPercentage() float64 {
	total := j.Total()
	if total <= 0 {
		return 0
	}
	done := float64(total-j.RemainingCount()) / float64(total) * 100
	return float64(int(done*100)) / 100
}

// Duration is the wall time since the job first started, up to completion if finished
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// SetStat records a free-form statistic
func (j *Job) SetStat(key string, value any) {
	if j.Stats == nil {
		j.Stats = map[string]any{}
	}
	j.Stats[key] = value
}

// AddStat increments an integer statistic
func (j *Job) AddStat(key string, delta int) {
	if j.Stats == nil {
		j.Stats = map[string]any{}
	}
	switch v := j.Stats[key].(type) {
	case int:
		j.Stats[key] = v + delta
	case int32:
		j.Stats[key] = int(v) + delta
	case int64:
		j.Stats[key] = int(v) + delta
	case float64:
		j.Stats[key] = int(v) + delta
	default:
		j.Stats[key] = delta
	}
}
