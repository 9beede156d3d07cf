package ledger

import (
	"context"
	"errors"
	"fmt"
	"projectsync/internal/database"
	"projectsync/internal/model"
	"strings"
)

var (
	ErrRangeOverlap   = errors.New("range overlaps an active job")
	ErrOverlapBlocked = errors.New("overlapping jobs are blocked by configuration")
)

// ConflictError lists the active jobs whose ranges overlap a requested job
type ConflictError struct {
	Source    string
	Start     int64
	End       int64
	Conflicts []*model.Job
}

func (e *ConflictError) Error() string {
	ids := make([]string, len(e.Conflicts))
	for i, j := range e.Conflicts {
		ids[i] = fmt.Sprintf("%s [%d, %d] %s", j.ID, j.Start, j.End, j.Status)
	}
	return fmt.Sprintf("%s: %s [%d, %d] overlaps %s", ErrRangeOverlap, e.Source, e.Start, e.End, strings.Join(ids, "; "))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRangeOverlap
}

// Overlaps reports whether two inclusive ranges share at least one id.
// Containment in either direction counts.
func Overlaps(aStart, aEnd, bStart, bEnd int64) bool {
	return aStart <= bEnd && aEnd >= bStart
}

// Guard finds active jobs that would fetch the same ids as a new job
type Guard struct {
	jobs database.JobDatabase
}

func NewGuard(jobs database.JobDatabase) *Guard {
	return &Guard{jobs: jobs}
}

// Conflicts returns the pending, running and paused jobs of the source overlapping [start, end]
func (g *Guard) Conflicts(ctx context.Context, source string, start, end int64) ([]*model.Job, error) {
	active, err := g.jobs.ListJobs(ctx, database.JobFilter{
		Source:   source,
		Statuses: model.ActiveStatuses,
	})
	if err != nil {
		return nil, fmt.Errorf("load active jobs: %w", err)
	}

	var conflicts []*model.Job
	for _, j := range active {
		if Overlaps(start, end, j.Start, j.End) {
			conflicts = append(conflicts, j)
		}
	}
	return conflicts, nil
}
