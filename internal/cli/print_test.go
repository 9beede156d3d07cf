package cli

import (
	"bytes"
	"projectsync/internal/model"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintJobs(t *testing.T) {
	job, err := model.NewJob("dpwh", 1, 200, 50)
	require.NoError(t, err)
	require.NoError(t, job.MarkRunning())
	require.NoError(t, job.UpdateProgress(51))
	job.IncrementSuccess(48)
	job.IncrementSkip(2)

	var buf bytes.Buffer
	printJobs(&buf, []*model.Job{job})

	out := buf.String()
	assert.Contains(t, out, "PROGRESS")
	assert.Contains(t, out, job.ID)
	assert.Contains(t, out, "1-200")
	assert.Contains(t, out, "25.00%")
}

func TestPrintSummaryIncludesReason(t *testing.T) {
	job, err := model.NewJob("opendata", 1, 10, 5)
	require.NoError(t, err)
	require.NoError(t, job.MarkRunning())
	require.NoError(t, job.MarkPaused())
	job.SetStat("last_transition_reason", "runtime budget exceeded")

	var buf bytes.Buffer
	printSummary(&buf, job)

	assert.Contains(t, buf.String(), "paused")
	assert.Contains(t, buf.String(), "runtime budget exceeded")
	assert.Contains(t, buf.String(), "10 remaining")
}
