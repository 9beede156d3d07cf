package aws

import (
	"encoding/json"
	"projectsync/internal/model"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportKey(t *testing.T) {
	job := &model.Job{ID: "6f1c", Source: "dpwh"}
	assert.Equal(t, "reports/dpwh/6f1c.json", ReportKey(job))
}

func TestNewJobReport(t *testing.T) {
	job, err := model.NewJob("opendata", 1, 10, 5)
	require.NoError(t, err)
	require.NoError(t, job.MarkRunning())
	require.NoError(t, job.UpdateProgress(6))
	job.LogError("3", "upstream returned 503", map[string]string{"class": "server_error"})
	require.NoError(t, job.MarkFailed("source unreachable"))

	report := NewJobReport(job)
	assert.Equal(t, 50.0, report.Progress)
	assert.Equal(t, int64(5), report.Remaining)
	require.Len(t, report.Errors, 2)
	assert.Equal(t, "3", report.Errors[0].ItemID)
	assert.Equal(t, "source unreachable", report.Errors[1].Message)

	b, err := json.Marshal(report)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "failed", decoded["job"].(map[string]any)["status"])
}
