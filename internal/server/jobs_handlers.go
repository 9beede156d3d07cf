package server

import (
	"errors"
	"net/http"
	"projectsync/internal/controller"
	"projectsync/internal/database"
	"projectsync/internal/ledger"
	"projectsync/internal/model"
	"projectsync/internal/source"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// JobRequest represents the request for creating a job
type JobRequest struct {
	Source    string `json:"source" binding:"required"`
	Start     *int64 `json:"start" binding:"required"`
	End       *int64 `json:"end" binding:"required"`
	ChunkSize int    `json:"chunk_size"`
	Override  bool   `json:"override"`
}

// JobResponse represents the response for job operations
type JobResponse struct {
	ID          string             `json:"id"`
	Source      string             `json:"source"`
	Status      string             `json:"status"`
	Start       int64              `json:"start"`
	End         int64              `json:"end"`
	Current     int64              `json:"current"`
	ChunkSize   int                `json:"chunkSize"`
	Progress    float64            `json:"progress"`
	Remaining   int64              `json:"remaining"`
	DurationSec float64            `json:"durationSeconds"`
	Counters    model.JobCounters  `json:"counters"`
	Stats       map[string]any     `json:"stats,omitempty"`
	ErrorList   []model.ErrorEntry `json:"errorList,omitempty"`
	CreatedAt   string             `json:"createdAt"`
	UpdatedAt   string             `json:"updatedAt"`
	CompletedAt string             `json:"completedAt,omitempty"`
}

// CreateJobHandler creates a new job and enqueues it
func (s *Server) CreateJobHandler(c *gin.Context) {
	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.jc.CreateJob(c.Request.Context(), ledger.CreateRequest{
		Source:    req.Source,
		Start:     *req.Start,
		End:       *req.End,
		ChunkSize: req.ChunkSize,
		Override:  req.Override,
	})
	if err != nil {
		s.respondJobError(c, job, err)
		return
	}

	c.JSON(http.StatusCreated, convertJobToResponse(job, false))
}

// GetJobHandler returns a specific job by ID with its error log
func (s *Server) GetJobHandler(c *gin.Context) {
	job, err := s.jc.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondJobError(c, nil, err)
		return
	}

	c.JSON(http.StatusOK, convertJobToResponse(job, true))
}

// ListJobsHandler returns jobs newest first, optionally filtered by source and a comma separated status list
func (s *Server) ListJobsHandler(c *gin.Context) {
	limit, offset := getPaginationParams(c)
	filter := database.JobFilter{
		Source: c.Query("source"),
		Limit:  limit,
		Offset: offset,
	}

	if statusParam := c.Query("status"); statusParam != "" {
		for _, raw := range strings.Split(statusParam, ",") {
			status := model.JobStatus(strings.TrimSpace(raw))
			if !status.IsValid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job status: " + string(status)})
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	jobs, err := s.jc.ListJobs(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs: " + err.Error()})
		return
	}

	response := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		response = append(response, convertJobToResponse(job, false))
	}

	c.JSON(http.StatusOK, response)
}

// ResumeJobHandler re-enqueues a paused or failed job
func (s *Server) ResumeJobHandler(c *gin.Context) {
	job, err := s.jc.ResumeJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondJobError(c, job, err)
		return
	}

	c.JSON(http.StatusAccepted, convertJobToResponse(job, false))
}

// StopJobHandler asks a running job to pause after its current batch
func (s *Server) StopJobHandler(c *gin.Context) {
	job, err := s.jc.StopJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondJobError(c, job, err)
		return
	}

	c.JSON(http.StatusAccepted, convertJobToResponse(job, false))
}

// CancelJobHandler cancels a job. Running jobs are signalled and stop after their current batch.
func (s *Server) CancelJobHandler(c *gin.Context) {
	job, err := s.jc.CancelJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondJobError(c, job, err)
		return
	}

	status := http.StatusOK
	if job.Status == model.StatusRunning {
		status = http.StatusAccepted
	}
	c.JSON(status, convertJobToResponse(job, false))
}

// respondJobError maps controller errors onto status codes
func (s *Server) respondJobError(c *gin.Context, job *model.Job, err error) {
	var conflict *ledger.ConflictError

	switch {
	case errors.As(err, &conflict):
		conflicts := make([]JobResponse, 0, len(conflict.Conflicts))
		for _, j := range conflict.Conflicts {
			conflicts = append(conflicts, convertJobToResponse(j, false))
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "conflicts": conflicts})
	case errors.Is(err, model.ErrInvalidRange),
		errors.Is(err, model.ErrInvalidChunkSize),
		errors.Is(err, source.ErrUnknownSource):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case ledger.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, model.ErrNotResumable),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, controller.ErrNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, controller.ErrEnqueue) && job != nil:
		// stored but not queued; the caller can retry with resume once the broker is back
		c.JSON(http.StatusAccepted, gin.H{"error": err.Error(), "job": convertJobToResponse(job, false)})
	default:
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("Job request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Helper functions

// convertJobToResponse converts a job model to a response format
func convertJobToResponse(job *model.Job, withErrors bool) JobResponse {
	response := JobResponse{
		ID:          job.ID,
		Source:      job.Source,
		Status:      string(job.Status),
		Start:       job.Start,
		End:         job.End,
		Current:     job.Current,
		ChunkSize:   job.ChunkSize,
		Progress:    job.ProgressPercentage(),
		Remaining:   job.RemainingCount(),
		DurationSec: job.Duration().Seconds(),
		Counters:    job.Counters,
		Stats:       job.Stats,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
	}
	if job.CompletedAt != nil {
		response.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	if withErrors {
		response.ErrorList = job.Errors.Entries()
	}
	return response
}

// getPaginationParams extracts pagination parameters from request
func getPaginationParams(c *gin.Context) (int, int) {
	limit := 20
	offset := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = min(parsedLimit, 200)
		}
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		if parsedOffset, err := strconv.Atoi(offsetStr); err == nil && parsedOffset >= 0 {
			offset = parsedOffset
		}
	}

	return limit, offset
}
