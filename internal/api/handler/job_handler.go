package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/mediaqueue/internal/api/dto"
	"github.com/cuongbtq/mediaqueue/internal/job"
	"github.com/cuongbtq/mediaqueue/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Persists a new job and queues it for submission to the broker
func (h *JobHandler) CreateJob(c *gin.Context) {
	h.log(c).Info("CreateJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	// 1. Validate request body
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log(c).Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	steps := make([]*job.Step, len(req.Steps))
	for i, s := range req.Steps {
		method := job.Method(s.Method)
		if !method.Known() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":  "Unsupported step method",
				"method": s.Method,
			})
			return
		}
		steps[i] = &job.Step{Method: method, Options: s.Options}
	}
	j := job.New(steps...)

	// 2. Create job record
	if err := h.jobs.CreateJob(c.Request.Context(), j); err != nil {
		h.log(c).Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	// 3. Publish submission message to RabbitMQ
	body, err := json.Marshal(job.Submission{JobID: j.ID})
	if err != nil {
		h.log(c).Error("Failed to encode submission", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to queue job",
		})
		return
	}
	if err := h.publisher.PublishWithRetry(c.Request.Context(), body, "application/json"); err != nil {
		h.log(c).Error("Failed to publish job",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "Job stored but could not be queued",
			"job_id": j.ID,
		})
		return
	}

	h.log(c).Info("Job created",
		slog.String("job_id", j.ID),
		slog.Int("steps", len(j.Steps)),
	)

	// 4. Return job response
	c.JSON(http.StatusCreated, dto.NewJobDTO(j))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	h.log(c).Info("GetJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	// 1. Validate job_id format (UUID)
	if _, err := uuid.Parse(jobID); err != nil {
		h.log(c).Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	// 2. Query job from the store
	j, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.log(c).Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	// 3. Return job details
	c.JSON(http.StatusOK, dto.NewJobDTO(j))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with an optional status filter, cursor pagination and per-status counts
func (h *JobHandler) ListJobs(c *gin.Context) {
	h.log(c).Info("ListJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	// 1. Parse query parameters
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.log(c).Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	// 2. Validate parameters
	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	status := job.Status(req.Status)
	switch status {
	case "", job.StatusNew, job.StatusRunning, job.StatusDone, job.StatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	// 3. Decode cursor for pagination
	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.log(c).Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// 4. Query jobs and counts
	jobs, err := h.jobs.ListJobs(c.Request.Context(), store.JobFilter{
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.log(c).Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	stats, err := h.jobs.JobStats(c.Request.Context())
	if err != nil {
		h.log(c).Error("Failed to count jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to count jobs",
		})
		return
	}

	// 5. Prepare response with next cursor if more results exist
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, j := range jobs {
		jobResponse[i] = dto.NewJobDTO(j)
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&store.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
		Stats:      stats,
	})
}

// DeleteJobs handles DELETE /api/v1/jobs
// Removes every job record
func (h *JobHandler) DeleteJobs(c *gin.Context) {
	h.log(c).Info("DeleteJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	if err := h.jobs.DeleteJobs(c.Request.Context()); err != nil {
		h.log(c).Error("Failed to delete jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete jobs",
		})
		return
	}

	c.Status(http.StatusNoContent)
}
