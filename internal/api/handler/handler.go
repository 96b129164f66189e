package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/mediaqueue/internal/store"
	"github.com/gin-gonic/gin"
)

const requestLoggerKey = "request_logger"

// Publisher hands a submission message to the queue
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Jobs      store.JobStore
	Publisher Publisher
	// HealthChecks are probed by GET /health, keyed by component name
	HealthChecks map[string]func(ctx context.Context) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	jobs      store.JobStore
	publisher Publisher
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		jobs:      deps.Jobs,
		publisher: deps.Publisher,
	}
}

// SetRequestLogger attaches a request-scoped logger to the gin context
func SetRequestLogger(c *gin.Context, logger *slog.Logger) {
	c.Set(requestLoggerKey, logger)
}

// log returns the request-scoped logger, or the handler's own outside a request
func (h *JobHandler) log(c *gin.Context) *slog.Logger {
	if l, ok := c.Get(requestLoggerKey); ok {
		if logger, ok := l.(*slog.Logger); ok {
			return logger
		}
	}
	return h.logger
}
