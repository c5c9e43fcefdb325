package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/shutdown"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const healthCheckTimeout = 5 * time.Second

// HealthStatus is the outcome of one or all health checks.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult is the outcome of a single named check.
type HealthCheckResult struct {
	Status   HealthStatus   `json:"status"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HealthResponse is returned by every /health endpoint.
type HealthResponse struct {
	Status HealthStatus                  `json:"status"`
	Checks map[string]*HealthCheckResult `json:"checks,omitempty"`
	Error  string                        `json:"error,omitempty"`
}

// DatabaseHealthChecker pings the state database.
type DatabaseHealthChecker interface {
	Ping(ctx context.Context) error
}

// RcloneHealthChecker verifies the rclone executable can be run.
type RcloneHealthChecker interface {
	Version(ctx context.Context) (string, error)
}

// LifecycleReporter exposes the daemon's shutdown progress.
// *shutdown.Manager implements it.
type LifecycleReporter interface {
	GetStatus() shutdown.Status
}

// healthCheck returns details on success. The error message is what clients
// see, so checks return a short public message and log the cause.
type healthCheck func(ctx context.Context) (map[string]any, error)

// HealthHandler serves liveness checks for the daemon's dependencies.
type HealthHandler struct {
	checks map[string]healthCheck
	order  []string
	logger zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler. A nil rclone checker is
// reported as unconfigured rather than unhealthy.
func NewHealthHandler(db DatabaseHealthChecker, rclone RcloneHealthChecker, logger zerolog.Logger) *HealthHandler {
	h := &HealthHandler{
		checks: make(map[string]healthCheck),
		logger: logger.With().Str("component", "health_handler").Logger(),
	}
	h.add("database", h.databaseCheck(db))
	h.add("rclone", h.rcloneCheck(rclone))
	return h
}

// AddLifecycleCheck reports the daemon unhealthy once shutdown has started,
// with the shutdown progress as details.
func (h *HealthHandler) AddLifecycleCheck(l LifecycleReporter) {
	if l == nil {
		return
	}
	h.add("lifecycle", func(ctx context.Context) (map[string]any, error) {
		status := l.GetStatus()
		details := map[string]any{
			"state":       string(status.State),
			"active_runs": status.ActiveRuns,
		}
		if status.StartedAt != nil {
			details["time_remaining"] = status.TimeRemaining.String()
			details["unmounted"] = status.UnmountedCount
		}
		if !status.AcceptingNewJobs {
			return details, errors.New("daemon is shutting down")
		}
		return details, nil
	})
}

func (h *HealthHandler) add(name string, check healthCheck) {
	h.checks[name] = check
	h.order = append(h.order, name)
}

// RegisterPublicRoutes registers health check routes.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	health := r.Group("/health")
	{
		health.GET("", h.Overall)
		health.GET("/db", h.single("database"))
		health.GET("/rclone", h.single("rclone"))
	}
}

// Overall runs every check.
// GET /health
func (h *HealthHandler) Overall(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	response := &HealthResponse{
		Status: HealthStatusHealthy,
		Checks: make(map[string]*HealthCheckResult, len(h.order)),
	}
	for _, name := range h.order {
		result := h.run(ctx, name)
		response.Checks[name] = result
		if result.Status == HealthStatusUnhealthy {
			response.Status = HealthStatusUnhealthy
		}
	}

	c.JSON(statusCode(response.Status), response)
}

// single serves one named check.
// GET /health/db, GET /health/rclone
func (h *HealthHandler) single(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		result := h.run(ctx, name)
		c.JSON(statusCode(result.Status), &HealthResponse{
			Status: result.Status,
			Checks: map[string]*HealthCheckResult{name: result},
			Error:  result.Error,
		})
	}
}

func (h *HealthHandler) run(ctx context.Context, name string) *HealthCheckResult {
	start := time.Now()
	details, err := h.checks[name](ctx)
	result := &HealthCheckResult{
		Status:   HealthStatusHealthy,
		Duration: time.Since(start).String(),
		Details:  details,
	}
	if err != nil {
		result.Status = HealthStatusUnhealthy
		result.Error = err.Error()
	}
	return result
}

func statusCode(s HealthStatus) int {
	if s == HealthStatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (h *HealthHandler) databaseCheck(db DatabaseHealthChecker) healthCheck {
	return func(ctx context.Context) (map[string]any, error) {
		if db == nil {
			return nil, errors.New("database not configured")
		}
		if err := db.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("database health check failed")
			return nil, errors.New("database ping failed")
		}
		return nil, nil
	}
}

func (h *HealthHandler) rcloneCheck(rc RcloneHealthChecker) healthCheck {
	return func(ctx context.Context) (map[string]any, error) {
		if rc == nil {
			return map[string]any{"configured": false}, nil
		}
		version, err := rc.Version(ctx)
		if err != nil {
			h.logger.Warn().Err(err).Msg("rclone health check failed")
			return nil, errors.New("rclone executable unavailable")
		}
		return map[string]any{"version": version}, nil
	}
}
