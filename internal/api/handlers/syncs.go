package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/GamblerIX/RCloneGUI/internal/process"
	"github.com/GamblerIX/RCloneGUI/internal/rclone"
	"github.com/GamblerIX/RCloneGUI/internal/scheduler"
	"github.com/GamblerIX/RCloneGUI/internal/store"
	"github.com/GamblerIX/RCloneGUI/internal/syncer"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxHistoryLimit = 500

// SyncService defines the sync engine operations used by the handler.
// *syncer.Engine implements it.
type SyncService interface {
	Trigger(ctx context.Context, task models.SyncTaskDefinition) (models.SyncRun, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Active() []models.SyncRun
	IsActive(name string) bool
}

// TaskSource provides the defined sync tasks.
type TaskSource interface {
	SyncTasks() []models.SyncTaskDefinition
	SyncTask(name string) (models.SyncTaskDefinition, bool)
}

// RunHistory reads finished runs. *store.SQLiteStore implements it.
type RunHistory interface {
	GetRun(ctx context.Context, id uuid.UUID) (*models.SyncRun, error)
	LastRun(ctx context.Context, task string) (*models.SyncRun, error)
	ListRuns(ctx context.Context, task string, limit int) ([]*models.SyncRun, error)
}

// SyncTaskResponse is a task definition with its live status.
type SyncTaskResponse struct {
	models.SyncTaskDefinition
	Active   bool            `json:"active"`
	Schedule string          `json:"schedule,omitempty"`
	LastRun  *models.SyncRun `json:"last_run,omitempty"`
}

// SyncsHandler handles sync task and run HTTP endpoints.
type SyncsHandler struct {
	engine  SyncService
	tasks   TaskSource
	history RunHistory
	logger  zerolog.Logger
}

// NewSyncsHandler creates a new SyncsHandler. history may be nil.
func NewSyncsHandler(engine SyncService, tasks TaskSource, history RunHistory, logger zerolog.Logger) *SyncsHandler {
	return &SyncsHandler{
		engine:  engine,
		tasks:   tasks,
		history: history,
		logger:  logger.With().Str("component", "syncs_handler").Logger(),
	}
}

// RegisterRoutes registers sync routes on the given router group.
func (h *SyncsHandler) RegisterRoutes(r *gin.RouterGroup) {
	syncs := r.Group("/syncs")
	{
		syncs.GET("", h.List)
		syncs.POST("/:name/run", h.Run)
	}

	runs := r.Group("/runs")
	{
		runs.GET("/active", h.Active)
		runs.GET("/history", h.History)
		runs.GET("/:id", h.GetRun)
		runs.POST("/:id/cancel", h.Cancel)
	}
}

// List returns every sync task with its live status.
// GET /api/v1/syncs
func (h *SyncsHandler) List(c *gin.Context) {
	tasks := h.tasks.SyncTasks()
	out := make([]SyncTaskResponse, 0, len(tasks))
	for _, task := range tasks {
		resp := SyncTaskResponse{
			SyncTaskDefinition: task,
			Active:             h.engine.IsActive(task.Name),
		}
		if task.Scheduled() {
			resp.Schedule = scheduler.Describe(task.Cron)
		}
		if h.history != nil {
			last, err := h.history.LastRun(c.Request.Context(), task.Name)
			switch {
			case err == nil:
				resp.LastRun = last
			case !errors.Is(err, store.ErrRunNotFound):
				h.logger.Warn().Err(err).Str("task", task.Name).Msg("failed to load last run")
			}
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, gin.H{"syncs": out})
}

// Run starts a manual run of a task.
// POST /api/v1/syncs/:name/run
func (h *SyncsHandler) Run(c *gin.Context) {
	name := c.Param("name")
	task, ok := h.tasks.SyncTask(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "sync task not found"})
		return
	}

	run, err := h.engine.Trigger(context.WithoutCancel(c.Request.Context()), task)
	if err != nil {
		var (
			already   *syncer.AlreadyRunningError
			launchErr *process.LaunchError
		)
		switch {
		case errors.As(err, &already):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "run_id": already.RunID})
		case errors.Is(err, rclone.ErrInvalidArgument):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.As(err, &launchErr):
			h.logger.Error().Err(err).Str("task", name).Msg("failed to launch sync")
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			h.logger.Error().Err(err).Str("task", name).Msg("failed to start sync")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start sync"})
		}
		return
	}

	c.JSON(http.StatusAccepted, run)
}

// Active returns the live runs.
// GET /api/v1/runs/active
func (h *SyncsHandler) Active(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": h.engine.Active()})
}

// History returns finished and live runs, newest first.
// GET /api/v1/runs/history?task=&limit=
func (h *SyncsHandler) History(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, gin.H{"runs": []*models.SyncRun{}})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	runs, err := h.history.ListRuns(c.Request.Context(), c.Query("task"), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []*models.SyncRun{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// GetRun returns a live or recorded run.
// GET /api/v1/runs/:id
func (h *SyncsHandler) GetRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run ID"})
		return
	}

	for _, run := range h.engine.Active() {
		if run.ID == id {
			c.JSON(http.StatusOK, run)
			return
		}
	}

	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	run, err := h.history.GetRun(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		h.logger.Error().Err(err).Str("run_id", id.String()).Msg("failed to get run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get run"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// Cancel stops a live run and waits until its outcome is recorded.
// POST /api/v1/runs/:id/cancel
func (h *SyncsHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run ID"})
		return
	}

	if err := h.engine.Cancel(context.WithoutCancel(c.Request.Context()), id); err != nil {
		if errors.Is(err, syncer.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found or already finished"})
			return
		}
		h.logger.Error().Err(err).Str("run_id", id.String()).Msg("failed to cancel run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel run"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "cancelled": true})
}
