package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/GamblerIX/RCloneGUI/internal/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const maxPreviewCount = 20

// ScheduleSource lists registered schedules. *scheduler.Scheduler implements it.
type ScheduleSource interface {
	Entries() []models.ScheduleEntry
}

// ScheduleResponse is a schedule entry with a readable description.
type ScheduleResponse struct {
	models.ScheduleEntry
	Description string `json:"description"`
}

// NextFireResponse is the response for a schedule preview.
type NextFireResponse struct {
	Expression  string      `json:"expression"`
	Description string      `json:"description"`
	Next        []time.Time `json:"next"`
}

// SchedulesHandler handles schedule HTTP endpoints.
type SchedulesHandler struct {
	schedules ScheduleSource
	now       func() time.Time
	logger    zerolog.Logger
}

// NewSchedulesHandler creates a new SchedulesHandler.
func NewSchedulesHandler(schedules ScheduleSource, logger zerolog.Logger) *SchedulesHandler {
	return &SchedulesHandler{
		schedules: schedules,
		now:       time.Now,
		logger:    logger.With().Str("component", "schedules_handler").Logger(),
	}
}

// RegisterRoutes registers schedule routes on the given router group.
func (h *SchedulesHandler) RegisterRoutes(r *gin.RouterGroup) {
	schedules := r.Group("/schedules")
	{
		schedules.GET("", h.List)
		schedules.GET("/next", h.Next)
	}
}

// List returns every registered schedule ordered by next fire time.
// GET /api/v1/schedules
func (h *SchedulesHandler) List(c *gin.Context) {
	entries := h.schedules.Entries()
	out := make([]ScheduleResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, ScheduleResponse{
			ScheduleEntry: e,
			Description:   scheduler.Describe(e.Expression),
		})
	}
	c.JSON(http.StatusOK, gin.H{"schedules": out})
}

// Next previews the upcoming activations of a cron expression.
// GET /api/v1/schedules/next?expr=&from=&count=
func (h *SchedulesHandler) Next(c *gin.Context) {
	expr := c.Query("expr")
	sched, err := scheduler.Parse(expr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	from := h.now()
	if raw := c.Query("from"); raw != "" {
		from, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be an RFC 3339 timestamp"})
			return
		}
	}

	count := 1
	if raw := c.Query("count"); raw != "" {
		count, err = strconv.Atoi(raw)
		if err != nil || count <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid count"})
			return
		}
		count = min(count, maxPreviewCount)
	}

	next := make([]time.Time, 0, count)
	t := from
	for range count {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		next = append(next, t)
	}

	c.JSON(http.StatusOK, NextFireResponse{
		Expression:  expr,
		Description: scheduler.Describe(expr),
		Next:        next,
	})
}
