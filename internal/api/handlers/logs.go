package handlers

import (
	"net/http"
	"strconv"

	"github.com/GamblerIX/RCloneGUI/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	defaultLogLimit = 200
	maxLogLimit     = 1000
)

// LogSource returns recent daemon log entries. *logging.Buffer implements it.
type LogSource interface {
	Recent(f logging.Filter) []logging.Entry
}

// LogsHandler serves the in-memory daemon log.
type LogsHandler struct {
	logs   LogSource
	logger zerolog.Logger
}

// NewLogsHandler creates a new LogsHandler.
func NewLogsHandler(logs LogSource, logger zerolog.Logger) *LogsHandler {
	return &LogsHandler{
		logs:   logs,
		logger: logger.With().Str("component", "logs_handler").Logger(),
	}
}

// RegisterRoutes registers log routes on the given router group.
func (h *LogsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/logs", h.List)
}

// List returns recent log entries, newest first.
// GET /api/v1/logs?level=&component=&search=&limit=
func (h *LogsHandler) List(c *gin.Context) {
	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxLogLimit)
	}

	entries := h.logs.Recent(logging.Filter{
		Level:     c.Query("level"),
		Component: c.Query("component"),
		Search:    c.Query("search"),
		Limit:     limit,
	})
	if entries == nil {
		entries = []logging.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}
