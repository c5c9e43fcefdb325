package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/rclone"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RemoteLister runs rclone remote queries. *rclone.Client implements it.
type RemoteLister interface {
	ListRemotes(ctx context.Context) ([]string, error)
	CheckRemote(ctx context.Context, remote string) error
}

// RemotesHandler handles rclone remote HTTP endpoints.
type RemotesHandler struct {
	rclone RemoteLister
	logger zerolog.Logger
}

// NewRemotesHandler creates a new RemotesHandler.
func NewRemotesHandler(rclone RemoteLister, logger zerolog.Logger) *RemotesHandler {
	return &RemotesHandler{
		rclone: rclone,
		logger: logger.With().Str("component", "remotes_handler").Logger(),
	}
}

// RegisterRoutes registers remote routes on the given router group.
func (h *RemotesHandler) RegisterRoutes(r *gin.RouterGroup) {
	remotes := r.Group("/remotes")
	{
		remotes.GET("", h.List)
		remotes.POST("/:name/check", h.Check)
	}
}

// List returns the remotes configured in rclone.
// GET /api/v1/remotes
func (h *RemotesHandler) List(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	remotes, err := h.rclone.ListRemotes(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list remotes")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to list rclone remotes"})
		return
	}
	if remotes == nil {
		remotes = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"remotes": remotes})
}

// Check verifies a remote is reachable.
// POST /api/v1/remotes/:name/check
func (h *RemotesHandler) Check(c *gin.Context) {
	name := c.Param("name")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	if err := h.rclone.CheckRemote(ctx, name); err != nil {
		if errors.Is(err, rclone.ErrInvalidArgument) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Warn().Err(err).Str("remote", name).Msg("remote check failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": rclone.RedactText(err.Error()), "reachable": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"remote": name, "reachable": true})
}
