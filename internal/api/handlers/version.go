package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// VersionInfo contains daemon and rclone version information.
type VersionInfo struct {
	Version       string `json:"version"`
	Commit        string `json:"commit,omitempty"`
	BuildDate     string `json:"build_date,omitempty"`
	RcloneVersion string `json:"rclone_version,omitempty"`
}

// VersionHandler handles version-related HTTP endpoints.
type VersionHandler struct {
	info   VersionInfo
	rclone RcloneHealthChecker
	logger zerolog.Logger
}

// NewVersionHandler creates a new VersionHandler. rclone may be nil.
func NewVersionHandler(version, commit, buildDate string, rclone RcloneHealthChecker, logger zerolog.Logger) *VersionHandler {
	return &VersionHandler{
		info: VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		},
		rclone: rclone,
		logger: logger.With().Str("component", "version_handler").Logger(),
	}
}

// RegisterRoutes registers version routes on the given router group.
func (h *VersionHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/version", h.Get)
}

// RegisterPublicRoutes registers version routes on the engine root.
func (h *VersionHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/version", h.Get)
}

// Get returns the version information.
// GET /api/v1/version or GET /version
func (h *VersionHandler) Get(c *gin.Context) {
	info := h.info
	if h.rclone != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		v, err := h.rclone.Version(ctx)
		if err != nil {
			h.logger.Debug().Err(err).Msg("rclone version unavailable")
		}
		info.RcloneVersion = v
	}
	c.JSON(http.StatusOK, info)
}
