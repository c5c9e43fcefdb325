package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/GamblerIX/RCloneGUI/internal/mount"
	"github.com/GamblerIX/RCloneGUI/internal/process"
	"github.com/GamblerIX/RCloneGUI/internal/rclone"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// MountService defines the mount operations used by the handler.
// *mount.Manager implements it.
type MountService interface {
	States() []models.MountRuntimeState
	State(name string) (models.MountRuntimeState, error)
	Reconcile(ctx context.Context) error
	Mount(ctx context.Context, name string) error
	Unmount(ctx context.Context, name string) error
	MountAll(ctx context.Context) []mount.Result
	UnmountAll(ctx context.Context) []mount.Result
	AwaitSettled(ctx context.Context, name string) (models.MountRuntimeState, error)
}

// maxMountWait caps the wait query parameter of a single mount lookup.
const maxMountWait = 90 * time.Second

// MountResult is the per-mount outcome of a batch operation.
type MountResult struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// MountsHandler handles mount HTTP endpoints.
type MountsHandler struct {
	mounts MountService
	logger zerolog.Logger
}

// NewMountsHandler creates a new MountsHandler.
func NewMountsHandler(mounts MountService, logger zerolog.Logger) *MountsHandler {
	return &MountsHandler{
		mounts: mounts,
		logger: logger.With().Str("component", "mounts_handler").Logger(),
	}
}

// RegisterRoutes registers mount routes on the given router group.
func (h *MountsHandler) RegisterRoutes(r *gin.RouterGroup) {
	mounts := r.Group("/mounts")
	{
		mounts.GET("", h.List)
		mounts.POST("/reconcile", h.Reconcile)
		mounts.POST("/mount-all", h.MountAll)
		mounts.POST("/unmount-all", h.UnmountAll)
		mounts.GET("/:name", h.Get)
		mounts.POST("/:name/mount", h.Mount)
		mounts.POST("/:name/unmount", h.Unmount)
	}
}

// List returns the runtime state of every mount.
// GET /api/v1/mounts
func (h *MountsHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mounts": h.mounts.States()})
}

// Get returns the runtime state of one mount. With ?wait=<duration> it first
// waits, up to that long, for a mount or unmount in progress to finish.
// GET /api/v1/mounts/:name
func (h *MountsHandler) Get(c *gin.Context) {
	name := c.Param("name")

	var wait time.Duration
	if raw := c.Query("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wait duration"})
			return
		}
		wait = min(d, maxMountWait)
	}

	var (
		state models.MountRuntimeState
		err   error
	)
	if wait > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		state, err = h.mounts.AwaitSettled(ctx, name)
		cancel()
		// still settling when the wait ends: report where it stands
		if errors.Is(err, context.DeadlineExceeded) {
			err = nil
		}
	} else {
		state, err = h.mounts.State(name)
	}
	if err != nil {
		c.JSON(mountErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

// Reconcile rescans running rclone processes.
// POST /api/v1/mounts/reconcile
func (h *MountsHandler) Reconcile(c *gin.Context) {
	if err := h.mounts.Reconcile(c.Request.Context()); err != nil {
		h.logger.Error().Err(err).Msg("reconcile failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reconcile mounts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mounts": h.mounts.States()})
}

// Mount mounts a defined mount and waits until it is ready.
// POST /api/v1/mounts/:name/mount
func (h *MountsHandler) Mount(c *gin.Context) {
	name := c.Param("name")
	// a client disconnect must not abort a mount halfway
	ctx := context.WithoutCancel(c.Request.Context())

	if err := h.mounts.Mount(ctx, name); err != nil {
		h.respondError(c, name, "mount", err)
		return
	}
	h.respondState(c, name)
}

// Unmount stops the rclone process serving a mount.
// POST /api/v1/mounts/:name/unmount
func (h *MountsHandler) Unmount(c *gin.Context) {
	name := c.Param("name")
	ctx := context.WithoutCancel(c.Request.Context())

	if err := h.mounts.Unmount(ctx, name); err != nil {
		h.respondError(c, name, "unmount", err)
		return
	}
	h.respondState(c, name)
}

// MountAll mounts every defined mount that is not mounted.
// POST /api/v1/mounts/mount-all
func (h *MountsHandler) MountAll(c *gin.Context) {
	results := h.mounts.MountAll(context.WithoutCancel(c.Request.Context()))
	c.JSON(http.StatusOK, gin.H{"results": toMountResults(results)})
}

// UnmountAll unmounts every mounted mount.
// POST /api/v1/mounts/unmount-all
func (h *MountsHandler) UnmountAll(c *gin.Context) {
	results := h.mounts.UnmountAll(context.WithoutCancel(c.Request.Context()))
	c.JSON(http.StatusOK, gin.H{"results": toMountResults(results)})
}

func (h *MountsHandler) respondState(c *gin.Context, name string) {
	state, err := h.mounts.State(name)
	if err != nil {
		// removed while the operation ran
		c.JSON(http.StatusOK, gin.H{"name": name})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *MountsHandler) respondError(c *gin.Context, name, op string, err error) {
	status := mountErrorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("mount", name).Str("op", op).Msg("mount operation failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func toMountResults(results []mount.Result) []MountResult {
	out := make([]MountResult, 0, len(results))
	for _, r := range results {
		res := MountResult{Name: r.Name}
		if r.Err != nil {
			res.Error = r.Err.Error()
		}
		out = append(out, res)
	}
	return out
}

// mountErrorStatus maps mount errors to HTTP status codes.
func mountErrorStatus(err error) int {
	var (
		already   *mount.AlreadyMountedError
		timeout   *mount.TimeoutError
		exitErr   *process.ExitError
		launchErr *process.LaunchError
	)
	switch {
	case errors.Is(err, mount.ErrUnknownMount):
		return http.StatusNotFound
	case errors.As(err, &already),
		errors.Is(err, mount.ErrNotMounted),
		errors.Is(err, mount.ErrDriveInUse),
		errors.Is(err, mount.ErrNoFreeDrive):
		return http.StatusConflict
	case errors.Is(err, rclone.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &exitErr), errors.As(err, &launchErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
