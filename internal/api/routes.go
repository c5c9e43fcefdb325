// Package api provides the local HTTP control API of the RCloneGUI daemon.
package api

import (
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/api/handlers"
	"github.com/GamblerIX/RCloneGUI/internal/api/middleware"
	"github.com/GamblerIX/RCloneGUI/internal/logging"
	"github.com/GamblerIX/RCloneGUI/internal/mount"
	"github.com/GamblerIX/RCloneGUI/internal/rclone"
	"github.com/GamblerIX/RCloneGUI/internal/scheduler"
	"github.com/GamblerIX/RCloneGUI/internal/shutdown"
	"github.com/GamblerIX/RCloneGUI/internal/store"
	"github.com/GamblerIX/RCloneGUI/internal/syncer"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config holds configuration for the API router.
type Config struct {
	// AllowedOrigins for CORS and the event stream. Empty means all origins.
	AllowedOrigins []string
	// RateLimitRequests is the number of state-changing requests allowed
	// per client and period. Zero disables rate limiting.
	RateLimitRequests int64
	RateLimitPeriod   time.Duration
	// Version information for the version endpoint.
	Version   string
	Commit    string
	BuildDate string
}

// DefaultConfig returns a Config with development defaults.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins:    []string{},
		RateLimitRequests: 60,
		RateLimitPeriod:   time.Minute,
		Version:           "dev",
		Commit:            "unknown",
		BuildDate:         "unknown",
	}
}

// Services are the daemon components exposed over HTTP. Store, Rclone, Logs,
// Gatherer and Lifecycle are optional.
type Services struct {
	Mounts    *mount.Manager
	Engine    *syncer.Engine
	Scheduler *scheduler.Scheduler
	Tasks     handlers.TaskSource
	Store     *store.SQLiteStore
	Rclone    *rclone.Client
	Logs      *logging.Buffer
	Gatherer  prometheus.Gatherer
	Lifecycle *shutdown.Manager
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given services.
func NewRouter(cfg Config, svc Services, logger zerolog.Logger) *Router {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.SecurityHeaders())
	r.Engine.Use(middleware.CORS(cfg.AllowedOrigins))

	// typed nils must not reach the handler interfaces
	var (
		db      handlers.DatabaseHealthChecker
		history handlers.RunHistory
		rc      handlers.RcloneHealthChecker
		life    handlers.LifecycleReporter
		gate    middleware.JobGate
	)
	if svc.Store != nil {
		db = svc.Store
		history = svc.Store
	}
	if svc.Rclone != nil {
		rc = svc.Rclone
	}
	if svc.Lifecycle != nil {
		life = svc.Lifecycle
		gate = svc.Lifecycle
	}

	healthHandler := handlers.NewHealthHandler(db, rc, logger)
	healthHandler.AddLifecycleCheck(life)
	healthHandler.RegisterPublicRoutes(r.Engine)

	if svc.Gatherer != nil {
		r.Engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(svc.Gatherer, promhttp.HandlerOpts{})))
	}

	versionHandler := handlers.NewVersionHandler(cfg.Version, cfg.Commit, cfg.BuildDate, rc, logger)
	versionHandler.RegisterPublicRoutes(r.Engine)

	apiV1 := r.Engine.Group("/api/v1")
	apiV1.Use(middleware.RefuseWhenDraining(gate))
	apiV1.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitPeriod))
	versionHandler.RegisterRoutes(apiV1)

	mountsHandler := handlers.NewMountsHandler(svc.Mounts, logger)
	mountsHandler.RegisterRoutes(apiV1)

	syncsHandler := handlers.NewSyncsHandler(svc.Engine, svc.Tasks, history, logger)
	syncsHandler.RegisterRoutes(apiV1)

	schedulesHandler := handlers.NewSchedulesHandler(svc.Scheduler, logger)
	schedulesHandler.RegisterRoutes(apiV1)

	eventsCfg := handlers.DefaultEventsConfig()
	eventsCfg.AllowedOrigins = cfg.AllowedOrigins
	eventsHandler := handlers.NewEventsHandler(svc.Mounts, svc.Engine, svc.Scheduler, eventsCfg, logger)
	eventsHandler.RegisterRoutes(apiV1)

	if svc.Logs != nil {
		logsHandler := handlers.NewLogsHandler(svc.Logs, logger)
		logsHandler.RegisterRoutes(apiV1)
	}

	if svc.Rclone != nil {
		remotesHandler := handlers.NewRemotesHandler(svc.Rclone, logger)
		remotesHandler.RegisterRoutes(apiV1)
	}

	r.logger.Info().Msg("API router initialized")
	return r
}
