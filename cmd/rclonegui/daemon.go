package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/api"
	"github.com/GamblerIX/RCloneGUI/internal/config"
	"github.com/GamblerIX/RCloneGUI/internal/discovery"
	"github.com/GamblerIX/RCloneGUI/internal/logging"
	"github.com/GamblerIX/RCloneGUI/internal/metrics"
	"github.com/GamblerIX/RCloneGUI/internal/mount"
	"github.com/GamblerIX/RCloneGUI/internal/process"
	"github.com/GamblerIX/RCloneGUI/internal/rclone"
	"github.com/GamblerIX/RCloneGUI/internal/scheduler"
	"github.com/GamblerIX/RCloneGUI/internal/shutdown"
	"github.com/GamblerIX/RCloneGUI/internal/store"
	"github.com/GamblerIX/RCloneGUI/internal/syncer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newDaemonCmd(flags *globalFlags) *cobra.Command {
	var noAutoMount bool

	cmd := &cobra.Command{
		Use:     "daemon",
		Aliases: []string{"start"},
		Short:   "Run the mount and sync supervisor",
		Long: `Run the supervisor in the foreground.

The daemon adopts rclone mounts that are already running, mounts every
definition flagged auto_mount, runs scheduled sync tasks and serves the
local control API until it receives SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.loadConfig()
			if err != nil {
				return err
			}
			return runDaemon(cfg, !noAutoMount)
		},
	}

	cmd.Flags().BoolVar(&noAutoMount, "no-auto-mount", false, "Do not mount auto_mount definitions on start")

	return cmd
}

func runDaemon(cfg *config.AppConfig, autoMount bool) error {
	logs, err := logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		JSON:       cfg.Log.JSON,
	})
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	logger := logs.Logger

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("data_dir", cfg.DataDir).
		Msg("RCloneGUI starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(cfg.DataDir, logger)
	if err != nil {
		logs.Close()
		return fmt.Errorf("open store: %w", err)
	}

	defs, err := config.OpenDefinitions(cfg.DefinitionsFile, logger)
	if err != nil {
		st.Close()
		logs.Close()
		return fmt.Errorf("load definitions: %w", err)
	}

	builder := rclone.NewBuilder(cfg.Rclone.Binary, cfg.Rclone.ConfigPath)
	rc := rclone.NewClient(builder, logger)
	versionCtx, cancelVersion := context.WithTimeout(ctx, 10*time.Second)
	if v, err := rc.Version(versionCtx); err != nil {
		logger.Warn().Err(err).Str("binary", cfg.Rclone.Binary).Msg("rclone not usable; mounts and syncs will fail until it is installed")
	} else {
		logger.Info().Str("rclone_version", v).Msg("rclone found")
	}
	cancelVersion()

	// Mounts and sync jobs get separate supervisors so each honours its own
	// grace period.
	mountSup := process.NewSupervisor(supervisorConfig(cfg.Mount.GracePeriod.Std()), logger)
	syncSup := process.NewSupervisor(supervisorConfig(cfg.Sync.GracePeriod.Std()), logger)

	disc := discovery.NewDiscoverer(discovery.DefaultConfig(), logger)

	mounts := mount.NewManager(mount.Config{
		ReadyTimeout: cfg.Mount.ReadyTimeout.Std(),
		ReadyMarkers: cfg.Mount.ReadyMarkers,
		CacheDir:     cfg.Mount.CacheDir,
		MountRoot:    cfg.Mount.MountRoot,
	}, defs, builder, mountSup, disc, st, logger)

	engine := syncer.NewEngine(syncer.Config{
		StatsInterval: cfg.Sync.StatsInterval.Std(),
	}, builder, syncSup, st, logger)

	sched := scheduler.New(scheduler.Config{Tick: cfg.Scheduler.Tick.Std()}, engine, logger)
	if err := sched.Sync(defs.SyncTasks()); err != nil {
		logger.Warn().Err(err).Msg("some sync schedules are invalid and were skipped")
	}
	seedLastFires(ctx, sched, st, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promMetrics, err := metrics.NewPrometheusMetrics(registry)
	if err != nil {
		st.Close()
		logs.Close()
		return fmt.Errorf("register metrics: %w", err)
	}
	mounts.SetMetrics(promMetrics)
	engine.SetMetrics(promMetrics)
	sched.SetMetrics(promMetrics)

	startupCfg := shutdown.DefaultStartupConfig()
	startupCfg.AutoMount = autoMount
	startupCfg.HistoryRetention = cfg.Sync.HistoryRetention.Std()
	startup := shutdown.NewStartupService(startupCfg, st, mounts, logger)
	if _, err := startup.Run(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial mount discovery failed; retrying on the next interval")
	}

	watcher, err := config.NewWatcher(defs, func() {
		if err := mounts.Reconcile(ctx); err != nil {
			logger.Warn().Err(err).Msg("reconcile after definitions change failed")
		}
		if err := sched.Sync(defs.SyncTasks()); err != nil {
			logger.Warn().Err(err).Msg("some sync schedules are invalid and were skipped")
		}
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("definitions will not be reloaded automatically")
	} else {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("definitions watcher stopped")
			}
		}()
	}

	go reconcileLoop(ctx, mounts, cfg.Mount.DiscoveryInterval.Std(), logger, mountSup, syncSup)

	if err := sched.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to start scheduler")
	}

	// No write timeout: mount requests wait for readiness and the
	// event stream is long-lived.
	var srv *http.Server
	if cfg.API.Enabled {
		srv = &http.Server{
			Addr:              cfg.API.Listen,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
		}
	}

	targets := shutdown.Targets{
		Scheduler: sched,
		Runs:      engine,
		Mounts:    mounts,
	}
	if srv != nil {
		targets.HTTP = srv
	}
	if watcher != nil {
		targets.Closers = append(targets.Closers, shutdown.Closer{Name: "definitions watcher", Close: watcher.Close})
	}
	targets.Closers = append(targets.Closers,
		shutdown.Closer{Name: "event streams", Close: func() error {
			mounts.Close()
			engine.Close()
			sched.Close()
			return nil
		}},
		shutdown.Closer{Name: "store", Close: st.Close},
		shutdown.Closer{Name: "logging", Close: logs.Close},
	)

	shutdownCfg := shutdown.DefaultConfig()
	shutdownCfg.UnmountOnExit = cfg.Mount.UnmountOnExit
	lifecycle := shutdown.NewManager(shutdownCfg, targets, logger)

	if srv != nil {
		router := api.NewRouter(api.Config{
			AllowedOrigins:    cfg.API.AllowedOrigins,
			RateLimitRequests: cfg.API.RateLimitPerMinute,
			RateLimitPeriod:   time.Minute,
			Version:           Version,
			Commit:            Commit,
			BuildDate:         BuildDate,
		}, api.Services{
			Mounts:    mounts,
			Engine:    engine,
			Scheduler: sched,
			Tasks:     defs,
			Store:     st,
			Rclone:    rc,
			Logs:      logs.Buffer,
			Gatherer:  registry,
			Lifecycle: lifecycle,
		}, logger)
		srv.Handler = router.Engine

		go func() {
			logger.Info().Str("addr", cfg.API.Listen).Msg("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("HTTP server error")
				stop()
			}
		}()
	}

	logger.Info().Msg("daemon running")
	<-ctx.Done()
	logger.Info().Msg("shutting down")

	return lifecycle.Shutdown(context.Background())
}

func supervisorConfig(grace time.Duration) process.Config {
	cfg := process.DefaultConfig()
	if grace > 0 {
		cfg.GracePeriod = grace
	}
	return cfg
}

// seedLastFires restores the last fire time of each schedule from history.
func seedLastFires(ctx context.Context, sched *scheduler.Scheduler, st *store.SQLiteStore, logger zerolog.Logger) {
	for _, entry := range sched.Entries() {
		run, err := st.LastRun(ctx, entry.Task)
		if errors.Is(err, store.ErrRunNotFound) {
			continue
		}
		if err != nil {
			logger.Warn().Err(err).Str("task", entry.Task).Msg("failed to load last run")
			continue
		}
		if err := sched.SetLastFire(entry.Task, run.StartedAt); err != nil {
			logger.Warn().Err(err).Str("task", entry.Task).Msg("failed to seed last fire")
		}
	}
}

// reconcileLoop periodically re-scans the system for mounts and drops
// exited processes from the supervisors.
func reconcileLoop(ctx context.Context, mounts *mount.Manager, interval time.Duration, logger zerolog.Logger, sups ...*process.Supervisor) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mounts.Reconcile(ctx); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("periodic reconcile failed")
			}
			pruned := 0
			for _, sup := range sups {
				pruned += sup.Prune()
			}
			if pruned > 0 {
				logger.Debug().Int("processes", pruned).Msg("pruned exited processes")
			}
		}
	}
}
