package shutdown

import (
	"context"
	"fmt"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/mount"
	"github.com/rs/zerolog"
)

// RunHistory is the run history maintenance used at startup.
// *store.SQLiteStore implements it.
type RunHistory interface {
	MarkInterrupted(ctx context.Context) (int, error)
	PruneRuns(ctx context.Context, olderThan time.Duration) (int, error)
}

// MountStarter restores mounts after a restart. *mount.Manager implements it.
type MountStarter interface {
	Reconcile(ctx context.Context) error
	AutoMount(ctx context.Context) []mount.Result
}

// StartupConfig holds configuration for the startup service.
type StartupConfig struct {
	// AutoMount mounts every definition flagged auto_mount.
	AutoMount bool

	// HistoryRetention removes finished runs older than this. Zero keeps all.
	HistoryRetention time.Duration
}

// DefaultStartupConfig returns sensible defaults for startup configuration.
func DefaultStartupConfig() StartupConfig {
	return StartupConfig{
		AutoMount:        true,
		HistoryRetention: 90 * 24 * time.Hour,
	}
}

// StartupReport summarizes what the startup service did.
type StartupReport struct {
	Interrupted int
	Pruned      int
	Mounted     []string
	Failed      map[string]error
}

// StartupService recovers state left behind by a previous process.
type StartupService struct {
	config  StartupConfig
	history RunHistory
	mounts  MountStarter
	logger  zerolog.Logger
}

// NewStartupService creates a new startup service. Either dependency may be nil.
func NewStartupService(config StartupConfig, history RunHistory, mounts MountStarter, logger zerolog.Logger) *StartupService {
	return &StartupService{
		config:  config,
		history: history,
		mounts:  mounts,
		logger:  logger.With().Str("component", "startup_service").Logger(),
	}
}

// Run fails runs a previous process left pending, prunes old history, adopts
// running mounts and auto-mounts. Only a failed reconcile is returned as an
// error; everything else is logged and reported.
func (s *StartupService) Run(ctx context.Context) (*StartupReport, error) {
	report := &StartupReport{Failed: make(map[string]error)}

	if s.history != nil {
		n, err := s.history.MarkInterrupted(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to mark interrupted runs")
		} else if n > 0 {
			s.logger.Warn().Int("count", n).Msg("marked runs interrupted by the previous shutdown as failed")
		}
		report.Interrupted = n

		if s.config.HistoryRetention > 0 {
			pruned, err := s.history.PruneRuns(ctx, s.config.HistoryRetention)
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to prune run history")
			} else if pruned > 0 {
				s.logger.Info().Int("count", pruned).Dur("retention", s.config.HistoryRetention).Msg("pruned run history")
			}
			report.Pruned = pruned
		}
	}

	if s.mounts == nil {
		return report, nil
	}

	if err := s.mounts.Reconcile(ctx); err != nil {
		return report, fmt.Errorf("initial reconcile: %w", err)
	}

	if !s.config.AutoMount {
		s.logger.Info().Msg("auto-mount is disabled, skipping")
		return report, nil
	}

	for _, res := range s.mounts.AutoMount(ctx) {
		if res.Err != nil {
			s.logger.Error().Err(res.Err).Str("mount", res.Name).Msg("auto-mount failed")
			report.Failed[res.Name] = res.Err
			continue
		}
		report.Mounted = append(report.Mounted, res.Name)
	}

	s.logger.Info().
		Int("mounted", len(report.Mounted)).
		Int("failed", len(report.Failed)).
		Msg("startup recovery complete")

	return report, nil
}
