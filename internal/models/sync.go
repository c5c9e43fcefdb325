package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyncMode is the rclone subcommand a task runs.
type SyncMode string

const (
	// SyncModeSync makes the destination mirror the source.
	SyncModeSync SyncMode = "sync"
	// SyncModeCopy copies new and changed files without deleting.
	SyncModeCopy SyncMode = "copy"
	// SyncModeMove copies files then removes them from the source.
	SyncModeMove SyncMode = "move"
	// SyncModeBisync reconciles both sides.
	SyncModeBisync SyncMode = "bisync"
)

// ValidSyncModes returns all valid sync modes.
func ValidSyncModes() []SyncMode {
	return []SyncMode{SyncModeSync, SyncModeCopy, SyncModeMove, SyncModeBisync}
}

// IsValidSyncMode checks if the given sync mode is valid.
func IsValidSyncMode(m SyncMode) bool {
	for _, valid := range ValidSyncModes() {
		if m == valid {
			return true
		}
	}
	return false
}

// SyncTaskDefinition is the configured intent for a sync job.
type SyncTaskDefinition struct {
	Name           string   `yaml:"name" json:"name"`
	Source         string   `yaml:"source" json:"source"`
	Destination    string   `yaml:"destination" json:"destination"`
	Mode           SyncMode `yaml:"mode" json:"mode"`
	Cron           string   `yaml:"cron,omitempty" json:"cron,omitempty"`
	BandwidthLimit string   `yaml:"bandwidth_limit,omitempty" json:"bandwidth_limit,omitempty"`
	Excludes       []string `yaml:"excludes,omitempty" json:"excludes,omitempty"`
	DryRun         bool     `yaml:"dry_run" json:"dry_run"`
	DeleteExcluded bool     `yaml:"delete_excluded" json:"delete_excluded"`
}

// Validate checks the task for obviously invalid values.
func (t *SyncTaskDefinition) Validate() error {
	var errs []error
	if t.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if t.Source == "" {
		errs = append(errs, errors.New("source is required"))
	}
	if t.Destination == "" {
		errs = append(errs, errors.New("destination is required"))
	}
	if !IsValidSyncMode(t.Mode) {
		errs = append(errs, fmt.Errorf("invalid sync mode %q", t.Mode))
	}
	for _, p := range t.Excludes {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, errors.New("exclude patterns must not be empty"))
			break
		}
	}
	return errors.Join(errs...)
}

// Scheduled reports whether the task has a cron expression.
func (t *SyncTaskDefinition) Scheduled() bool {
	return strings.TrimSpace(t.Cron) != ""
}

// RunOutcome is the terminal state of a sync run.
type RunOutcome string

const (
	// RunOutcomePending indicates the run is still in progress.
	RunOutcomePending RunOutcome = "pending"
	// RunOutcomeSucceeded indicates rclone exited with code 0.
	RunOutcomeSucceeded RunOutcome = "succeeded"
	// RunOutcomeFailed indicates rclone exited with a non-zero code.
	RunOutcomeFailed RunOutcome = "failed"
	// RunOutcomeCancelled indicates the run was cancelled by request.
	RunOutcomeCancelled RunOutcome = "cancelled"
)

// Terminal reports whether the outcome is final.
func (o RunOutcome) Terminal() bool {
	return o != RunOutcomePending && o != ""
}

// SyncRun is one execution attempt of a sync task.
type SyncRun struct {
	ID         uuid.UUID        `json:"id"`
	Task       string           `json:"task"`
	Mode       SyncMode         `json:"mode"`
	Trigger    string           `json:"trigger"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Progress   ProgressSnapshot `json:"progress"`
	Outcome    RunOutcome       `json:"outcome"`
	PID        int32            `json:"pid,omitempty"`
	ExitCode   int              `json:"exit_code"`
	Error      string           `json:"error,omitempty"`
}

// NewSyncRun creates a pending run for the given task.
func NewSyncRun(task *SyncTaskDefinition, trigger string) *SyncRun {
	return &SyncRun{
		ID:        uuid.New(),
		Task:      task.Name,
		Mode:      task.Mode,
		Trigger:   trigger,
		StartedAt: time.Now(),
		Outcome:   RunOutcomePending,
	}
}

// Succeed marks the run as succeeded.
func (r *SyncRun) Succeed() {
	now := time.Now()
	r.FinishedAt = &now
	r.Outcome = RunOutcomeSucceeded
	r.ExitCode = 0
}

// Fail marks the run as failed with the given exit code and message.
func (r *SyncRun) Fail(exitCode int, errMsg string) {
	now := time.Now()
	r.FinishedAt = &now
	r.Outcome = RunOutcomeFailed
	r.ExitCode = exitCode
	r.Error = errMsg
}

// Cancel marks the run as cancelled.
func (r *SyncRun) Cancel() {
	now := time.Now()
	r.FinishedAt = &now
	r.Outcome = RunOutcomeCancelled
}

// Duration returns how long the run took, or has taken so far.
func (r *SyncRun) Duration() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// ProgressSnapshot is a point-in-time view of a transfer.
type ProgressSnapshot struct {
	Percent          float64       `json:"percent"`
	Indeterminate    bool          `json:"indeterminate"`
	BytesTransferred int64         `json:"bytes_transferred"`
	BytesTotal       int64         `json:"bytes_total"`
	Speed            float64       `json:"speed"`
	ETA              time.Duration `json:"eta"`
	ETAKnown         bool          `json:"eta_known"`
	FilesTransferred int64         `json:"files_transferred"`
	FilesTotal       int64         `json:"files_total"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// ScheduleEntry pairs a task with its cron expression and next fire time.
type ScheduleEntry struct {
	Task       string    `json:"task"`
	Expression string    `json:"expression"`
	NextFire   time.Time `json:"next_fire"`
	LastFire   time.Time `json:"last_fire,omitempty"`
	Missed     int       `json:"missed"`
}
