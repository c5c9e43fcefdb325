// Package rclone builds rclone argument vectors from structured definitions
// and wraps one-shot rclone commands.
package rclone

import (
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/models"
)

// DefaultBinary is the rclone executable looked up on PATH.
const DefaultBinary = "rclone"

// DefaultStatsInterval is how often sync runs emit a stats line.
const DefaultStatsInterval = time.Second

// ErrInvalidArgument is returned when a field cannot be passed to rclone safely.
var ErrInvalidArgument = errors.New("invalid rclone argument")

var (
	remoteNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.@\-]*$`)
	bwlimitPattern    = regexp.MustCompile(`^[0-9A-Za-z.:,| ]+$`)
	driveLetter       = regexp.MustCompile(`^[A-Za-z]:?$`)
)

// Invocation is a fully built rclone command line.
type Invocation struct {
	Binary string
	Args   []string
}

// Redacted returns the arguments with secrets masked, for logging.
func (i Invocation) Redacted() []string {
	return RedactArgs(i.Args)
}

// Builder builds rclone invocations. Every user-supplied value is passed as
// its own argv element or as the value half of a --flag=value pair, so no
// value is ever interpreted as a flag.
type Builder struct {
	binary     string
	configPath string
}

// NewBuilder creates a Builder. An empty binary means DefaultBinary.
func NewBuilder(binary, configPath string) *Builder {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Builder{binary: binary, configPath: configPath}
}

// Binary returns the rclone executable path.
func (b *Builder) Binary() string {
	return b.binary
}

// ValidateRemoteName checks an rclone remote name.
func ValidateRemoteName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: remote name is empty", ErrInvalidArgument)
	}
	if !remoteNamePattern.MatchString(name) {
		return fmt.Errorf("%w: remote name %q", ErrInvalidArgument, name)
	}
	return nil
}

// validateOperand checks a positional value such as a path or remote target.
func validateOperand(kind, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidArgument, kind)
	}
	if strings.HasPrefix(value, "-") {
		return fmt.Errorf("%w: %s %q starts with a dash", ErrInvalidArgument, kind, value)
	}
	if strings.ContainsAny(value, "\x00\r\n") {
		return fmt.Errorf("%w: %s contains control characters", ErrInvalidArgument, kind)
	}
	return nil
}

// MountTarget converts a configured drive into the rclone mount point
// argument: a bare letter becomes "X:", anything else is used as a path.
func MountTarget(drive string) string {
	if driveLetter.MatchString(drive) {
		return strings.ToUpper(drive[:1]) + ":"
	}
	return drive
}

func (b *Builder) base() []string {
	if b.configPath == "" {
		return nil
	}
	return []string{"--config=" + b.configPath}
}

// Mount builds the mount invocation for def served at target. cacheDir may
// be empty to let rclone use its own cache location.
func (b *Builder) Mount(def *models.MountDefinition, target, cacheDir string) (Invocation, error) {
	if err := ValidateRemoteName(def.Remote); err != nil {
		return Invocation{}, err
	}
	if strings.HasPrefix(def.RemotePath, "-") || strings.ContainsAny(def.RemotePath, "\x00\r\n") {
		return Invocation{}, fmt.Errorf("%w: remote path %q", ErrInvalidArgument, def.RemotePath)
	}
	if err := validateOperand("mount target", target); err != nil {
		return Invocation{}, err
	}

	size := def.CacheMaxSize
	if size == "" {
		size = models.DefaultCacheMaxSize
	}

	args := b.base()
	args = append(args,
		"mount",
		def.Target(),
		MountTarget(target),
		"--vfs-cache-mode="+string(def.EffectiveCacheMode()),
		"--vfs-cache-max-size="+size,
	)
	if def.ReadOnly {
		args = append(args, "--read-only")
	}
	if cacheDir != "" {
		args = append(args, "--cache-dir="+cacheDir)
	}
	if runtime.GOOS == "windows" {
		args = append(args, "--network-mode")
	}

	return Invocation{Binary: b.binary, Args: args}, nil
}

// Sync builds the invocation for a sync-family task. Stats are emitted as
// JSON log lines on stderr at the given interval.
func (b *Builder) Sync(task *models.SyncTaskDefinition, statsInterval time.Duration) (Invocation, error) {
	if !models.IsValidSyncMode(task.Mode) {
		return Invocation{}, fmt.Errorf("%w: sync mode %q", ErrInvalidArgument, task.Mode)
	}
	if err := validateOperand("source", task.Source); err != nil {
		return Invocation{}, err
	}
	if err := validateOperand("destination", task.Destination); err != nil {
		return Invocation{}, err
	}
	if task.BandwidthLimit != "" && !bwlimitPattern.MatchString(task.BandwidthLimit) {
		return Invocation{}, fmt.Errorf("%w: bandwidth limit %q", ErrInvalidArgument, task.BandwidthLimit)
	}
	if statsInterval <= 0 {
		statsInterval = DefaultStatsInterval
	}

	args := b.base()
	args = append(args,
		string(task.Mode),
		task.Source,
		task.Destination,
		"--use-json-log",
		"--stats="+statsInterval.String(),
		"--stats-log-level=NOTICE",
	)
	if task.BandwidthLimit != "" {
		args = append(args, "--bwlimit="+task.BandwidthLimit)
	}
	if task.DryRun {
		args = append(args, "--dry-run")
	}
	if task.DeleteExcluded {
		args = append(args, "--delete-excluded")
	}
	for _, pattern := range task.Excludes {
		if strings.ContainsAny(pattern, "\x00\r\n") {
			return Invocation{}, fmt.Errorf("%w: exclude pattern %q", ErrInvalidArgument, pattern)
		}
		args = append(args, "--exclude="+pattern)
	}

	return Invocation{Binary: b.binary, Args: args}, nil
}

// Command builds a one-shot invocation such as "version" or "listremotes".
func (b *Builder) Command(args ...string) Invocation {
	return Invocation{Binary: b.binary, Args: append(b.base(), args...)}
}
