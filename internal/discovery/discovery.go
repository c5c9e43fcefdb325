// Package discovery finds rclone mount processes that are already running
// on the system.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/time/rate"
)

// DefaultMinInterval is the minimum time between two OS process scans.
const DefaultMinInterval = 5 * time.Second

// Found is one mount-serving process.
type Found struct {
	Drive      string `json:"drive"`
	Remote     string `json:"remote"`
	RemotePath string `json:"remote_path,omitempty"`
	PID        int32  `json:"pid"`
}

// Target returns the remote target, e.g. "gdrive:photos".
func (f Found) Target() string {
	return f.Remote + ":" + f.RemotePath
}

// ProcessInfo is a raw OS process entry. Err is set when the argument list
// could not be read.
type ProcessInfo struct {
	PID     int32
	Name    string
	Args    []string
	Cmdline string
	Err     error
}

// ProcessLister enumerates candidate processes.
type ProcessLister interface {
	List(ctx context.Context) ([]ProcessInfo, error)
}

// SystemLister lists OS processes through gopsutil.
type SystemLister struct{}

// List returns every process whose name looks like rclone.
func (SystemLister) List(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var infos []ProcessInfo
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || !IsRcloneExecutable(name) {
			continue
		}
		info := ProcessInfo{PID: p.Pid, Name: name}
		info.Args, info.Err = p.CmdlineSliceWithContext(ctx)
		if info.Err != nil || len(info.Args) == 0 {
			info.Cmdline, _ = p.CmdlineWithContext(ctx)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Config holds discoverer settings.
type Config struct {
	// MinInterval throttles OS scans; calls inside it reuse the last result.
	MinInterval time.Duration
}

// DefaultConfig returns the default discoverer configuration.
func DefaultConfig() Config {
	return Config{MinInterval: DefaultMinInterval}
}

// Discoverer scans the process list for rclone mounts.
type Discoverer struct {
	lister  ProcessLister
	limiter *rate.Limiter

	mu      sync.Mutex
	last    []Found
	scanned bool

	logger zerolog.Logger
}

// NewDiscoverer creates a Discoverer backed by the OS process list.
func NewDiscoverer(cfg Config, logger zerolog.Logger) *Discoverer {
	return NewDiscovererWithLister(SystemLister{}, cfg, logger)
}

// NewDiscovererWithLister creates a Discoverer with a custom process source.
func NewDiscovererWithLister(lister ProcessLister, cfg Config, logger zerolog.Logger) *Discoverer {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Discoverer{
		lister:  lister,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With().Str("component", "discovery").Logger(),
	}
}

// Scan returns a point-in-time snapshot of running rclone mounts. Within
// the minimum interval the previous snapshot is returned. Entries that
// cannot be parsed are skipped.
func (d *Discoverer) Scan(ctx context.Context) ([]Found, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.scanned && !d.limiter.Allow() {
		return cloneFound(d.last), nil
	}
	if !d.scanned {
		d.limiter.Allow()
	}

	infos, err := d.lister.List(ctx)
	if err != nil {
		return nil, err
	}

	byDrive := make(map[string]Found)
	for _, info := range infos {
		found, err := parseInfo(info)
		if err != nil {
			var discErr *DiscoveryError
			if errors.As(err, &discErr) && discErr.Reason == "no mount subcommand" {
				continue
			}
			d.logger.Debug().Err(err).Msg("skipping process")
			continue
		}
		if prev, ok := byDrive[found.Drive]; ok {
			d.logger.Warn().
				Str("drive", found.Drive).
				Int32("pid", found.PID).
				Int32("other_pid", prev.PID).
				Msg("multiple rclone processes serve the same drive")
			if prev.PID < found.PID {
				continue
			}
		}
		byDrive[found.Drive] = found
	}

	result := make([]Found, 0, len(byDrive))
	for _, f := range byDrive {
		result = append(result, f)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Drive < result[j].Drive })

	d.last = result
	d.scanned = true

	d.logger.Debug().Int("mounts", len(result)).Msg("process scan complete")
	return cloneFound(result), nil
}

// Invalidate drops the cached snapshot so the next Scan reads the OS
// process list regardless of the minimum interval.
func (d *Discoverer) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanned = false
	d.last = nil
}

func parseInfo(info ProcessInfo) (Found, error) {
	if len(info.Args) > 0 {
		return ParseArgs(info.PID, info.Args)
	}
	if strings.TrimSpace(info.Cmdline) != "" {
		return ParseCommandLine(info.PID, info.Cmdline)
	}
	reason := "argument list not visible"
	if info.Err != nil {
		reason = fmt.Sprintf("argument list not visible: %v", info.Err)
	}
	return Found{}, &DiscoveryError{PID: info.PID, Reason: reason}
}

func cloneFound(in []Found) []Found {
	out := make([]Found, len(in))
	copy(out, in)
	return out
}
