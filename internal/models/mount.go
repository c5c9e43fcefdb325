// Package models holds the mount and sync data types shared across RCloneGUI.
package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// CacheMode is the rclone VFS cache mode for a mount.
type CacheMode string

const (
	// CacheModeOff disables the VFS cache.
	CacheModeOff CacheMode = "off"
	// CacheModeMinimal caches only files opened for read and write.
	CacheModeMinimal CacheMode = "minimal"
	// CacheModeWrites buffers writes locally before upload.
	CacheModeWrites CacheMode = "writes"
	// CacheModeFull caches all reads and writes.
	CacheModeFull CacheMode = "full"
)

// ValidCacheModes returns all valid cache modes.
func ValidCacheModes() []CacheMode {
	return []CacheMode{CacheModeOff, CacheModeMinimal, CacheModeWrites, CacheModeFull}
}

// IsValidCacheMode checks if the given cache mode is valid.
func IsValidCacheMode(m CacheMode) bool {
	for _, valid := range ValidCacheModes() {
		if m == valid {
			return true
		}
	}
	return false
}

// CacheDirMode selects where rclone keeps its VFS cache.
type CacheDirMode string

const (
	// CacheDirDefault places the cache under the application data directory.
	CacheDirDefault CacheDirMode = "default"
	// CacheDirSystem lets rclone pick its own cache location.
	CacheDirSystem CacheDirMode = "system"
	// CacheDirCustom uses the configured path.
	CacheDirCustom CacheDirMode = "custom"
)

// CacheDirPolicy describes the cache directory for a mount.
type CacheDirPolicy struct {
	Mode CacheDirMode `yaml:"mode" json:"mode"`
	Path string       `yaml:"path,omitempty" json:"path,omitempty"`
}

// DriveAuto requests that the manager picks a free drive or mount point.
const DriveAuto = "auto"

// DefaultCacheMaxSize is used when a definition leaves the cache size empty.
const DefaultCacheMaxSize = "10G"

var cacheSizePattern = regexp.MustCompile(`^\d+[KMGT]?$`)

// MountDefinition is the configured intent for a single mount.
type MountDefinition struct {
	Name         string         `yaml:"name" json:"name"`
	Remote       string         `yaml:"remote" json:"remote"`
	RemotePath   string         `yaml:"remote_path,omitempty" json:"remote_path,omitempty"`
	Drive        string         `yaml:"drive" json:"drive"`
	ReadOnly     bool           `yaml:"read_only" json:"read_only"`
	CacheMode    CacheMode      `yaml:"cache_mode" json:"cache_mode"`
	CacheMaxSize string         `yaml:"cache_max_size,omitempty" json:"cache_max_size,omitempty"`
	CacheDir     CacheDirPolicy `yaml:"cache_dir,omitempty" json:"cache_dir"`
	AutoMount    bool           `yaml:"auto_mount" json:"auto_mount"`
}

// Validate checks the definition for obviously invalid values.
func (d *MountDefinition) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	} else if strings.ContainsAny(d.Name, `/\`) || strings.Contains(d.Name, "..") {
		errs = append(errs, fmt.Errorf("name %q must not contain path separators", d.Name))
	}
	if strings.HasPrefix(d.Name, DiscoveredPrefix) {
		errs = append(errs, fmt.Errorf("name %q uses the reserved %s prefix", d.Name, DiscoveredPrefix))
	}
	if d.Remote == "" {
		errs = append(errs, errors.New("remote is required"))
	}
	if d.CacheMode != "" && !IsValidCacheMode(d.CacheMode) {
		errs = append(errs, fmt.Errorf("invalid cache mode %q", d.CacheMode))
	}
	if d.CacheMaxSize != "" && !cacheSizePattern.MatchString(d.CacheMaxSize) {
		errs = append(errs, fmt.Errorf("invalid cache max size %q", d.CacheMaxSize))
	}
	switch d.CacheDir.Mode {
	case "", CacheDirDefault, CacheDirSystem:
	case CacheDirCustom:
		if d.CacheDir.Path == "" {
			errs = append(errs, errors.New("custom cache dir requires a path"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid cache dir mode %q", d.CacheDir.Mode))
	}
	return errors.Join(errs...)
}

// Target returns the rclone remote target, e.g. "gdrive:photos".
func (d *MountDefinition) Target() string {
	return d.Remote + ":" + d.RemotePath
}

// WantsAutoDrive reports whether the drive should be picked by the manager.
func (d *MountDefinition) WantsAutoDrive() bool {
	return d.Drive == "" || strings.EqualFold(d.Drive, DriveAuto)
}

// EffectiveCacheMode returns the cache mode, falling back to full.
func (d *MountDefinition) EffectiveCacheMode() CacheMode {
	if d.CacheMode == "" {
		return CacheModeFull
	}
	return d.CacheMode
}

// MountStatus is the lifecycle state of a mount.
type MountStatus string

const (
	// MountStatusUnmounted indicates no process serves the mount.
	MountStatusUnmounted MountStatus = "unmounted"
	// MountStatusMounting indicates the process was started and is not ready yet.
	MountStatusMounting MountStatus = "mounting"
	// MountStatusMounted indicates the mount is being served.
	MountStatusMounted MountStatus = "mounted"
	// MountStatusUnmounting indicates termination has been requested.
	MountStatusUnmounting MountStatus = "unmounting"
	// MountStatusError indicates the last operation failed.
	MountStatusError MountStatus = "error"
)

// Busy reports whether a process is or may be attached to the mount.
func (s MountStatus) Busy() bool {
	return s == MountStatusMounting || s == MountStatusMounted || s == MountStatusUnmounting
}

// MountOrigin records who started the process serving a mount.
type MountOrigin string

const (
	// MountOriginSelf means this application started the process.
	MountOriginSelf MountOrigin = "self-started"
	// MountOriginExternal means the process was found on the system.
	MountOriginExternal MountOrigin = "external"
	// MountOriginNone means no process is attached.
	MountOriginNone MountOrigin = "none"
)

// DiscoveredPrefix prefixes the names of mounts found without a definition.
const DiscoveredPrefix = "_discovered_"

var pathSeparators = strings.NewReplacer("/", "_", `\`, "_", ":", "_")

// DiscoveredName returns the synthetic definition name for an external
// mount. Drive letters are upper-cased; mount point paths are flattened so
// the name stays a single path segment.
func DiscoveredName(drive string) string {
	d := strings.TrimSuffix(drive, ":")
	if len(d) == 1 {
		return DiscoveredPrefix + strings.ToUpper(d)
	}
	return DiscoveredPrefix + strings.Trim(pathSeparators.Replace(d), "_")
}

// MountRuntimeState is the live view of a mount.
type MountRuntimeState struct {
	Name      string      `json:"name"`
	Drive     string      `json:"drive,omitempty"`
	Remote    string      `json:"remote,omitempty"`
	Status    MountStatus `json:"status"`
	Origin    MountOrigin `json:"origin"`
	PID       int32       `json:"pid,omitempty"`
	LastError string      `json:"last_error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// NewMountRuntimeState returns the initial state for a definition.
func NewMountRuntimeState(def *MountDefinition) *MountRuntimeState {
	return &MountRuntimeState{
		Name:      def.Name,
		Remote:    def.Target(),
		Status:    MountStatusUnmounted,
		Origin:    MountOriginNone,
		UpdatedAt: time.Now(),
	}
}

// KnownExternalMount is a persisted record of a mount this application
// did not start, kept so restarts can attribute it again.
type KnownExternalMount struct {
	Drive     string    `json:"drive"`
	Remote    string    `json:"remote"`
	PID       int32     `json:"pid"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}
