package mount

import (
	"errors"
	"fmt"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/models"
)

// ErrUnknownMount is returned for a name with no definition or state.
var ErrUnknownMount = errors.New("unknown mount")

// ErrNotMounted is returned by Unmount when nothing is mounted.
var ErrNotMounted = errors.New("not mounted")

// ErrDriveInUse is returned when the requested drive is held by another mount.
var ErrDriveInUse = errors.New("drive in use")

// ErrNoFreeDrive is returned when no drive letter is free for an auto mount.
var ErrNoFreeDrive = errors.New("no free drive letter")

// AlreadyMountedError is returned by Mount unless the mount is Unmounted or
// in Error.
type AlreadyMountedError struct {
	Name   string
	Status models.MountStatus
}

func (e *AlreadyMountedError) Error() string {
	return fmt.Sprintf("mount %s is already %s", e.Name, e.Status)
}

// TimeoutError is returned when rclone did not report readiness in time.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
	Tail    []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mount %s not ready after %s", e.Name, e.Timeout)
}
