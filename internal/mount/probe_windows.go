//go:build windows

package mount

import "os"

// mountpointReady reports whether the drive or directory is visible.
func mountpointReady(target string) bool {
	if isLetter(target) {
		target += `:\`
	}
	_, err := os.Stat(target)
	return err == nil
}
