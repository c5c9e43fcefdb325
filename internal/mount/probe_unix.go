//go:build !windows

package mount

import (
	"os"
	"path/filepath"
	"syscall"
)

// mountpointReady reports whether target is served by a different
// filesystem than its parent directory.
func mountpointReady(target string) bool {
	self, err := os.Stat(target)
	if err != nil {
		return false
	}
	parent, err := os.Stat(filepath.Dir(filepath.Clean(target)))
	if err != nil {
		return false
	}
	a, ok1 := self.Sys().(*syscall.Stat_t)
	b, ok2 := parent.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return false
	}
	return a.Dev != b.Dev
}
