package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/GamblerIX/RCloneGUI/internal/discovery"
	"github.com/GamblerIX/RCloneGUI/internal/models"
)

// autoLetters are tried in order for "auto" drives on Windows.
const autoLetters = "DEFGHIJKLMNOPQRSTUVWXYZ"

// driveTable tracks which mount holds which drive. Keys are normalized
// drives ("X" or a path). It is guarded by the manager's state mutex.
type driveTable struct {
	holders map[string]string
	// exists reports whether a drive letter is already present on the system.
	exists func(letter string) bool
}

func newDriveTable() *driveTable {
	return &driveTable{
		holders: make(map[string]string),
		exists:  driveLetterExists,
	}
}

// reserve marks drive as held by name.
func (t *driveTable) reserve(drive, name string) error {
	key := discovery.NormalizeDrive(drive)
	if holder, ok := t.holders[key]; ok && holder != name {
		return fmt.Errorf("%w: %s is held by %s", ErrDriveInUse, key, holder)
	}
	t.holders[key] = name
	return nil
}

// release frees drive if it is held by name.
func (t *driveTable) release(drive, name string) {
	if drive == "" {
		return
	}
	key := discovery.NormalizeDrive(drive)
	if t.holders[key] == name {
		delete(t.holders, key)
	}
}

// holder returns who holds drive.
func (t *driveTable) holder(drive string) (string, bool) {
	name, ok := t.holders[discovery.NormalizeDrive(drive)]
	return name, ok
}

// resolve returns the drive a definition should be served on. Auto drives
// become the first free letter on Windows and <mountRoot>/<name> elsewhere.
func (t *driveTable) resolve(def *models.MountDefinition, mountRoot string) (string, error) {
	if !def.WantsAutoDrive() {
		return discovery.NormalizeDrive(def.Drive), nil
	}
	if runtime.GOOS != "windows" {
		return filepath.Join(mountRoot, def.Name), nil
	}
	for _, r := range autoLetters {
		letter := string(r)
		if _, held := t.holders[letter]; held {
			continue
		}
		if t.exists(letter) {
			continue
		}
		return letter, nil
	}
	return "", ErrNoFreeDrive
}

func driveLetterExists(letter string) bool {
	if runtime.GOOS != "windows" {
		return false
	}
	_, err := os.Stat(letter + `:\`)
	return err == nil
}

// isLetter reports whether a normalized drive is a Windows drive letter.
func isLetter(drive string) bool {
	return len(drive) == 1 && drive[0] >= 'A' && drive[0] <= 'Z'
}
