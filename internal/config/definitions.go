package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Definitions is the user's declared mounts and sync tasks.
type Definitions struct {
	Mounts    []models.MountDefinition    `yaml:"mounts"`
	SyncTasks []models.SyncTaskDefinition `yaml:"sync_tasks"`
}

// Validate checks every definition and rejects duplicate names.
func (d *Definitions) Validate() error {
	var errs []error

	mountNames := make(map[string]bool, len(d.Mounts))
	for i := range d.Mounts {
		m := &d.Mounts[i]
		if err := m.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("mount %q: %w", m.Name, err))
		}
		if mountNames[m.Name] {
			errs = append(errs, fmt.Errorf("duplicate mount name %q", m.Name))
		}
		mountNames[m.Name] = true
	}

	taskNames := make(map[string]bool, len(d.SyncTasks))
	for i := range d.SyncTasks {
		t := &d.SyncTasks[i]
		if err := t.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sync task %q: %w", t.Name, err))
		}
		if taskNames[t.Name] {
			errs = append(errs, fmt.Errorf("duplicate sync task name %q", t.Name))
		}
		taskNames[t.Name] = true
	}

	return errors.Join(errs...)
}

// LoadDefinitions reads definitions from path. A missing file yields an
// empty set.
func LoadDefinitions(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Definitions{}, nil
		}
		return nil, fmt.Errorf("read definitions file: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse definitions file: %w", err)
	}
	if err := defs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}
	return &defs, nil
}

// Save writes the definitions to path.
func (d *Definitions) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create definitions directory: %w", err)
	}
	data, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal definitions: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write definitions file: %w", err)
	}
	return nil
}

// DefinitionFile serves the definitions loaded from a file and reloads
// them on request. It is safe for concurrent use.
type DefinitionFile struct {
	path string

	mu   sync.RWMutex
	defs *Definitions

	logger zerolog.Logger
}

// OpenDefinitions loads the definitions file at path.
func OpenDefinitions(path string, logger zerolog.Logger) (*DefinitionFile, error) {
	defs, err := LoadDefinitions(path)
	if err != nil {
		return nil, err
	}
	f := &DefinitionFile{
		path:   path,
		defs:   defs,
		logger: logger.With().Str("component", "definitions").Logger(),
	}
	f.logger.Info().
		Str("path", path).
		Int("mounts", len(defs.Mounts)).
		Int("sync_tasks", len(defs.SyncTasks)).
		Msg("definitions loaded")
	return f, nil
}

// Path returns the definitions file path.
func (f *DefinitionFile) Path() string {
	return f.path
}

// Reload re-reads the file. On error the previous definitions stay in
// effect. It reports whether anything changed.
func (f *DefinitionFile) Reload() (bool, error) {
	defs, err := LoadDefinitions(f.path)
	if err != nil {
		f.logger.Warn().Err(err).Msg("keeping previous definitions")
		return false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if reflect.DeepEqual(normalize(f.defs), normalize(defs)) {
		return false, nil
	}
	f.defs = defs
	f.logger.Info().
		Int("mounts", len(defs.Mounts)).
		Int("sync_tasks", len(defs.SyncTasks)).
		Msg("definitions reloaded")
	return true, nil
}

// Mounts returns a copy of the mount definitions.
func (f *DefinitionFile) Mounts() []models.MountDefinition {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.MountDefinition, len(f.defs.Mounts))
	copy(out, f.defs.Mounts)
	return out
}

// SyncTasks returns a copy of the sync task definitions.
func (f *DefinitionFile) SyncTasks() []models.SyncTaskDefinition {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.SyncTaskDefinition, len(f.defs.SyncTasks))
	for i, t := range f.defs.SyncTasks {
		t.Excludes = append([]string(nil), t.Excludes...)
		out[i] = t
	}
	return out
}

// Mount returns the named mount definition.
func (f *DefinitionFile) Mount(name string) (models.MountDefinition, bool) {
	for _, m := range f.Mounts() {
		if m.Name == name {
			return m, true
		}
	}
	return models.MountDefinition{}, false
}

// SyncTask returns the named sync task definition.
func (f *DefinitionFile) SyncTask(name string) (models.SyncTaskDefinition, bool) {
	for _, t := range f.SyncTasks() {
		if t.Name == name {
			return t, true
		}
	}
	return models.SyncTaskDefinition{}, false
}

// normalize treats nil and empty slices alike for change detection.
func normalize(d *Definitions) Definitions {
	out := Definitions{}
	if d == nil {
		return out
	}
	if len(d.Mounts) > 0 {
		out.Mounts = d.Mounts
	}
	if len(d.SyncTasks) > 0 {
		out.SyncTasks = d.SyncTasks
	}
	return out
}
