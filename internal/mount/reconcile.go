package mount

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/GamblerIX/RCloneGUI/internal/discovery"
	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/google/uuid"
)

// Reconcile merges the configured definitions, the processes this
// application supervises and the rclone mounts found on the system into
// one state per mount. Running it twice against an unchanged system
// publishes nothing the second time.
func (m *Manager) Reconcile(ctx context.Context) error {
	found, err := m.scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan mounts: %w", err)
	}
	m.loadKnown(ctx)
	defs := m.defs.Mounts()

	m.mu.Lock()
	m.syncDefinitionsLocked(defs)
	m.applyFoundLocked(m.dropEndedLocked(found))
	changed := m.refreshKnownLocked()
	known := m.knownListLocked()
	m.mu.Unlock()

	if changed {
		m.saveKnown(ctx, known)
	}
	return nil
}

func (m *Manager) loadKnown(ctx context.Context) {
	m.mu.Lock()
	loaded := m.knownLoaded
	m.mu.Unlock()
	if loaded {
		return
	}
	if m.known == nil {
		m.mu.Lock()
		m.knownLoaded = true
		m.mu.Unlock()
		return
	}

	list, err := m.known.LoadKnownExternal(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to load known external mounts")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range list {
		m.knownMounts[discovery.NormalizeDrive(k.Drive)] = k
	}
	m.knownLoaded = true
	m.logger.Debug().Int("count", len(list)).Msg("loaded known external mounts")
}

// syncDefinitionsLocked adds new definitions, updates changed ones and
// removes deleted ones. A deleted definition whose mount is still active
// stays as an orphan until it is unmounted.
func (m *Manager) syncDefinitionsLocked(defs []models.MountDefinition) {
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		seen[def.Name] = true
		e, ok := m.entries[def.Name]
		if !ok {
			e = &entry{def: def, state: *models.NewMountRuntimeState(&def)}
			e.state.UpdatedAt = m.now()
			m.entries[def.Name] = e
			m.updateGaugesLocked()
			m.bus.Publish(Event{State: e.state, Previous: e.state.Status})
			m.logger.Info().Str("mount", def.Name).Msg("mount definition added")
			continue
		}
		e.def = def
		e.orphaned = false
		if e.state.Origin == models.MountOriginNone {
			m.setLocked(e, func(s *models.MountRuntimeState) {
				s.Remote = def.Target()
			})
		}
	}

	for name, e := range m.entries {
		if e.synthetic || seen[name] || e.orphaned {
			continue
		}
		if e.busy || e.state.Status.Busy() || e.procID != uuid.Nil {
			e.orphaned = true
			m.logger.Info().Str("mount", name).Msg("mount definition removed while active")
			continue
		}
		m.removeLocked(e)
		m.logger.Info().Str("mount", name).Msg("mount definition removed")
	}
}

// applyFoundLocked attributes every discovered process to exactly one
// entry: a self-started mount, a definition, or a synthetic entry.
func (m *Manager) applyFoundLocked(found []discovery.Found) {
	byDrive := make(map[string]discovery.Found, len(found))
	for _, f := range found {
		byDrive[discovery.NormalizeDrive(f.Drive)] = f
	}
	consumed := make(map[string]bool, len(found))

	names := m.sortedNamesLocked()

	// Processes we supervise, and entries with an operation in flight,
	// keep their drive.
	for _, name := range names {
		e := m.entries[name]
		if e.busy || e.state.Origin == models.MountOriginSelf {
			if e.drive != "" {
				consumed[discovery.NormalizeDrive(e.drive)] = true
			}
			if e.state.Drive != "" {
				consumed[discovery.NormalizeDrive(e.state.Drive)] = true
			}
		}
	}

	// Definitions.
	for _, name := range names {
		e, ok := m.entries[name]
		if !ok || e.synthetic || e.busy || e.state.Origin == models.MountOriginSelf {
			continue
		}
		if e.state.Origin == models.MountOriginExternal {
			key := discovery.NormalizeDrive(e.state.Drive)
			if f, ok := byDrive[key]; ok && !consumed[key] {
				consumed[key] = true
				m.setLocked(e, func(s *models.MountRuntimeState) {
					s.Status = models.MountStatusMounted
					s.PID = f.PID
					s.Remote = f.Target()
				})
				continue
			}
			if e.state.Status != models.MountStatusUnmounting {
				m.logger.Info().Str("mount", name).Msg("external mount is gone")
				m.vanishLocked(e, "mount process is no longer running")
			}
			continue
		}
		if e.orphaned {
			continue
		}
		if f, ok := m.matchLocked(e, byDrive, consumed); ok {
			consumed[discovery.NormalizeDrive(f.Drive)] = true
			m.adoptLocked(e, f)
		}
	}

	// Synthetic entries.
	for _, name := range names {
		e, ok := m.entries[name]
		if !ok || !e.synthetic || e.busy {
			continue
		}
		key := discovery.NormalizeDrive(e.def.Drive)
		f, live := byDrive[key]
		if !live || consumed[key] {
			if e.state.Status != models.MountStatusUnmounting {
				m.vanishLocked(e, "mount process is no longer running")
			}
			continue
		}
		consumed[key] = true
		m.setLocked(e, func(s *models.MountRuntimeState) {
			s.Status = models.MountStatusMounted
			s.PID = f.PID
			s.Remote = f.Target()
		})
	}

	// Everything left is an external mount without a definition.
	for _, f := range found {
		key := discovery.NormalizeDrive(f.Drive)
		if consumed[key] {
			continue
		}
		consumed[key] = true
		m.addSyntheticLocked(f)
	}
}

// matchLocked finds the discovered process serving an unattached
// definition. An explicit drive must carry the same remote. Auto drives
// match on the remote, preferring drives seen before.
func (m *Manager) matchLocked(e *entry, byDrive map[string]discovery.Found, consumed map[string]bool) (discovery.Found, bool) {
	def := e.def
	if !def.WantsAutoDrive() {
		key := discovery.NormalizeDrive(def.Drive)
		f, ok := byDrive[key]
		if !ok || consumed[key] || f.Remote != def.Remote {
			return discovery.Found{}, false
		}
		return f, true
	}

	if runtime.GOOS != "windows" {
		key := discovery.NormalizeDrive(filepath.Join(m.cfg.MountRoot, def.Name))
		if f, ok := byDrive[key]; ok && !consumed[key] && f.Remote == def.Remote {
			return f, true
		}
	}

	var candidates []discovery.Found
	for key, f := range byDrive {
		if consumed[key] || f.Target() != def.Target() {
			continue
		}
		candidates = append(candidates, f)
	}
	if len(candidates) == 0 {
		return discovery.Found{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		_, ki := m.knownMounts[discovery.NormalizeDrive(candidates[i].Drive)]
		_, kj := m.knownMounts[discovery.NormalizeDrive(candidates[j].Drive)]
		if ki != kj {
			return ki
		}
		return candidates[i].Drive < candidates[j].Drive
	})
	return candidates[0], true
}

// adoptLocked attaches a discovered process to a definition, taking the
// drive over from a synthetic entry if one holds it.
func (m *Manager) adoptLocked(e *entry, f discovery.Found) {
	drive := discovery.NormalizeDrive(f.Drive)
	if holder, ok := m.drives.holder(drive); ok && holder != e.def.Name {
		if other, exists := m.entries[holder]; exists && other.synthetic {
			m.removeLocked(other)
		}
	}
	if err := m.drives.reserve(drive, e.def.Name); err != nil {
		m.logger.Warn().Err(err).Str("mount", e.def.Name).Msg("cannot attribute external mount")
		return
	}
	e.drive = drive

	m.logger.Info().
		Str("mount", e.def.Name).
		Str("drive", drive).
		Int32("pid", f.PID).
		Msg("attributed external mount")
	m.setLocked(e, func(s *models.MountRuntimeState) {
		s.Status = models.MountStatusMounted
		s.Origin = models.MountOriginExternal
		s.PID = f.PID
		s.Drive = drive
		s.Remote = f.Target()
		s.LastError = ""
	})
}

func (m *Manager) addSyntheticLocked(f discovery.Found) {
	drive := discovery.NormalizeDrive(f.Drive)
	name := models.DiscoveredName(drive)
	if _, exists := m.entries[name]; exists {
		m.logger.Debug().Str("mount", name).Str("drive", drive).Msg("skipping external mount with a clashing name")
		return
	}
	if err := m.drives.reserve(drive, name); err != nil {
		m.logger.Debug().Err(err).Str("drive", drive).Msg("skipping external mount on a reserved drive")
		return
	}

	def := models.MountDefinition{
		Name:       name,
		Remote:     f.Remote,
		RemotePath: f.RemotePath,
		Drive:      drive,
	}
	e := &entry{def: def, synthetic: true, drive: drive, state: *models.NewMountRuntimeState(&def)}
	m.entries[name] = e

	m.logger.Info().
		Str("mount", name).
		Str("remote", f.Target()).
		Int32("pid", f.PID).
		Msg("discovered external mount")
	m.setLocked(e, func(s *models.MountRuntimeState) {
		s.Status = models.MountStatusMounted
		s.Origin = models.MountOriginExternal
		s.PID = f.PID
		s.Drive = drive
	})
}

// refreshKnownLocked rebuilds the known external list from the entries
// attributed to external processes. It reports whether the drive, remote or
// pid of any record changed.
func (m *Manager) refreshKnownLocked() bool {
	now := m.now()
	next := make(map[string]models.KnownExternalMount)
	for _, e := range m.entries {
		st := e.state
		if st.Origin != models.MountOriginExternal || st.Drive == "" {
			continue
		}
		key := discovery.NormalizeDrive(st.Drive)
		k := models.KnownExternalMount{
			Drive:     key,
			Remote:    st.Remote,
			PID:       st.PID,
			FirstSeen: now,
			LastSeen:  now,
		}
		if prev, ok := m.knownMounts[key]; ok && !prev.FirstSeen.IsZero() {
			k.FirstSeen = prev.FirstSeen
		}
		next[key] = k
	}

	changed := len(next) != len(m.knownMounts)
	if !changed {
		for key, k := range next {
			prev, ok := m.knownMounts[key]
			if !ok || prev.Remote != k.Remote || prev.PID != k.PID {
				changed = true
				break
			}
		}
	}
	if changed {
		m.knownMounts = next
	}
	return changed
}

func (m *Manager) knownListLocked() []models.KnownExternalMount {
	out := make([]models.KnownExternalMount, 0, len(m.knownMounts))
	for _, k := range m.knownMounts {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Drive < out[j].Drive })
	return out
}

func (m *Manager) sortedNamesLocked() []string {
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
