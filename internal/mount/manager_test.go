package mount

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/discovery"
	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/GamblerIX/RCloneGUI/internal/process"
	"github.com/GamblerIX/RCloneGUI/internal/rclone"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readyScript = `echo "2024/01/01 12:00:00 NOTICE: The service rclone has been started" >&2
exec sleep 30`

type mockScanner struct {
	mu    sync.Mutex
	found []discovery.Found
	err   error
}

func (s *mockScanner) Scan(ctx context.Context) ([]discovery.Found, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]discovery.Found(nil), s.found...), s.err
}

func (s *mockScanner) set(found ...discovery.Found) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.found = found
}

type mockDefs struct {
	mu     sync.Mutex
	mounts []models.MountDefinition
}

func (d *mockDefs) Mounts() []models.MountDefinition {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.MountDefinition(nil), d.mounts...)
}

func (d *mockDefs) set(mounts ...models.MountDefinition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mounts = mounts
}

type memKnownStore struct {
	mu    sync.Mutex
	list  []models.KnownExternalMount
	saves int
}

func (s *memKnownStore) LoadKnownExternal(ctx context.Context) ([]models.KnownExternalMount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.KnownExternalMount(nil), s.list...), nil
}

func (s *memKnownStore) SaveKnownExternal(ctx context.Context, mounts []models.KnownExternalMount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append([]models.KnownExternalMount(nil), mounts...)
	s.saves++
	return nil
}

func (s *memKnownStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rclone")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

type testEnv struct {
	manager *Manager
	sup     *process.Supervisor
	scanner *mockScanner
	defs    *mockDefs
	known   *memKnownStore
	root    string
}

func newTestEnv(t *testing.T, script string, cfg Config, defs ...models.MountDefinition) *testEnv {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))

	binary := "rclone"
	if script != "" {
		binary = writeScript(t, script)
	}
	sup := process.NewSupervisor(process.Config{GracePeriod: 2 * time.Second}, logger)
	t.Cleanup(func() { _ = sup.TerminateAll(context.Background(), false) })

	env := &testEnv{
		sup:     sup,
		scanner: &mockScanner{},
		defs:    &mockDefs{mounts: defs},
		known:   &memKnownStore{},
		root:    t.TempDir(),
	}
	if cfg.MountRoot == "" {
		cfg.MountRoot = env.root
	}
	cfg.CacheDir = filepath.Join(env.root, ".cache")

	env.manager = NewManager(cfg, env.defs, rclone.NewBuilder(binary, ""), sup, env.scanner, env.known, logger)
	env.manager.probe = func(string) bool { return false }
	t.Cleanup(env.manager.Close)
	return env
}

func drain(ch chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestManager_InitialStates(t *testing.T) {
	env := newTestEnv(t, "", Config{},
		models.MountDefinition{Name: "b", Remote: "gdrive"},
		models.MountDefinition{Name: "a", Remote: "s3", RemotePath: "bucket"},
	)

	states := env.manager.States()
	require.Len(t, states, 2)
	assert.Equal(t, "a", states[0].Name)
	assert.Equal(t, "s3:bucket", states[0].Remote)
	for _, s := range states {
		assert.Equal(t, models.MountStatusUnmounted, s.Status)
		assert.Equal(t, models.MountOriginNone, s.Origin)
	}

	_, err := env.manager.State("missing")
	assert.ErrorIs(t, err, ErrUnknownMount)
}

func TestManager_ReconcileDiscoversExternal(t *testing.T) {
	env := newTestEnv(t, "", Config{}, models.MountDefinition{Name: "photos", Remote: "gdrive", RemotePath: "photos"})
	env.scanner.set(discovery.Found{Drive: "/mnt/ext", Remote: "onedrive", RemotePath: "docs", PID: 4242})

	require.NoError(t, env.manager.Reconcile(context.Background()))

	st, err := env.manager.State("_discovered_mnt_ext")
	require.NoError(t, err)
	assert.Equal(t, models.MountStatusMounted, st.Status)
	assert.Equal(t, models.MountOriginExternal, st.Origin)
	assert.Equal(t, int32(4242), st.PID)
	assert.Equal(t, "onedrive:docs", st.Remote)

	photos, err := env.manager.State("photos")
	require.NoError(t, err)
	assert.Equal(t, models.MountStatusUnmounted, photos.Status)

	require.Equal(t, 1, env.known.saveCount())
	require.Len(t, env.known.list, 1)
	assert.Equal(t, "/mnt/ext", env.known.list[0].Drive)

	// a second pass over the same system changes nothing
	ch := env.manager.Subscribe()
	require.NoError(t, env.manager.Reconcile(context.Background()))
	assert.Empty(t, drain(ch))
	assert.Equal(t, 1, env.known.saveCount())

	// the process goes away
	env.scanner.set()
	require.NoError(t, env.manager.Reconcile(context.Background()))
	_, err = env.manager.State("_discovered_mnt_ext")
	assert.ErrorIs(t, err, ErrUnknownMount)
	assert.Equal(t, 2, env.known.saveCount())
	assert.Empty(t, env.known.list)
}

func TestManager_ReconcileAttributesDefinition(t *testing.T) {
	env := newTestEnv(t, "", Config{})
	drive := filepath.Join(env.root, "photos-drive")
	env.defs.set(models.MountDefinition{Name: "photos", Remote: "gdrive", RemotePath: "photos", Drive: drive})
	env.scanner.set(discovery.Found{Drive: drive, Remote: "gdrive", RemotePath: "photos", PID: 77})

	require.NoError(t, env.manager.Reconcile(context.Background()))

	st, err := env.manager.State("photos")
	require.NoError(t, err)
	assert.Equal(t, models.MountStatusMounted, st.Status)
	assert.Equal(t, models.MountOriginExternal, st.Origin)
	assert.Equal(t, int32(77), st.PID)
	assert.Equal(t, drive, st.Drive)
	assert.Len(t, env.manager.States(), 1, "no synthetic entry for an attributed mount")

	env.scanner.set()
	require.NoError(t, env.manager.Reconcile(context.Background()))

	st, err = env.manager.State("photos")
	require.NoError(t, err)
	assert.Equal(t, models.MountStatusUnmounted, st.Status)
	assert.Equal(t, models.MountOriginNone, st.Origin)
	assert.Zero(t, st.PID)
	assert.Equal(t, "mount process is no longer running", st.LastError)
}

func TestManager_ReconcileDifferentRemoteOnDrive(t *testing.T) {
	env := newTestEnv(t, "", Config{})
	drive := filepath.Join(env.root, "shared")
	env.defs.set(models.MountDefinition{Name: "photos", Remote: "gdrive", Drive: drive})
	env.scanner.set(discovery.Found{Drive: drive, Remote: "other", PID: 9})

	require.NoError(t, env.manager.Reconcile(context.Background()))

	st, err := env.manager.State("photos")
	require.NoError(t, err)
	assert.Equal(t, models.MountStatusUnmounted, st.Status)

	err = env.manager.Mount(context.Background(), "photos")
	assert.ErrorIs(t, err, ErrDriveInUse)
}

func TestManager_ReconcileAdoptsSynthetic(t *testing.T) {
	env := newTestEnv(t, "", Config{})
	drive := filepath.Join(env.root, "late")
	env.scanner.set(discovery.Found{Drive: drive, Remote: "gdrive", PID: 12})

	require.NoError(t, env.manager.Reconcile(context.Background()))
	require.Len(t, env.manager.States(), 1)
	synthetic := env.manager.States()[0].Name

	env.defs.set(models.MountDefinition{Name: "late", Remote: "gdrive", Drive: drive})
	ch := env.manager.Subscribe()
	require.NoError(t, env.manager.Reconcile(context.Background()))

	states := env.manager.States()
	require.Len(t, states, 1)
	assert.Equal(t, "late", states[0].Name)
	assert.Equal(t, models.MountOriginExternal, states[0].Origin)

	var removed bool
	for _, ev := range drain(ch) {
		if ev.Removed && ev.State.Name == synthetic {
			removed = true
		}
	}
	assert.True(t, removed)
}

func TestManager_ReconcileScanError(t *testing.T) {
	env := newTestEnv(t, "", Config{})
	env.scanner.err = errors.New("boom")
	err := env.manager.Reconcile(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestManager_MountAndUnmount(t *testing.T) {
	skipOnWindows(t)
	env := newTestEnv(t, readyScript, Config{}, models.MountDefinition{Name: "photos", Remote: "gdrive", RemotePath: "photos"})
	ctx := context.Background()

	require.NoError(t, env.manager.Mount(ctx, "photos"))

	st, err := env.manager.State("photos")
	require.NoError(t, err)
	assert.Equal(t, models.MountStatusMounted, st.Status)
	assert.Equal(t, models.MountOriginSelf, st.Origin)
	assert.NotZero(t, st.PID)
	assert.Equal(t, filepath.Join(env.root, "photos"), st.Drive)
	assert.DirExists(t, filepath.Join(env.root, ".cache", "photos"))

	var already *AlreadyMountedError
	require.ErrorAs(t, env.manager.Mount(ctx, "photos"), &already)
	assert.Equal(t, models.MountStatusMounted, already.Status)
	assert.Len(t, env.sup.Live(), 1, "second mount must not start a process")

	// our own process shows up in a scan and must not become a synthetic entry
	env.scanner.set(discovery.Found{Drive: st.Drive, Remote: "gdrive", RemotePath: "photos", PID: st.PID})
	require.NoError(t, env.manager.Reconcile(ctx))
	assert.Len(t, env.manager.States(), 1)

	require.NoError(t, env.manager.Unmount(ctx, "photos"))
	st, err = env.manager.State("photos")
	require.NoError(t, err)
	assert.Equal(t, models.MountStatusUnmounted, st.Status)
	assert.Equal(t, models.MountOriginNone, st.Origin)
	assert.Zero(t, st.PID)
	assert.Empty(t, env.sup.Live())

	assert.ErrorIs(t, env.manager.Unmount(ctx, "photos"), ErrNotMounted)
}

func TestManager_MountPrematureExit(t *testing.T) {
	skipOnWindows(t)
	env := newTestEnv(t, `echo "CRITICAL: Failed to create file system: password=hunter2 rejected" >&2
exit 1`, Config{}, models.MountDefinition{Name: "photos", Remote: "gdrive"})

	err := env.manager.Mount(context.Background(), "photos")
	require.Error(t, err)

	var exitErr *process.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.NotContains(t, err.Error(), "hunter2")

	st, _ := env.manager.State("photos")
	assert.Equal(t, models.MountStatusError, st.Status)
	assert.Contains(t, st.LastError, "Failed to create file system")
	assert.NotContains(t, st.LastError, "hunter2")
	assert.Zero(t, st.PID)

	// the drive was released, so a retry is allowed
	err = env.manager.Mount(context.Background(), "photos")
	require.ErrorAs(t, err, &exitErr)
}

func TestManager_MountTimeout(t *testing.T) {
	skipOnWindows(t)
	env := newTestEnv(t, "exec sleep 30", Config{ReadyTimeout: 200 * time.Millisecond},
		models.MountDefinition{Name: "slow", Remote: "gdrive"})

	start := time.Now()
	err := env.manager.Mount(context.Background(), "slow")

	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 200*time.Millisecond, timeout.Timeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	st, _ := env.manager.State("slow")
	assert.Equal(t, models.MountStatusError, st.Status)
	assert.Contains(t, st.LastError, "not ready after")
	assert.Empty(t, env.sup.Live())
}

func TestManager_MountReadyByProbe(t *testing.T) {
	skipOnWindows(t)
	env := newTestEnv(t, "exec sleep 30", Config{}, models.MountDefinition{Name: "quiet", Remote: "gdrive"})
	env.manager.probe = func(target string) bool {
		return target == filepath.Join(env.root, "quiet")
	}

	require.NoError(t, env.manager.Mount(context.Background(), "quiet"))
	st, _ := env.manager.State("quiet")
	assert.Equal(t, models.MountStatusMounted, st.Status)
}

func TestManager_UnexpectedExit(t *testing.T) {
	skipOnWindows(t)
	env := newTestEnv(t, `echo "NOTICE: Mount daemon started" >&2
sleep 0.3
echo "ERROR: connection lost" >&2
exit 3`, Config{}, models.MountDefinition{Name: "flaky", Remote: "gdrive"})

	require.NoError(t, env.manager.Mount(context.Background(), "flaky"))

	require.Eventually(t, func() bool {
		st, _ := env.manager.State("flaky")
		return st.Status == models.MountStatusUnmounted
	}, 5*time.Second, 20*time.Millisecond)

	st, _ := env.manager.State("flaky")
	assert.Contains(t, st.LastError, "code 3")
	assert.Contains(t, st.LastError, "connection lost")
	assert.Equal(t, models.MountOriginNone, st.Origin)
}

func TestManager_DriveInUse(t *testing.T) {
	skipOnWindows(t)
	env := newTestEnv(t, readyScript, Config{})
	shared := filepath.Join(env.root, "shared")
	env.defs.set(
		models.MountDefinition{Name: "one", Remote: "gdrive", Drive: shared},
		models.MountDefinition{Name: "two", Remote: "onedrive", Drive: shared},
	)
	require.NoError(t, env.manager.Reconcile(context.Background()))

	require.NoError(t, env.manager.Mount(context.Background(), "one"))
	err := env.manager.Mount(context.Background(), "two")
	assert.ErrorIs(t, err, ErrDriveInUse)

	st, _ := env.manager.State("two")
	assert.Equal(t, models.MountStatusError, st.Status)
	assert.Len(t, env.sup.Live(), 1)
}

func TestManager_MountAll(t *testing.T) {
	skipOnWindows(t)
	env := newTestEnv(t, readyScript, Config{},
		models.MountDefinition{Name: "good", Remote: "gdrive", AutoMount: true},
		models.MountDefinition{Name: "bad", Remote: "-bad"},
	)

	results := env.manager.MountAll(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, "bad", results[0].Name)
	assert.ErrorIs(t, results[0].Err, rclone.ErrInvalidArgument)
	assert.Equal(t, "good", results[1].Name)
	assert.NoError(t, results[1].Err)

	// nothing left to auto-mount
	assert.Empty(t, env.manager.AutoMount(context.Background()))

	results = env.manager.UnmountAll(context.Background())
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Empty(t, env.sup.Live())
}

func TestManager_RemovedDefinitionWhileMounted(t *testing.T) {
	skipOnWindows(t)
	env := newTestEnv(t, readyScript, Config{}, models.MountDefinition{Name: "gone", Remote: "gdrive"})
	ctx := context.Background()
	require.NoError(t, env.manager.Mount(ctx, "gone"))

	env.defs.set()
	require.NoError(t, env.manager.Reconcile(ctx))

	st, err := env.manager.State("gone")
	require.NoError(t, err)
	assert.Equal(t, models.MountStatusMounted, st.Status)

	require.NoError(t, env.manager.Unmount(ctx, "gone"))
	_, err = env.manager.State("gone")
	assert.ErrorIs(t, err, ErrUnknownMount)
}

func TestManager_AwaitSettled(t *testing.T) {
	env := newTestEnv(t, "", Config{}, models.MountDefinition{Name: "idle", Remote: "gdrive"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	st, err := env.manager.AwaitSettled(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, models.MountStatusUnmounted, st.Status)

	_, err = env.manager.AwaitSettled(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownMount)
}

type staticLister struct {
	mu    sync.Mutex
	infos []discovery.ProcessInfo
	calls int
}

func (l *staticLister) List(ctx context.Context) ([]discovery.ProcessInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return append([]discovery.ProcessInfo(nil), l.infos...), nil
}

func TestManager_UnmountExternalNotReadoptedFromCachedScan(t *testing.T) {
	skipOnWindows(t)
	logger := zerolog.New(zerolog.NewTestWriter(t))

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	reaped := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(reaped)
	}()
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	pid := int32(cmd.Process.Pid)

	// the process list keeps reporting the pid, as a scan cached before the
	// unmount would
	lister := &staticLister{infos: []discovery.ProcessInfo{{
		PID:  pid,
		Name: "rclone",
		Args: []string{"rclone", "mount", "gdrive:", "X:"},
	}}}
	disc := discovery.NewDiscovererWithLister(lister, discovery.Config{MinInterval: time.Hour}, logger)

	sup := process.NewSupervisor(process.Config{GracePeriod: 2 * time.Second}, logger)
	m := NewManager(Config{MountRoot: t.TempDir()}, &mockDefs{}, rclone.NewBuilder("rclone", ""), sup, disc, nil, logger)
	t.Cleanup(m.Close)
	ctx := context.Background()

	require.NoError(t, m.Reconcile(ctx))
	st, err := m.State("_discovered_X")
	require.NoError(t, err)
	require.Equal(t, models.MountStatusMounted, st.Status)
	require.Equal(t, pid, st.PID)

	require.NoError(t, m.Unmount(ctx, "_discovered_X"))
	select {
	case <-reaped:
	case <-time.After(5 * time.Second):
		t.Fatal("external mount process did not exit")
	}

	require.NoError(t, m.Reconcile(ctx))
	_, err = m.State("_discovered_X")
	assert.ErrorIs(t, err, ErrUnknownMount, "stopped mount must not be adopted again")
	assert.Equal(t, 2, lister.calls, "unmount must force a fresh scan")
}

func TestManager_DropsEndedPIDsUntilExpiry(t *testing.T) {
	env := newTestEnv(t, "", Config{})
	now := time.Now()
	env.manager.now = func() time.Time { return now }
	drive := filepath.Join(env.root, "ext")
	env.scanner.set(discovery.Found{Drive: drive, Remote: "gdrive", PID: 31337})

	env.manager.mu.Lock()
	env.manager.markEndedLocked(31337)
	env.manager.mu.Unlock()

	require.NoError(t, env.manager.Reconcile(context.Background()))
	assert.Empty(t, env.manager.States())

	// a pid reused long after the stop is discovered again
	now = now.Add(endedPIDTTL + time.Second)
	require.NoError(t, env.manager.Reconcile(context.Background()))
	assert.Len(t, env.manager.States(), 1)
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to models.MountStatus
		origin   models.MountOrigin
		want     bool
	}{
		{models.MountStatusUnmounted, models.MountStatusMounting, models.MountOriginSelf, true},
		{models.MountStatusMounting, models.MountStatusMounted, models.MountOriginSelf, true},
		{models.MountStatusMounted, models.MountStatusUnmounting, models.MountOriginSelf, true},
		{models.MountStatusUnmounting, models.MountStatusUnmounted, models.MountOriginNone, true},
		{models.MountStatusError, models.MountStatusMounting, models.MountOriginSelf, true},
		{models.MountStatusMounted, models.MountStatusMounting, models.MountOriginSelf, false},
		{models.MountStatusUnmounted, models.MountStatusUnmounting, models.MountOriginNone, false},
		{models.MountStatusMounted, models.MountStatusUnmounted, models.MountOriginNone, false},
		{models.MountStatusUnmounting, models.MountStatusMounted, models.MountOriginExternal, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, validTransition(tt.from, tt.to, tt.origin))
		})
	}
}
