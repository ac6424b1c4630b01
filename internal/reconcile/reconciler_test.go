package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IITvamp/cmux/internal/container"
	"github.com/IITvamp/cmux/internal/controlplane"
	"github.com/IITvamp/cmux/internal/registry"
)

// fakeRuntime is an in-memory container runtime.
type fakeRuntime struct {
	containers map[string]*container.State // name -> state
	volumes    map[string]bool
	failVolume string // volume name whose removal fails
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*container.State),
		volumes:    make(map[string]bool),
	}
}

func (f *fakeRuntime) ListManaged(ctx context.Context) ([]container.State, error) {
	var out []container.State
	for _, c := range f.containers {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeRuntime) InspectState(ctx context.Context, nameOrID string) (*container.State, error) {
	if c, ok := f.containers[nameOrID]; ok {
		copied := *c
		return &copied, nil
	}
	return nil, errNotFound(nameOrID)
}

func (f *fakeRuntime) StopContainer(ctx context.Context, id string) error {
	if c, ok := f.containers[id]; ok {
		c.Running = false
	}
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) RemoveVolume(ctx context.Context, name string) error {
	if name == f.failVolume {
		return errNotFound(name)
	}
	delete(f.volumes, name)
	return nil
}

func errNotFound(what string) error {
	return &notFoundErr{what}
}

type notFoundErr struct{ what string }

func (e *notFoundErr) Error() string { return e.what + " not found" }

func openStore(t *testing.T) *controlplane.BoltStore {
	t.Helper()
	store, err := controlplane.OpenBolt(filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestReconciler(t *testing.T) (*Reconciler, *fakeRuntime, *controlplane.BoltStore, *registry.Registry) {
	runtime := newFakeRuntime()
	store := openStore(t)
	reg := registry.New()
	r := New(runtime, store, reg)
	return r, runtime, store, reg
}

func seedRun(t *testing.T, store *controlplane.BoltStore, runID string, status controlplane.ContainerStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateTaskRun(ctx, &controlplane.TaskRun{ID: runID, TaskID: "t", Status: controlplane.RunRunning}))
	require.NoError(t, store.UpdateContainerMeta(ctx, runID, func(c *controlplane.ContainerInfo) {
		c.Provider = container.Provider
		c.Name = container.Name(runID)
		c.Status = status
	}))
}

func TestSweep_UpdatesLiveContainers(t *testing.T) {
	r, runtime, store, reg := newTestReconciler(t)
	ctx := context.Background()

	runID := "run-live-000001"
	name := container.Name(runID)
	seedRun(t, store, runID, controlplane.ContainerStarting)

	runtime.containers[name] = &container.State{
		ID:      "cid-1",
		Name:    name,
		Running: true,
		Ports:   controlplane.PortMap{IDE: 41001, Worker: 41002, Extension: 41003},
	}
	reg.Put(registry.Mapping{ContainerName: name, TaskRunID: runID, Status: registry.SessionStarting})

	r.sweep(ctx)

	m, ok := reg.Get(name)
	require.True(t, ok)
	assert.Equal(t, registry.SessionRunning, m.Status)
	assert.Equal(t, 41001, m.Ports.IDE)

	run, err := store.GetTaskRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, controlplane.ContainerRunning, run.Container.Status)
	assert.Equal(t, 41002, run.Container.Ports.Worker)
}

func TestSweep_MarksVanishedRegistryEntries(t *testing.T) {
	r, _, _, reg := newTestReconciler(t)

	reg.Put(registry.Mapping{ContainerName: "cmux-gone00000000", TaskRunID: "gone", Status: registry.SessionRunning})

	r.sweep(context.Background())

	m, ok := reg.Get("cmux-gone00000000")
	require.True(t, ok)
	assert.Equal(t, registry.SessionStopped, m.Status)
	assert.False(t, m.StoppedAt.IsZero())
}

func TestSweep_OrphanSweep(t *testing.T) {
	r, _, store, reg := newTestReconciler(t)
	ctx := context.Background()

	// Control plane says running; the runtime has no such container.
	runID := "run-orphan-00001"
	seedRun(t, store, runID, controlplane.ContainerRunning)

	r.sweep(ctx)

	run, err := store.GetTaskRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, controlplane.ContainerStopped, run.Container.Status)
	assert.False(t, run.Container.StoppedAt.IsZero())
	assert.Equal(t, controlplane.RunStopped, run.Status)

	_, ok := reg.Get(container.Name(runID))
	assert.False(t, ok, "registry entry must be gone after orphan sweep")
}

func TestRetention_TTLExpiry(t *testing.T) {
	r, runtime, store, reg := newTestReconciler(t)
	ctx := context.Background()

	runID := "run-ttl-0000001"
	name := container.Name(runID)
	seedRun(t, store, runID, controlplane.ContainerWarm)

	volWorkspace := container.WorkspaceVolume(runID)
	volIDE := container.IDEVolume(runID)
	runtime.containers[name] = &container.State{ID: "cid", Name: name, Running: false}
	runtime.volumes[volWorkspace] = true
	runtime.volumes[volIDE] = true

	reg.Put(registry.Mapping{
		ContainerName:   name,
		TaskRunID:       runID,
		Status:          registry.SessionWarm,
		Volumes:         map[string]string{volWorkspace: "/workspaces", volIDE: "/ide"},
		LastActivityAt:  time.Now().Add(-2 * time.Hour),
		WarmRetentionMs: time.Hour.Milliseconds(),
	})

	settings := controlplane.DefaultSettings()
	r.enforceRetention(ctx, settings)

	_, ok := reg.Get(name)
	assert.False(t, ok, "registry entry removed after volumes")
	assert.Empty(t, runtime.volumes)
	assert.NotContains(t, runtime.containers, name)

	run, err := store.GetTaskRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, controlplane.ContainerTerminated, run.Container.Status)
}

func TestRetention_KeepsEntryWhenVolumeRemovalFails(t *testing.T) {
	r, runtime, store, reg := newTestReconciler(t)
	ctx := context.Background()

	runID := "run-ttl-0000002"
	name := container.Name(runID)
	seedRun(t, store, runID, controlplane.ContainerWarm)

	volWorkspace := container.WorkspaceVolume(runID)
	runtime.containers[name] = &container.State{ID: "cid", Name: name}
	runtime.volumes[volWorkspace] = true
	runtime.failVolume = volWorkspace

	reg.Put(registry.Mapping{
		ContainerName:   name,
		TaskRunID:       runID,
		Status:          registry.SessionWarm,
		Volumes:         map[string]string{volWorkspace: "/workspaces"},
		LastActivityAt:  time.Now().Add(-2 * time.Hour),
		WarmRetentionMs: time.Hour.Milliseconds(),
	})

	r.enforceRetention(ctx, controlplane.DefaultSettings())

	// Volume removal failed: the entry stays for the next sweep.
	_, ok := reg.Get(name)
	assert.True(t, ok)
}

func TestRetention_MaxRunningCap(t *testing.T) {
	r, runtime, store, reg := newTestReconciler(t)
	ctx := context.Background()

	settings := controlplane.DefaultSettings()
	settings.MaxRunningContainers = 1
	settings.ReviewPeriodMinutes = 0
	require.NoError(t, store.UpdateSettings(ctx, settings))

	for _, runID := range []string{"run-cap1-000001", "run-cap2-000002"} {
		name := container.Name(runID)
		seedRun(t, store, runID, controlplane.ContainerRunning)
		runtime.containers[name] = &container.State{ID: runID, Name: name, Running: true}
		reg.Put(registry.Mapping{ContainerName: name, TaskRunID: runID, Status: registry.SessionRunning})
	}
	// Make the first one the oldest idle.
	require.NoError(t, store.UpdateContainerMeta(ctx, "run-cap1-000001", func(c *controlplane.ContainerInfo) {
		c.LastActivityAt = time.Now().Add(-3 * time.Hour)
	}))
	require.NoError(t, store.UpdateContainerMeta(ctx, "run-cap2-000002", func(c *controlplane.ContainerInfo) {
		c.LastActivityAt = time.Now()
	}))

	r.enforceRetention(ctx, settings)

	first, _ := reg.Get(container.Name("run-cap1-000001"))
	second, _ := reg.Get(container.Name("run-cap2-000002"))
	assert.Equal(t, registry.SessionWarm, first.Status, "oldest idle stopped first")
	assert.Equal(t, registry.SessionRunning, second.Status)
	assert.Equal(t, 1, reg.CountRunning())
}
