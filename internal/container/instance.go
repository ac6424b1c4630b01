// Package container owns the lifecycle of one agent's container and brokers
// all traffic to its in-container worker.
package container

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/IITvamp/cmux/internal/controlplane"
	"github.com/IITvamp/cmux/internal/errdefs"
	"github.com/IITvamp/cmux/internal/logging"
	"github.com/IITvamp/cmux/internal/registry"
	"github.com/IITvamp/cmux/internal/worker"
)

// Provider is the runtime tag this engine writes into container descriptors.
const Provider = "docker"

const (
	workspaceMount = "/root/workspace"
	workspacesDir  = "/workspaces"
	ideStateDir    = "/root/.local/share/ide"

	livenessAttempts = 30
	livenessInterval = 500 * time.Millisecond

	exitLogTail = 300
)

// InstanceInfo is returned by Start.
type InstanceInfo struct {
	BaseURL      string
	WorkspaceURL string
	InstanceID   string
	TaskRunID    string
	Provider     string
}

// Spec configures an instance.
type Spec struct {
	TaskRunID    string
	WorktreePath string
	OriginPath   string
	WorkerImage  string
	GitHubToken  string
	Production   bool
	Theme        string
	RetentionMs  int64
	Team         string
	AuthToken    string
}

// StopOptions controls Stop behavior.
type StopOptions struct {
	// PreserveVolumes keeps the two named volumes so a later start of the
	// same run resumes its state.
	PreserveVolumes bool
}

// Status is the instance's observed status.
type Status struct {
	Running bool
	Info    *InstanceInfo
}

// Instance manages one run container.
type Instance struct {
	spec  Spec
	cli   *Client
	store controlplane.Store
	reg   *registry.Registry
	log   zerolog.Logger

	name string

	mu          sync.Mutex
	containerID string
	workerConn  *worker.Client
	started     bool

	ports  portCache
	events eventBus
	evMu   sync.Mutex

	watchCancel context.CancelFunc
}

// NewInstance creates an instance for one task run.
func NewInstance(spec Spec, cli *Client, store controlplane.Store, reg *registry.Registry) *Instance {
	return &Instance{
		spec:  spec,
		cli:   cli,
		store: store,
		reg:   reg,
		log:   logging.WithRun("instance", spec.TaskRunID),
		name:  Name(spec.TaskRunID),
	}
}

// ContainerName returns the deterministic container name for this run.
func (i *Instance) ContainerName() string { return i.name }

// Subscribe returns a channel of lifecycle events.
func (i *Instance) Subscribe() <-chan Event {
	i.evMu.Lock()
	defer i.evMu.Unlock()
	return i.events.subscribe()
}

func (i *Instance) publish(ev Event) {
	i.evMu.Lock()
	defer i.evMu.Unlock()
	i.events.publish(ev)
}

// Start creates and starts the run container, connects the worker, and
// registers the mapping. Partial failures clean up the temp files they
// created and surface the error.
func (i *Instance) Start(ctx context.Context) (*InstanceInfo, error) {
	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		return nil, errdefs.AlreadyExists("instance for run %s already started", i.spec.TaskRunID)
	}
	i.started = true
	i.mu.Unlock()

	runID := i.spec.TaskRunID

	// Image first: everything else is cheap by comparison and pointless
	// without it.
	if err := i.cli.EnsureImage(ctx, i.spec.WorkerImage); err != nil {
		return nil, err
	}

	// Named volumes are keyed by run id so a restart re-attaches state.
	volumes := map[string]string{
		WorkspaceVolume(runID): workspacesDir,
		IDEVolume(runID):       ideStateDir,
	}
	resumed := true
	for name := range volumes {
		existed, err := i.cli.EnsureVolume(ctx, name)
		if err != nil {
			return nil, err
		}
		resumed = resumed && existed
	}

	if err := i.cli.RemoveStale(ctx, i.name); err != nil {
		return nil, fmt.Errorf("remove stale container: %w", err)
	}

	gitConfigPath, err := FilterGitConfig(runID)
	if err != nil {
		return nil, err
	}

	binds := []string{
		i.spec.WorktreePath + ":" + workspaceMount,
		// The origin is mounted at its own absolute path so the worktree's
		// gitdir pointer resolves inside the container.
		i.spec.OriginPath + ":" + i.spec.OriginPath + ":rw",
	}
	if sshDir := HostSSHDir(); sshDir != "" {
		binds = append(binds, sshDir+":/root/.ssh-host:ro")
	}
	if ghDir := HostGHConfigDir(); ghDir != "" {
		binds = append(binds, ghDir+":/root/.config/gh:ro")
	}
	if gitConfigPath != "" {
		binds = append(binds, gitConfigPath+":/root/.gitconfig:ro")
	}

	env := []string{
		fmt.Sprintf("CMUX_PRODUCTION=%t", i.spec.Production),
		fmt.Sprintf("WORKER_PORT=%d", WorkerPort),
		fmt.Sprintf("CMUX_RESUME=%t", resumed),
	}
	if i.spec.Theme != "" {
		env = append(env, "CMUX_THEME="+i.spec.Theme)
	}
	if i.spec.GitHubToken != "" {
		env = append(env, "GITHUB_TOKEN="+i.spec.GitHubToken)
	}

	containerID, err := i.cli.CreateContainer(ctx, CreateSpec{
		Name:       i.name,
		Image:      i.spec.WorkerImage,
		Env:        env,
		Binds:      binds,
		Volumes:    volumes,
		Privileged: true,
		Labels:     map[string]string{"cmux.task-run-id": runID},
	})
	if err != nil {
		RemoveFilteredGitConfig(runID)
		return nil, err
	}

	if err := i.cli.StartContainer(ctx, containerID); err != nil {
		RemoveFilteredGitConfig(runID)
		_ = i.cli.RemoveContainer(ctx, containerID)
		return nil, fmt.Errorf("start container: %w", err)
	}

	i.mu.Lock()
	i.containerID = containerID
	i.mu.Unlock()

	ports, err := i.ports.get(ctx, i.cli, i.name)
	if err != nil {
		i.log.Warn().Err(err).Msg("reading host ports failed")
	}

	now := time.Now()
	warmExpires := now.Add(time.Duration(i.spec.RetentionMs) * time.Millisecond)
	i.reg.Put(registry.Mapping{
		ContainerName:   i.name,
		InstanceID:      containerID,
		TaskRunID:       runID,
		Team:            i.spec.Team,
		AuthToken:       i.spec.AuthToken,
		Ports:           ports,
		Status:          registry.SessionRunning,
		Volumes:         volumes,
		LastActivityAt:  now,
		WarmExpiresAt:   warmExpires,
		WarmRetentionMs: i.spec.RetentionMs,
	})

	i.persistStarted(ctx, ports, now, warmExpires, volumes)

	i.awaitWorker(ctx, ports)
	i.connectWorker(ctx, ports)
	i.configureGit(ctx)
	i.bootstrapDevcontainer(containerID)

	watchCtx, cancel := context.WithCancel(context.Background())
	i.mu.Lock()
	i.watchCancel = cancel
	i.mu.Unlock()
	go i.watchExit(watchCtx, containerID)

	info := i.info(ports)
	i.publish(Event{Type: EventStarted, RunID: runID})
	i.log.Info().Str("container", i.name).Int("ide_port", ports.IDE).Msg("instance started")
	return info, nil
}

func (i *Instance) info(ports controlplane.PortMap) *InstanceInfo {
	return &InstanceInfo{
		BaseURL:      fmt.Sprintf("http://localhost:%d", ports.IDE),
		WorkspaceURL: fmt.Sprintf("http://localhost:%d/?folder=%s", ports.IDE, workspaceMount),
		InstanceID:   i.containerID,
		TaskRunID:    i.spec.TaskRunID,
		Provider:     Provider,
	}
}

func (i *Instance) persistStarted(ctx context.Context, ports controlplane.PortMap, now, warmExpires time.Time, volumes map[string]string) {
	runID := i.spec.TaskRunID
	if err := i.store.UpdateContainerMeta(ctx, runID, func(c *controlplane.ContainerInfo) {
		c.Provider = Provider
		c.Name = i.name
		c.Volumes = volumes
		c.LastActivityAt = now
		c.WarmExpiresAt = warmExpires
	}); err != nil {
		i.log.Warn().Err(err).Msg("persisting container meta failed")
	}
	if err := i.store.UpdateContainerPorts(ctx, runID, ports); err != nil {
		i.log.Warn().Err(err).Msg("persisting ports failed")
	}
	if err := i.store.UpdateContainerStatus(ctx, runID, controlplane.ContainerRunning, nil); err != nil {
		i.log.Warn().Err(err).Msg("persisting container status failed")
	}
}

// awaitWorker polls the worker liveness endpoint. A final timeout is a
// warning, not a failure: the container may still become useful and the
// reconciler will catch a dead one.
func (i *Instance) awaitWorker(ctx context.Context, ports controlplane.PortMap) {
	if ports.Worker == 0 {
		i.log.Warn().Msg("no worker port published; skipping liveness poll")
		return
	}
	hostPort := fmt.Sprintf("localhost:%d", ports.Worker)
	ok := waitTimeout(ctx, livenessAttempts, livenessInterval, func() bool {
		return worker.ProbeLiveness(ctx, hostPort)
	})
	if !ok {
		i.log.Warn().Str("addr", hostPort).Msg("worker liveness probe timed out; continuing")
	}
}

func (i *Instance) connectWorker(ctx context.Context, ports controlplane.PortMap) {
	if ports.Worker == 0 {
		return
	}
	hostPort := fmt.Sprintf("localhost:%d", ports.Worker)
	conn, err := worker.Dial(ctx, hostPort, func(error) {
		i.publish(Event{Type: EventWorkerDisconnected, RunID: i.spec.TaskRunID})
	})
	if err != nil {
		i.log.Warn().Err(err).Msg("worker socket connect failed")
		return
	}
	i.mu.Lock()
	i.workerConn = conn
	i.mu.Unlock()
	i.publish(Event{Type: EventWorkerConnected, RunID: i.spec.TaskRunID})
}

// configureGit sends the one-shot credential/identity configuration to the
// worker. Best effort: a failure leaves the container usable for anonymous
// operations.
func (i *Instance) configureGit(ctx context.Context) {
	conn := i.WorkerSocket()
	if conn == nil {
		return
	}
	req := worker.GitConfigRequest{
		GitHubToken: i.spec.GitHubToken,
		SSHKeys:     HostSSHKeys(),
	}
	if id := HostGitIdentity(); id != nil {
		req.GitConfig = map[string]string{}
		if id.Name != "" {
			req.GitConfig["user.name"] = id.Name
		}
		if id.Email != "" {
			req.GitConfig["user.email"] = id.Email
		}
	}
	if err := conn.ConfigureGit(ctx, req); err != nil {
		i.log.Warn().Err(err).Msg("configure-git RPC failed")
	}
}

// watchExit waits for the container to stop, then records the exit in the
// registry and control plane and emits an exit event.
func (i *Instance) watchExit(ctx context.Context, containerID string) {
	code, err := i.cli.Wait(ctx, containerID)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		i.log.Debug().Err(err).Msg("container wait ended")
	}

	if logs, logErr := i.cli.Logs(context.Background(), containerID, exitLogTail); logErr == nil && logs != "" {
		i.log.Debug().Int("exit_code", code).Str("tail", lastLines(logs, 20)).Msg("container exited")
	} else {
		i.log.Info().Int("exit_code", code).Msg("container exited")
	}

	i.ports.invalidate()

	now := time.Now()
	i.reg.Update(i.name, func(m *registry.Mapping) {
		m.Status = registry.SessionStopped
		m.StoppedAt = now
	})
	if err := i.store.UpdateContainerStatus(context.Background(), i.spec.TaskRunID, controlplane.ContainerStopped, &now); err != nil {
		i.log.Warn().Err(err).Msg("persisting exit status failed")
	}

	i.publish(Event{Type: EventExited, RunID: i.spec.TaskRunID, ExitCode: code})
}

// Stop stops the container. With PreserveVolumes the named volumes survive
// and the run can be resumed; otherwise both volumes are removed and the
// registry entry is dropped. Temp config files are removed either way.
func (i *Instance) Stop(ctx context.Context, opts StopOptions) error {
	defer RemoveFilteredGitConfig(i.spec.TaskRunID)

	claimed := i.reg.Claim(i.name)
	if claimed {
		defer i.reg.Release(i.name)
	}

	i.mu.Lock()
	containerID := i.containerID
	conn := i.workerConn
	i.workerConn = nil
	cancel := i.watchCancel
	i.watchCancel = nil
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}

	if containerID != "" {
		if err := i.cli.StopContainer(ctx, containerID); err != nil {
			return err
		}
	}
	i.ports.invalidate()

	now := time.Now()
	runID := i.spec.TaskRunID

	if opts.PreserveVolumes {
		i.reg.Update(i.name, func(m *registry.Mapping) {
			m.Status = registry.SessionWarm
			m.StoppedAt = now
			m.WarmExpiresAt = now.Add(time.Duration(m.WarmRetentionMs) * time.Millisecond)
		})
		if err := i.store.UpdateContainerStatus(ctx, runID, controlplane.ContainerWarm, &now); err != nil {
			i.log.Warn().Err(err).Msg("persisting warm status failed")
		}
		return nil
	}

	if containerID != "" {
		if err := i.cli.RemoveContainer(ctx, containerID); err != nil {
			i.log.Warn().Err(err).Msg("removing container failed")
		}
	}
	// Registry entry goes away only after both volumes are gone.
	for _, name := range []string{WorkspaceVolume(runID), IDEVolume(runID)} {
		if err := i.cli.RemoveVolume(ctx, name); err != nil {
			return err
		}
	}
	i.reg.Remove(i.name)
	if err := i.store.UpdateContainerStatus(ctx, runID, controlplane.ContainerTerminated, &now); err != nil {
		i.log.Warn().Err(err).Msg("persisting terminated status failed")
	}
	return nil
}

// GetStatus reports whether the container is running, with info when it is.
func (i *Instance) GetStatus(ctx context.Context) (Status, error) {
	state, err := i.cli.InspectState(ctx, i.name)
	if errdefs.IsKind(err, errdefs.KindNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	if !state.Running {
		return Status{}, nil
	}
	return Status{Running: true, Info: i.info(state.Ports)}, nil
}

// GetLogs returns up to tail lines of container output.
func (i *Instance) GetLogs(ctx context.Context, tail int) (string, error) {
	i.mu.Lock()
	containerID := i.containerID
	i.mu.Unlock()
	if containerID == "" {
		return "", errdefs.NotFound("instance not started")
	}
	return i.cli.Logs(ctx, containerID, tail)
}

// GetActualPort maps a container port to its published host port, 0 when
// unpublished.
func (i *Instance) GetActualPort(ctx context.Context, containerPort int) (int, error) {
	ports, err := i.ports.get(ctx, i.cli, i.name)
	if err != nil {
		return 0, err
	}
	switch containerPort {
	case IDEPort:
		return ports.IDE, nil
	case WorkerPort:
		return ports.Worker, nil
	case ExtensionPort:
		return ports.Extension, nil
	default:
		return 0, nil
	}
}

// WorkerSocket returns the retained worker RPC handle, nil when the worker
// never connected or the socket dropped.
func (i *Instance) WorkerSocket() *worker.Client {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.workerConn != nil && i.workerConn.Connected() {
		return i.workerConn
	}
	return nil
}

// IsWorkerConnected reports whether the worker RPC socket is live.
func (i *Instance) IsWorkerConnected() bool {
	return i.WorkerSocket() != nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
