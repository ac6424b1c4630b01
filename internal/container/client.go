package container

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/IITvamp/cmux/internal/controlplane"
	"github.com/IITvamp/cmux/internal/errdefs"
	"github.com/IITvamp/cmux/internal/logging"
)

// Client wraps the Docker SDK client with the operations the engine needs.
type Client struct {
	cli *client.Client
	log zerolog.Logger
}

// NewClient creates a Docker client using environment defaults.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errdefs.Fatal(err, "docker client")
	}
	return &Client{cli: cli, log: logging.WithComponent("docker")}, nil
}

// Ping checks connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return errdefs.Fatal(err, "docker daemon unreachable")
	}
	return nil
}

// Close releases the Docker client resources.
func (c *Client) Close() error { return c.cli.Close() }

// EnsureImage makes sure the image is present locally, pulling with progress
// reporting when it is not.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	if _, _, err := c.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	c.log.Info().Str("image", ref).Msg("pulling image")
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errdefs.Fatal(err, "pull image %s", ref)
	}
	defer reader.Close()

	// The pull stream is a sequence of JSON progress lines; log a heartbeat
	// rather than every layer event.
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lines := 0
	for scanner.Scan() {
		lines++
		if lines%50 == 0 {
			c.log.Debug().Str("image", ref).Int("events", lines).Msg("pull in progress")
		}
	}
	if err := scanner.Err(); err != nil {
		return errdefs.Fatal(err, "pull image %s", ref)
	}

	if _, _, err := c.cli.ImageInspectWithRaw(ctx, ref); err != nil {
		return errdefs.Fatal(err, "image %s missing after pull", ref)
	}
	c.log.Info().Str("image", ref).Msg("image ready")
	return nil
}

// EnsureVolume creates a named volume if it does not exist. Returns true when
// the volume already existed.
func (c *Client) EnsureVolume(ctx context.Context, name string) (existed bool, err error) {
	if _, err := c.cli.VolumeInspect(ctx, name); err == nil {
		return true, nil
	}
	if _, err := c.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return false, fmt.Errorf("create volume %s: %w", name, err)
	}
	return false, nil
}

// RemoveVolume force-removes a named volume, tolerating absence.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	err := c.cli.VolumeRemove(ctx, name, true)
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove volume %s: %w", name, err)
	}
	return nil
}

// CreateSpec describes a run container.
type CreateSpec struct {
	Name       string
	Image      string
	Env        []string
	Binds      []string          // host:container[:opts]
	Volumes    map[string]string // volume name -> container path
	Privileged bool
	Labels     map[string]string
}

// CreateContainer creates (but does not start) a run container with dynamic
// host ports for the IDE, worker, and extension sockets.
func (c *Client) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, port := range []int{IDEPort, WorkerPort, ExtensionPort} {
		p := nat.Port(fmt.Sprintf("%d/tcp", port))
		exposed[p] = struct{}{}
		// HostPort 0 asks the daemon for a free ephemeral port.
		bindings[p] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}}
	}

	var mounts []mount.Mount
	for name, target := range spec.Volumes {
		mounts = append(mounts, mount.Mount{Type: mount.TypeVolume, Source: name, Target: target})
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		ExposedPorts: exposed,
		Labels:       spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Privileged:   spec.Privileged,
		AutoRemove:   false,
		PortBindings: bindings,
		Binds:        spec.Binds,
		Mounts:       mounts,
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	return c.cli.ContainerStart(ctx, id, container.StartOptions{})
}

// StopContainer sends a graceful stop. "Already stopped" and "not found" are
// success.
func (c *Client) StopContainer(ctx context.Context, id string) error {
	timeout := 10
	err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) && !strings.Contains(err.Error(), "is not running") {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container, tolerating absence.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// RemoveStale stops and removes any container with the given name, ignoring
// "not found". Used before create to clear leftovers from a crashed run.
func (c *Client) RemoveStale(ctx context.Context, name string) error {
	summaries, err := c.listByName(ctx, name)
	if err != nil {
		return err
	}
	for _, s := range summaries {
		_ = c.StopContainer(ctx, s.ID)
		if err := c.RemoveContainer(ctx, s.ID); err != nil {
			return err
		}
	}
	return nil
}

// State is a container's observed runtime state.
type State struct {
	ID       string
	Name     string
	Running  bool
	ExitCode int
	Ports    controlplane.PortMap
}

// InspectState reads the container's running state and published host ports.
func (c *Client) InspectState(ctx context.Context, nameOrID string) (*State, error) {
	info, err := c.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, errdefs.NotFound("container %s", nameOrID)
		}
		return nil, err
	}

	state := &State{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.State != nil {
		state.Running = info.State.Running
		state.ExitCode = info.State.ExitCode
	}
	if info.NetworkSettings != nil {
		state.Ports = portsFromMap(info.NetworkSettings.Ports)
	}
	return state, nil
}

func portsFromMap(ports nat.PortMap) controlplane.PortMap {
	var pm controlplane.PortMap
	read := func(containerPort int) int {
		bindings := ports[nat.Port(fmt.Sprintf("%d/tcp", containerPort))]
		for _, b := range bindings {
			if n, err := strconv.Atoi(b.HostPort); err == nil && n > 0 {
				return n
			}
		}
		return 0
	}
	pm.IDE = read(IDEPort)
	pm.Worker = read(WorkerPort)
	pm.Extension = read(ExtensionPort)
	return pm
}

// Logs returns up to tail lines of the container's recent output.
func (c *Client) Logs(ctx context.Context, id string, tail int) (string, error) {
	reader, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", err
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil && err != io.EOF {
		return "", err
	}
	return stdout.String() + stderr.String(), nil
}

// Wait blocks until the container stops and returns its exit code.
func (c *Client) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, err
	case status := <-statusCh:
		return int(status.StatusCode), nil
	}
}

// Exec runs a command inside the container without waiting for completion
// when detach is true; otherwise it returns the combined output.
func (c *Client) Exec(ctx context.Context, id string, cmd []string, detach bool) (string, error) {
	execID, err := c.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: !detach,
		AttachStderr: !detach,
	})
	if err != nil {
		return "", err
	}

	if detach {
		return "", c.cli.ContainerExecStart(ctx, execID.ID, container.ExecStartOptions{Detach: true})
	}

	resp, err := c.cli.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{})
	if err != nil {
		return "", err
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil && err != io.EOF {
		return "", err
	}
	return stdout.String() + stderr.String(), nil
}

// ListManaged returns all containers (running or not) whose name carries the
// cmux prefix.
func (c *Client) ListManaged(ctx context.Context) ([]State, error) {
	return c.listByName(ctx, Prefix)
}

func (c *Client) listByName(ctx context.Context, name string) ([]State, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("name", name)

	summaries, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, err
	}

	var result []State
	for _, s := range summaries {
		cname := ""
		if len(s.Names) > 0 {
			cname = strings.TrimPrefix(s.Names[0], "/")
		}
		result = append(result, State{
			ID:      s.ID,
			Name:    cname,
			Running: s.State == "running",
		})
	}
	return result, nil
}

// waitTimeout is a helper for bounded waits on arbitrary conditions.
func waitTimeout(ctx context.Context, attempts int, interval time.Duration, probe func() bool) bool {
	for i := 0; i < attempts; i++ {
		if probe() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return false
}
