package docker_client

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/curaious/runbox/pkg/sandbox"
)

const backendName = "docker"

// DockerClient implements sandbox.ContainerClient against the Docker
// Engine API.
type DockerClient struct {
	cli *client.Client
}

var _ sandbox.ContainerClient = (*DockerClient)(nil)

func New() (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &sandbox.ConfigurationError{Backend: backendName, Reason: err.Error()}
	}
	return &DockerClient{cli: cli}, nil
}

func (d *DockerClient) Backend() string { return backendName }

func (d *DockerClient) Close() error { return d.cli.Close() }

func (d *DockerClient) Create(ctx context.Context, spec sandbox.ContainerSpec) (sandbox.ContainerHandle, error) {
	env := sandbox.DisableProxyEnv(spec.Env)
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, fmt.Sprintf("%s=%s", k, v))
	}

	binds := make([]string, 0, len(spec.Volumes))
	for _, v := range spec.Volumes {
		bind := fmt.Sprintf("%s:%s", v.HostPath, v.ContainerPath)
		if v.ReadOnly() {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	daemonPort := nat.Port(fmt.Sprintf("%d/tcp", spec.ContainerPort))

	cfg := &container.Config{
		Image:  spec.Image,
		Env:    envList,
		Labels: spec.Labels,
		ExposedPorts: nat.PortSet{
			daemonPort: {},
		},
	}
	hostCfg := &container.HostConfig{
		Binds: binds,
		PortBindings: nat.PortMap{
			daemonPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.HostPort)},
			},
		},
	}

	var resp container.CreateResponse
	err := sandbox.RetryTransient(ctx, 3, func() error {
		var createErr error
		resp, createErr = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
		return createErr
	})
	if err != nil {
		return sandbox.ContainerHandle{}, &sandbox.ContainerClientError{Backend: backendName, Op: "create", Err: err}
	}

	return sandbox.ContainerHandle{
		ID:      resp.ID,
		Name:    spec.Name,
		Address: fmt.Sprintf("127.0.0.1:%d", spec.HostPort),
	}, nil
}

func (d *DockerClient) Start(ctx context.Context, handle sandbox.ContainerHandle) error {
	err := sandbox.RetryTransient(ctx, 3, func() error {
		return d.cli.ContainerStart(ctx, handle.ID, types.ContainerStartOptions{})
	})
	if err != nil {
		return &sandbox.ContainerClientError{Backend: backendName, Op: "start", Err: err}
	}
	return nil
}

func (d *DockerClient) Stop(ctx context.Context, handle sandbox.ContainerHandle) error {
	timeout := 10
	err := d.cli.ContainerStop(ctx, handle.ID, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return &sandbox.ContainerClientError{Backend: backendName, Op: "stop", Err: err}
	}
	return nil
}

func (d *DockerClient) Remove(ctx context.Context, handle sandbox.ContainerHandle) error {
	err := d.cli.ContainerRemove(ctx, handle.ID, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return &sandbox.ContainerClientError{Backend: backendName, Op: "remove", Err: err}
	}
	return nil
}

func (d *DockerClient) Exec(ctx context.Context, handle sandbox.ContainerHandle, cmd []string) (sandbox.ExecOutput, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, handle.ID, types.ExecConfig{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return sandbox.ExecOutput{}, &sandbox.ContainerClientError{Backend: backendName, Op: "exec create", Err: err}
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return sandbox.ExecOutput{}, &sandbox.ContainerClientError{Backend: backendName, Op: "exec attach", Err: err}
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return sandbox.ExecOutput{}, &sandbox.ContainerClientError{Backend: backendName, Op: "exec read", Err: err}
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return sandbox.ExecOutput{}, &sandbox.ContainerClientError{Backend: backendName, Op: "exec inspect", Err: err}
	}

	return sandbox.ExecOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// Address echoes the host port binding chosen at create time.
func (d *DockerClient) Address(_ context.Context, handle sandbox.ContainerHandle) (string, error) {
	return handle.Address, nil
}

// WaitReady polls the sandbox daemon's health endpoint until it answers
// or the timeout elapses.
func (d *DockerClient) WaitReady(ctx context.Context, handle sandbox.ContainerHandle, timeout time.Duration) bool {
	url := fmt.Sprintf("http://%s/health", handle.Address)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return false
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return true
			}
		}
	}
}

func (d *DockerClient) List(ctx context.Context, labels map[string]string) ([]sandbox.ContainerHandle, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, &sandbox.ContainerClientError{Backend: backendName, Op: "list", Err: err}
	}

	handles := make([]sandbox.ContainerHandle, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		handles = append(handles, sandbox.ContainerHandle{ID: c.ID, Name: name})
	}
	slog.Debug("listed docker sandboxes", slog.Int("count", len(handles)))
	return handles, nil
}
