package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime talks to the Docker Engine API directly.
type DockerRuntime struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDockerRuntime connects using the standard DOCKER_* environment.
func NewDockerRuntime(logger *slog.Logger) (*DockerRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, logger: logger}, nil
}

func (r *DockerRuntime) Name() string { return "docker-api" }

func (r *DockerRuntime) Check(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker engine unavailable: %w", err)
	}
	return nil
}

func (r *DockerRuntime) Close() error { return r.cli.Close() }

func (r *DockerRuntime) Start(ctx context.Context, spec Spec, stdout, stderr io.Writer) (Process, error) {
	binds := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		binds = append(binds, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.Readonly,
		})
	}
	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Cmd:          spec.Command,
			Labels:       spec.Labels,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			OpenStdin:    true,
			StdinOnce:    true,
		},
		&container.HostConfig{Mounts: binds},
		nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	p := &dockerProcess{runtime: r, id: created.ID, copied: make(chan error, 1)}

	hijack, err := r.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		p.remove()
		return nil, fmt.Errorf("attach container: %w", err)
	}
	p.hijack = hijack

	// Registered before start so a fast exit is not missed.
	p.waitCh, p.errCh = r.cli.ContainerWait(context.Background(), created.ID, container.WaitConditionNextExit)

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		hijack.Close()
		p.remove()
		return nil, fmt.Errorf("start container: %w", err)
	}
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, hijack.Reader)
		p.copied <- err
	}()
	return p, nil
}

type dockerProcess struct {
	runtime *DockerRuntime
	id      string
	hijack  types.HijackedResponse
	waitCh  <-chan container.WaitResponse
	errCh   <-chan error
	copied  chan error
	once    sync.Once
}

func (p *dockerProcess) Stdin() io.WriteCloser { return hijackStdin{p.hijack} }

func (p *dockerProcess) Wait() (int, error) {
	defer p.remove()
	code := -1
	var waitErr error
	select {
	case resp := <-p.waitCh:
		code = int(resp.StatusCode)
		if resp.Error != nil && resp.Error.Message != "" {
			waitErr = fmt.Errorf("container wait: %s", resp.Error.Message)
		}
	case err := <-p.errCh:
		waitErr = fmt.Errorf("container wait: %w", err)
	}
	if err := <-p.copied; err != nil && waitErr == nil {
		p.runtime.logger.Debug("container output copy ended with error", "id", p.id, "error", err)
	}
	p.hijack.Close()
	return code, waitErr
}

func (p *dockerProcess) Kill() error {
	if err := p.runtime.cli.ContainerKill(context.Background(), p.id, "KILL"); err != nil {
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}

func (p *dockerProcess) remove() {
	p.once.Do(func() {
		err := p.runtime.cli.ContainerRemove(context.Background(), p.id, container.RemoveOptions{Force: true})
		if err != nil {
			p.runtime.logger.Debug("container remove failed", "id", p.id, "error", err)
		}
	})
}

type hijackStdin struct{ h types.HijackedResponse }

func (s hijackStdin) Write(b []byte) (int, error) { return s.h.Conn.Write(b) }
func (s hijackStdin) Close() error                { return s.h.CloseWrite() }
