package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"time"
)

// CLIRuntime drives a docker-compatible command line binary.
type CLIRuntime struct {
	binary string
	logger *slog.Logger
}

func NewCLIRuntime(binary string, logger *slog.Logger) *CLIRuntime {
	if binary == "" {
		binary = "docker"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRuntime{binary: binary, logger: logger}
}

func (r *CLIRuntime) Name() string { return "cli:" + r.binary }

func (r *CLIRuntime) Check(ctx context.Context) error {
	if _, err := exec.LookPath(r.binary); err != nil {
		return fmt.Errorf("container runtime %q not found: %w", r.binary, err)
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, r.binary, "info").CombinedOutput()
	if err != nil {
		return fmt.Errorf("container runtime %q unavailable: %w: %s", r.binary, err, tail(string(out), 400))
	}
	return nil
}

// RunArgs builds the argument list for one sandbox invocation.
func RunArgs(spec Spec) []string {
	args := []string{"run", "-i", "--rm", "--name", spec.Name}
	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	for _, m := range spec.Mounts {
		v := m.HostPath + ":" + m.ContainerPath
		if m.Readonly {
			v += ":ro"
		}
		args = append(args, "-v", v)
	}
	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

func (r *CLIRuntime) Start(_ context.Context, spec Spec, stdout, stderr io.Writer) (Process, error) {
	// Not CommandContext: cancellation goes through Kill so the container
	// is stopped as well as the client process.
	cmd := exec.Command(r.binary, RunArgs(spec)...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.binary, err)
	}
	return &cliProcess{runtime: r, name: spec.Name, cmd: cmd, stdin: stdin}, nil
}

type cliProcess struct {
	runtime *CLIRuntime
	name    string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
}

func (p *cliProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *cliProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *cliProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, p.runtime.binary, "stop", "-t", "1", p.name).CombinedOutput(); err != nil {
		p.runtime.logger.Debug("container stop failed", "name", p.name, "error", err, "output", tail(string(out), 200))
	}
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
