package sandbox

import (
	"context"
	"io"

	"github.com/kinshell/kinshell/pkg/types"
)

// Spec describes one sandbox container.
type Spec struct {
	Name  string
	Image string
	// Command overrides the image's default command when non-empty.
	Command []string
	Mounts  []types.Mount
	Labels  map[string]string
}

// Process is a started sandbox.
type Process interface {
	// Stdin receives the serialized input; closing it signals EOF.
	Stdin() io.WriteCloser
	// Wait blocks until the sandbox exits and its output is drained.
	Wait() (exitCode int, err error)
	// Kill forcibly terminates the sandbox.
	Kill() error
}

// Runtime starts sandboxes.
type Runtime interface {
	Name() string
	// Check verifies the runtime is usable. Failure is fatal at startup.
	Check(ctx context.Context) error
	Start(ctx context.Context, spec Spec, stdout, stderr io.Writer) (Process, error)
}
