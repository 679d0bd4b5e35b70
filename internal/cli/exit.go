package cli

import (
	"errors"
	"fmt"

	"github.com/kinshell/kinshell/internal/registry"
	"github.com/kinshell/kinshell/internal/scheduler"
	"github.com/kinshell/kinshell/internal/store"
)

const (
	exitFailure  = 1
	exitUsage    = 2
	exitNotFound = 3
)

// ExitError is returned by commands that want to control the process exit code
// without necessarily printing an additional error message.
type ExitError struct {
	code    int
	message string
	err     error
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.message != "" {
		return e.message
	}
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *ExitError) Code() int {
	if e == nil {
		return exitFailure
	}
	return e.code
}

func (e *ExitError) Message() string {
	if e == nil {
		return ""
	}
	if e.message == "" && e.err != nil {
		return e.err.Error()
	}
	return e.message
}

// classify maps domain errors onto exit codes.
func classify(err error) error {
	var ee *ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ee):
		return err
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, scheduler.ErrTaskNotFound), errors.Is(err, store.ErrNotFound):
		return &ExitError{code: exitNotFound, err: err}
	case errors.Is(err, registry.ErrInvalidIdentity), errors.Is(err, registry.ErrInvalidTier),
		errors.Is(err, scheduler.ErrInvalidSchedule):
		return &ExitError{code: exitUsage, err: err}
	default:
		return err
	}
}
