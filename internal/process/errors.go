package process

import (
	"errors"
	"fmt"
)

var (
	ErrSupervisorFatal  = errors.New("supervisor fatal error")
	ErrNotRunning       = errors.New("application process is not running")
	ErrProcessExited    = errors.New("application process exited")
	ErrSupervisorClosed = errors.New("supervisor is shut down")
)

// SupervisorFatalError means the supervisor lost control over a child, for example because the
// stop signal could not be delivered. The caller should terminate.
type SupervisorFatalError struct {
	Pid int
	Op  string
	Err error
}

func (e *SupervisorFatalError) Error() string {
	return fmt.Sprintf("%s process %d: %v", e.Op, e.Pid, e.Err)
}

func (e *SupervisorFatalError) Unwrap() error {
	return e.Err
}

func (e *SupervisorFatalError) Is(target error) bool {
	return target == ErrSupervisorFatal
}
