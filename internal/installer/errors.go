package installer

import (
	"errors"
	"fmt"
)

var (
	ErrInstallFailed = errors.New("install failed")
	ErrTimedOut      = errors.New("install timed out")
)

// InstallError reports a failed install attempt. It matches ErrInstallFailed, and also
// ErrTimedOut when dependency resolution ran past its deadline.
type InstallError struct {
	Version  string
	Stage    string
	TimedOut bool
	Err      error
}

func (e *InstallError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("installing %s: %s timed out: %v", e.Version, e.Stage, e.Err)
	}
	return fmt.Sprintf("installing %s: %s failed: %v", e.Version, e.Stage, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

func (e *InstallError) Is(target error) bool {
	switch target {
	case ErrInstallFailed:
		return true
	case ErrTimedOut:
		return e.TimedOut
	}
	return false
}
