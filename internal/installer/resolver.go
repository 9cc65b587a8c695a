package installer

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"
)

// DependencyResolver installs the third-party dependencies of an extracted release in dir.
type DependencyResolver interface {
	Resolve(ctx context.Context, dir string) error
}

// CommandResolver runs an external command in the install directory. Stdin is closed and
// output is streamed to Stdout and Stderr, which default to the parent's streams.
type CommandResolver struct {
	Command []string
	Stdout  io.Writer
	Stderr  io.Writer
}

func NewCommandResolver(command []string) *CommandResolver {
	return &CommandResolver{
		Command: command,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
}

func (r *CommandResolver) Resolve(ctx context.Context, dir string) error {
	if len(r.Command) == 0 {
		return errors.New("no dependency command configured")
	}

	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Dir = dir
	cmd.Stdin = nil
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	// Grandchildren may keep copied pipes open after the command was killed.
	cmd.WaitDelay = 5 * time.Second

	return cmd.Run()
}
