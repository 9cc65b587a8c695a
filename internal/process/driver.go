package process

import (
	"context"
	"io"
	"os"
	"os/exec"
)

// LaunchSpec describes one launch of the application entry point.
type LaunchSpec struct {
	Entry string
	Dir   string
	Env   []string
}

// Handle controls one launched process. Wait must be called exactly once.
type Handle interface {
	Pid() int
	Signal(os.Signal) error
	Kill() error
	Wait() error
}

// Driver launches the application. The default driver runs it under a node binary.
type Driver interface {
	Type() string
	Launch(context.Context, *LaunchSpec) (Handle, error)
}

type execDriver struct {
	binary string
	stdout io.Writer
	stderr io.Writer
}

// NewExecDriver runs the entry point as `<binary> <entry>` with the child's output streamed to
// the parent's stdout and stderr.
func NewExecDriver(binary string) Driver {
	return &execDriver{
		binary: binary,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

func (d *execDriver) Type() string {
	return "exec"
}

// Launch starts the process. The context only covers the spawn: the child outlives it and is
// stopped through its handle.
func (d *execDriver) Launch(ctx context.Context, spec *LaunchSpec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(d.binary, spec.Entry)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = d.stdout
	cmd.Stderr = d.stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: cmd}, nil
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Kill() error {
	return h.cmd.Process.Kill()
}

func (h *execHandle) Wait() error {
	return h.cmd.Wait()
}
