package process

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/li-yechao/dghost/core/ghost"
	"github.com/li-yechao/dghost/internal/constants"
	"github.com/li-yechao/dghost/internal/pubsub"
	"github.com/li-yechao/dghost/internal/versions"
	"github.com/rs/zerolog"
)

const (
	DefaultStopGracePeriod   = 10 * time.Second
	DefaultRestartMaxElapsed = 5 * time.Minute
	readyPollInterval        = 100 * time.Millisecond
)

// ContentReconciler prepares the content tree before every launch.
type ContentReconciler interface {
	EnsureContentDirs() error
}

// StartOptions are the per-launch parameters written into the runtime config.
type StartOptions struct {
	URL  string
	Host string
	Port int
}

// Status is a snapshot of the supervised process.
type Status struct {
	State     ghost.ProcessState `json:"state"`
	LaunchID  string             `json:"launch_id,omitempty"`
	Version   string             `json:"version,omitempty"`
	Pid       int                `json:"pid,omitempty"`
	Host      string             `json:"host,omitempty"`
	Port      int                `json:"port,omitempty"`
	StartedAt time.Time          `json:"started_at,omitempty"`
	Restarts  int                `json:"restarts"`
}

type child struct {
	launchID  string
	handle    Handle
	version   string
	opts      StartOptions
	startedAt time.Time

	stopping atomic.Bool
	done     chan struct{}
	// err is only read after done is closed.
	err error
}

// Supervisor owns at most one running application process. Start and Stop are serialized.
type Supervisor struct {
	store      *versions.Store
	reconciler ContentReconciler
	writer     *ConfigWriter
	driver     Driver
	publisher  pubsub.Publisher[ghost.ProcessEvent]
	logger     *zerolog.Logger

	gracePeriod       time.Duration
	restartOnCrash    bool
	restartMaxElapsed time.Duration

	mu       sync.Mutex
	state    ghost.ProcessState
	proc     *child
	restarts int
	closed   bool
}

type Option func(*Supervisor)

func WithStopGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		s.gracePeriod = d
	}
}

// WithRestartOnCrash restarts a process that exited without being stopped, backing off
// exponentially until maxElapsed has passed.
func WithRestartOnCrash(maxElapsed time.Duration) Option {
	return func(s *Supervisor) {
		s.restartOnCrash = true
		s.restartMaxElapsed = maxElapsed
	}
}

func WithPublisher(publisher pubsub.Publisher[ghost.ProcessEvent]) Option {
	return func(s *Supervisor) {
		s.publisher = publisher
	}
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

func NewSupervisor(store *versions.Store, reconciler ContentReconciler, writer *ConfigWriter, driver Driver, opts ...Option) *Supervisor {
	nop := zerolog.Nop()
	s := &Supervisor{
		store:             store,
		reconciler:        reconciler,
		writer:            writer,
		driver:            driver,
		logger:            &nop,
		gracePeriod:       DefaultStopGracePeriod,
		restartMaxElapsed: DefaultRestartMaxElapsed,
		state:             ghost.ProcessStateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start prepares the content tree and runtime config, stops any running process and launches
// the current version. It returns once the process is spawned; use WaitReady to wait for it to
// accept connections.
func (s *Supervisor) Start(ctx context.Context, opts *StartOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSupervisorClosed
	}
	return s.start(ctx, *opts)
}

func (s *Supervisor) start(ctx context.Context, opts StartOptions) error {
	if opts.Host == "" {
		opts.Host = constants.DefaultGhostHost
	}

	previous := s.state
	s.state = ghost.ProcessStateStarting
	fail := func(err error) error {
		if s.proc == nil {
			s.state = ghost.ProcessStateStopped
		} else {
			s.state = previous
		}
		return err
	}

	if err := s.reconciler.EnsureContentDirs(); err != nil {
		return fail(fmt.Errorf("reconciling content directories: %w", err))
	}
	if err := s.writer.Write(ctx, &opts); err != nil {
		return fail(fmt.Errorf("writing runtime config: %w", err))
	}
	if err := s.stop(); err != nil {
		return fail(err)
	}
	s.state = ghost.ProcessStateStarting

	version, err := s.store.Current()
	if err != nil {
		return fail(fmt.Errorf("resolving current version: %w", err))
	}

	env := childEnv(os.Environ())
	handle, err := s.driver.Launch(ctx, &LaunchSpec{
		Entry: s.store.EntryPoint(),
		Dir:   s.store.Root(),
		Env:   env,
	})
	if err != nil {
		return fail(fmt.Errorf("launching %s: %w", s.store.EntryPoint(), err))
	}

	c := &child{
		launchID:  uuid.New().String(),
		handle:    handle,
		version:   version,
		opts:      opts,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.proc = c
	s.state = ghost.ProcessStateRunning
	go s.monitor(c)

	s.logger.Info().Msgf("launched %s (pid %d) on %s:%d", version, handle.Pid(), opts.Host, opts.Port)
	s.publish(c, ghost.ProcessEventLaunched, nil)
	return nil
}

// childEnv drops dghost's own settings, which carry secrets such as the identity token, and
// pins the production runtime mode.
func childEnv(environ []string) []string {
	env := make([]string, 0, len(environ)+1)
	for _, kv := range environ {
		if strings.HasPrefix(kv, constants.EnvPrefix) || strings.HasPrefix(kv, "NODE_ENV=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, constants.ProductionEnv)
}

// Stop interrupts the running process, if any, and waits up to the grace period for it to exit
// before killing it.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop()
}

// Shutdown stops the process and disables crash restarts.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.stop()
}

func (s *Supervisor) stop() error {
	c := s.proc
	if c == nil {
		return nil
	}
	s.proc = nil
	s.state = ghost.ProcessStateStopped
	c.stopping.Store(true)

	if err := c.handle.Signal(os.Interrupt); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			<-c.done
			s.publish(c, ghost.ProcessEventStopped, c.err)
			return nil
		}
		return &SupervisorFatalError{Pid: c.handle.Pid(), Op: "interrupt", Err: err}
	}

	select {
	case <-c.done:
	case <-time.After(s.gracePeriod):
		s.logger.Warn().Msgf("process %d did not exit within %s, killing it", c.handle.Pid(), s.gracePeriod)
		if err := c.handle.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return &SupervisorFatalError{Pid: c.handle.Pid(), Op: "kill", Err: err}
		}
		<-c.done
	}

	s.logger.Info().Msgf("stopped process %d", c.handle.Pid())
	s.publish(c, ghost.ProcessEventStopped, c.err)
	return nil
}

func (s *Supervisor) monitor(c *child) {
	c.err = c.handle.Wait()
	close(c.done)

	if c.stopping.Load() {
		return
	}

	s.mu.Lock()
	if s.proc != c {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	s.state = ghost.ProcessStateStopped
	restart := s.restartOnCrash && !s.closed
	s.mu.Unlock()

	s.logger.Error().Err(c.err).Msgf("process %d exited unexpectedly", c.handle.Pid())
	s.publish(c, ghost.ProcessEventCrashed, c.err)

	if restart {
		s.restart(c.opts)
	}
}

func (s *Supervisor) restart(opts StartOptions) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = s.restartMaxElapsed

	op := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return backoff.Permanent(ErrSupervisorClosed)
		}
		if s.proc != nil {
			// Someone else started a process in the meantime.
			return nil
		}
		if err := s.start(context.Background(), opts); err != nil {
			return err
		}
		s.restarts++
		s.publish(s.proc, ghost.ProcessEventRestarted, nil)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn().Err(err).Msgf("restart failed, retrying in %s", wait)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		s.logger.Error().Err(err).Msg("giving up restarting the application")
	}
}

// WaitReady blocks until the running process accepts TCP connections on its port. It fails if
// the process exits first or ctx is done.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	c := s.proc
	s.mu.Unlock()
	if c == nil {
		return ErrNotRunning
	}

	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	dialer := &net.Dialer{Timeout: time.Second}
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			s.logger.Info().Msgf("application is accepting connections on %s", addr)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("%w before accepting connections: %v", ErrProcessExited, c.err)
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) Status() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := &Status{
		State:    s.state,
		Restarts: s.restarts,
	}
	if c := s.proc; c != nil {
		status.LaunchID = c.launchID
		status.Version = c.version
		status.Pid = c.handle.Pid()
		status.Host = c.opts.Host
		status.Port = c.opts.Port
		status.StartedAt = c.startedAt
	}
	return status
}

func (s *Supervisor) publish(c *child, kind ghost.ProcessEventKind, err error) {
	if s.publisher == nil {
		return
	}
	event := &ghost.ProcessEvent{
		LaunchID: c.launchID,
		Kind:     kind,
		Version:  c.version,
		Pid:      c.handle.Pid(),
		Port:     c.opts.Port,
		Time:     time.Now(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	if perr := s.publisher.PublishEvent(event); perr != nil {
		s.logger.Warn().Err(perr).Msgf("failed to record %s event for process %d", kind, event.Pid)
	}
}
