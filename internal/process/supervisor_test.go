package process

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/li-yechao/dghost/core/ghost"
	"github.com/li-yechao/dghost/internal/pubsub"
	"github.com/li-yechao/dghost/internal/versions"
	"github.com/stretchr/testify/require"
)

type mockHandle struct {
	pid       int
	mu        sync.Mutex
	signals   []os.Signal
	killed    bool
	ignoreInt bool
	signalErr error
	exit      chan struct{}
	exitOnce  sync.Once
	exitErr   error
}

func (h *mockHandle) Pid() int {
	return h.pid
}

func (h *mockHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.signalErr != nil {
		return h.signalErr
	}
	h.signals = append(h.signals, sig)
	if !h.ignoreInt {
		h.exitWith(nil)
	}
	return nil
}

func (h *mockHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.exitWith(errors.New("signal: killed"))
	return nil
}

func (h *mockHandle) Wait() error {
	<-h.exit
	return h.exitErr
}

// crash makes the process exit on its own.
func (h *mockHandle) crash() {
	h.exitWith(errors.New("exit status 1"))
}

func (h *mockHandle) exitWith(err error) {
	h.exitOnce.Do(func() {
		h.exitErr = err
		close(h.exit)
	})
}

func (h *mockHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

type mockDriver struct {
	mu        sync.Mutex
	launches  []*LaunchSpec
	handles   []*mockHandle
	ignoreInt bool
	launchErr error
}

func (d *mockDriver) Type() string {
	return "test"
}

func (d *mockDriver) Launch(ctx context.Context, spec *LaunchSpec) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	h := &mockHandle{
		pid:       1000 + len(d.handles),
		ignoreInt: d.ignoreInt,
		exit:      make(chan struct{}),
	}
	d.launches = append(d.launches, spec)
	d.handles = append(d.handles, h)
	return h, nil
}

func (d *mockDriver) handle(i int) *mockHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[i]
}

func (d *mockDriver) launchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.launches)
}

type fakeReconciler struct {
	calls int
	err   error
}

func (r *fakeReconciler) EnsureContentDirs() error {
	r.calls++
	return r.err
}

type eventLog struct {
	mu     sync.Mutex
	events []*ghost.ProcessEvent
}

func (l *eventLog) ConsumeEvent(e *ghost.ProcessEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) kinds() []ghost.ProcessEventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var res []ghost.ProcessEventKind
	for _, e := range l.events {
		res = append(res, e.Kind)
	}
	return res
}

type testEnv struct {
	store      *versions.Store
	driver     *mockDriver
	reconciler *fakeReconciler
	events     *eventLog
	supervisor *Supervisor
}

func setupSupervisor(t *testing.T, driver *mockDriver, opts ...Option) *testEnv {
	t.Helper()
	store := versions.NewStore(t.TempDir())
	require.NoError(t, os.MkdirAll(store.VersionPath("5.90.1"), 0o755))
	require.NoError(t, store.MarkInstalled("5.90.1"))
	require.NoError(t, store.Activate("5.90.1"))

	writer, err := NewConfigWriter(store.RuntimeConfigPath(), store.ContentDir(), nil, nil)
	require.NoError(t, err)

	events := &eventLog{}
	publisher := pubsub.NewSimplePublisher[ghost.ProcessEvent]()
	publisher.AddSubscriber(events)

	reconciler := &fakeReconciler{}
	opts = append([]Option{WithPublisher(publisher), WithStopGracePeriod(time.Second)}, opts...)
	s := NewSupervisor(store, reconciler, writer, driver, opts...)
	t.Cleanup(func() {
		_ = s.Shutdown()
	})

	return &testEnv{
		store:      store,
		driver:     driver,
		reconciler: reconciler,
		events:     events,
		supervisor: s,
	}
}

func startOpts(port int) *StartOptions {
	return &StartOptions{
		URL:  "https://example.com/blog",
		Host: "127.0.0.1",
		Port: port,
	}
}

func TestStartLaunchesCurrentVersion(t *testing.T) {
	t.Setenv("DGHOST_IDENTITY_TOKEN", "secret")
	t.Setenv("NODE_ENV", "development")
	env := setupSupervisor(t, &mockDriver{})

	require.Equal(t, ghost.ProcessStateStopped, env.supervisor.Status().State)
	require.NoError(t, env.supervisor.Start(context.Background(), startOpts(2369)))

	require.Equal(t, 1, env.reconciler.calls)
	require.Equal(t, 1, env.driver.launchCount())

	spec := env.driver.launches[0]
	require.Equal(t, env.store.EntryPoint(), spec.Entry)
	require.Equal(t, env.store.Root(), spec.Dir)
	require.Contains(t, spec.Env, "NODE_ENV=production")
	require.NotContains(t, spec.Env, "NODE_ENV=development")
	for _, kv := range spec.Env {
		require.False(t, strings.HasPrefix(kv, "DGHOST_"), kv)
	}

	status := env.supervisor.Status()
	require.Equal(t, ghost.ProcessStateRunning, status.State)
	require.Equal(t, "5.90.1", status.Version)
	require.Equal(t, 2369, status.Port)
	require.Equal(t, 1000, status.Pid)

	bytes, err := os.ReadFile(env.store.RuntimeConfigPath())
	require.NoError(t, err)
	var cfg ghost.RuntimeConfig
	require.NoError(t, json.Unmarshal(bytes, &cfg))
	require.Equal(t, 2369, cfg.Server.Port)
	require.Equal(t, "127.0.0.1", cfg.Server.Host)
	require.Equal(t, "https://example.com/blog", cfg.URL)

	require.Equal(t, []ghost.ProcessEventKind{ghost.ProcessEventLaunched}, env.events.kinds())
}

func TestChildEnv(t *testing.T) {
	env := childEnv([]string{
		"PATH=/usr/bin",
		"HOME=/home/ghost",
		"DGHOST_IDENTITY_TOKEN=secret",
		"DGHOST_LOG_LEVEL=debug",
		"NODE_ENV=development",
		"BLOCKLET_APP_URL=https://example.com",
	})
	require.Equal(t, []string{
		"PATH=/usr/bin",
		"HOME=/home/ghost",
		"BLOCKLET_APP_URL=https://example.com",
		"NODE_ENV=production",
	}, env)
}

func TestStartReplacesRunningProcess(t *testing.T) {
	env := setupSupervisor(t, &mockDriver{})

	require.NoError(t, env.supervisor.Start(context.Background(), startOpts(2369)))
	require.NoError(t, env.supervisor.Start(context.Background(), startOpts(2370)))

	require.Equal(t, 2, env.driver.launchCount())
	first := env.driver.handle(0)
	require.Equal(t, []os.Signal{os.Interrupt}, first.signals)
	require.Empty(t, env.driver.handle(1).signals)

	status := env.supervisor.Status()
	require.Equal(t, 1001, status.Pid)
	require.Equal(t, 2370, status.Port)
	require.Equal(t, []ghost.ProcessEventKind{
		ghost.ProcessEventLaunched,
		ghost.ProcessEventStopped,
		ghost.ProcessEventLaunched,
	}, env.events.kinds())
}

func TestStopIsIdempotent(t *testing.T) {
	env := setupSupervisor(t, &mockDriver{})
	require.NoError(t, env.supervisor.Stop())

	require.NoError(t, env.supervisor.Start(context.Background(), startOpts(2369)))
	require.NoError(t, env.supervisor.Stop())
	require.Equal(t, ghost.ProcessStateStopped, env.supervisor.Status().State)
	require.NoError(t, env.supervisor.Stop())

	require.Len(t, env.driver.handle(0).signals, 1)
}

func TestStopSignalFailureIsFatal(t *testing.T) {
	env := setupSupervisor(t, &mockDriver{})
	require.NoError(t, env.supervisor.Start(context.Background(), startOpts(2369)))

	h := env.driver.handle(0)
	h.signalErr = errors.New("operation not permitted")

	err := env.supervisor.Stop()
	require.ErrorIs(t, err, ErrSupervisorFatal)
	var fatal *SupervisorFatalError
	require.ErrorAs(t, err, &fatal)
	require.Equal(t, 1000, fatal.Pid)

	// The handle is dropped regardless.
	require.Equal(t, ghost.ProcessStateStopped, env.supervisor.Status().State)
	require.NoError(t, env.supervisor.Stop())
	h.crash()
}

func TestStopKillsAfterGracePeriod(t *testing.T) {
	env := setupSupervisor(t, &mockDriver{ignoreInt: true}, WithStopGracePeriod(50*time.Millisecond))
	require.NoError(t, env.supervisor.Start(context.Background(), startOpts(2369)))

	require.NoError(t, env.supervisor.Stop())
	require.True(t, env.driver.handle(0).wasKilled())
}

func TestCrashTransitionsToStopped(t *testing.T) {
	env := setupSupervisor(t, &mockDriver{})
	require.NoError(t, env.supervisor.Start(context.Background(), startOpts(2369)))

	env.driver.handle(0).crash()

	require.Eventually(t, func() bool {
		return env.supervisor.Status().State == ghost.ProcessStateStopped
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		kinds := env.events.kinds()
		return len(kinds) == 2 && kinds[1] == ghost.ProcessEventCrashed
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, env.driver.launchCount())
}

func TestCrashRestartsWhenEnabled(t *testing.T) {
	env := setupSupervisor(t, &mockDriver{}, WithRestartOnCrash(10*time.Second))
	require.NoError(t, env.supervisor.Start(context.Background(), startOpts(2369)))

	env.driver.handle(0).crash()

	require.Eventually(t, func() bool {
		return env.driver.launchCount() == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		status := env.supervisor.Status()
		return status.State == ghost.ProcessStateRunning && status.Restarts == 1
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, 2369, env.supervisor.Status().Port)
	require.Contains(t, env.events.kinds(), ghost.ProcessEventRestarted)
}

func TestShutdownDisablesRestart(t *testing.T) {
	env := setupSupervisor(t, &mockDriver{}, WithRestartOnCrash(10*time.Second))
	require.NoError(t, env.supervisor.Start(context.Background(), startOpts(2369)))
	require.NoError(t, env.supervisor.Shutdown())

	err := env.supervisor.Start(context.Background(), startOpts(2369))
	require.ErrorIs(t, err, ErrSupervisorClosed)
	require.Equal(t, 1, env.driver.launchCount())
}

func TestStartFailsWhenReconcileFails(t *testing.T) {
	env := setupSupervisor(t, &mockDriver{})
	env.reconciler.err = errors.New("disk full")

	err := env.supervisor.Start(context.Background(), startOpts(2369))
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, 0, env.driver.launchCount())
	require.Equal(t, ghost.ProcessStateStopped, env.supervisor.Status().State)
}

func TestStartFailsWhenLaunchFails(t *testing.T) {
	env := setupSupervisor(t, &mockDriver{launchErr: errors.New("node: not found")})

	err := env.supervisor.Start(context.Background(), startOpts(2369))
	require.ErrorContains(t, err, "node: not found")
	require.Equal(t, ghost.ProcessStateStopped, env.supervisor.Status().State)
}

func TestWaitReady(t *testing.T) {
	env := setupSupervisor(t, &mockDriver{})
	require.ErrorIs(t, env.supervisor.WaitReady(context.Background()), ErrNotRunning)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	require.NoError(t, env.supervisor.Start(context.Background(), startOpts(port)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.supervisor.WaitReady(ctx))
}

func TestWaitReadyProcessExits(t *testing.T) {
	env := setupSupervisor(t, &mockDriver{})

	// Nothing listens on this port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	require.NoError(t, env.supervisor.Start(context.Background(), startOpts(port)))
	go func() {
		time.Sleep(50 * time.Millisecond)
		env.driver.handle(0).crash()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, env.supervisor.WaitReady(ctx), ErrProcessExited)
}

func TestWaitReadyTimeout(t *testing.T) {
	env := setupSupervisor(t, &mockDriver{})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	require.NoError(t, env.supervisor.Start(context.Background(), startOpts(port)))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, env.supervisor.WaitReady(ctx), context.DeadlineExceeded)
}

func TestExecDriver(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "entry.sh")
	require.NoError(t, os.WriteFile(entry, []byte("exit 0\n"), 0o755))

	d := NewExecDriver("sh")
	h, err := d.Launch(context.Background(), &LaunchSpec{Entry: entry, Dir: dir, Env: os.Environ()})
	require.NoError(t, err)
	require.NotZero(t, h.Pid())
	require.NoError(t, h.Wait())

	_, err = NewExecDriver("/definitely/not/a/binary").Launch(context.Background(), &LaunchSpec{Entry: entry, Dir: dir})
	require.Error(t, err)
}

func TestExecDriverInterrupt(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "entry.sh")
	require.NoError(t, os.WriteFile(entry, []byte("sleep 30\n"), 0o755))

	d := NewExecDriver("sh")
	h, err := d.Launch(context.Background(), &LaunchSpec{Entry: entry, Dir: dir, Env: os.Environ()})
	require.NoError(t, err)

	require.NoError(t, h.Kill())
	require.Error(t, h.Wait())
	require.ErrorIs(t, h.Signal(os.Interrupt), os.ErrProcessDone)
}
