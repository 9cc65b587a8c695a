package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/li-yechao/dghost/core/ghost"
	"github.com/li-yechao/dghost/internal/pubsub"
	"github.com/li-yechao/dghost/internal/versions"
	"github.com/rs/zerolog"
)

// DefaultStrip drops the top-level "package/" directory of published release tarballs.
const DefaultStrip = 1

// Spec describes the release to install.
type Spec struct {
	Archive   string
	Version   string
	Overwrite bool
	// Strip is the number of leading path components dropped from every archive entry.
	Strip int
}

func NewSpec(archive, version string) *Spec {
	return &Spec{
		Archive: archive,
		Version: version,
		Strip:   DefaultStrip,
	}
}

// Installer lays down versioned installs in the store and switches the current pointer to them.
type Installer struct {
	store     *versions.Store
	resolver  DependencyResolver
	timeout   time.Duration
	publisher pubsub.Publisher[ghost.InstallEvent]
	logger    *zerolog.Logger
}

type Option func(*Installer)

// WithTimeout bounds dependency resolution. Zero means no deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(i *Installer) {
		i.timeout = timeout
	}
}

func WithPublisher(publisher pubsub.Publisher[ghost.InstallEvent]) Option {
	return func(i *Installer) {
		i.publisher = publisher
	}
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(i *Installer) {
		i.logger = logger
	}
}

func NewInstaller(store *versions.Store, resolver DependencyResolver, opts ...Option) *Installer {
	nop := zerolog.Nop()
	i := &Installer{
		store:    store,
		resolver: resolver,
		logger:   &nop,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Install makes spec.Version the current version. A complete install is never redone unless
// Overwrite is set; it is only re-activated if the pointer names another version. On failure
// the partial build stays in its hidden staging directory for inspection while the version
// directory and the pointer are left untouched.
func (i *Installer) Install(ctx context.Context, spec *Spec) error {
	if err := ghost.ValidateVersion(spec.Version); err != nil {
		return &InstallError{Version: spec.Version, Stage: "validate", Err: err}
	}
	if spec.Strip < 0 {
		return &InstallError{Version: spec.Version, Stage: "validate", Err: fmt.Errorf("negative strip %d", spec.Strip)}
	}

	installed, err := i.store.IsInstalled(spec.Version)
	if err != nil {
		return &InstallError{Version: spec.Version, Stage: "inspect", Err: err}
	}
	if installed && !spec.Overwrite {
		return i.activateExisting(spec)
	}

	id := uuid.New().String()
	started := time.Now()
	i.publish(&ghost.InstallEvent{
		ID:      id,
		Version: spec.Version,
		Archive: spec.Archive,
		Phase:   ghost.InstallPhaseStarted,
		Time:    started,
	})

	err = i.install(ctx, spec)

	event := &ghost.InstallEvent{
		ID:       id,
		Version:  spec.Version,
		Archive:  spec.Archive,
		Phase:    ghost.InstallPhaseSucceeded,
		Time:     time.Now(),
		Duration: time.Since(started),
	}
	if err != nil {
		event.Phase = ghost.InstallPhaseFailed
		event.Error = err.Error()
		event.TimedOut = errors.Is(err, ErrTimedOut)
		i.logger.Err(err).Msgf("install of %s failed after %s", spec.Version, event.Duration)
	} else {
		i.logger.Info().Msgf("installed %s in %s", spec.Version, event.Duration)
	}
	i.publish(event)

	return err
}

func (i *Installer) activateExisting(spec *Spec) error {
	current, err := i.store.Current()
	if err != nil && !errors.Is(err, versions.ErrNoCurrentVersion) {
		return &InstallError{Version: spec.Version, Stage: "inspect", Err: err}
	}

	if current != spec.Version {
		if err := i.store.Activate(spec.Version); err != nil {
			return &InstallError{Version: spec.Version, Stage: "activate", Err: err}
		}
		i.logger.Info().Msgf("%s already installed, switched current from %q", spec.Version, current)
	} else {
		i.logger.Info().Msgf("%s already installed and current, nothing to do", spec.Version)
	}

	i.publish(&ghost.InstallEvent{
		ID:      uuid.New().String(),
		Version: spec.Version,
		Archive: spec.Archive,
		Phase:   ghost.InstallPhaseSkipped,
		Time:    time.Now(),
	})
	return nil
}

// install builds the release in a staging directory and only moves it into the version
// directory once dependency resolution finished, so a live version is never half replaced.
func (i *Installer) install(ctx context.Context, spec *Spec) error {
	staging := i.store.StagingPath(spec.Version)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return &InstallError{Version: spec.Version, Stage: "extract", Err: err}
	}

	// A failed build is not cleaned up.
	if err := i.build(ctx, spec, staging); err != nil {
		i.logger.Warn().Msgf("partial install of %s left in %s", spec.Version, staging)
		return err
	}

	if err := i.store.Activate(spec.Version); err != nil {
		return &InstallError{Version: spec.Version, Stage: "activate", Err: err}
	}
	return nil
}

func (i *Installer) build(ctx context.Context, spec *Spec, staging string) error {
	i.logger.Info().Msgf("extracting %s into %s", spec.Archive, staging)
	if err := extractTarGz(spec.Archive, staging, spec.Strip); err != nil {
		return &InstallError{Version: spec.Version, Stage: "extract", Err: err}
	}

	if err := i.resolve(ctx, spec.Version, staging); err != nil {
		return err
	}

	if err := i.store.Promote(spec.Version, staging); err != nil {
		return &InstallError{Version: spec.Version, Stage: "finalize", Err: err}
	}
	return nil
}

func (i *Installer) resolve(ctx context.Context, version, dir string) error {
	rctx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	i.logger.Info().Msgf("resolving dependencies for %s", version)
	err := i.resolver.Resolve(rctx, dir)
	if err == nil {
		return nil
	}

	timedOut := ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded)
	if timedOut {
		err = fmt.Errorf("deadline of %s exceeded: %w", i.timeout, err)
	}
	return &InstallError{
		Version:  version,
		Stage:    "dependency resolution",
		TimedOut: timedOut,
		Err:      err,
	}
}

func (i *Installer) publish(event *ghost.InstallEvent) {
	if i.publisher == nil {
		return
	}
	if err := i.publisher.PublishEvent(event); err != nil {
		i.logger.Warn().Err(err).Msgf("failed to record install event for %s", event.Version)
	}
}
