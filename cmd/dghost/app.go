package main

import (
	"github.com/li-yechao/dghost/core/ghost"
	"github.com/li-yechao/dghost/internal/config"
	"github.com/li-yechao/dghost/internal/installer"
	"github.com/li-yechao/dghost/internal/ledger"
	"github.com/li-yechao/dghost/internal/logging"
	"github.com/li-yechao/dghost/internal/metrics"
	"github.com/li-yechao/dghost/internal/pubsub"
	"github.com/li-yechao/dghost/internal/versions"
)

// app holds the components shared by every command.
type app struct {
	config        *config.Config
	store         *versions.Store
	ledger        *ledger.Ledger
	metrics       *metrics.Metrics
	installEvents *pubsub.SimplePublisher[ghost.InstallEvent]
	processEvents *pubsub.SimplePublisher[ghost.ProcessEvent]
	installer     *installer.Installer
}

func newApp() (*app, func(), error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, nil, err
	}
	logging.Configure(cfg.Log.Level, cfg.Log.Pretty)

	store := versions.NewStore(cfg.GhostDir())
	l, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		return nil, nil, err
	}
	m := metrics.New()

	installEvents := pubsub.NewSimplePublisher[ghost.InstallEvent]()
	installEvents.AddSubscriber(l.InstallSubscriber())
	installEvents.AddSubscriber(m.InstallSubscriber())

	processEvents := pubsub.NewSimplePublisher[ghost.ProcessEvent]()
	processEvents.AddSubscriber(l.ProcessSubscriber())
	processEvents.AddSubscriber(m.ProcessSubscriber())

	inst := installer.NewInstaller(
		store,
		installer.NewCommandResolver(cfg.Install.Command),
		installer.WithTimeout(cfg.Install.Timeout),
		installer.WithPublisher(installEvents),
		installer.WithLogger(logging.Component("installer")),
	)

	cleanup := func() {
		if err := l.Close(); err != nil {
			log.Err(err).Msg("error closing ledger")
		}
	}

	return &app{
		config:        cfg,
		store:         store,
		ledger:        l,
		metrics:       m,
		installEvents: installEvents,
		processEvents: processEvents,
		installer:     inst,
	}, cleanup, nil
}

// installSpec is the release pinned by the configuration.
func (a *app) installSpec() *installer.Spec {
	spec := installer.NewSpec(a.config.ArchivePath(), a.config.Ghost.Version)
	spec.Strip = a.config.Ghost.Strip
	return spec
}
