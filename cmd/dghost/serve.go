package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"

	"github.com/li-yechao/dghost/internal/access"
	"github.com/li-yechao/dghost/internal/api"
	"github.com/li-yechao/dghost/internal/content"
	"github.com/li-yechao/dghost/internal/identity"
	"github.com/li-yechao/dghost/internal/logging"
	"github.com/li-yechao/dghost/internal/netutil"
	"github.com/li-yechao/dghost/internal/process"
	"github.com/li-yechao/dghost/internal/reverse_proxy"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "install if needed, run Ghost and proxy requests to it",
		Action: func(cCtx *cli.Context) error {
			a, cleanup, err := newApp()
			if err != nil {
				return err
			}
			defer cleanup()
			return a.serve()
		},
	}
}

func (a *app) newSupervisor() (*process.Supervisor, error) {
	cfg := a.config
	writer, err := process.NewConfigWriter(
		a.store.RuntimeConfigPath(),
		a.store.ContentDir(),
		cfg.Ghost.ConfigOverrides,
		logging.Component("runtime-config"),
	)
	if err != nil {
		return nil, err
	}

	opts := []process.Option{
		process.WithStopGracePeriod(cfg.Supervisor.StopGracePeriod),
		process.WithPublisher(a.processEvents),
		process.WithLogger(logging.Component("supervisor")),
	}
	if cfg.Supervisor.RestartOnCrash {
		opts = append(opts, process.WithRestartOnCrash(cfg.Supervisor.RestartMaxElapsed))
	}

	return process.NewSupervisor(
		a.store,
		content.NewReconciler(a.store, logging.Component("content")),
		writer,
		process.NewExecDriver(cfg.Ghost.NodeBinary),
		opts...,
	), nil
}

func (a *app) newProxyGate() (*reverse_proxy.Gate, error) {
	cfg := a.config

	// A nil client leaves requests undecorated.
	var client identity.Client
	if cfg.Identity.URL != "" {
		c, err := identity.NewHTTPClient(cfg.Identity.URL, cfg.Identity.Token, cfg.Identity.Timeout)
		if err != nil {
			return nil, err
		}
		client = c
	}

	decorator := identity.NewDecorator(client, a.metrics, logging.Component("identity"))
	return reverse_proxy.NewGate(decorator, a.metrics, logging.Component("proxy")), nil
}

func (a *app) serve() error {
	cfg := a.config

	supervisor, err := a.newSupervisor()
	if err != nil {
		return err
	}
	gate, err := a.newProxyGate()
	if err != nil {
		return err
	}

	var guard func(http.Handler) http.Handler
	if cfg.Access.Prefix != "" {
		guard = access.NewGate(cfg.MountPoint, cfg.Access.Roles, logging.Component("access")).Middleware
	}

	// Bind the front port before anything else so the platform sees the blocklet listening
	// while the install runs.
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("error listening on port %d: %w", cfg.ListenPort, err)
	}

	proxyServer := &http.Server{
		Handler: reverse_proxy.NewRouter(gate, cfg.Access.Prefix, guard),
	}

	var adminServer *http.Server
	if cfg.Admin.ListenAddr != "" {
		routes := []api.Route{
			api.NewStatusRoute(cfg.Ghost.Version, supervisor, gate, a.store),
			api.NewVersionsRoute(a.store),
			api.NewHistoryRoute(a.ledger),
			api.NewMetricsRoute(a.metrics.Handler()),
		}
		adminServer = &http.Server{
			Addr:    cfg.Admin.ListenAddr,
			Handler: api.NewRouter(routes, logging.Component("admin")),
		}
	}

	// calling cancel() unregisters the signal trapping.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(serveFn(proxyServer, listener, "proxy-server"))
	if adminServer != nil {
		eg.Go(serveFn(adminServer, nil, "admin-server"))
	}
	eg.Go(func() error {
		err := a.boot(egCtx, supervisor, gate)
		if err != nil && ctx.Err() != nil {
			log.Warn().Err(err).Msg("boot interrupted")
			return nil
		}
		return err
	})

	select {
	case <-egCtx.Done():
		log.Info().Msg("Shutting down dghost")
	case <-ctx.Done():
		log.Info().Msg("Interrupt signal received; gracefully closing dghost")
	}

	if adminServer != nil {
		err = adminServer.Shutdown(context.Background())
		if err != nil {
			log.Err(err).Msg("error shutting down admin server")
		}
	}

	err = proxyServer.Shutdown(context.Background())
	if err != nil {
		log.Err(err).Msg("error shutting down proxy server")
	}

	err = supervisor.Shutdown()
	if err != nil {
		log.Err(err).Msg("error stopping Ghost")
	}

	return eg.Wait()
}

// boot installs the pinned version, launches it and opens the proxy once it accepts
// connections.
func (a *app) boot(ctx context.Context, supervisor *process.Supervisor, gate *reverse_proxy.Gate) error {
	cfg := a.config

	if err := a.installer.Install(ctx, a.installSpec()); err != nil {
		return err
	}

	port, err := netutil.FreePort(cfg.Ghost.Host, cfg.Ghost.PreferredPort)
	if err != nil {
		return err
	}

	err = supervisor.Start(ctx, &process.StartOptions{
		URL:  cfg.GhostURL(),
		Host: cfg.Ghost.Host,
		Port: port,
	})
	if err != nil {
		return err
	}

	readyCtx, cancel := context.WithTimeout(ctx, cfg.Supervisor.ReadyTimeout)
	defer cancel()
	err = supervisor.WaitReady(readyCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		log.Warn().Msgf("Ghost did not accept connections within %s; opening the proxy anyway", cfg.Supervisor.ReadyTimeout)
	} else if err != nil {
		return err
	}

	target := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(cfg.Ghost.Host, strconv.Itoa(port)),
	}
	return gate.Activate(&reverse_proxy.Route{
		Target:     target,
		MountPoint: cfg.MountPoint,
		Host:       cfg.AppHost(),
	})
}

// serveFn returns a callback running srv until it is shut down. A nil listener makes the
// server bind its own address.
func serveFn(srv *http.Server, listener net.Listener, name string) func() error {
	return func() error {
		var err error
		if listener != nil {
			log.Info().Msgf("Starting dghost server[%s] at %s", name, listener.Addr())
			err = srv.Serve(listener)
		} else {
			log.Info().Msgf("Starting dghost server[%s] at %s", name, srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != http.ErrServerClosed {
			log.Err(err).Msgf("dghost server[%s] closed with abnormal error", name)
			return err
		}
		return nil
	}
}

