package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"
)

// installCmd installs the pinned version without starting it. It is meant to run as the
// platform's pre-start hook.
func installCmd() *cli.Command {
	return &cli.Command{
		Name:  "install",
		Usage: "install the pinned Ghost version and make it current",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "overwrite",
				Usage: "reinstall even if the version is already installed",
			},
			&cli.StringFlag{
				Name:  "archive",
				Usage: "release tarball to install instead of the configured one",
			},
			&cli.StringFlag{
				Name:  "ghost-version",
				Usage: "version to install instead of the configured one",
			},
		},
		Action: func(cCtx *cli.Context) error {
			a, cleanup, err := newApp()
			if err != nil {
				return err
			}
			defer cleanup()

			spec := a.installSpec()
			spec.Overwrite = cCtx.Bool("overwrite")
			if archive := cCtx.String("archive"); archive != "" {
				spec.Archive = archive
			}
			if version := cCtx.String("ghost-version"); version != "" {
				spec.Version = version
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			if err := a.installer.Install(ctx, spec); err != nil {
				return err
			}
			log.Info().Msgf("Ghost %s is installed", spec.Version)
			return nil
		},
	}
}
