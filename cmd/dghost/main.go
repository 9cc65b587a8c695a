package main

import (
	"os"

	"github.com/li-yechao/dghost/internal/logging"
	"github.com/urfave/cli/v2"
)

var log = logging.NewLogger()

func main() {
	app := &cli.App{
		Name:  "dghost",
		Usage: "install, supervise and proxy a Ghost blog",
		Commands: []*cli.Command{
			serveCmd(),
			installCmd(),
			versionsCmd(),
			historyCmd(),
		},
		DefaultCommand: "serve",
	}

	err := app.Run(os.Args)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}
