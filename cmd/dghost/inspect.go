package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/li-yechao/dghost/internal/api"
	"github.com/urfave/cli/v2"
)

func versionsCmd() *cli.Command {
	return &cli.Command{
		Name:  "versions",
		Usage: "list the installed Ghost versions",
		Action: func(cCtx *cli.Context) error {
			a, cleanup, err := newApp()
			if err != nil {
				return err
			}
			defer cleanup()

			installed, err := a.store.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tINSTALLED\tCURRENT")
			for _, v := range installed {
				current := ""
				if v.Current {
					current = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", v.Version, v.InstalledAt.Format(time.RFC3339), current)
			}
			return w.Flush()
		},
	}
}

func historyCmd() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "print recent installs and launches as JSON",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Value: 20,
				Usage: "number of entries per list",
			},
		},
		Action: func(cCtx *cli.Context) error {
			a, cleanup, err := newApp()
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := api.History(a.ledger, cCtx.Int("limit"))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}
