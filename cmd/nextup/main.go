package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "nextup",
		Usage: "turn queues and tournament brackets with live rooms",
		Commands: []*cli.Command{
			serveCommand(),
			watchCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		slog.Error("nextup failed", "error", err)
		os.Exit(1)
	}
}
