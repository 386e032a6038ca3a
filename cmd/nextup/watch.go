package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/anchal00/nextup/internal/logger"
	"github.com/anchal00/nextup/internal/records"
	"github.com/anchal00/nextup/internal/syncclient"
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "follow one list or tournament and print every change",
		ArgsUsage: "<join code> | <kind>/<id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Value:   "http://localhost:9000",
				Usage:   "nextup server base URL",
				EnvVars: []string{"NEXTUP_SERVER"},
			},
			&cli.BoolFlag{
				Name:  "ws",
				Usage: "follow the room websocket and poll only as a fallback",
			},
			&cli.DurationFlag{
				Name:  "min-interval",
				Value: 4 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "max-interval",
				Value: 60 * time.Second,
			},
		},
		Action: watch,
	}
}

func watch(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("expected a join code or <kind>/<id>", 2)
	}
	log := logger.NewWithOptions("nextup-watch", logger.Options{Level: "info"})
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := syncclient.NewClient(c.String("server"), nil)
	ref, err := resolveTarget(c, client)
	if err != nil {
		return err
	}

	opts := syncclient.Options{
		Key:      string(ref.Kind) + "/" + ref.ID,
		Fetcher:  syncclient.RecordFetcher{Client: client, Kind: ref.Kind, ID: ref.ID},
		Min:      c.Duration("min-interval"),
		Max:      c.Duration("max-interval"),
		Logger:   log,
		OnChange: printUpdate,
	}
	if c.Bool("ws") {
		opts.Stream = syncclient.WSStream{URL: client.SocketURL(ref.Kind, ref.ID)}
	}
	engine := syncclient.New(opts)
	engine.Start(ctx)
	log.Info(fmt.Sprintf("Watching %s/%s", ref.Kind, ref.ID))
	<-ctx.Done()
	engine.Stop()
	return nil
}

func resolveTarget(c *cli.Context, client *syncclient.Client) (records.CodeRef, error) {
	arg := c.Args().First()
	if kind, id, ok := strings.Cut(arg, "/"); ok {
		k, err := records.ParseKind(kind)
		if err != nil {
			return records.CodeRef{}, err
		}
		return records.CodeRef{Kind: k, ID: id}, nil
	}
	return client.ByCode(c.Context, arg)
}

func printUpdate(u syncclient.Update) {
	rec, err := records.DecodeRecord(u.Payload)
	if err != nil {
		fmt.Printf("%s %s (undecodable: %v)\n", u.Source, u.ETag, err)
		return
	}
	fmt.Printf("[%s] %s v%d %s\n", u.Source, rec.Code, rec.Version, describe(rec))
}

func describe(rec *records.Record) string {
	switch {
	case rec.List != nil:
		var tables []string
		for i, t := range rec.List.Tables {
			tables = append(tables, fmt.Sprintf("#%d[%s]", i+1, strings.Join(t.Seats, ",")))
		}
		return fmt.Sprintf("tables %s queue [%s]", strings.Join(tables, " "), strings.Join(rec.List.Queue, ","))
	case rec.Tournament != nil:
		return fmt.Sprintf("%s, %d players, round %d", rec.Tournament.Status, len(rec.Tournament.Players), len(rec.Tournament.Rounds))
	}
	return ""
}
