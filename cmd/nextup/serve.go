package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/anchal00/nextup/internal/config"
	"github.com/anchal00/nextup/internal/hub"
	"github.com/anchal00/nextup/internal/kv"
	"github.com/anchal00/nextup/internal/logger"
	"github.com/anchal00/nextup/internal/nonfatal"
	"github.com/anchal00/nextup/internal/records"
	"github.com/anchal00/nextup/internal/relay"
	"github.com/anchal00/nextup/internal/server"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP, websocket and SSE server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "path to the YAML config file",
				EnvVars: []string{"NEXTUP_CONFIG"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.NewWithOptions("nextup", logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	var badgerOpts []kv.BadgerOption
	if cfg.Store.BadgerValueLogSize > 0 {
		badgerOpts = append(badgerOpts, kv.WithBadgerValueLogFileSize(cfg.Store.BadgerValueLogSize))
	}
	store, err := kv.Open(ctx, cfg.Store.Driver, cfg.Store.Path, cfg.Store.DSN, log.With("component", "kv"), badgerOpts...)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Failed to close store", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rooms := hub.New(hub.Options{
		Monotonic:  cfg.Hub.Monotonic,
		Logger:     log.With("component", "hub"),
		Registerer: registry,
	})
	recordStore := records.NewStore(store, records.Options{
		CodeAttempts: cfg.Codes.Attempts,
		StrictCodes:  cfg.Codes.Strict,
		Logger:       log.With("component", "records"),
		Notifier:     server.RoomNotifier{Hub: rooms},
		NonFatal:     nonfatal.New(log.With("component", "nonfatal"), registry),
		Registerer:   registry,
	})

	if cfg.NATS.URL != "" {
		nc, err := relay.Connect(cfg.NATS.URL, log.With("component", "relay"))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Close()
		r := relay.New(nc, rooms, cfg.NATS.SubjectPrefix, log.With("component", "relay"))
		if err := r.Start(); err != nil {
			return err
		}
		defer func() {
			if err := r.Close(); err != nil {
				log.Error("Failed to close relay", err)
			}
		}()
	}

	opts := server.Options{
		Records:         recordStore,
		Hub:             rooms,
		Logger:          log.With("component", "server"),
		StreamKeepalive: cfg.Server.StreamKeepalive,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		PublishRate:     cfg.Server.PublishRate,
		RequireIfMatch:  cfg.Server.RequireIfMatch,
		Registerer:      registry,
	}
	if cfg.Metrics.Addr == "" {
		opts.Gatherer = registry
	}
	s := server.New(opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Run(gctx, cfg.Server.Addr)
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Addr, registry, cfg.Server.ShutdownTimeout)
		})
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, timeout time.Duration) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
