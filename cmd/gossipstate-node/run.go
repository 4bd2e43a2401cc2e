package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/DobryySoul/gossipstate"
	"github.com/DobryySoul/gossipstate/internal/config"
)

// State is what a node publishes: an arbitrary JSON object.
type State = map[string]any

func runCommand() *cobra.Command {
	var (
		configPath string
		state      string
	)
	c := &cobra.Command{
		Use:   "run",
		Short: "Joins the network and publishes this node's state",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			var initial State
			if state != "" {
				if err := json.Unmarshal([]byte(state), &initial); err != nil {
					return fmt.Errorf("invalid --state: %w", err)
				}
			}
			return run(c.Context(), cfg, initial)
		},
	}
	flags := c.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&state, "state", "", "JSON object to publish as this node's state")
	return c
}

func run(ctx context.Context, cfg config.Node, initial State) error {
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := gossipstate.New[State](nodeOptions(cfg, logger, reg)...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			logger.Warn("close engine", "err", err)
		}
	}()

	engine.OnChange(func() {
		all, err := engine.GetAll(context.Background())
		if err != nil {
			logger.Warn("list states", "err", err)
			return
		}
		logger.Info("state changed", "identities", len(all))
	})
	logger.Info("node identity", "address", engine.Address(), "public_key", engine.PublicKey())

	if initial != nil {
		if err := engine.Set(ctx, initial); err != nil {
			return fmt.Errorf("publish state: %w", err)
		}
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsHandler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "err", err)
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func nodeOptions(cfg config.Node, logger *slog.Logger, reg prometheus.Registerer) []gossipstate.Option {
	opts := []gossipstate.Option{
		gossipstate.WithNamespace(cfg.Namespace),
		gossipstate.WithBindAddr(cfg.BindAddr),
		gossipstate.WithDiscovery(cfg.Discovery),
		gossipstate.WithGossipInterval(cfg.GossipInterval),
		gossipstate.WithCodec[State](gossipstate.JSONCodec[State]{}),
		gossipstate.WithLogger(logger),
		gossipstate.WithRegisterer(reg),
		gossipstate.WithErrorHandler(func(err error) { logger.Debug("engine error", "err", err) }),
		gossipstate.WithDenied(cfg.Denied...),
		gossipstate.WithAllowed(cfg.Allowed...),
	}
	if cfg.Secret != "" {
		opts = append(opts, gossipstate.WithSecret(cfg.Secret))
	}
	if cfg.NodeID != "" {
		opts = append(opts, gossipstate.WithNodeID(cfg.NodeID))
	}
	if len(cfg.Seeds) > 0 {
		opts = append(opts, gossipstate.WithSeeds(cfg.Seeds))
	}
	if cfg.StorePath != "" {
		opts = append(opts, gossipstate.WithStorePath(cfg.StorePath))
	}
	return opts
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
