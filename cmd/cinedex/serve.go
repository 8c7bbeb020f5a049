package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/cinedex/cinedex/pkg/logging"
	"github.com/cinedex/cinedex/pkg/metrics"
	"github.com/cinedex/cinedex/pkg/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the caching movie API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	responses, copies, closeCache, err := newServerCache(cfg, log, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeCache(); err != nil {
			log.Error().Err(err).Msg("close response cache")
		}
	}()

	httpClient, err := newHTTPClient(cfg, copies, log, m)
	if err != nil {
		return err
	}
	// The response interceptor caches at the edge, so the upstream client
	// runs without its own cache here.
	upstream, err := newClient(cfg, httpClient, nil, log, m)
	if err != nil {
		return fmt.Errorf("create upstream client: %w", err)
	}

	sup := suture.New("cinedex", suture.Spec{
		EventHook:      (&sutureslog.Handler{Logger: logging.Slog(log)}).MustHook(),
		FailureBackoff: 5 * time.Second,
		Timeout:        10 * time.Second,
	})
	sup.Add(server.New(cfg, upstream, responses, server.WithLogger(log), server.WithMetrics(m)))
	if cfg.Cache.Enabled && cfg.Cache.SweepInterval > 0 {
		sup.Add(server.NewSweeper(responses, cfg.Cache.SweepInterval, log))
	}

	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
