package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/IITvamp/cmux/internal/config"
	"github.com/IITvamp/cmux/internal/container"
	"github.com/IITvamp/cmux/internal/controlplane"
	"github.com/IITvamp/cmux/internal/logging"
	"github.com/IITvamp/cmux/internal/orchestrator"
	"github.com/IITvamp/cmux/internal/reconcile"
	"github.com/IITvamp/cmux/internal/registry"
	"github.com/IITvamp/cmux/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: control socket, reconciler, and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}

			log := logging.WithComponent("serve")

			store, err := controlplane.OpenBolt(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			cli, err := container.NewClient()
			if err != nil {
				return err
			}
			defer cli.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := cli.Ping(ctx); err != nil {
				return err
			}

			reg := registry.New()
			orch := orchestrator.New(cfg, store, cli, reg)

			go reconcile.New(cli, store, reg).Run(ctx)

			if cfg.ServerPort > 0 {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				addr := fmt.Sprintf("127.0.0.1:%d", cfg.ServerPort)
				go func() {
					log.Info().Str("addr", addr).Msg("metrics listening")
					if err := http.ListenAndServe(addr, mux); err != nil {
						log.Warn().Err(err).Msg("metrics server stopped")
					}
				}()
			}

			log.Info().Str("socket", cfg.SocketPath).Msg("control socket listening")
			err = server.New(cfg.SocketPath, orch).Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
}
