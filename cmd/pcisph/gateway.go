package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucas-schuermann/pcisph-wasm/gateway"
)

func newGatewayCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "serve a worker's root as JSON-RPC 2.0 over HTTP at /rpc",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Gateway.Listen = listen
			}
			log, err := newLogger(cfg, "gateway")
			if err != nil {
				return err
			}
			defer log.Sync()

			c, reg, err := newClient(cfg, log)
			if err != nil {
				return err
			}
			defer reg.Close()
			defer c.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			root, err := c.Wrap(ctx, cfg.Worker.Service)
			if err != nil {
				return err
			}
			handler, err := gateway.NewHandler(root, gateway.WithLogger(log), gateway.WithTimeout(cfg.Dispatcher.Timeout))
			if err != nil {
				return err
			}
			mux := http.NewServeMux()
			mux.Handle("/rpc", handler)
			hs := &http.Server{Addr: cfg.Gateway.Listen, Handler: mux}

			errc := make(chan error, 1)
			go func() { errc <- hs.ListenAndServe() }()
			log.Info("gateway listening", zap.String("addr", cfg.Gateway.Listen), zap.String("service", cfg.Worker.Service))
			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hs.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "worker address (host:port or ws:// URL); skips the registry")
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address, overrides gateway.listen")
	return cmd
}
