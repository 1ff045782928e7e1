package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucas-schuermann/pcisph-wasm/codec"
	"github.com/lucas-schuermann/pcisph-wasm/config"
	"github.com/lucas-schuermann/pcisph-wasm/registry"
	"github.com/lucas-schuermann/pcisph-wasm/server"
	"github.com/lucas-schuermann/pcisph-wasm/worker"
)

const version = "0.1.0"

func newWorkerCmd() *cobra.Command {
	var listen, websocket, metrics string
	var threads int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "host a simulation and serve it to drivers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Worker.Listen = listen
			}
			if flags.Changed("websocket") {
				cfg.Worker.WebSocket = websocket
			}
			if flags.Changed("metrics") {
				cfg.Worker.Metrics = metrics
			}
			if flags.Changed("threads") {
				cfg.Worker.Threads = threads
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg, prometheus.DefaultRegisterer, nil)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "TCP listen address, overrides worker.listen")
	cmd.Flags().StringVar(&websocket, "websocket", "", "websocket listen address, overrides worker.websocket")
	cmd.Flags().StringVar(&metrics, "metrics", "", "metrics listen address, overrides worker.metrics; empty disables")
	cmd.Flags().IntVar(&threads, "threads", 0, "simulation threads, overrides worker.threads")
	return cmd
}

// runWorker serves until ctx is done. ready, when set, receives the server once it is
// listening.
func runWorker(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, ready chan<- *server.Server) error {
	log, err := newLogger(cfg, cfg.Worker.Service)
	if err != nil {
		return err
	}
	defer log.Sync()

	codecType, err := codec.ParseCodecType(cfg.Client.Codec)
	if err != nil {
		return err
	}
	discovery, err := newRegistry(cfg, log, "")
	if err != nil {
		return err
	}
	if discovery != nil {
		defer discovery.Close()
	}

	h := worker.NewHandlers(cfg.Worker.Threads,
		worker.WithLogger(log),
		worker.WithFrameRate(cfg.Worker.FrameRate),
		worker.WithRegisterer(reg, metricsNamespace))
	svr := server.NewServer(cfg.Worker.Service,
		server.WithLogger(log),
		server.WithCodec(codecType),
		server.WithHeartbeat(cfg.Worker.Heartbeat),
		server.WithTTL(cfg.Registry.TTL),
		server.WithMaxPathDepth(cfg.Dispatcher.MaxPathDepth),
		server.WithInstance(instanceFor(h)))
	if err := svr.RegisterName("handlers", worker.Lazy(h)); err != nil {
		return err
	}
	for _, mw := range middlewares(cfg, log, reg) {
		svr.Use(mw)
	}

	listener, err := net.Listen("tcp", cfg.Worker.Listen)
	if err != nil {
		return err
	}
	var servers []*http.Server
	if cfg.Worker.WebSocket != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", svr)
		servers = append(servers, &http.Server{Addr: cfg.Worker.WebSocket, Handler: mux})
	}
	if cfg.Worker.Metrics != "" {
		mux := http.NewServeMux()
		handler := promhttp.Handler()
		if gatherer, ok := reg.(prometheus.Gatherer); ok {
			handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
		}
		mux.Handle("/metrics", handler)
		servers = append(servers, &http.Server{Addr: cfg.Worker.Metrics, Handler: mux})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svr.ServeListener(listener, cfg.Worker.Advertise, discovery)
	})
	for _, hs := range servers {
		hs := hs
		g.Go(func() error {
			log.Info("http listening", zap.String("addr", hs.Addr))
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if ready != nil {
		ready <- svr
	}

	<-gctx.Done()
	log.Info("shutting down")
	h.Stop()
	err = svr.Shutdown(cfg.Worker.ShutdownTimeout)
	for _, hs := range servers {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = hs.Shutdown(shutdownCtx)
		cancel()
	}
	return errors.Join(err, g.Wait())
}

func instanceFor(h *worker.Handlers) registry.Instance {
	return registry.Instance{Weight: h.NumThreads, Threads: h.NumThreads, Version: version}
}
