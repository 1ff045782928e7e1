package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
	"github.com/lucas-schuermann/pcisph-wasm/remote"
	"github.com/lucas-schuermann/pcisph-wasm/worker"
)

func newDemoCmd() *cobra.Command {
	var opts driveOptions
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "run worker and driver in one process, connected by a message channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if opts.blocks < 0 {
				opts.blocks = cfg.Sim.Blocks
			}
			opts.dark = cfg.Sim.DarkMode
			log, err := newLogger(cfg, "demo")
			if err != nil {
				return err
			}
			defer log.Sync()

			h := worker.NewHandlers(cfg.Worker.Threads, worker.WithLogger(log), worker.WithFrameRate(cfg.Worker.FrameRate))
			defer h.Stop()
			ch := endpoint.NewChannel(endpoint.ScopeRoot)
			defer ch.Port1.Close()
			remote.Serve(ch.Port1, worker.NewRoot(h),
				remote.WithLogger(log),
				remote.WithMiddleware(middlewares(cfg, log, nil)...),
				remote.WithMaxPathDepth(cfg.Dispatcher.MaxPathDepth))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			root := remote.Wrap(ch.Port2, remote.WithLogger(log))
			return drive(ctx, root.Prop("handlers"), opts, cmd.OutOrStdout())
		},
	}
	opts.bind(cmd)
	return cmd
}
