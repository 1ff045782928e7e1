package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
	"github.com/lucas-schuermann/pcisph-wasm/remote"
	"github.com/lucas-schuermann/pcisph-wasm/sim"
	"github.com/lucas-schuermann/pcisph-wasm/stats"
	"github.com/lucas-schuermann/pcisph-wasm/worker"
)

type driveOptions struct {
	duration time.Duration // zero runs until interrupted
	interval time.Duration
	blocks   int
	reset    bool
	dark     bool
}

func (o *driveOptions) bind(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&o.duration, "duration", 10*time.Second, "how long to drive the simulation, 0 = until interrupted")
	cmd.Flags().DurationVar(&o.interval, "interval", time.Second, "stats print interval")
	cmd.Flags().IntVar(&o.blocks, "blocks", -1, "blocks to add after init, overrides sim.blocks")
	cmd.Flags().BoolVar(&o.reset, "reset", false, "reset the simulation before stopping")
}

func newDriveCmd() *cobra.Command {
	var opts driveOptions
	cmd := &cobra.Command{
		Use:   "drive",
		Short: "attach to a worker, start its simulation and print frame stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if opts.blocks < 0 {
				opts.blocks = cfg.Sim.Blocks
			}
			opts.dark = cfg.Sim.DarkMode
			log, err := newLogger(cfg, "driver")
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
			return drive(ctx, root.Prop("handlers"), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "worker address (host:port or ws:// URL); skips the registry")
	opts.bind(cmd)
	return cmd
}

// drive starts the simulation behind handlers, adds blocks, and prints the frame stats
// the worker reports back until ctx is done or opts.duration elapses.
func drive(ctx context.Context, handlers *remote.Proxy, opts driveOptions, out io.Writer) error {
	threads, err := remote.GetAs[int](ctx, handlers.Prop("numThreads"))
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	fmt.Fprintf(out, "worker threads: %d\n", threads)

	monitor := stats.NewMonitor(60, nil, metricsNamespace)
	simPanel := monitor.Panel("MS (Sim)")
	surface := endpoint.NewBuffer(sim.WindowWidth * sim.WindowHeight)

	particles, err := remote.CallAs[int](ctx, handlers.Prop("init"),
		remote.Transfer(surface, surface), remote.Expose(monitor), remote.Expose(simPanel), opts.dark)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	fmt.Fprintf(out, "particles: %d\n", particles)
	for i := 0; i < opts.blocks; i++ {
		if particles, err = remote.CallAs[int](ctx, handlers.Prop("addBlock")); err != nil {
			return fmt.Errorf("add block: %w", err)
		}
	}
	if opts.blocks > 0 {
		fmt.Fprintf(out, "particles: %d\n", particles)
	}

	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "frames\tfps\tavg frame\tmax frame\tsim ms\tmax sim ms")
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-ticker.C:
		}
		s := monitor.Snapshot()
		p := s.Panels[simPanel.Name()]
		fmt.Fprintf(tw, "%d\t%.1f\t%s\t%s\t%.2f\t%.2f\n",
			s.Frames, s.FPS, s.AvgFrame.Round(time.Microsecond), s.MaxFrame.Round(time.Microsecond), p.Value, p.Max)
		_ = tw.Flush()
	}

	// ctx is spent; wind down on a fresh one.
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if opts.reset {
		if particles, err = remote.CallAs[int](stopCtx, handlers.Prop("reset")); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		fmt.Fprintf(out, "particles after reset: %d\n", particles)
	}
	final, err := remote.CallAs[worker.Stats](stopCtx, handlers.Prop("stats"))
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	if _, err := handlers.Prop("stop").Call(stopCtx); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	fmt.Fprintf(out, "worker frames: %d, max sim ms: %.2f\n", final.Frames, final.MaxSimMs)
	return nil
}
