package main

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucas-schuermann/pcisph-wasm/client"
	"github.com/lucas-schuermann/pcisph-wasm/codec"
	"github.com/lucas-schuermann/pcisph-wasm/config"
	"github.com/lucas-schuermann/pcisph-wasm/loadbalance"
	"github.com/lucas-schuermann/pcisph-wasm/logger"
	"github.com/lucas-schuermann/pcisph-wasm/middleware"
	"github.com/lucas-schuermann/pcisph-wasm/registry"
)

const metricsNamespace = "pcisph"

var (
	configFile string
	logLevel   string
	etcd       []string
	addr       string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pcisph",
		Short:         "particle simulation hosted by remote workers",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (defaults are embedded)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
	rootCmd.PersistentFlags().StringSliceVar(&etcd, "etcd", nil, "etcd endpoints, overrides registry.endpoints")

	rootCmd.AddCommand(newWorkerCmd(), newDriveCmd(), newDemoCmd(), newGatewayCmd(), newConfigCmd())
	return rootCmd
}

// loadConfig reads the config file and applies the persistent flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if len(etcd) > 0 {
		cfg.Registry.Endpoints = etcd
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, name string) (*zap.Logger, error) {
	return logger.New(logger.Config{
		Environment: cfg.Log.Environment,
		LogLevel:    cfg.Log.Level,
		ServiceName: name,
	})
}

// middlewares builds the dispatcher chain from cfg, outermost first.
func middlewares(cfg *config.Config, log *zap.Logger, reg prometheus.Registerer) []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.LoggingMiddleware(log),
		middleware.MetricsMiddleware(reg, metricsNamespace),
	}
	d := cfg.Dispatcher
	if d.Rate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(d.Rate, d.Burst))
	}
	if d.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(d.Retries, 10*time.Millisecond, log))
	}
	if d.Timeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(d.Timeout))
	}
	return mws
}

// newRegistry connects to etcd when endpoints are configured. Otherwise, and when
// static is set, it returns an in-memory registry holding just that worker.
func newRegistry(cfg *config.Config, log *zap.Logger, static string) (registry.Registry, error) {
	if static != "" {
		reg := registry.NewMemoryRegistry()
		if err := reg.Register(cfg.Worker.Service, registry.Instance{Addr: static, Weight: 1}, cfg.Registry.TTL); err != nil {
			return nil, err
		}
		return reg, nil
	}
	if len(cfg.Registry.Endpoints) == 0 {
		return nil, nil
	}
	reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, log)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// newClient builds a client that finds workers through etcd, or reaches the single
// worker at addr when one is given.
func newClient(cfg *config.Config, log *zap.Logger) (*client.Client, registry.Registry, error) {
	target := addr
	if target == "" && len(cfg.Registry.Endpoints) == 0 {
		target = cfg.Worker.Listen
	}
	reg, err := newRegistry(cfg, log, target)
	if err != nil {
		return nil, nil, err
	}
	codecType, err := codec.ParseCodecType(cfg.Client.Codec)
	if err != nil {
		return nil, nil, err
	}
	bal, err := loadbalance.New(cfg.Client.Balancer, cfg.Client.Key)
	if err != nil {
		return nil, nil, err
	}
	c := client.NewClient(reg, bal, codecType,
		client.WithLogger(log),
		client.WithHeartbeat(cfg.Worker.Heartbeat),
		client.WithDialRetries(cfg.Client.DialRetries))
	return c, reg, nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump [path]",
		Short: "write the effective configuration as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return config.Save(args[0], cfg)
			}
			return config.Write(cmd.OutOrStdout(), cfg)
		},
	})
	return cmd
}
