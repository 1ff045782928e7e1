// Package config loads the YAML configuration shared by every pcisph command.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Log        LogConfig        `yaml:"log"`
	Worker     WorkerConfig     `yaml:"worker"`
	Registry   RegistryConfig   `yaml:"registry"`
	Client     ClientConfig     `yaml:"client"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Sim        SimConfig        `yaml:"sim"`
	Gateway    GatewayConfig    `yaml:"gateway"`
}

type LogConfig struct {
	Environment string `yaml:"environment"` // "production" switches to JSON output
	Level       string `yaml:"level"`
}

type WorkerConfig struct {
	Service         string        `yaml:"service"`
	Listen          string        `yaml:"listen"`
	Advertise       string        `yaml:"advertise"` // address published in the registry
	WebSocket       string        `yaml:"websocket"`
	Metrics         string        `yaml:"metrics"`
	Threads         int           `yaml:"threads"`
	FrameRate       int           `yaml:"frame_rate"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type RegistryConfig struct {
	Endpoints []string `yaml:"endpoints"` // etcd endpoints
	TTL       int64    `yaml:"ttl"`       // lease TTL in seconds
}

type ClientConfig struct {
	Codec       string `yaml:"codec"`
	Balancer    string `yaml:"balancer"`
	Key         string `yaml:"key"`
	DialRetries uint64 `yaml:"dial_retries"`
}

type DispatcherConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	Rate         float64       `yaml:"rate"`
	Burst        int           `yaml:"burst"`
	Retries      int           `yaml:"retries"`
	MaxPathDepth int           `yaml:"max_path_depth"`
}

type SimConfig struct {
	DarkMode bool `yaml:"dark_mode"`
	Blocks   int  `yaml:"blocks"` // blocks the driver adds after init
}

type GatewayConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns the embedded defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		panic(fmt.Sprintf("config: parsing embedded defaults: %v", err))
	}
	return cfg
}

// Load reads path over the embedded defaults; fields missing from the file keep their
// default. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Write encodes cfg as YAML to w.
func Write(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func (c *Config) Validate() error {
	var errs []error
	if c.Worker.Service == "" {
		errs = append(errs, errors.New("worker.service must be set"))
	}
	if c.Worker.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("worker.frame_rate must be positive, got %d", c.Worker.FrameRate))
	}
	if c.Worker.Threads < 0 {
		errs = append(errs, fmt.Errorf("worker.threads must not be negative, got %d", c.Worker.Threads))
	}
	switch c.Client.Codec {
	case "json", "binary":
	default:
		errs = append(errs, fmt.Errorf("client.codec must be json or binary, got %q", c.Client.Codec))
	}
	if c.Dispatcher.MaxPathDepth <= 0 {
		errs = append(errs, fmt.Errorf("dispatcher.max_path_depth must be positive, got %d", c.Dispatcher.MaxPathDepth))
	}
	if c.Dispatcher.Rate < 0 || (c.Dispatcher.Rate > 0 && c.Dispatcher.Burst <= 0) {
		errs = append(errs, errors.New("dispatcher.rate needs a positive burst"))
	}
	return errors.Join(errs...)
}
