// Package config loads convolve run settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gogpu/convolve"
	"github.com/gogpu/convolve/internal/cluster"
)

// ErrInvalidConfig is returned by Validate and Load for unusable settings.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Backend names accepted in the backend field.
const (
	BackendSequential  = "sequential"
	BackendPool        = "pool"
	BackendDistributed = "distributed"
)

// Config is the full set of run settings.
type Config struct {
	Backend      string  `yaml:"backend"`
	Workers      int     `yaml:"workers"`
	RowsPerTask  int     `yaml:"rows_per_task"`
	Border       string  `yaml:"border"`
	Filter       string  `yaml:"filter"`
	CustomKernel string  `yaml:"custom_kernel"`
	Normalize    bool    `yaml:"normalize"`
	JPEGQuality  int     `yaml:"jpeg_quality"`
	Cluster      Cluster `yaml:"cluster"`
	Logging      Logging `yaml:"logging"`
	Metrics      Metrics `yaml:"metrics"`
}

// Cluster describes the process group of a distributed run.
type Cluster struct {
	// Coordinator is the host:port rank 0 listens on.
	Coordinator string `yaml:"coordinator"`

	// Rank and Size override the launcher environment when Size > 0.
	Rank int `yaml:"rank"`
	Size int `yaml:"size"`

	// Local runs all Size ranks as goroutines of this process.
	Local bool `yaml:"local"`
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics contains metrics output configuration
type Metrics struct {
	// Textfile, if set, receives the Prometheus text exposition after a run.
	Textfile string `yaml:"textfile"`
}

// Default returns a default configuration
func Default() *Config {
	return &Config{
		Backend:     BackendSequential,
		Workers:     4,
		RowsPerTask: 1,
		Border:      "replicate",
		Filter:      convolve.LowPass3x3.String(),
		JPEGQuality: 100,
		Cluster: Cluster{
			Coordinator: cluster.DefaultCoordinator,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("config: create directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.Backend {
	case BackendSequential, BackendPool, BackendDistributed:
	default:
		invalid("unknown backend %q", c.Backend)
	}
	if c.Workers < 1 {
		invalid("workers must be >= 1, got %d", c.Workers)
	}
	if c.RowsPerTask < 1 {
		invalid("rows_per_task must be >= 1, got %d", c.RowsPerTask)
	}
	if _, err := c.BorderMode(); err != nil {
		invalid("%v", err)
	}
	if _, err := c.Kernel(); err != nil {
		invalid("%v", err)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		invalid("jpeg_quality must be in [1,100], got %d", c.JPEGQuality)
	}
	if c.Cluster.Size < 0 {
		invalid("cluster.size must be >= 0, got %d", c.Cluster.Size)
	}
	if c.Cluster.Local && c.Cluster.Size < 1 {
		invalid("cluster.local needs cluster.size >= 1")
	}
	if c.Cluster.Size > 0 && (c.Cluster.Rank < 0 || c.Cluster.Rank >= c.Cluster.Size) {
		invalid("cluster.rank %d not in [0,%d)", c.Cluster.Rank, c.Cluster.Size)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		invalid("unknown logging.format %q", c.Logging.Format)
	}

	return errors.Join(errs...)
}

// BorderMode parses the border field.
func (c *Config) BorderMode() (convolve.BorderMode, error) {
	return convolve.ParseBorderMode(c.Border)
}

// Kernel returns the custom kernel if one is set, otherwise the named
// preset, normalized when Normalize is true.
func (c *Config) Kernel() (*convolve.Kernel, error) {
	var k *convolve.Kernel
	if strings.TrimSpace(c.CustomKernel) != "" {
		var err error
		if k, err = convolve.ParseKernel(c.CustomKernel); err != nil {
			return nil, err
		}
	} else {
		p, err := convolve.ParsePreset(c.Filter)
		if err != nil {
			return nil, err
		}
		k = p.Kernel()
	}
	if c.Normalize {
		return k.Normalize()
	}
	return k, nil
}

// EnvConfig resolves the group membership: explicit cluster settings win,
// otherwise the launcher environment read through getenv is used.
func (c *Config) EnvConfig(getenv func(string) string) (cluster.EnvConfig, error) {
	if c.Cluster.Size > 0 {
		return cluster.EnvConfig{
			Rank:        c.Cluster.Rank,
			Size:        c.Cluster.Size,
			Coordinator: c.Cluster.Coordinator,
		}, nil
	}
	env, err := cluster.LoadEnv(getenv)
	if err != nil {
		return cluster.EnvConfig{}, err
	}
	if getenv("CONVOLVE_COORDINATOR") == "" && c.Cluster.Coordinator != "" {
		env.Coordinator = c.Cluster.Coordinator
	}
	return env, nil
}
