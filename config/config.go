// Package config loads the relay configuration. Precedence, lowest to
// highest: defaults, YAML file, environment, flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port int    `yaml:"port"`
	Env  string `yaml:"env"`

	// Root is the directory file transfers are confined to.
	Root string `yaml:"root"`

	// BodyLimit is the request body ceiling in bytes.
	BodyLimit int64 `yaml:"body_limit"`

	StageTimeout   time.Duration `yaml:"stage_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Mode is the fan-out strategy: single, process or thread.
	Mode    string `yaml:"mode"`
	Workers int    `yaml:"workers"`

	// CertFile/KeyFile enable TLS on the bridge transport.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// File transfer tuning.
	SmallFileLimit int64 `yaml:"small_file_limit"`
	ChunkSize      int   `yaml:"chunk_size"`
	CacheEntries   int   `yaml:"cache_entries"`
}

func defaults() *Config {
	return &Config{
		Port:           8080,
		Env:            "development",
		Root:           "./public",
		BodyLimit:      4 << 20,
		StageTimeout:   10 * time.Second,
		RequestTimeout: 30 * time.Second,
		Mode:           "single",
		Workers:        1,
		SmallFileLimit: 64 << 10,
		ChunkSize:      64 << 10,
		CacheEntries:   128,
	}
}

// New loads configuration from an optional YAML file, the environment
// and command-line flags.
func New() (*Config, error) {
	cfg := defaults()

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	file := fs.String("config", os.Getenv("RELAY_CONFIG"), "YAML config file path")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	fs.StringVar(&cfg.Env, "env", cfg.Env, "environment (development/production)")
	fs.StringVar(&cfg.Root, "root", cfg.Root, "file transfer root directory")
	fs.Int64Var(&cfg.BodyLimit, "body-limit", cfg.BodyLimit, "request body ceiling in bytes")
	fs.DurationVar(&cfg.StageTimeout, "stage-timeout", cfg.StageTimeout, "per-stage timeout")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "per-request timeout")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "fan-out mode (single/process/thread)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "worker count for process/thread mode")
	fs.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate file")
	fs.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS key file")

	// The file and environment apply before flags so explicit flags win.
	// Parse twice: once to learn -config, once onto the merged base.
	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}
	if *file != "" {
		if err := cfg.loadFile(*file); err != nil {
			return nil, err
		}
	}
	cfg.loadEnv()
	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("RELAY_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("RELAY_ROOT"); v != "" {
		c.Root = v
	}
	if v := os.Getenv("RELAY_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("RELAY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Workers = n
		}
	}
	if v := os.Getenv("RELAY_BODY_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.BodyLimit = n
		}
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	switch c.Mode {
	case "single", "process", "thread":
	default:
		return fmt.Errorf("config: invalid mode %q", c.Mode)
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("config: cert and key must be set together")
	}
	return nil
}

// Production reports whether the environment is production.
func (c *Config) Production() bool { return c.Env == "production" }

// Addr is the listen address for the configured port.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }
