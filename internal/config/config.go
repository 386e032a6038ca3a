package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds everything the nextup server needs at startup.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Hub     HubConfig     `yaml:"hub"`
	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
	Codes   CodesConfig   `yaml:"codes"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	StreamKeepalive time.Duration `yaml:"stream_keepalive"`
	PublishRate     float64       `yaml:"publish_rate"`
	// RequireIfMatch rejects unconditional record PUTs with 428.
	RequireIfMatch bool `yaml:"require_if_match"`
}

// StoreConfig selects the key-value backend. Path is the badger directory or
// the sqlite file name, DSN is used by postgres only.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
	// BadgerValueLogSize caps each badger value log file in bytes; 0 keeps
	// the store default.
	BadgerValueLogSize int64 `yaml:"badger_vlog_size"`
}

type HubConfig struct {
	Monotonic bool `yaml:"monotonic"`
}

// NATSConfig enables the cross-process room relay when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig: an empty Addr serves /metrics on the main router.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type CodesConfig struct {
	Attempts int  `yaml:"attempts"`
	Strict   bool `yaml:"strict"`
}

const (
	DriverBadger   = "badger"
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":9000",
			ShutdownTimeout: 10 * time.Second,
			StreamKeepalive: 15 * time.Second,
			PublishRate:     10,
		},
		Store: StoreConfig{
			Driver: DriverBadger,
			Path:   "nextup-data",
		},
		Hub:   HubConfig{Monotonic: true},
		NATS:  NATSConfig{SubjectPrefix: "nextup.rooms"},
		Log:   LogConfig{Level: "info", Format: "text"},
		Codes: CodesConfig{Attempts: 12},
	}
}

// Load reads .env (if any), then the YAML file, then environment overrides.
// A missing YAML file is not an error: defaults plus environment are used.
func Load(filename string) (*Config, error) {
	// .env is optional outside of local development
	_ = godotenv.Load()

	cfg := Default()
	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", filename, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("NEXTUP_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("NEXTUP_SHUTDOWN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid NEXTUP_SHUTDOWN_TIMEOUT value: %w", err)
		}
		cfg.Server.ShutdownTimeout = d
	}
	if v := os.Getenv("NEXTUP_STREAM_KEEPALIVE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid NEXTUP_STREAM_KEEPALIVE value: %w", err)
		}
		cfg.Server.StreamKeepalive = d
	}
	if v := os.Getenv("NEXTUP_PUBLISH_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid NEXTUP_PUBLISH_RATE value: %w", err)
		}
		cfg.Server.PublishRate = f
	}
	if v := os.Getenv("NEXTUP_REQUIRE_IF_MATCH"); v != "" {
		cfg.Server.RequireIfMatch = v == "true"
	}
	if v := os.Getenv("NEXTUP_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("NEXTUP_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("NEXTUP_BADGER_VLOG_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid NEXTUP_BADGER_VLOG_SIZE value: %w", err)
		}
		cfg.Store.BadgerValueLogSize = n
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("NEXTUP_HUB_MONOTONIC"); v != "" {
		cfg.Hub.Monotonic = v == "true"
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("NEXTUP_CODE_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid NEXTUP_CODE_ATTEMPTS value: %w", err)
		}
		cfg.Codes.Attempts = n
	}
	if v := os.Getenv("NEXTUP_CODE_STRICT"); v != "" {
		cfg.Codes.Strict = v == "true"
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverBadger, DriverSqlite, DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store driver %q requires a dsn (DATABASE_URL)", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.BadgerValueLogSize < 0 {
		return fmt.Errorf("store.badger_vlog_size must not be negative, got %d", c.Store.BadgerValueLogSize)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive, got %s", c.Server.ShutdownTimeout)
	}
	if c.Server.StreamKeepalive <= 0 {
		return fmt.Errorf("server.stream_keepalive must be positive, got %s", c.Server.StreamKeepalive)
	}
	if c.Server.PublishRate <= 0 {
		return fmt.Errorf("server.publish_rate must be positive, got %v", c.Server.PublishRate)
	}
	if c.Codes.Attempts <= 0 {
		return fmt.Errorf("codes.attempts must be positive, got %d", c.Codes.Attempts)
	}
	return nil
}
