// Package config loads service configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Sync     SyncConfig     `yaml:"sync"`
	NATS     NATSConfig     `yaml:"nats"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"logLevel"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type DatabaseConfig struct {
	// Enabled selects the Postgres mirror; otherwise the mirror is in memory.
	Enabled     bool          `yaml:"enabled"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database"`
	SSLMode     string        `yaml:"sslMode"`
	MaxConns    int32         `yaml:"maxConns"`
	MinConns    int32         `yaml:"minConns"`
	MaxConnTime time.Duration `yaml:"maxConnTime"`
	MaxIdleTime time.Duration `yaml:"maxIdleTime"`
	HealthCheck time.Duration `yaml:"healthCheck"`
}

// LedgerConfig selects and tunes the ledger transport.
type LedgerConfig struct {
	// Mode is "memory" (in-process reference ledger) or "grpc".
	Mode          string        `yaml:"mode"`
	Address       string        `yaml:"address"`
	SubmitTimeout time.Duration `yaml:"submitTimeout"`
	QueryTimeout  time.Duration `yaml:"queryTimeout"`
	SyncRetries   int           `yaml:"syncRetries"`
	SyncBackoff   time.Duration `yaml:"syncBackoff"`
}

type SyncConfig struct {
	SweepInterval    time.Duration `yaml:"sweepInterval"`
	SweepConcurrency int           `yaml:"sweepConcurrency"`
	Identities       []string      `yaml:"identities"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

type TracingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	OutputFile string `yaml:"outputFile"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "be-doc-approvals",
			Version:     "0.1.0",
			Environment: "development",
			LogLevel:    "info",
		},
		Server: ServerConfig{
			Port:            8086,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    90 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Database:    "doc_approvals",
			SSLMode:     "disable",
			MaxConns:    10,
			MinConns:    2,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
			HealthCheck: time.Minute,
		},
		Ledger: LedgerConfig{
			Mode:          "memory",
			Address:       "localhost:9095",
			SubmitTimeout: 60 * time.Second,
			QueryTimeout:  10 * time.Second,
			SyncRetries:   5,
			SyncBackoff:   200 * time.Millisecond,
		},
		Sync: SyncConfig{
			SweepInterval:    5 * time.Minute,
			SweepConcurrency: 8,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Stream:        "APPROVALS",
			SubjectPrefix: "notifications.approvals",
		},
	}
}

// Load reads CONFIG_FILE (if set) and applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	int32v := func(key string, dst *int32) {
		n := int(*dst)
		integer(key, &n)
		*dst = int32(n)
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("SERVICE_NAME", &c.Service.Name)
	str("SERVICE_VERSION", &c.Service.Version)
	str("ENVIRONMENT", &c.Service.Environment)
	str("LOG_LEVEL", &c.Service.LogLevel)

	integer("PORT", &c.Server.Port)
	duration("SERVER_READ_TIMEOUT", &c.Server.ReadTimeout)
	duration("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeout)
	duration("SERVER_IDLE_TIMEOUT", &c.Server.IdleTimeout)
	duration("SERVER_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	boolean("DB_ENABLED", &c.Database.Enabled)
	str("DB_HOST", &c.Database.Host)
	integer("DB_PORT", &c.Database.Port)
	str("DB_USER", &c.Database.User)
	str("DB_PASSWORD", &c.Database.Password)
	str("DB_NAME", &c.Database.Database)
	str("DB_SSLMODE", &c.Database.SSLMode)
	int32v("DB_MAX_CONNS", &c.Database.MaxConns)
	int32v("DB_MIN_CONNS", &c.Database.MinConns)

	str("LEDGER_MODE", &c.Ledger.Mode)
	str("LEDGER_GRPC_URL", &c.Ledger.Address)
	duration("LEDGER_SUBMIT_TIMEOUT", &c.Ledger.SubmitTimeout)
	duration("LEDGER_QUERY_TIMEOUT", &c.Ledger.QueryTimeout)
	integer("LEDGER_SYNC_RETRIES", &c.Ledger.SyncRetries)
	duration("LEDGER_SYNC_BACKOFF", &c.Ledger.SyncBackoff)

	duration("SYNC_SWEEP_INTERVAL", &c.Sync.SweepInterval)
	integer("SYNC_SWEEP_CONCURRENCY", &c.Sync.SweepConcurrency)
	if v, ok := lookup("SYNC_IDENTITIES"); ok && v != "" {
		c.Sync.Identities = splitList(v)
	}

	boolean("NATS_ENABLED", &c.NATS.Enabled)
	str("NATS_URL", &c.NATS.URL)
	str("NATS_STREAM", &c.NATS.Stream)
	str("NATS_SUBJECT_PREFIX", &c.NATS.SubjectPrefix)

	boolean("TRACING_ENABLED", &c.Tracing.Enabled)
	str("TRACING_OUTPUT_FILE", &c.Tracing.OutputFile)

	return stderrors.Join(errs...)
}

// Validate returns an aggregated error describing invalid settings or nil.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0"))
	}
	switch c.Ledger.Mode {
	case "memory":
	case "grpc":
		if c.Ledger.Address == "" {
			errs = append(errs, fmt.Errorf("ledger.address is required in grpc mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.mode %q is not one of memory|grpc", c.Ledger.Mode))
	}
	if c.Ledger.SubmitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ledger.submitTimeout must be > 0"))
	}
	if c.Ledger.QueryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ledger.queryTimeout must be > 0"))
	}
	if c.Sync.SweepConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("sync.sweepConcurrency must be > 0"))
	}
	if c.NATS.Enabled && (c.NATS.URL == "" || c.NATS.Stream == "") {
		errs = append(errs, fmt.Errorf("nats.url and nats.stream are required when nats is enabled"))
	}
	return stderrors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
