// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	strutil "certmint/pkg/platform/strings"
)

const (
	SignerModeApproval = "approval"
	SignerModeKeypair  = "keypair"
)

// Config is the full process configuration.
type Config struct {
	Server   Server
	Log      Log
	Mint     Mint
	Issuance Issuance
	Signer   Signer
	Redis    RedisConfig
	Database Database
	Kafka    Kafka
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	AdminToken      string
	MaxImageBytes   int64
	ShutdownTimeout time.Duration
}

type Log struct {
	Level  string
	Format string
}

// Mint configures the remote mint service client.
type Mint struct {
	URL              string
	APIKey           string
	Timeout          time.Duration
	FailureThreshold int
	OpenTimeout      time.Duration
}

// Issuance tunes the coordinator.
type Issuance struct {
	ConfirmTimeout       time.Duration
	ConstructMaxAttempts int
	ConstructBackoff     time.Duration
}

type Signer struct {
	Mode    string
	Keypair string
	Timeout time.Duration
}

// RedisConfig selects the Redis attempt store when URL is set.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Database selects the Postgres attempt store when URL is set and Redis is not.
type Database struct {
	URL          string
	MaxOpenConns int
}

// Kafka enables outcome events when Brokers is non-empty.
type Kafka struct {
	Brokers []string
	Topic   string
}

// FromEnv builds the config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}
	cfg := Config{
		Server: Server{
			Addr:            r.str("CERTMINT_ADDR", ":8080"),
			AdminToken:      r.str("ADMIN_TOKEN", ""),
			MaxImageBytes:   r.integer64("MAX_IMAGE_BYTES", 10<<20),
			ShutdownTimeout: r.duration("SHUTDOWN_TIMEOUT", 90*time.Second),
		},
		Log: Log{
			Level:  strings.ToLower(r.str("LOG_LEVEL", "info")),
			Format: strings.ToLower(r.str("LOG_FORMAT", "json")),
		},
		Mint: Mint{
			URL:              r.str("MINT_SERVICE_URL", ""),
			APIKey:           r.str("MINT_SERVICE_API_KEY", ""),
			Timeout:          r.duration("MINT_SERVICE_TIMEOUT", 30*time.Second),
			FailureThreshold: r.integer("MINT_CIRCUIT_FAILURES", 5),
			OpenTimeout:      r.duration("MINT_CIRCUIT_OPEN_TIMEOUT", 30*time.Second),
		},
		Issuance: Issuance{
			ConfirmTimeout:       r.duration("CONFIRM_TIMEOUT", 60*time.Second),
			ConstructMaxAttempts: r.integer("CONSTRUCT_MAX_ATTEMPTS", 3),
			ConstructBackoff:     r.duration("CONSTRUCT_BACKOFF", 200*time.Millisecond),
		},
		Signer: Signer{
			Mode:    strings.ToLower(r.str("SIGNER_MODE", SignerModeApproval)),
			Keypair: r.str("SIGNER_KEYPAIR", ""),
			Timeout: r.duration("SIGNING_TIMEOUT", 15*time.Minute),
		},
		Redis: RedisConfig{
			URL:          r.str("REDIS_URL", ""),
			PoolSize:     r.integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: r.integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  r.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  r.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: r.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Database: Database{
			URL:          r.str("DATABASE_URL", ""),
			MaxOpenConns: r.integer("DATABASE_MAX_OPEN_CONNS", 10),
		},
		Kafka: Kafka{
			Brokers: r.list("KAFKA_BROKERS"),
			Topic:   r.str("OUTCOME_TOPIC", "certmint.issuance.outcomes"),
		},
	}
	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Mint.URL == "" {
		errs = append(errs, errors.New("MINT_SERVICE_URL is required"))
	}
	if c.Server.MaxImageBytes <= 0 {
		errs = append(errs, errors.New("MAX_IMAGE_BYTES must be positive"))
	}
	if c.Issuance.ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("CONFIRM_TIMEOUT must be positive"))
	}
	// Shutdown waits for in-flight confirms, so it must outlast them.
	if c.Server.ShutdownTimeout <= c.Issuance.ConfirmTimeout {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must exceed CONFIRM_TIMEOUT"))
	}
	if c.Issuance.ConstructMaxAttempts < 1 {
		errs = append(errs, errors.New("CONSTRUCT_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Mint.Timeout <= 0 {
		errs = append(errs, errors.New("MINT_SERVICE_TIMEOUT must be positive"))
	}
	switch c.Signer.Mode {
	case SignerModeApproval:
	case SignerModeKeypair:
		if c.Signer.Keypair == "" {
			errs = append(errs, errors.New("SIGNER_KEYPAIR is required when SIGNER_MODE=keypair"))
		}
	default:
		errs = append(errs, fmt.Errorf("SIGNER_MODE must be %q or %q", SignerModeApproval, SignerModeKeypair))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is not json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}

type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) integer64(key string, def int64) int64 {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) list(key string) []string {
	return strutil.SplitList(r.getenv(key), ",")
}
