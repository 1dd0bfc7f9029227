package main

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/tabdil/creditledger/internal/logger"
)

const (
	defaultListenAddr   = "localhost:8000"
	defaultLoggingLevel = logger.LevelInfo
	defaultEnvironment  = logger.EnvProduction

	defaultOpTimeout            = 5 * time.Second
	defaultCacheTTL             = 30 * time.Second
	defaultInProgressTimeout    = 15 * time.Minute
	defaultIdempotencyRetention = 48 * time.Hour
	defaultPurgeInterval        = 1 * time.Hour
)

type Config struct {
	// Default logging level
	LogLevel string

	// Environment (dev, prod); selects logger format
	Environment string

	// Address on which the ledger service will be run
	ListenAddr string

	// Database to connect to
	DatabaseDSN string

	// Upper bound for a single ledger operation
	OpTimeout time.Duration

	// How long fast balance reads may serve a cached snapshot
	CacheTTL time.Duration

	// Age after which an unfinished idempotency reservation may be retried
	InProgressTimeout time.Duration

	// How long finalized idempotency records are kept for retry replay
	IdempotencyRetention time.Duration

	// How often the retention purge runs
	PurgeInterval time.Duration
}

func NewConfig() *Config {
	return &Config{
		LogLevel:             defaultLoggingLevel,
		Environment:          defaultEnvironment,
		ListenAddr:           defaultListenAddr,
		OpTimeout:            defaultOpTimeout,
		CacheTTL:             defaultCacheTTL,
		InProgressTimeout:    defaultInProgressTimeout,
		IdempotencyRetention: defaultIdempotencyRetention,
		PurgeInterval:        defaultPurgeInterval,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		c.LoadEnv(func(key string) string {
			return envMap[key]
		})
		return nil
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) {
		return func(value string) {
			if value != "" {
				*o = value
			}
		}
	}
	setDuration := func(o *time.Duration) func(value string) {
		return func(value string) {
			if value == "" {
				return
			}
			if d, err := time.ParseDuration(value); err == nil {
				*o = d
			}
		}
	}

	envMap := map[string]func(string){
		"RUN_ADDRESS":           setString(&c.ListenAddr),
		"DATABASE_URI":          setString(&c.DatabaseDSN),
		"LOG_LEVEL":             setString(&c.LogLevel),
		"ENVIRONMENT":           setString(&c.Environment),
		"OP_TIMEOUT":            setDuration(&c.OpTimeout),
		"CACHE_TTL":             setDuration(&c.CacheTTL),
		"IN_PROGRESS_TIMEOUT":   setDuration(&c.InProgressTimeout),
		"IDEMPOTENCY_RETENTION": setDuration(&c.IdempotencyRetention),
		"PURGE_INTERVAL":        setDuration(&c.PurgeInterval),
	}

	for key, parseFn := range envMap {
		parseFn(getenv(key))
	}
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("creditledger", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.DurationVar(&c.OpTimeout, "op-timeout", c.OpTimeout, "Upper bound for a single ledger operation")
	fs.DurationVar(&c.CacheTTL, "cache-ttl", c.CacheTTL, "TTL for fast balance reads")
	fs.DurationVar(&c.InProgressTimeout, "in-progress-timeout", c.InProgressTimeout, "Stale idempotency reservation takeover age")
	fs.DurationVar(&c.IdempotencyRetention, "idempotency-retention", c.IdempotencyRetention, "Finalized idempotency record retention")
	fs.DurationVar(&c.PurgeInterval, "purge-interval", c.PurgeInterval, "Retention purge interval")

	return fs.Parse(args)
}

// Validate checks options that have no usable zero value
func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return errors.New("database DSN is required")
	}

	return nil
}
