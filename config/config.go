// Package config loads service settings from the environment.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

const (
	StorageMemory   = "memory"
	StorageTables   = "tables"
	StoragePostgres = "postgres"

	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Config is the full service configuration.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	// FunctionsPort overrides the listen port when running as an Azure
	// Functions custom handler.
	FunctionsPort string `env:"FUNCTIONS_CUSTOMHANDLER_PORT"`
	Debug         bool   `env:"DEBUG,default=false"`
	LogFormat     string `env:"LOG_FORMAT,default=text"`
	TraceStdout   bool   `env:"TRACE_STDOUT,default=false"`

	StorageBackend   string `env:"STORAGE_BACKEND,default=memory"`
	StorageConnStr   string `env:"STORAGE_CONNECTION_STRING"`
	TasksTable       string `env:"TASKS_TABLE,default=tasks"`
	PostgresDSN      string `env:"POSTGRES_DSN"`
	MigrateOnStartup bool   `env:"POSTGRES_MIGRATE,default=true"`

	CacheBackend string        `env:"CACHE_BACKEND,default=memory"`
	CacheTTL     time.Duration `env:"CACHE_TTL,default=30s"`
	CacheSize    int           `env:"CACHE_SIZE,default=1024"`
	RedisConn    string        `env:"REDIS_CONNECTION_STRING"`

	EventsChannel       string        `env:"EVENTS_CHANNEL,default=tasks:events"`
	EventsQueue         string        `env:"EVENTS_QUEUE"`
	EventWorkers        int           `env:"EVENT_WORKERS,default=4"`
	EventBuffer         int           `env:"EVENT_BUFFER,default=256"`
	EventHandoffTimeout time.Duration `env:"EVENT_HANDOFF_TIMEOUT,default=15ms"`
	EventTimeout        time.Duration `env:"EVENT_TIMEOUT,default=5s"`

	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL,default=24h"`

	Auth0Domain       string        `env:"AUTH0_DOMAIN"`
	Auth0Audience     string        `env:"AUTH0_AUDIENCE"`
	LocalAuthSecret   string        `env:"LOCAL_AUTH_SHARED_SECRET"`
	LocalAuthAudience string        `env:"LOCAL_AUTH_AUDIENCE"`
	LocalAuthIssuer   string        `env:"LOCAL_AUTH_ISSUER"`
	JWKSCacheTTL      time.Duration `env:"JWKS_CACHE_TTL,default=15m"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS,default=0"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST,default=20"`
}

// Load reads an optional .env file, then the environment, and validates the
// result. Variables already set in the environment win over the file.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(cfg.CacheBackend))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if cfg.FunctionsPort != "" {
		cfg.ListenAddr = ":" + cfg.FunctionsPort
	}
	return cfg, cfg.Validate()
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageBackend {
	case StorageMemory:
	case StorageTables:
		if c.StorageConnStr == "" {
			errs = append(errs, errors.New("STORAGE_CONNECTION_STRING is required for the tables backend"))
		}
		if c.TasksTable == "" {
			errs = append(errs, errors.New("TASKS_TABLE must not be empty"))
		}
	case StoragePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported STORAGE_BACKEND %q", c.StorageBackend))
	}

	switch c.CacheBackend {
	case CacheMemory:
		if c.CacheSize <= 0 {
			errs = append(errs, errors.New("CACHE_SIZE must be greater than zero"))
		}
	case CacheRedis:
		if c.RedisConn == "" {
			errs = append(errs, errors.New("REDIS_CONNECTION_STRING is required for the redis cache"))
		}
	case CacheNone:
	default:
		errs = append(errs, fmt.Errorf("unsupported CACHE_BACKEND %q", c.CacheBackend))
	}
	if c.CacheBackend != CacheNone && c.CacheTTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be positive unless CACHE_BACKEND is none"))
	}

	if c.EventsQueue != "" && c.StorageConnStr == "" {
		errs = append(errs, errors.New("STORAGE_CONNECTION_STRING is required when EVENTS_QUEUE is set"))
	}
	if c.EventWorkers <= 0 || c.EventBuffer < 0 {
		errs = append(errs, errors.New("EVENT_WORKERS must be positive and EVENT_BUFFER non-negative"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL must be positive"))
	}

	if c.LocalAuthSecret == "" && (c.Auth0Domain == "" || c.Auth0Audience == "") {
		errs = append(errs, errors.New("either LOCAL_AUTH_SHARED_SECRET or AUTH0_DOMAIN and AUTH0_AUDIENCE must be set"))
	}
	if c.JWKSCacheTTL <= 0 {
		errs = append(errs, errors.New("JWKS_CACHE_TTL must be positive"))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS must not be negative"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unsupported LOG_FORMAT %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// UsesRedis reports whether any component needs a Redis client.
func (c Config) UsesRedis() bool {
	return c.RedisConn != ""
}

// RedisOptions parses REDIS_CONNECTION_STRING. Besides redis:// URLs it
// accepts the Azure Cache form "host:port,password=...,ssl=true".
func (c Config) RedisOptions() (*redis.Options, error) {
	if c.RedisConn == "" {
		return nil, errors.New("REDIS_CONNECTION_STRING is not set")
	}
	if opts, err := redis.ParseURL(c.RedisConn); err == nil {
		return opts, nil
	}
	parts := strings.Split(c.RedisConn, ",")
	if strings.Contains(parts[0], "://") || strings.TrimSpace(parts[0]) == "" {
		return nil, fmt.Errorf("invalid REDIS_CONNECTION_STRING")
	}
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

// AuthIssuerAndJWKS derives the Auth0 issuer and JWKS URL from AUTH0_DOMAIN.
func (c Config) AuthIssuerAndJWKS() (issuer, jwksURL string) {
	return "https://" + c.Auth0Domain + "/", fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth0Domain)
}
