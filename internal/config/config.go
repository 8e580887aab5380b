package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates application configuration values.
type Config struct {
	HTTP     HTTPConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Provider ProviderConfig
	HostSys  HostSysConfig
	Logging  LoggingConfig
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Host              string
	Port              int
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

// DatabaseConfig describes connectivity to Postgres.
type DatabaseConfig struct {
	DSN          string
	MaxOpenConns int
}

// RedisConfig controls the optional account-lookup cache. An empty Addr
// disables caching.
type RedisConfig struct {
	Addr     string
	CacheTTL time.Duration
}

// ProviderConfig describes the payment provider API used by the poll path
// and the static merchant accounts, when not stored in the database.
type ProviderConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	PollInterval   time.Duration
	PollWorkers    int
	// StaticAccounts holds "processorID:apiKey" pairs parsed from
	// PROCESSOR_KEYS; when empty, accounts are resolved from the database.
	StaticAccounts map[string]string
}

// HostSysConfig describes the host financial system that owns completion
// and cancellation of the underlying records.
type HostSysConfig struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
}

const (
	defaultHost              = "0.0.0.0"
	defaultPort              = 8080
	defaultReadTimeout       = 10 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second
	defaultWriteTimeout      = 15 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultRequestTimeout    = 10 * time.Second
	defaultPollInterval      = 5 * time.Minute
	defaultPollWorkers       = 4
	defaultCacheTTL          = 5 * time.Minute
	defaultLoggingLevel      = "info"
	defaultLoggingFormat     = "text"
)

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTP: HTTPConfig{
			Host:              valueOrDefault("SERVER_HOST", defaultHost),
			ReadTimeout:       defaultReadTimeout,
			ReadHeaderTimeout: defaultReadHeaderTimeout,
			WriteTimeout:      defaultWriteTimeout,
			IdleTimeout:       defaultIdleTimeout,
			ShutdownTimeout:   defaultShutdownTimeout,
		},
		Database: DatabaseConfig{
			DSN:          os.Getenv("DATABASE_DSN"),
			MaxOpenConns: parseIntWithDefault("DATABASE_MAX_OPEN_CONNS", 0),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			CacheTTL: defaultCacheTTL,
		},
		Provider: ProviderConfig{
			BaseURL:        os.Getenv("PROVIDER_BASE_URL"),
			APIKey:         os.Getenv("PROVIDER_API_KEY"),
			RequestTimeout: defaultRequestTimeout,
			PollInterval:   defaultPollInterval,
			PollWorkers:    parseIntWithDefault("PROVIDER_POLL_WORKERS", defaultPollWorkers),
		},
		HostSys: HostSysConfig{
			BaseURL:        os.Getenv("HOSTSYS_BASE_URL"),
			Token:          os.Getenv("HOSTSYS_TOKEN"),
			RequestTimeout: defaultRequestTimeout,
		},
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", defaultLoggingLevel),
			Format:        valueOrDefault("LOG_FORMAT", defaultLoggingFormat),
			IncludeCaller: parseBoolWithDefault("LOG_INCLUDE_CALLER", false),
		},
	}

	port, err := parsePort("SERVER_PORT", defaultPort)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTP.Port = port

	for key, target := range map[string]*time.Duration{
		"SERVER_READ_TIMEOUT":        &cfg.HTTP.ReadTimeout,
		"SERVER_READ_HEADER_TIMEOUT": &cfg.HTTP.ReadHeaderTimeout,
		"SERVER_WRITE_TIMEOUT":       &cfg.HTTP.WriteTimeout,
		"SERVER_IDLE_TIMEOUT":        &cfg.HTTP.IdleTimeout,
		"SERVER_SHUTDOWN_TIMEOUT":    &cfg.HTTP.ShutdownTimeout,
		"REDIS_CACHE_TTL":            &cfg.Redis.CacheTTL,
		"PROVIDER_REQUEST_TIMEOUT":   &cfg.Provider.RequestTimeout,
		"PROVIDER_POLL_INTERVAL":     &cfg.Provider.PollInterval,
		"HOSTSYS_REQUEST_TIMEOUT":    &cfg.HostSys.RequestTimeout,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", key, err)
			}
			*target = d
		}
	}

	accounts, err := parseStaticAccounts(os.Getenv("PROCESSOR_KEYS"))
	if err != nil {
		return Config{}, err
	}
	cfg.Provider.StaticAccounts = accounts

	return cfg, nil
}

// parseStaticAccounts parses "1:key-one,2:key-two" into a map.
func parseStaticAccounts(csv string) (map[string]string, error) {
	if csv == "" {
		return nil, nil
	}
	accounts := make(map[string]string)
	for _, pair := range strings.Split(csv, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, key, ok := strings.Cut(pair, ":")
		if !ok || id == "" || key == "" {
			return nil, fmt.Errorf("invalid PROCESSOR_KEYS entry %q", pair)
		}
		accounts[id] = key
	}
	return accounts, nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseIntWithDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return fallback
}

func parsePort(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("port %d is out of range", port)
		}
		return port, nil
	}
	return fallback, nil
}
