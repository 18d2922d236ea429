// Package config provides configuration management for governance services.
package config

import (
	"os"
	"time"
)

// GovernanceConfig holds configuration for the governance service.
type GovernanceConfig struct {
	Server   ServerConfig
	Database DatabaseConfig
	Audit    AuditConfig
	Cache    CacheConfig
	Redis    RedisConfig
	Log      LogConfig
	Tracing  TracingConfig
}

// ServerConfig holds configuration for the gRPC API and metrics listener.
type ServerConfig struct {
	Host           string
	Port           int
	MaxConnections int
	RequestTimeout time.Duration
	MetricsAddr    string // empty disables the metrics listener
}

// DatabaseConfig holds the connection URL (sqlite:// or postgres://).
type DatabaseConfig struct {
	URL string
}

// AuditConfig controls how evaluation records are written.
type AuditConfig struct {
	Mode          string // sync | async
	Workers       int
	Buffer        int
	WriteTimeout  time.Duration
	StoreSnapshot bool
}

// CacheConfig controls the rule set cache.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

// RedisConfig enables cross-instance cache invalidation when Addr is set.
// Password comes from GOV_REDIS_PASSWORD only.
type RedisConfig struct {
	Addr     string
	DB       int
	Channel  string
	Password string
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string // debug | info | warn | error
	Format string // json | text
}

// TracingConfig controls span export over OTLP/gRPC.
type TracingConfig struct {
	Enabled     bool
	Endpoint    string // host:port of the OTLP collector
	Insecure    bool
	SampleRatio float64 // 0..1, applied to root spans
	ServiceName string
	Timeout     time.Duration
}

// DefaultGovernanceConfig returns configuration with default values.
func DefaultGovernanceConfig() *GovernanceConfig {
	return &GovernanceConfig{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           50061,
			MaxConnections: 1000,
			RequestTimeout: 10 * time.Second,
			MetricsAddr:    ":9090",
		},
		Database: DatabaseConfig{
			URL: "sqlite://./data/governance.db",
		},
		Audit: AuditConfig{
			Mode:          "sync",
			Workers:       4,
			Buffer:        256,
			WriteTimeout:  5 * time.Second,
			StoreSnapshot: true,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     30 * time.Second,
		},
		Redis: RedisConfig{
			Channel: "governance:ruleset-invalidations",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			SampleRatio: 1,
			ServiceName: "governance",
			Timeout:     10 * time.Second,
		},
	}
}

// RedisPassword reads the redis password from the environment.
func RedisPassword() string {
	return os.Getenv("GOV_REDIS_PASSWORD")
}
