package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string) (*GovernanceConfig, error) {
	v := viper.New()

	// Set defaults matching DefaultGovernanceConfig
	d := DefaultGovernanceConfig()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.max_connections", d.Server.MaxConnections)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout.String())
	v.SetDefault("server.metrics_addr", d.Server.MetricsAddr)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("audit.mode", d.Audit.Mode)
	v.SetDefault("audit.workers", d.Audit.Workers)
	v.SetDefault("audit.buffer", d.Audit.Buffer)
	v.SetDefault("audit.write_timeout", d.Audit.WriteTimeout.String())
	v.SetDefault("audit.store_snapshot", d.Audit.StoreSnapshot)
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.ttl", d.Cache.TTL.String())
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.channel", d.Redis.Channel)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.timeout", d.Tracing.Timeout.String())

	// Bind environment variables with GOV_ prefix
	v.SetEnvPrefix("GOV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Security check: reject secrets in config files
	// Secrets must be environment-only per 12-factor principles
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	cfg := &GovernanceConfig{
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			MaxConnections: v.GetInt("server.max_connections"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
			MetricsAddr:    v.GetString("server.metrics_addr"),
		},
		Database: DatabaseConfig{
			URL: v.GetString("database.url"),
		},
		Audit: AuditConfig{
			Mode:          v.GetString("audit.mode"),
			Workers:       v.GetInt("audit.workers"),
			Buffer:        v.GetInt("audit.buffer"),
			WriteTimeout:  v.GetDuration("audit.write_timeout"),
			StoreSnapshot: v.GetBool("audit.store_snapshot"),
		},
		Cache: CacheConfig{
			Enabled: v.GetBool("cache.enabled"),
			TTL:     v.GetDuration("cache.ttl"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
			Password: RedisPassword(),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
		Tracing: TracingConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			Endpoint:    v.GetString("tracing.endpoint"),
			Insecure:    v.GetBool("tracing.insecure"),
			SampleRatio: v.GetFloat64("tracing.sample_ratio"),
			ServiceName: v.GetString("tracing.service_name"),
			Timeout:     v.GetDuration("tracing.timeout"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig checks ranges and enumerations.
func validateConfig(cfg *GovernanceConfig) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.Audit.Mode != "sync" && cfg.Audit.Mode != "async" {
		return fmt.Errorf("audit.mode must be sync or async, got %q", cfg.Audit.Mode)
	}
	if cfg.Audit.Workers <= 0 {
		return fmt.Errorf("audit.workers must be positive, got %d", cfg.Audit.Workers)
	}
	if cfg.Audit.Buffer <= 0 {
		return fmt.Errorf("audit.buffer must be positive, got %d", cfg.Audit.Buffer)
	}
	if cfg.Audit.WriteTimeout <= 0 {
		return fmt.Errorf("audit.write_timeout must be positive, got %v", cfg.Audit.WriteTimeout)
	}
	if cfg.Cache.Enabled && cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive when the cache is enabled, got %v", cfg.Cache.TTL)
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format)
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %v", cfg.Tracing.SampleRatio)
	}
	if cfg.Tracing.Enabled {
		if cfg.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
		}
		if cfg.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		if cfg.Tracing.Timeout <= 0 {
			return fmt.Errorf("tracing.timeout must be positive, got %v", cfg.Tracing.Timeout)
		}
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
// Only the config file is checked; GOV_* variables are the supported channel.
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("redis.password") {
		return fmt.Errorf("redis passwords not allowed in config files (use GOV_REDIS_PASSWORD environment variable)")
	}
	if v.InConfig("database.password") {
		return fmt.Errorf("database passwords not allowed in config files (use GOV_DATABASE_URL environment variable)")
	}
	// GetString would return the environment value when both are set.
	if v.InConfig("database.url") && os.Getenv("GOV_DATABASE_URL") == "" {
		if u, err := url.Parse(v.GetString("database.url")); err == nil && u.User != nil {
			if _, ok := u.User.Password(); ok {
				return fmt.Errorf("database credentials not allowed in config files (use GOV_DATABASE_URL environment variable)")
			}
		}
	}
	return nil
}
