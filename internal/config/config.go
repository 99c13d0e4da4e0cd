// Package config loads the server configuration from environment
// variables and an optional YAML file, viper underneath.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the HTTP and lifecycle settings
type ServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// RedisConfig holds the optional Redis lock settings. With no address the
// engine falls back to a Postgres advisory lock.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EngineConfig tunes the consistency engine
type EngineConfig struct {
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	ProviderRateLimit float64       `mapstructure:"provider_rate_limit"`
	ProviderRateBurst int           `mapstructure:"provider_rate_burst"`
	LogLevel          string        `mapstructure:"log_level"`
}

// Config is the complete server configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

// Load reads configuration from BEARING_-prefixed environment variables
// and, when present, the file named by BEARING_CONFIG.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BEARING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("engine.sweep_interval", 15*time.Minute)
	v.SetDefault("engine.provider_rate_limit", 10.0)
	v.SetDefault("engine.provider_rate_burst", 10)
	v.SetDefault("engine.log_level", "info")

	if path := v.GetString("CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
