package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the backlot services
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Signing   SigningConfig   `mapstructure:"signing"`
	Promotion PromotionConfig `mapstructure:"promotion"`
	Retention RetentionConfig `mapstructure:"retention"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// StorageConfig groups the backing stores
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	// ContentDir is where ingested file content is read from when no
	// external file service is configured.
	ContentDir string `mapstructure:"content_dir"`
}

// PostgresConfig contains relational store connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN constructs a postgres connection string from the configuration.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres configuration incomplete: host/dbname required")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains queue/bus connection settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SigningConfig holds the server-side provenance signing key
type SigningConfig struct {
	Secret string `mapstructure:"secret"`
}

// PromotionConfig tunes the promotion engine
type PromotionConfig struct {
	PurgeStagingOnSuccess bool    `mapstructure:"purge_staging_on_success"`
	DefaultMinConfidence  float64 `mapstructure:"default_min_confidence"`
}

// RetentionConfig drives the staged-data janitor
type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// TelemetryConfig contains metrics settings
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Validate checks invariants that cannot be expressed as defaults.
func (c *Config) Validate() error {
	if c.Signing.Secret == "" {
		return fmt.Errorf("signing.secret is required")
	}
	if c.Promotion.DefaultMinConfidence < 0 || c.Promotion.DefaultMinConfidence > 1 {
		return fmt.Errorf("promotion.default_min_confidence must be within [0,1]")
	}
	if c.Retention.Enabled && c.Retention.Schedule == "" {
		return fmt.Errorf("retention.schedule is required when retention is enabled")
	}
	return nil
}

// LoadConfig reads configuration from file and environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("backlot")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/backlot")
	}

	v.SetEnvPrefix("BACKLOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// config file is optional; env/defaults may carry the whole config
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":10040")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.content_dir", "./data/files")
	v.SetDefault("promotion.default_min_confidence", 0.8)
	v.SetDefault("retention.schedule", "0 */6 * * *")
	v.SetDefault("retention.max_age", 24*time.Hour)
	v.SetDefault("telemetry.enabled", true)
}
