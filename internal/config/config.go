// Package config loads and validates application configuration from a
// yaml file with environment variable overrides for credentials.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig                 `mapstructure:"server"`
	Database     DatabaseConfig               `mapstructure:"database"`
	Environments map[string]EnvironmentConfig `mapstructure:"environments"`
	Bulk         BulkConfig                   `mapstructure:"bulk"`
	Logger       LoggerConfig                 `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds sqlite configuration for the job history store.
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
}

// EnvironmentConfig is one remote claims endpoint. The api key always
// comes from an environment variable, never the yaml file.
type EnvironmentConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// BulkConfig tunes the bulk processing pipeline.
type BulkConfig struct {
	UploadDir    string        `mapstructure:"upload_dir"`
	ProcessedDir string        `mapstructure:"processed_dir"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchDelay   time.Duration `mapstructure:"batch_delay"`
	Concurrency  int           `mapstructure:"concurrency"`
	WindowDelay  time.Duration `mapstructure:"window_delay"`
	PollRetries  int           `mapstructure:"poll_retries"`
	PollDelay    time.Duration `mapstructure:"poll_delay"`
}

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load reads configuration from the file and environment variables.
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	bindEnvVars()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	// Database defaults
	viper.SetDefault("database.path", "data/claims.db")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	viper.SetDefault("database.migrations_dir", "migrations")

	// Remote environment defaults
	viper.SetDefault("environments.qa.base_url", "https://qa-mis.apeiro-digital.com/v1")
	viper.SetDefault("environments.qa.timeout", 10*time.Second)
	viper.SetDefault("environments.development.base_url", "https://dev-mis.apeiro-digital.com/v1")
	viper.SetDefault("environments.development.timeout", 10*time.Second)

	// Bulk pipeline defaults
	viper.SetDefault("bulk.upload_dir", "uploads")
	viper.SetDefault("bulk.processed_dir", "processed")
	viper.SetDefault("bulk.batch_size", 1000)
	viper.SetDefault("bulk.batch_delay", 100*time.Millisecond)
	viper.SetDefault("bulk.concurrency", 5)
	viper.SetDefault("bulk.window_delay", 50*time.Millisecond)
	viper.SetDefault("bulk.poll_retries", 3)
	viper.SetDefault("bulk.poll_delay", 5*time.Second)

	// Logger defaults
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.output_path", "stdout")
	viper.SetDefault("logger.format", "json")
}

// bindEnvVars binds environment variables to configuration.
func bindEnvVars() {
	// Sensitive credentials from environment
	viper.BindEnv("environments.qa.api_key", "QA_API_KEY")
	viper.BindEnv("environments.development.api_key", "DEV_API_KEY")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Environments) == 0 {
		return fmt.Errorf("at least one remote environment is required")
	}
	for name, env := range c.Environments {
		if env.BaseURL == "" {
			return fmt.Errorf("environments.%s.base_url is required", name)
		}
	}
	if c.Bulk.Concurrency < 1 {
		return fmt.Errorf("bulk.concurrency must be at least 1")
	}
	if c.Bulk.BatchSize < 1 {
		return fmt.Errorf("bulk.batch_size must be at least 1")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// Environment returns the named remote endpoint configuration.
func (c *Config) Environment(name string) (EnvironmentConfig, bool) {
	env, ok := c.Environments[name]
	return env, ok
}
