// Package config loads the daemon configuration and the hot-reloadable
// job definitions the scheduler and pipelines consume.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"backupd/internal/pipeline"
	"backupd/internal/storage"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// BACKUPD_APP_SECRET.
const EnvPrefix = "BACKUPD"

// SourceConfig is one configured database source.
type SourceConfig struct {
	Kind     string `yaml:"kind"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// PasswordEnv names an environment variable holding the password,
	// taking precedence over Password so secrets stay out of the file.
	PasswordEnv string   `yaml:"password_env"`
	Databases   []string `yaml:"databases"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// SchedulerConfig bounds concurrent executions.
type SchedulerConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// NotifyConfig wires notification dispatch.
type NotifyConfig struct {
	Webhook *pipeline.WebhookConfig `yaml:"webhook"`
}

// Config is the daemon configuration file.
type Config struct {
	AppSecret string `yaml:"app_secret"`
	DataDir   string `yaml:"data_dir"`
	JobsFile  string `yaml:"jobs_file"`
	VaultPath string `yaml:"vault_path"`

	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Notify    NotifyConfig    `yaml:"notify"`

	// Storage maps target ids to backend configurations.
	Storage map[string]storage.Config `yaml:"storage"`
	// Sources maps source ids to database configurations.
	Sources map[string]SourceConfig `yaml:"sources"`
}

// Load reads the configuration file, applying defaults and environment
// overrides. An empty path searches the usual locations.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("backupd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/backupd")
		v.AddConfigPath("/etc/backupd")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("data_dir", "./data")
	v.SetDefault("log.level", "normal")
	v.SetDefault("log.format", "text")
	v.SetDefault("scheduler.max_concurrent", 2)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Secrets prefer the environment over the file.
	if secret := os.Getenv(EnvPrefix + "_APP_SECRET"); secret != "" {
		cfg.AppSecret = secret
	}

	if cfg.VaultPath == "" {
		cfg.VaultPath = filepath.Join(cfg.DataDir, "vault.json")
	}
	if cfg.JobsFile == "" {
		cfg.JobsFile = filepath.Join(cfg.DataDir, "jobs.yaml")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-references and per-target configuration.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be at least 1")
	}
	for id, target := range c.Storage {
		if err := target.Validate(); err != nil {
			return fmt.Errorf("storage target %q: %w", id, err)
		}
	}
	for id, source := range c.Sources {
		if source.Kind == "" {
			return fmt.Errorf("source %q: kind is required", id)
		}
		if source.Host == "" {
			return fmt.Errorf("source %q: host is required", id)
		}
	}
	return nil
}

// ExecutionsDir is where the file-backed execution store lives.
func (c *Config) ExecutionsDir() string {
	return filepath.Join(c.DataDir, "executions")
}
