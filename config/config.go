// Package config loads platform configuration from YAML files and
// ROUNDTABLE_* environment variables via viper.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/logging"
	"github.com/hupe1980/roundtable/vault"
)

const (
	configName = "roundtable"
	configType = "yaml"
	envPrefix  = "ROUNDTABLE"

	keyFileMode = 0o600
	keyDirMode  = 0o700
)

// Config is the resolved platform configuration.
type Config struct {
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Session    SessionConfig    `mapstructure:"session"`
	Analysis   AnalysisConfig   `mapstructure:"analysis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// EncryptionConfig controls where the vault master key comes from. The key
// is resolved from the named environment variable first, then the key file.
// If neither yields a key, a fresh one is generated and saved to the file.
type EncryptionConfig struct {
	KeyEnvVar string `mapstructure:"key_env_var"`
	KeyFile   string `mapstructure:"key_file"`
}

// StorageConfig selects the slice and audit persistence backend.
type StorageConfig struct {
	Driver    string `mapstructure:"driver"` // memory or sqlite
	Path      string `mapstructure:"path"`
	AuditPath string `mapstructure:"audit_path"`
}

// CacheConfig controls the vault read cache.
type CacheConfig struct {
	Enabled bool  `mapstructure:"enabled"`
	MaxCost int64 `mapstructure:"max_cost"`
}

// SessionConfig controls orchestrator behavior.
type SessionConfig struct {
	GrantTTL              time.Duration `mapstructure:"grant_ttl"`
	CheckpointInterval    int           `mapstructure:"checkpoint_interval"`
	ExclusiveParticipants bool          `mapstructure:"exclusive_participants"`
}

// AnalysisConfig controls the behavioral analysis engine.
type AnalysisConfig struct {
	AutoApplyThreshold string `mapstructure:"auto_apply_threshold"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// Load reads configuration from the given paths (plus the working
// directory) and the environment. A missing config file is not an error;
// defaults apply.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(".")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("encryption.key_env_var", "ROUNDTABLE_MASTER_KEY")
	v.SetDefault("encryption.key_file", defaultKeyFile())
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.path", "roundtable.db")
	v.SetDefault("storage.audit_path", "")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_cost", int64(64<<20))
	v.SetDefault("session.grant_ttl", time.Hour)
	v.SetDefault("session.checkpoint_interval", 4)
	v.SetDefault("session.exclusive_participants", false)
	v.SetDefault("analysis.auto_apply_threshold", "high")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func defaultKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".roundtable.key"
	}
	return filepath.Join(home, ".roundtable", "master.key")
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return errors.New("storage.path is required for the sqlite driver")
	}
	if c.Session.CheckpointInterval < 0 {
		return errors.New("session.checkpoint_interval must not be negative")
	}
	switch c.Analysis.AutoApplyThreshold {
	case "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("unknown analysis.auto_apply_threshold %q", c.Analysis.AutoApplyThreshold)
	}
	return nil
}

// MasterKey resolves the vault master key. Resolution order: the
// environment variable named by encryption.key_env_var (hex encoded), then
// the key file, then generate a fresh key and persist it to the key file.
func (c *Config) MasterKey() ([]byte, error) {
	if c.Encryption.KeyEnvVar != "" {
		if raw := os.Getenv(c.Encryption.KeyEnvVar); raw != "" {
			key, err := hex.DecodeString(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("decode master key from %s: %w", c.Encryption.KeyEnvVar, err)
			}
			if len(key) != vault.MasterKeySize {
				return nil, fmt.Errorf("master key from %s must be %d bytes, got %d",
					c.Encryption.KeyEnvVar, vault.MasterKeySize, len(key))
			}
			return key, nil
		}
	}

	if c.Encryption.KeyFile != "" {
		raw, err := os.ReadFile(c.Encryption.KeyFile)
		switch {
		case err == nil:
			key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
			if err != nil {
				return nil, fmt.Errorf("decode master key file %s: %w", c.Encryption.KeyFile, err)
			}
			if len(key) != vault.MasterKeySize {
				return nil, fmt.Errorf("master key file %s must hold %d bytes, got %d",
					c.Encryption.KeyFile, vault.MasterKeySize, len(key))
			}
			return key, nil
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read master key file %s: %w", c.Encryption.KeyFile, err)
		}
	}

	key, err := vault.NewMasterKey()
	if err != nil {
		return nil, err
	}
	if c.Encryption.KeyFile != "" {
		if err := os.MkdirAll(filepath.Dir(c.Encryption.KeyFile), keyDirMode); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
		if err := os.WriteFile(c.Encryption.KeyFile, []byte(hex.EncodeToString(key)), keyFileMode); err != nil {
			return nil, fmt.Errorf("save master key file %s: %w", c.Encryption.KeyFile, err)
		}
	}
	return key, nil
}

// AutoApplyThreshold returns the parsed analysis threshold.
func (c *Config) AutoApplyThreshold() core.FeedbackPriority {
	return core.ParsePriority(c.Analysis.AutoApplyThreshold)
}

// LoggerConfig translates the logging section into a logging.LoggerConfig.
func (c *Config) LoggerConfig() *logging.LoggerConfig {
	cfg := logging.DefaultLoggerConfig()
	cfg.Level = logging.ParseLevel(c.Logging.Level)
	if c.Logging.Format != "" {
		cfg.Format = c.Logging.Format
	}
	return cfg
}
