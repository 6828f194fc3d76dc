package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const appName = "kmspipe"

// Manager handles configuration loading.
type Manager struct {
	config *Config
	viper  *viper.Viper
}

// NewManager creates a configuration manager. An empty file searches
// config.yaml in the XDG config directory and the working directory.
func NewManager(file string) (*Manager, error) {
	v := viper.New()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := ConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("KMSPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("logging.level", "KMSPIPE_LOG_LEVEL"); err != nil {
		return nil, fmt.Errorf("failed to bind KMSPIPE_LOG_LEVEL: %w", err)
	}
	if err := v.BindEnv("logging.format", "KMSPIPE_LOG_FORMAT"); err != nil {
		return nil, fmt.Errorf("failed to bind KMSPIPE_LOG_FORMAT: %w", err)
	}

	return &Manager{viper: v}, nil
}

// BindFlag lets a command line flag override key.
func (m *Manager) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag for %s", key)
	}
	return m.viper.BindPFlag(key, flag)
}

// Load reads the configuration file, if any, and the environment.
func (m *Manager) Load() error {
	m.setDefaults()

	if err := m.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file %s: %w", m.viper.ConfigFileUsed(), err)
		}
	}

	config := DefaultConfig()
	if err := m.viper.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", m.viper.ConfigFileUsed(), err)
	}
	if config.Outputs == nil {
		config.Outputs = map[string]OutputConfig{}
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	m.config = config
	return nil
}

func (m *Manager) setDefaults() {
	defaults := DefaultConfig()
	m.viper.SetDefault("card", defaults.Card)
	m.viper.SetDefault("atomic", defaults.Atomic)
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
}

// Config returns the loaded configuration, nil before Load.
func (m *Manager) Config() *Config {
	return m.config
}

// ConfigFileUsed is empty when no file was found.
func (m *Manager) ConfigFileUsed() string {
	return m.viper.ConfigFileUsed()
}

// ConfigDir returns $XDG_CONFIG_HOME/kmspipe, defaulting to
// ~/.config/kmspipe.
func ConfigDir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName), nil
}
