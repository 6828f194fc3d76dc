// Package config loads kmspipe settings from a YAML file, KMSPIPE_
// environment variables and command line flags.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/NeowayLabs/kmspipe/kms"
)

type (
	Config struct {
		// Card is the N of /dev/dri/cardN.
		Card int `mapstructure:"card" yaml:"card"`
		// Atomic false forces the legacy modesetting path.
		Atomic  bool                    `mapstructure:"atomic" yaml:"atomic"`
		Logging LoggingConfig           `mapstructure:"logging" yaml:"logging"`
		Outputs map[string]OutputConfig `mapstructure:"outputs" yaml:"outputs"`
	}

	LoggingConfig struct {
		Level  string `mapstructure:"level" yaml:"level"`
		Format string `mapstructure:"format" yaml:"format"`
	}

	// OutputConfig holds the settings of one output, keyed by connector
	// name.
	OutputConfig struct {
		// Mode is WIDTHxHEIGHT or WIDTHxHEIGHT@HZ. Empty keeps the
		// preferred mode.
		Mode      string `mapstructure:"mode" yaml:"mode"`
		Transform string `mapstructure:"transform" yaml:"transform"`
		Overscan  uint32 `mapstructure:"overscan" yaml:"overscan"`
		Vrr       bool   `mapstructure:"vrr" yaml:"vrr"`
		RgbRange  string `mapstructure:"rgb_range" yaml:"rgb_range"`
		Enabled   *bool  `mapstructure:"enabled" yaml:"enabled"`
	}

	// ModeSpec is a parsed OutputConfig.Mode.
	ModeSpec struct {
		Width, Height uint32
		// Refresh in Hz, 0 matches any rate.
		Refresh float64
	}
)

func DefaultConfig() *Config {
	return &Config{
		Atomic: true,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Outputs: map[string]OutputConfig{},
	}
}

// Output returns the settings for a connector. Keys are matched case
// insensitively since viper lowercases them.
func (c *Config) Output(connector string) OutputConfig {
	if out, ok := c.Outputs[connector]; ok {
		return out
	}
	for name, out := range c.Outputs {
		if strings.EqualFold(name, connector) {
			return out
		}
	}
	return OutputConfig{}
}

func (o OutputConfig) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

func (o OutputConfig) Transformation() (kms.Transformation, error) {
	if o.Transform == "" {
		return kms.Rotate0, nil
	}
	t, ok := kms.ParseTransformation(o.Transform)
	if !ok {
		return 0, fmt.Errorf("unknown transform %q", o.Transform)
	}
	return t, nil
}

func (o OutputConfig) Range() (kms.RgbRange, error) {
	switch strings.ToLower(o.RgbRange) {
	case "", "automatic", "auto":
		return kms.RgbRangeAutomatic, nil
	case "full":
		return kms.RgbRangeFull, nil
	case "limited":
		return kms.RgbRangeLimited, nil
	}
	return 0, fmt.Errorf("unknown rgb range %q", o.RgbRange)
}

func (o OutputConfig) SyncMode() kms.SyncMode {
	if o.Vrr {
		return kms.SyncAdaptive
	}
	return kms.SyncFixed
}

// ParseMode parses WIDTHxHEIGHT with an optional @HZ suffix.
func ParseMode(s string) (ModeSpec, error) {
	var m ModeSpec
	size, rate, hasRate := strings.Cut(strings.TrimSpace(s), "@")
	w, h, ok := strings.Cut(size, "x")
	if !ok {
		return m, fmt.Errorf("mode %q: want WIDTHxHEIGHT[@HZ]", s)
	}
	width, err := strconv.ParseUint(w, 10, 32)
	if err != nil || width == 0 {
		return m, fmt.Errorf("mode %q: bad width", s)
	}
	height, err := strconv.ParseUint(h, 10, 32)
	if err != nil || height == 0 {
		return m, fmt.Errorf("mode %q: bad height", s)
	}
	m.Width, m.Height = uint32(width), uint32(height)
	if hasRate {
		m.Refresh, err = strconv.ParseFloat(rate, 64)
		if err != nil || m.Refresh <= 0 {
			return m, fmt.Errorf("mode %q: bad refresh rate", s)
		}
	}
	return m, nil
}

// Find returns the index of the mode in modes that matches, preferring
// the refresh rate closest to the requested one.
func (m ModeSpec) Find(modes []kms.Mode) (int, bool) {
	best, bestDiff := -1, 0.0
	for i, mode := range modes {
		if mode.Width != m.Width || mode.Height != m.Height {
			continue
		}
		if m.Refresh == 0 {
			return i, true
		}
		diff := m.Refresh - float64(mode.RefreshRate)/1000
		if diff < 0 {
			diff = -diff
		}
		if best < 0 || diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	return best, best >= 0
}
