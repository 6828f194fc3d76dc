package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/NeowayLabs/kmspipe/internal/logging"
)

const maxOverscan = 100

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var validationErrors []string

	if c.Card < 0 {
		validationErrors = append(validationErrors, "card must be non-negative")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		validationErrors = append(validationErrors, "logging.level: "+err.Error())
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		validationErrors = append(validationErrors,
			fmt.Sprintf("logging.format must be console or json (got: %s)", c.Logging.Format))
	}

	names := make([]string, 0, len(c.Outputs))
	for name := range c.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out := c.Outputs[name]
		if out.Mode != "" {
			if _, err := ParseMode(out.Mode); err != nil {
				validationErrors = append(validationErrors, fmt.Sprintf("outputs.%s.mode: %v", name, err))
			}
		}
		if _, err := out.Transformation(); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("outputs.%s.transform: %v", name, err))
		}
		if out.Overscan > maxOverscan {
			validationErrors = append(validationErrors,
				fmt.Sprintf("outputs.%s.overscan must be between 0 and %d", name, maxOverscan))
		}
		if _, err := out.Range(); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("outputs.%s.rgb_range: %v", name, err))
		}
	}

	if len(validationErrors) > 0 {
		return errors.New(strings.Join(validationErrors, "; "))
	}
	return nil
}
