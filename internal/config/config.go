// Package config loads and validates service configuration.
//
// Configuration is layered: built-in defaults, then config/default.toml,
// then config/<RUN_MODE>.toml, then environment variables with the service
// prefix and "__" as the nesting separator (INGEST__RTSP__URL,
// STORAGE__KAFKA__BOOTSTRAP_SERVERS). Later sources override earlier ones.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// RunMode returns the active run mode, defaulting to "development".
func RunMode() string {
	if mode := os.Getenv("RUN_MODE"); mode != "" {
		return mode
	}
	return "development"
}

// loadLayers decodes the default and run-mode config files into cfg (both
// optional) and then applies environment overrides for the given prefix.
// cfg should already hold the built-in defaults.
func loadLayers(dir, prefix string, cfg interface{}) error {
	for _, name := range []string{"default", RunMode()} {
		path := filepath.Join(dir, name+".toml")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := applyEnv(prefix, cfg); err != nil {
		return err
	}
	return nil
}

// ValidationError reports an invalid or missing configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("missing required field: %s", e.Field)
	}
	return fmt.Sprintf("invalid value for %s: %s", e.Field, e.Message)
}

func missingField(field string) error {
	return &ValidationError{Field: field}
}

func invalidValue(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
