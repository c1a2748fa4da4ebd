// Package config loads the Kestrel configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "KESTREL_"

	// EnvConfigFile names the optional YAML file.
	EnvConfigFile = "KESTREL_CONFIG"

	// nestDelim separates nesting levels in environment variable names:
	// KESTREL_SCORING__WEIGHTS__BEHAVIOR sets scoring.weights.behavior.
	nestDelim = "__"
)

// ErrLoadConfig wraps failures to read or decode a configuration source.
var ErrLoadConfig = errors.New("load config failed")

// Load builds a Config by layering, from low to high precedence:
//  1. defaults (domain.DefaultConfig)
//  2. the YAML file named by KESTREL_CONFIG, if set
//  3. KESTREL_ environment variables
//
// The result is validated; any invariant violation aborts the load.
func Load(ctx context.Context) (*domain.Config, error) {
	k := koanf.New(".")

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, nestDelim, ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: environment: %w", ErrLoadConfig, err)
	}

	cfg := domain.DefaultConfig()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
