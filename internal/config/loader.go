package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Load loads configuration from an optional YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (FETCH_MAX_FILE_BYTES, POSTGRES_DSN, ...)
//  2. YAML config file
//  3. Hardcoded defaults
//
// Environment variables map to config keys by lowercasing and splitting on
// the first underscore: FETCH_TIMEOUT_SEC -> fetch.timeout_sec,
// QDRANT_COLLECTION -> qdrant.collection.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", transformEnvKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// configSections are the recognised top-level sections. Environment
// variables whose first segment is not one of these are ignored so
// unrelated process env (PATH, HOME, ...) never leaks into the config.
var configSections = map[string]bool{
	"server":     true,
	"fetch":      true,
	"extract":    true,
	"ocr":        true,
	"pool":       true,
	"embeddings": true,
	"qdrant":     true,
	"postgres":   true,
	"feed":       true,
	"logging":    true,
}

// transformEnvKey maps FETCH_TIMEOUT_SEC -> fetch.timeout_sec.
// The section is the first underscore-delimited segment; the rest keeps
// its underscores as the field name.
func transformEnvKey(s string) string {
	lower := strings.ToLower(s)
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) != 2 || !configSections[parts[0]] {
		return ""
	}
	return parts[0] + "." + parts[1]
}
