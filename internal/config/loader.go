package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Load builds a Config from defaults, overlaid with optional YAML bytes,
// overlaid with environment variables under envPrefix.
//
// Precedence (highest wins):
//  1. Environment variables (MEMORYD_HNSW_EF_SEARCH -> hnsw.ef_search)
//  2. YAML bytes
//  3. Defaults
//
// File discovery is the caller's concern; the core only consumes bytes.
func Load(yamlBytes []byte, envPrefix string) (*Config, error) {
	k := koanf.New(".")

	if len(yamlBytes) > 0 {
		if err := k.Load(rawbytes.Provider(yamlBytes), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing yaml config: %w", err)
		}
	}

	if envPrefix != "" {
		prefix := envPrefix
		if !strings.HasSuffix(prefix, "_") {
			prefix += "_"
		}
		err := k.Load(env.Provider(prefix, ".", func(s string) string {
			return envToKey(strings.ToLower(strings.TrimPrefix(s, prefix)))
		}), nil)
		if err != nil {
			return nil, fmt.Errorf("loading env config: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// sections are the nested config groups; the env mapper splits the section
// off the variable name and keeps the rest underscored
// (HNSW_EF_SEARCH -> hnsw.ef_search, DB_PATH -> db_path).
var sections = []string{"hnsw", "promotion", "coordinator", "circuit", "health", "logging"}

func envToKey(name string) string {
	for _, sec := range sections {
		if strings.HasPrefix(name, sec+"_") {
			return sec + "." + strings.TrimPrefix(name, sec+"_")
		}
	}
	return name
}
