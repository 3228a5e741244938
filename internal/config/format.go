package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Format is the on-disk encoding of a config file, chosen by extension.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func formatOf(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// toJSON returns b as JSON so both formats go through the same strict
// decoder and unknown keys are rejected either way.
func toJSON(name string, b []byte) ([]byte, error) {
	if formatOf(name) == FormatJSON {
		return b, nil
	}
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%s: yaml: %w", name, err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	jb, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("%s: yaml to json: %w", name, err)
	}
	return jb, nil
}

// stringKeys rewrites YAML maps with non-string keys (`1: x`) into
// map[string]any, which encoding/json requires.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = stringKeys(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = stringKeys(e)
		}
		return t
	}
	return v
}

// Secrets can stay out of the config file. A non-empty variable wins over
// the file value.
const (
	EnvJWTSecret    = "NOTIFYD_JWT_SECRET"
	EnvEphemeralURL = "NOTIFYD_EPHEMERAL_URL"
)

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		cfg.Admin.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEphemeralURL)); v != "" {
		cfg.Ephemeral.URL = v
	}
}
