package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Config formats accepted by Parse.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// DetectFormat picks the format from the file extension. Files without a
// known extension (e.g. /etc/batchq/config) are JSON when they start with
// '{' and YAML otherwise.
func DetectFormat(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return FormatJSON
	}
	return FormatYAML
}

// toJSON turns a config file into JSON so both formats go through the
// strict decoder in Decode.
func toJSON(path string, data []byte) ([]byte, error) {
	if DetectFormat(path, data) == FormatJSON {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if v == nil {
		// Empty or comment-only file: all defaults.
		return []byte("{}"), nil
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("%s: top level must be a mapping, got %T", filepath.Base(path), v)
	}

	j, err := json.Marshal(stringKeys(v))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return j, nil
}

// stringKeys rewrites non-string map keys (e.g. `env: {1: x}`) so the value
// can be marshaled to JSON.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	default:
		return in
	}
}
