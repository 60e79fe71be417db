package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// isYAML reports whether path names a YAML config file.
func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes a YAML config as JSON so both formats share the
// strict decoder in Parse. An empty document becomes an empty object.
// Errors carry the file name and, for bad keys, the dotted key path.
func yamlToJSON(path string, data []byte) ([]byte, error) {
	name := filepath.Base(path)
	if len(bytes.TrimSpace(data)) == 0 {
		return []byte("{}"), nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	tree, err := stringKeys("", doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// stringKeys walks a decoded YAML tree and rejects mappings whose keys are not
// strings; config sections are always keyed by name.
func stringKeys(at string, node any) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			child, err := stringKeys(join(at, k), v)
			if err != nil {
				return nil, err
			}
			n[k] = child
		}
		return n, nil
	case map[any]any:
		m := make(map[string]any, len(n))
		for k, v := range n {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%s: key %v is not a string", orRoot(at), k)
			}
			child, err := stringKeys(join(at, key), v)
			if err != nil {
				return nil, err
			}
			m[key] = child
		}
		return m, nil
	case []any:
		for i, v := range n {
			child, err := stringKeys(fmt.Sprintf("%s[%d]", at, i), v)
			if err != nil {
				return nil, err
			}
			n[i] = child
		}
		return n, nil
	}
	return node, nil
}

func join(at, key string) string {
	if at == "" {
		return key
	}
	return at + "." + key
}

func orRoot(at string) string {
	if at == "" {
		return "(root)"
	}
	return at
}
