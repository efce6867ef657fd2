// Package secrets loads the key-value credentials the collaborators need
// (chat tokens, transcription API keys). Values come from an optional YAML
// file overlaid with prefixed environment variables; the environment wins.
package secrets

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load returns the merged secret mapping. path may be empty (environment
// only). Environment variables starting with prefix are included with the
// prefix stripped: with prefix "RELAY_", RELAY_SLACK_TOKEN becomes
// SLACK_TOKEN.
func Load(path, prefix string) (map[string]string, error) {
	out := make(map[string]string)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read secrets file: %w", err)
		}
		var fileVals map[string]string
		if err := yaml.Unmarshal(data, &fileVals); err != nil {
			return nil, fmt.Errorf("parse secrets file: %w", err)
		}
		for k, v := range fileVals {
			out[k] = v
		}
	}

	if prefix != "" {
		for _, kv := range os.Environ() {
			key, val, ok := strings.Cut(kv, "=")
			if !ok || !strings.HasPrefix(key, prefix) {
				continue
			}
			out[strings.TrimPrefix(key, prefix)] = val
		}
	}

	return out, nil
}
