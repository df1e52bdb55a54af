package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Dump renders the effective configuration as YAML under the `grnet:` root
// key, so the output can be fed back to Load.
func (cfg *GlobalConfig) Dump() ([]byte, error) {
	out, err := yaml.Marshal(map[string]*GlobalConfig{"grnet": cfg})
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}
