package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPollInterval is how long a flow waits after an empty work call.
const DefaultPollInterval = "5ms"

// FlowConfig pairs one source block with one sink block.
type FlowConfig struct {
	Name         string      `mapstructure:"name" yaml:"name,omitempty"` // Empty = generated id
	Source       BlockConfig `mapstructure:"source" yaml:"source"`
	Sink         BlockConfig `mapstructure:"sink" yaml:"sink"`
	PollInterval string      `mapstructure:"poll_interval" yaml:"poll_interval"`

	poll time.Duration
}

// BlockConfig selects a block type and carries its type-specific params.
type BlockConfig struct {
	Type   string         `mapstructure:"type" yaml:"type"` // tcp_source / udp_sink / pcap_source ...
	Name   string         `mapstructure:"name" yaml:"name,omitempty"`
	Params map[string]any `mapstructure:"params" yaml:"params"` // Decoded by the block factory
}

// Poll returns the parsed poll interval. Valid after Validate.
func (fc *FlowConfig) Poll() time.Duration { return fc.poll }

// Validate validates a flow and fills defaults.
func (fc *FlowConfig) Validate() error {
	if fc.Source.Type == "" {
		return fmt.Errorf("source type is required")
	}
	if fc.Sink.Type == "" {
		return fmt.Errorf("sink type is required")
	}
	if fc.PollInterval == "" {
		fc.PollInterval = DefaultPollInterval
	}
	d, err := time.ParseDuration(fc.PollInterval)
	if err != nil {
		return fmt.Errorf("invalid poll_interval %q: %w", fc.PollInterval, err)
	}
	if d <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", fc.PollInterval)
	}
	fc.poll = d

	if fc.Source.Name == "" {
		fc.Source.Name = fc.blockName("source")
	}
	if fc.Sink.Name == "" {
		fc.Sink.Name = fc.blockName("sink")
	}
	if fc.Source.Params == nil {
		fc.Source.Params = map[string]any{}
	}
	if fc.Sink.Params == nil {
		fc.Sink.Params = map[string]any{}
	}
	return nil
}

func (fc *FlowConfig) blockName(role string) string {
	if fc.Name == "" {
		return role
	}
	return fc.Name + "." + role
}

// ParseFlowConfig parses a single flow from YAML.
func ParseFlowConfig(data []byte) (*FlowConfig, error) {
	var fc FlowConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse flow config: %w", err)
	}

	if err := fc.Validate(); err != nil {
		return nil, err
	}

	return &fc, nil
}
