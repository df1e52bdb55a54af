package flow

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/grnet/internal/capture"
	"firestige.xyz/grnet/internal/core"
	"firestige.xyz/grnet/internal/transport/tcp"
	"firestige.xyz/grnet/internal/transport/udp"
)

// Block roles.
const (
	RoleSource = "source"
	RoleSink   = "sink"
)

// Constructor builds a block from its loosely typed params.
type Constructor func(name string, params map[string]any, logger *slog.Logger) (core.Block, error)

type entry struct {
	role  string
	ctor  Constructor
	check func(params map[string]any) error // nil = type check only
}

// Registry maps block type strings to constructors.
type Registry struct {
	mu    sync.RWMutex
	types map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]entry)}
}

// DefaultRegistry returns a registry holding every built-in block type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.mustRegister("tcp_source", RoleSource, typed(func(name string, cfg tcp.Config, l *slog.Logger) (core.Block, error) {
		return tcp.NewSource(name, cfg, l)
	}))
	r.mustRegister("tcp_sink", RoleSink, typed(func(name string, cfg tcp.Config, l *slog.Logger) (core.Block, error) {
		return tcp.NewSink(name, cfg, l)
	}))
	r.mustRegister("udp_source", RoleSource, typed(func(name string, cfg udp.SourceConfig, l *slog.Logger) (core.Block, error) {
		return udp.NewSource(name, cfg, l)
	}))
	r.mustRegister("udp_sink", RoleSink, typed(func(name string, cfg udp.SinkConfig, l *slog.Logger) (core.Block, error) {
		return udp.NewSink(name, cfg, l)
	}))
	r.mustRegister("pcap_source", RoleSource, typed(func(name string, cfg capture.Config, l *slog.Logger) (core.Block, error) {
		return capture.NewSource(name, cfg, l)
	}))
	r.mustRegister("file_source", RoleSource, typed(func(name string, cfg FileSourceConfig, l *slog.Logger) (core.Block, error) {
		return NewFileSource(name, cfg, l)
	}))
	r.mustRegister("pattern_source", RoleSource, typed(func(name string, cfg PatternSourceConfig, _ *slog.Logger) (core.Block, error) {
		return NewPatternSource(name, cfg)
	}))
	r.mustRegister("file_sink", RoleSink, typed(func(name string, cfg FileSinkConfig, l *slog.Logger) (core.Block, error) {
		return NewFileSink(name, cfg, l)
	}))
	r.mustRegister("null_sink", RoleSink, typed(func(name string, cfg NullSinkConfig, _ *slog.Logger) (core.Block, error) {
		return NewNullSink(name, cfg)
	}))
	return r
}

type defaulter interface{ ApplyDefaults() }

type validator interface{ Validate() error }

// typed adapts a constructor taking a typed config. The returned entry
// decodes params first, and can check them without building the block.
func typed[C any](build func(name string, cfg C, logger *slog.Logger) (core.Block, error)) entry {
	return entry{
		ctor: func(name string, params map[string]any, logger *slog.Logger) (core.Block, error) {
			var cfg C
			if err := DecodeParams(params, &cfg); err != nil {
				return nil, err
			}
			return build(name, cfg, logger)
		},
		check: func(params map[string]any) error {
			var cfg C
			if err := DecodeParams(params, &cfg); err != nil {
				return err
			}
			if d, ok := any(&cfg).(defaulter); ok {
				d.ApplyDefaults()
			}
			if v, ok := any(&cfg).(validator); ok {
				return v.Validate()
			}
			return nil
		},
	}
}

// Register adds a block type. Registering a type twice is an error.
func (r *Registry) Register(typ, role string, ctor Constructor) error {
	return r.register(typ, role, entry{ctor: ctor})
}

func (r *Registry) register(typ, role string, e entry) error {
	if role != RoleSource && role != RoleSink {
		return fmt.Errorf("block type '%s' has unsupported role '%s'", typ, role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[typ]; exists {
		return fmt.Errorf("block type '%s' already registered", typ)
	}
	e.role = role
	r.types[typ] = e
	return nil
}

func (r *Registry) mustRegister(typ, role string, e entry) {
	if err := r.register(typ, role, e); err != nil {
		panic(err)
	}
}

// Types lists registered types for a role in sorted order.
func (r *Registry) Types(role string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for typ, e := range r.types {
		if e.role == role {
			out = append(out, typ)
		}
	}
	sort.Strings(out)
	return out
}

// BuildSource constructs a registered source type.
func (r *Registry) BuildSource(typ, name string, params map[string]any, logger *slog.Logger) (core.Source, error) {
	b, err := r.build(typ, RoleSource, name, params, logger)
	if err != nil {
		return nil, err
	}
	return b.(core.Source), nil
}

// BuildSink constructs a registered sink type.
func (r *Registry) BuildSink(typ, name string, params map[string]any, logger *slog.Logger) (core.Sink, error) {
	b, err := r.build(typ, RoleSink, name, params, logger)
	if err != nil {
		return nil, err
	}
	return b.(core.Sink), nil
}

// Check reports whether typ is registered for role.
func (r *Registry) Check(typ, role string) error {
	r.mu.RLock()
	e, ok := r.types[typ]
	r.mu.RUnlock()
	if !ok || e.role != role {
		return fmt.Errorf("%w: %s '%s' (known: %v)", core.ErrBlockTypeNotFound, role, typ, r.Types(role))
	}
	return nil
}

// Validate checks typ and decodes params without building the block, so no
// socket or file is opened.
func (r *Registry) Validate(typ, role string, params map[string]any) error {
	if err := r.Check(typ, role); err != nil {
		return err
	}
	r.mu.RLock()
	e := r.types[typ]
	r.mu.RUnlock()
	if e.check == nil {
		return nil
	}
	if err := e.check(params); err != nil {
		return fmt.Errorf("%s: %w", typ, err)
	}
	return nil
}

func (r *Registry) build(typ, role, name string, params map[string]any, logger *slog.Logger) (core.Block, error) {
	if err := r.Check(typ, role); err != nil {
		return nil, err
	}
	r.mu.RLock()
	e := r.types[typ]
	r.mu.RUnlock()

	b, err := e.ctor(name, params, logger)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", typ, name, err)
	}
	switch role {
	case RoleSource:
		if _, ok := b.(core.Source); !ok {
			return nil, fmt.Errorf("%w: %s does not produce items", core.ErrConfigInvalid, typ)
		}
	case RoleSink:
		if _, ok := b.(core.Sink); !ok {
			return nil, fmt.Errorf("%w: %s does not consume items", core.ErrConfigInvalid, typ)
		}
	}
	return b, nil
}

// DecodeParams decodes loosely typed block params into out. Strings are
// accepted for numbers, booleans and durations so that values coming from
// environment overrides work. Unknown keys are rejected.
func DecodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "mapstructure",
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return nil
}
