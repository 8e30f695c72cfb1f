// Package config builds and validates the Config a Cache instance is
// constructed from: per-type keying functions, the interface/implementor
// map used for inline-fragment dispatch, per-connection overrides, and
// resource limits.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lockvoid/cachebay/cacheerr"
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/observability"
	"github.com/lockvoid/cachebay/plan"
)

// ConnectionOverride customizes how one parent type's field assembles its
// canonical connection.
type ConnectionOverride struct {
	Mode plan.ConnectionMode `validate:"omitempty,oneof=infinite page"`
	Args []string
}

// Limits bounds the resources a Cache instance may consume.
type Limits struct {
	// MaterializeLRU bounds the materializer's per-plan result cache.
	MaterializeLRU int `validate:"gte=0"`
}

// Config is the validated, immutable configuration a Cache is built from.
// Build one with New(opts...); construction fails with a *cacheerr.Error
// of KindConfig if the result is inconsistent.
type Config struct {
	Keys        map[string]graph.KeyFunc
	Interfaces  map[string][]string
	Connections map[string]map[string]ConnectionOverride
	Limits      Limits

	Logger  *zap.Logger
	Metrics *observability.Metrics

	// implementorOf is the inverted Interfaces index (impl -> interface set),
	// computed once at construction time and consulted on every
	// materialize call for inline-fragment type-condition checks.
	implementorOf map[string]map[string]struct{}
}

// Option configures a Config under construction.
type Option func(*Config)

// WithKeyFunc registers the stable-identity function for one __typename.
func WithKeyFunc(typename string, fn graph.KeyFunc) Option {
	return func(c *Config) { c.Keys[typename] = fn }
}

// WithInterface declares that implementations satisfy the named interface
// for inline-fragment type-condition dispatch.
func WithInterface(name string, implementations ...string) Option {
	return func(c *Config) { c.Interfaces[name] = implementations }
}

// WithConnectionMode overrides a (parent type, field) connection's
// assembly mode.
func WithConnectionMode(parentType, field string, mode plan.ConnectionMode) Option {
	return func(c *Config) {
		if c.Connections[parentType] == nil {
			c.Connections[parentType] = make(map[string]ConnectionOverride)
		}
		ov := c.Connections[parentType][field]
		ov.Mode = mode
		c.Connections[parentType][field] = ov
	}
}

// WithMaterializeLRU overrides the default materializer result-cache size.
func WithMaterializeLRU(n int) Option {
	return func(c *Config) { c.Limits.MaterializeLRU = n }
}

// WithLogger injects a structured logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMetrics injects a metrics sink. Defaults to an unregistered,
// private registry so multiple Cache instances in tests never collide.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// New builds and validates a Config from opts.
func New(opts ...Option) (*Config, error) {
	c := &Config{
		Keys:        make(map[string]graph.KeyFunc),
		Interfaces:  make(map[string][]string),
		Connections: make(map[string]map[string]ConnectionOverride),
		Limits:      Limits{MaterializeLRU: 512},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewMetrics(nil)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	c.implementorOf = invertInterfaces(c.Interfaces)
	return c, nil
}

// IsImplementor reports whether typename satisfies interfaceName, per the
// configured Interfaces map.
func (c *Config) IsImplementor(typename, interfaceName string) bool {
	impls, ok := c.implementorOf[typename]
	if !ok {
		return false
	}
	_, ok = impls[interfaceName]
	return ok
}

// ConnectionOverrideFor returns the configured override for parentType's
// field connection, if any.
func (c *Config) ConnectionOverrideFor(parentType, field string) (ConnectionOverride, bool) {
	fields, ok := c.Connections[parentType]
	if !ok {
		return ConnectionOverride{}, false
	}
	ov, ok := fields[field]
	return ov, ok
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c.Limits); err != nil {
		return cacheerr.NewConfigError("INVALID_LIMITS", err.Error())
	}

	for parent, overrides := range c.Connections {
		for field, ov := range overrides {
			if err := validator.New().Struct(ov); err != nil {
				return cacheerr.NewConfigError("INVALID_CONNECTION_OVERRIDE", err.Error()).
					WithField("parent", parent).
					WithField("field", field)
			}
		}
	}

	if err := detectInterfaceCycles(c.Interfaces); err != nil {
		return err
	}

	return nil
}

func invertInterfaces(interfaces map[string][]string) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{})
	for iface, impls := range interfaces {
		for _, impl := range impls {
			if out[impl] == nil {
				out[impl] = make(map[string]struct{})
			}
			out[impl][iface] = struct{}{}
		}
	}
	return out
}

// detectInterfaceCycles rejects a malformed config where an interface
// transitively implements itself (e.g. A: [B], B: [A]) — a configuration
// mistake the compiler upstream should never produce, but one a fresh
// implementation should reject outright rather than loop forever.
func detectInterfaceCycles(interfaces map[string][]string) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(interfaces))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return cacheerr.NewConfigError("CYCLIC_INTERFACE_MAP", fmt.Sprintf("cyclic interface map at %q", name)).
				WithField("path", append(path, name))
		}
		color[name] = gray
		for _, impl := range interfaces[name] {
			if _, isInterface := interfaces[impl]; isInterface {
				if err := visit(impl, append(path, name)); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	for name := range interfaces {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}
