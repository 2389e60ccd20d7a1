// Package proxy delegates privileged node types from a worker to the host
// that trusts them.
//
// A Config names the capabilities tunneled to the host and, per capability,
// the callers allowed to use it. On the worker, Client turns the configured
// capabilities into node handlers that forward every invocation as a
// proxy-request. On the host, Server answers those requests with its own
// handlers, and rejects everything the config does not name.
package proxy

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/boardflow/pkg/api"
)

// MaxConfigSize bounds the size of a proxy config file.
const MaxConfigSize = 1 << 20

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Capability is one tunneled node type.
type Capability struct {
	Name string `yaml:"name" json:"name" validate:"required"`

	// Callers lists the nodes allowed to use the capability. An empty list
	// allows every caller.
	Callers []string `yaml:"callers,omitempty" json:"callers,omitempty" validate:"dive,required"`
}

// Config is the declarative list of tunneled capabilities.
type Config struct {
	Capabilities []Capability `yaml:"capabilities" json:"capabilities" validate:"dive"`
}

// ParseConfig reads a YAML proxy config. A capability may also be given as a
// bare name.
func ParseConfig(data []byte) (*Config, error) {
	var raw struct {
		Capabilities []yaml.Node `yaml:"capabilities"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("proxy config: %w", err)
	}
	cfg := &Config{}
	for _, n := range raw.Capabilities {
		var c Capability
		if n.Kind == yaml.ScalarNode {
			c.Name = n.Value
		} else if err := n.Decode(&c); err != nil {
			return nil, fmt.Errorf("proxy config: line %d: %w", n.Line, err)
		}
		cfg.Capabilities = append(cfg.Capabilities, c)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads the YAML proxy config at path.
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("proxy config: %w", err)
	}
	if info.Size() > MaxConfigSize {
		return nil, fmt.Errorf("proxy config: %s exceeds %d bytes", path, MaxConfigSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("proxy config: %w", err)
	}
	return ParseConfig(data)
}

// Validate checks field constraints and rejects duplicate capabilities.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("proxy config: %s is %s", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("proxy config: %w", err)
	}
	seen := make(map[string]bool, len(c.Capabilities))
	for _, capability := range c.Capabilities {
		if seen[capability.Name] {
			return fmt.Errorf("proxy config: capability %q listed twice", capability.Name)
		}
		seen[capability.Name] = true
	}
	return nil
}

// Names lists the tunneled capabilities in config order.
func (c *Config) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, len(c.Capabilities))
	for i, capability := range c.Capabilities {
		out[i] = capability.Name
	}
	return out
}

// Allow reports whether caller may use the capability name.
func (c *Config) Allow(name, caller string) error {
	if c != nil {
		for _, capability := range c.Capabilities {
			if capability.Name != name {
				continue
			}
			if len(capability.Callers) == 0 || slices.Contains(capability.Callers, caller) {
				return nil
			}
			return fmt.Errorf("%w: %s may not use %s", api.ErrNotAllowed, caller, name)
		}
	}
	return fmt.Errorf("%w: %s", api.ErrCapabilityNotProxied, name)
}
