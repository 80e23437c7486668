package hooks

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Registration declares one hook in the configuration file
type Registration struct {
	Name     string                 `yaml:"name"     json:"name"`
	Kind     string                 `yaml:"kind"     json:"kind"`
	Hooks    []HookPoint            `yaml:"hooks"    json:"hooks"`
	Priority int                    `yaml:"priority" json:"priority"`
	Mode     Mode                   `yaml:"mode"     json:"mode"`
	Tags     []string               `yaml:"tags"     json:"tags,omitempty"`
	Timeout  time.Duration          `yaml:"timeout"  json:"timeout,omitempty"`
	Config   map[string]interface{} `yaml:"config"   json:"config,omitempty"`
}

// Settings apply to every hook of a configuration file
type Settings struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the content of the hook configuration file
type Config struct {
	Plugins  []Registration `yaml:"plugins"`
	Settings Settings       `yaml:"plugin_settings"`
}

// LoadConfig reads and validates a configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading hook config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML hook configuration
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing hook config")
	}
	seen := map[string]bool{}
	for i := range cfg.Plugins {
		reg := &cfg.Plugins[i]
		reg.Name = strings.TrimSpace(reg.Name)
		if reg.Name == "" {
			return nil, errors.Errorf("plugin %d: name is required", i)
		}
		if seen[reg.Name] {
			return nil, errors.Errorf("plugin %s: duplicate name", reg.Name)
		}
		seen[reg.Name] = true
		if reg.Kind == "" {
			return nil, errors.Errorf("plugin %s: kind is required", reg.Name)
		}
		if len(reg.Hooks) == 0 {
			return nil, errors.Errorf("plugin %s: at least one hook point is required", reg.Name)
		}
		for _, p := range reg.Hooks {
			if !p.Valid() {
				return nil, errors.Errorf("plugin %s: unknown hook point %q", reg.Name, p)
			}
		}
		switch reg.Mode {
		case "":
			reg.Mode = ModeEnforce
		case ModeEnforce, ModePermissive, ModeDisabled:
		default:
			return nil, errors.Errorf("plugin %s: unknown mode %q", reg.Name, reg.Mode)
		}
		if reg.Timeout < 0 {
			return nil, errors.Errorf("plugin %s: timeout must not be negative", reg.Name)
		}
	}
	return &cfg, nil
}

// DecodeConfig decodes the free-form config section of a registration into out
func DecodeConfig(reg Registration, out interface{}) error {
	if len(reg.Config) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(reg.Config)
	if err != nil {
		return errors.Wrapf(err, "plugin %s: encoding config", reg.Name)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "plugin %s: decoding config", reg.Name)
	}
	return nil
}

// GetConfigValue returns a value of the hook's configuration, or def if it is not set
func GetConfigValue(hctx *Context, key string, def interface{}) interface{} {
	if hctx == nil || hctx.Config == nil {
		return def
	}
	if v, ok := hctx.Config[key]; ok {
		return v
	}
	return def
}

// GetGlobalContextValue returns a value of the invocation context, or def if it is not set.
// The keys request_id, principal and server_id address the context fields, any other key
// is looked up in the shared state.
func GetGlobalContextValue(hctx *Context, key string, def interface{}) interface{} {
	if hctx == nil || hctx.Global == nil {
		return def
	}
	g := hctx.Global
	var v string
	switch key {
	case "request_id":
		v = g.RequestID
	case "principal", "user":
		v = g.Principal
	case "server_id":
		v = g.ServerID
	default:
		if stored, ok := g.State.Get(key); ok {
			return stored
		}
		return def
	}
	if v == "" {
		return def
	}
	return v
}
