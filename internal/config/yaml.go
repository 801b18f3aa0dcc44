package config

import (
	"fmt"

	"gopkg.in/yaml.v2"

	"grimm.is/rampart/internal/logging"
)

// yamlDocument mirrors the original YAML layout.
type yamlDocument struct {
	Options     *Options      `yaml:"options,omitempty"`
	Environment yaml.MapSlice `yaml:"environment,omitempty"`
	IPTables    struct {
		Chains []Chain `yaml:"chains,omitempty"`
		Rules  []Rule  `yaml:"rules,omitempty"`
	} `yaml:"iptables"`
	IPSets []yamlSet `yaml:"ipsets,omitempty"`
}

// yamlSet accepts the handler key of older documents. Sets are always
// written by the apply step, so the value is ignored.
type yamlSet struct {
	Set     `yaml:",inline"`
	Handler string `yaml:"handler,omitempty"`
}

// LoadYAML loads config from YAML bytes
func LoadYAML(data []byte) (*Config, error) {
	cfg, err := decodeYAML(data)
	if err != nil {
		return nil, err
	}
	return finish(cfg, DefaultLoadOptions())
}

func decodeYAML(data []byte) (*Config, error) {
	var doc yamlDocument
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}

	cfg := &Config{
		Options: doc.Options,
		Chains:  doc.IPTables.Chains,
		Rules:   doc.IPTables.Rules,
	}
	for _, s := range doc.IPSets {
		if s.Handler != "" {
			logging.WithComponent("config").Debug("ignoring ipset handler", "set", s.Name, "handler", s.Handler)
		}
		cfg.Sets = append(cfg.Sets, s.Set)
	}

	// MapSlice keeps declaration order; each value is re-decoded into Environment.
	for _, item := range doc.Environment {
		name, ok := item.Key.(string)
		if !ok {
			return nil, fmt.Errorf("YAML parse error: environment key %v is not a string", item.Key)
		}
		raw, err := yaml.Marshal(item.Value)
		if err != nil {
			return nil, fmt.Errorf("YAML parse error: environment %s: %w", name, err)
		}
		var env Environment
		if err := yaml.UnmarshalStrict(raw, &env); err != nil {
			return nil, fmt.Errorf("YAML parse error: environment %s: %w", name, err)
		}
		env.Name = name
		cfg.Environment = append(cfg.Environment, env)
	}
	return cfg, nil
}
