package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// LoadOptions controls how configs are loaded
type LoadOptions struct {
	// SkipValidation returns the decoded document without running Validate.
	SkipValidation bool

	// Environ overrides the process environment exposed to HCL as env.*.
	Environ []string
}

// DefaultLoadOptions returns sensible defaults for loading configs
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{}
}

// LoadFile loads a config file (HCL, YAML or JSON) chosen by extension.
func LoadFile(path string) (*Config, error) {
	return LoadFileWithOptions(path, DefaultLoadOptions())
}

// LoadFileWithOptions loads a config file with explicit options
func LoadFileWithOptions(path string, opts LoadOptions) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		cfg, err = decodeHCL(data, path, opts)
	case ".yaml", ".yml":
		cfg, err = decodeYAML(data)
	case ".json":
		cfg, err = decodeJSON(data)
	default:
		// Try HCL first, fall back to YAML
		cfg, err = decodeHCL(data, path, opts)
		if err != nil {
			cfg, err = decodeYAML(data)
		}
	}
	if err != nil {
		return nil, err
	}
	return finish(cfg, opts)
}

// LoadHCL loads config from HCL bytes
func LoadHCL(data []byte, filename string) (*Config, error) {
	cfg, err := decodeHCL(data, filename, DefaultLoadOptions())
	if err != nil {
		return nil, err
	}
	return finish(cfg, DefaultLoadOptions())
}

// LoadJSON loads config from JSON bytes
func LoadJSON(data []byte) (*Config, error) {
	cfg, err := decodeJSON(data)
	if err != nil {
		return nil, err
	}
	return finish(cfg, DefaultLoadOptions())
}

func finish(cfg *Config, opts LoadOptions) (*Config, error) {
	if opts.SkipValidation {
		return cfg, nil
	}
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, fmt.Errorf("invalid configuration: %w", errs)
	}
	return cfg, nil
}

func decodeHCL(data []byte, filename string, opts LoadOptions) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	var cfg Config
	diags = gohcl.DecodeBody(file.Body, evalContext(opts.Environ), &cfg)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	return &cfg, nil
}

func decodeJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}
	return &cfg, nil
}

// evalContext exposes environment variables to HCL expressions as env.NAME.
func evalContext(environ []string) *hcl.EvalContext {
	if environ == nil {
		environ = os.Environ()
	}
	vars := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}
