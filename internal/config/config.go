package config

import (
	"fmt"
	"strings"
)

// Protocol versions understood by the compiler.
const (
	IPv4 = 4
	IPv6 = 6
)

// Environment languages.
const (
	LanguageText  = "text"
	LanguageBash  = "bash"
	LanguageBPF   = "bpf"
	LanguageBPFL4 = "bpf-l4"
)

// Config is one compilation input document.
type Config struct {
	Options     *Options      `hcl:"options,block" json:"options,omitempty" yaml:"options,omitempty"`
	Environment []Environment `hcl:"environment,block" json:"environment,omitempty" yaml:"-"`
	Chains      []Chain       `hcl:"chain,block" json:"chains,omitempty" yaml:"-"`
	Rules       []Rule        `hcl:"rule,block" json:"rules,omitempty" yaml:"-"`
	Sets        []Set         `hcl:"ipset,block" json:"ipsets,omitempty" yaml:"ipsets,omitempty"`
}

// Options tune the compilation run. All fields are optional.
type Options struct {
	Workers        int      `hcl:"workers,optional" json:"workers,omitempty" yaml:"workers,omitempty"`
	NfbpfCompile   string   `hcl:"nfbpf_compile,optional" json:"nfbpf_compile,omitempty" yaml:"nfbpf_compile,omitempty"`
	Nameservers    []string `hcl:"nameservers,optional" json:"nameservers,omitempty" yaml:"nameservers,omitempty"`
	ResolveRetries *int     `hcl:"resolve_retries,optional" json:"resolve_retries,omitempty" yaml:"resolve_retries,omitempty"`
	RetryDelay     string   `hcl:"retry_delay,optional" json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
}

// Environment declares a named value computed once per run.
type Environment struct {
	Name     string `hcl:"name,label" json:"name" yaml:"name,omitempty"`
	Language string `hcl:"language,optional" json:"language,omitempty" yaml:"language,omitempty"`
	Command  string `hcl:"command,optional" json:"command,omitempty" yaml:"command,omitempty"`
	Default  string `hcl:"default,optional" json:"default,omitempty" yaml:"default,omitempty"`
}

// Lang returns the binding language, defaulting to bash.
func (e Environment) Lang() string {
	if e.Language == "" {
		return LanguageBash
	}
	return e.Language
}

// Chain declares a static chain, or a dynamic chain template when Dynamic is set.
type Chain struct {
	Name        string   `hcl:"name,label" json:"name" yaml:"name"`
	Tables      []string `hcl:"table,optional" json:"table,omitempty" yaml:"table,omitempty"`
	Protocols   []string `hcl:"protocol,optional" json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Dynamic     string   `hcl:"dynamic,optional" json:"dynamic,omitempty" yaml:"dynamic,omitempty"`
	DynamicInit []string `hcl:"dynamic_init,optional" json:"dynamic_init,omitempty" yaml:"dynamic_init,omitempty"`
}

// IsDynamic reports whether the chain only exists as a template.
func (c Chain) IsDynamic() bool {
	return c.Dynamic != ""
}

// Versions returns the ip versions of the chain (default {4}).
func (c Chain) Versions() []int {
	return mustVersions(c.Protocols)
}

// Rule declares a rule template and where it applies.
type Rule struct {
	Rule      string   `hcl:"rule" json:"rule" yaml:"rule"`
	Tables    []string `hcl:"table,optional" json:"table,omitempty" yaml:"table,omitempty"`
	Protocols []string `hcl:"protocol,optional" json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Condition string   `hcl:"condition,optional" json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Versions returns the ip versions of the rule (default {4}).
func (r Rule) Versions() []int {
	return mustVersions(r.Protocols)
}

// Set declares an address set.
type Set struct {
	Name    string   `hcl:"name,label" json:"name" yaml:"name"`
	Type    string   `hcl:"type,optional" json:"type,omitempty" yaml:"type,omitempty"`
	Family  string   `hcl:"family,optional" json:"family,omitempty" yaml:"family,omitempty"`
	Entries []string `hcl:"entries,optional" json:"entries,omitempty" yaml:"entries,omitempty"`
}

// ParseProtocol maps "ipv4"/"ipv6" (or "4"/"6") to an ip version.
func ParseProtocol(p string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "ipv4", "4", "inet":
		return IPv4, nil
	case "ipv6", "6", "inet6":
		return IPv6, nil
	}
	return 0, fmt.Errorf("unknown protocol %q", p)
}

// ParseVersions converts protocol names to ip versions, deduplicated in
// declaration order. An empty list means {4}.
func ParseVersions(protocols []string) ([]int, error) {
	if len(protocols) == 0 {
		return []int{IPv4}, nil
	}
	seen := make(map[int]bool, 2)
	versions := make([]int, 0, len(protocols))
	for _, p := range protocols {
		v, err := ParseProtocol(p)
		if err != nil {
			return nil, err
		}
		if !seen[v] {
			seen[v] = true
			versions = append(versions, v)
		}
	}
	return versions, nil
}

// mustVersions is used after Validate has rejected unknown protocols.
func mustVersions(protocols []string) []int {
	versions, err := ParseVersions(protocols)
	if err != nil {
		return nil
	}
	return versions
}
