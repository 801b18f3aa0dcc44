package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHCL = `
options {
  workers = 4
  retry_delay = "10ms"
}

environment "wan_if" {
  language = "bash"
  command  = "ip -o route get 1.1.1.1 | awk '{print $5}'"
  default  = "eth0"
}

environment "site" {
  language = "text"
  command  = env.RAMPART_SITE
}

chain "INPUT" {
  table    = ["filter"]
  protocol = ["ipv4", "ipv6"]
}

chain "CLIENT_{0}" {
  table        = ["filter"]
  dynamic      = "client"
  dynamic_init = ["warm"]
}

rule {
  rule      = "-A INPUT -i {wan_if} -j {client.alice}"
  table     = ["filter"]
  condition = "!Check(var.wan_if)"
}

ipset "trusted" {
  type    = "hash:ip"
  entries = ["10.0.0.1", "host.example"]
}
`

func TestLoadHCL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rampart.hcl")
	require.NoError(t, os.WriteFile(path, []byte(sampleHCL), 0644))

	cfg, err := LoadFileWithOptions(path, LoadOptions{Environ: []string{"RAMPART_SITE=ams1"}})
	require.NoError(t, err)

	require.Len(t, cfg.Environment, 2)
	assert.Equal(t, "wan_if", cfg.Environment[0].Name)
	assert.Equal(t, "eth0", cfg.Environment[0].Default)
	assert.Equal(t, "ams1", cfg.Environment[1].Command)

	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, []int{4, 6}, cfg.Chains[0].Versions())
	assert.False(t, cfg.Chains[0].IsDynamic())
	assert.True(t, cfg.Chains[1].IsDynamic())
	assert.Equal(t, []int{4}, cfg.Chains[1].Versions())
	assert.Equal(t, []string{"warm"}, cfg.Chains[1].DynamicInit)

	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "-A INPUT -i {wan_if} -j {client.alice}", cfg.Rules[0].Rule)
	assert.Equal(t, "!Check(var.wan_if)", cfg.Rules[0].Condition)

	require.Len(t, cfg.Sets, 1)
	assert.Equal(t, []string{"10.0.0.1", "host.example"}, cfg.Sets[0].Entries)

	require.NotNil(t, cfg.Options)
	assert.Equal(t, 4, cfg.Options.Workers)
}

func TestLoadHCL_ParseError(t *testing.T) {
	_, err := LoadHCL([]byte(`chain "INPUT" {`), "broken.hcl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HCL parse error")
}

const sampleYAML = `
environment:
  zeta:
    language: text
    command: "z"
  alpha:
    command: "hostname"
    default: "localhost"
iptables:
  chains:
    - name: INPUT
      table: [filter]
      protocol: [ipv4]
    - name: "CLIENT_{0}"
      table: [filter]
      dynamic: client
  rules:
    - rule: "-A INPUT -j ACCEPT"
      table: [filter]
ipsets:
  - name: trusted
    type: "hash:ip"
    entries: ["10.0.0.1"]
`

func TestLoadYAML_PreservesEnvironmentOrder(t *testing.T) {
	cfg, err := LoadYAML([]byte(sampleYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Environment, 2)
	assert.Equal(t, "zeta", cfg.Environment[0].Name)
	assert.Equal(t, LanguageText, cfg.Environment[0].Lang())
	assert.Equal(t, "alpha", cfg.Environment[1].Name)
	assert.Equal(t, LanguageBash, cfg.Environment[1].Lang(), "language defaults to bash")
	assert.Equal(t, "localhost", cfg.Environment[1].Default)

	assert.Len(t, cfg.Chains, 2)
	assert.Len(t, cfg.Rules, 1)
	assert.Len(t, cfg.Sets, 1)
}

func TestLoadYAML_UnknownField(t *testing.T) {
	_, err := LoadYAML([]byte("iptables:\n  chainz: []\n"))
	require.Error(t, err)
}

func TestLoadYAML_IgnoresSetHandler(t *testing.T) {
	cfg, err := LoadYAML([]byte(`
ipsets:
  - name: trusted
    type: "hash:ip"
    handler: ipset-restore
    entries: ["10.0.0.1"]
`))
	require.NoError(t, err)
	require.Len(t, cfg.Sets, 1)
	assert.Equal(t, Set{Name: "trusted", Type: "hash:ip", Entries: []string{"10.0.0.1"}}, cfg.Sets[0])

	_, err = LoadYAML([]byte("ipsets:\n  - name: trusted\n    handlr: x\n"))
	require.Error(t, err, "other unknown set keys are still rejected")
}

func TestLoadJSON(t *testing.T) {
	cfg, err := LoadJSON([]byte(`{
		"chains": [{"name": "INPUT", "table": ["filter"]}],
		"rules": [{"rule": "-A INPUT -j ACCEPT", "table": ["filter"], "protocol": ["ipv6"]}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, []int{6}, cfg.Rules[0].Versions())
}

func TestLoadFile_ByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fw.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Chains, 2)

	_, err = LoadFile(filepath.Join(dir, "missing.hcl"))
	assert.Error(t, err)
}

func TestParseVersions(t *testing.T) {
	v, err := ParseVersions(nil)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, v)

	v, err = ParseVersions([]string{"ipv6", "ipv4", "ipv6"})
	require.NoError(t, err)
	assert.Equal(t, []int{6, 4}, v)

	_, err = ParseVersions([]string{"ipx"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	retries := -1
	cfg := &Config{
		Options:     &Options{ResolveRetries: &retries, RetryDelay: "soon"},
		Environment: []Environment{{Name: "a"}, {Name: "a"}},
		Chains: []Chain{
			{Name: "INPUT"},
			{Name: "DYN", Tables: []string{"filter"}, Dynamic: "x"},
			{Name: "BAD", Tables: []string{"filter"}, Protocols: []string{"ipv5"}},
			{Name: "TOO_LONG_FOR_THE_KERNEL_LIMIT", Tables: []string{"filter"}},
		},
		Rules: []Rule{{Rule: " ", Tables: []string{"filter"}}, {Rule: "-A INPUT", Tables: []string{"broute"}}},
		Sets:  []Set{{Name: "s", Family: "inet7"}, {Name: "s"}, {Name: "bad name"}},
	}

	errs := cfg.Validate()
	require.True(t, errs.HasErrors())

	msg := errs.Error()
	assert.Contains(t, msg, "duplicate binding")
	assert.Contains(t, msg, "at least one table is required")
	assert.Contains(t, msg, "{0} placeholder")
	assert.Contains(t, msg, "unknown protocol")
	assert.Contains(t, msg, "rule text is required")
	assert.Contains(t, msg, "duplicate set")
	assert.Contains(t, msg, "unknown family")
	assert.Contains(t, msg, "options.resolve_retries")
	assert.Contains(t, msg, "options.retry_delay")
	assert.Contains(t, msg, "chain name too long")
	assert.Contains(t, msg, `unknown table "broute"`)
	assert.Contains(t, msg, "invalid identifier: bad name")
}

func TestValidate_Clean(t *testing.T) {
	cfg := &Config{
		Chains: []Chain{{Name: "INPUT", Tables: []string{"filter"}}},
		Rules:  []Rule{{Rule: "-A INPUT -j ACCEPT", Tables: []string{"filter"}}},
	}
	assert.False(t, cfg.Validate().HasErrors())
	assert.True(t, KnownLanguage("bpfl4"))
	assert.False(t, KnownLanguage("perl"))
}
