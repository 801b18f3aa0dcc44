package compiler

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/condition"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/dynchain"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/metrics"
	"grimm.is/rampart/internal/model"
	"grimm.is/rampart/internal/resolver"
	"grimm.is/rampart/internal/shell"
	"grimm.is/rampart/internal/template"
)

func noDelay() resolver.RetryConfig {
	cfg := resolver.DefaultRetryConfig()
	cfg.InitialDelay = 0
	cfg.Jitter = false
	return cfg
}

func newCompiler(opts ...Option) (*Compiler, *model.Model) {
	m := model.New()
	base := []Option{
		WithLogger(logging.Discard()),
		WithMetrics(metrics.NewRegistry()),
		WithRunner(new(shell.MockCommandRunner)),
		WithResolver(resolver.NewStaticResolver(nil)),
		WithRetry(noDelay()),
		WithWorkers(4),
		WithRunID("test-run"),
	}
	return New(m, append(base, opts...)...), m
}

func compile(t *testing.T, cfg *config.Config, opts ...Option) (*Result, *model.Model) {
	t.Helper()
	c, m := newCompiler(opts...)
	res, err := c.Compile(context.Background(), cfg)
	require.NoError(t, err)
	return res, m
}

func ruleStrings(t *testing.T, m *model.Model, table, name string, version int) []string {
	t.Helper()
	c, ok := m.GetChain(model.ChainID{Table: table, Name: name, Version: version})
	require.True(t, ok, "chain %s:%s:v%d missing", table, name, version)
	var out []string
	for _, r := range c.Rules() {
		out = append(out, r.String())
	}
	return out
}

func filterChain(name string) config.Chain {
	return config.Chain{Name: name, Tables: []string{"filter"}}
}

func filterRule(text string) config.Rule {
	return config.Rule{Rule: text, Tables: []string{"filter"}}
}

func TestCompile_StaticInput(t *testing.T) {
	cfg := &config.Config{
		Chains: []config.Chain{{Name: "INPUT", Tables: []string{"filter"}, Protocols: []string{"ipv4"}}},
		Rules:  []config.Rule{{Rule: "-A INPUT -j ACCEPT", Tables: []string{"filter"}, Protocols: []string{"ipv4"}}},
	}

	res, m := compile(t, cfg)
	assert.Equal(t, []string{"-A INPUT -j ACCEPT"}, ruleStrings(t, m, "filter", "INPUT", 4))
	assert.Equal(t, 1, res.Rules)
	assert.Equal(t, 1, res.Chains)
	assert.Equal(t, "test-run", res.RunID)
	assert.Equal(t, []int{4}, res.Versions())
	assert.Equal(t, "*filter\n:INPUT ACCEPT [0:0]\n-A INPUT -j ACCEPT\nCOMMIT\n", res.Scripts[4])
}

func TestCompile_FanOut(t *testing.T) {
	tables := []string{"filter", "mangle"}
	protocols := []string{"ipv4", "ipv6"}

	for _, tt := range []struct {
		name      string
		condition string
		want      int
	}{
		{"condition holds", "", 4},
		{"condition true", "1 == 1", 4},
		{"condition false", "1 == 2", 0},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				Chains: []config.Chain{{Name: "INPUT", Tables: tables, Protocols: protocols}},
				Rules:  []config.Rule{{Rule: "-A INPUT -j ACCEPT", Tables: tables, Protocols: protocols, Condition: tt.condition}},
			}
			res, _ := compile(t, cfg)
			assert.Equal(t, tt.want, res.Rules)
			if tt.want == 0 {
				assert.Equal(t, 1, res.Skipped)
			}
		})
	}
}

func TestCompile_EnvironmentInRules(t *testing.T) {
	runner := new(shell.MockCommandRunner)
	runner.On("Capture", "echo eth1\n", "bash", "-").Return([]byte("eth1\n"), nil, nil)

	cfg := &config.Config{
		Environment: []config.Environment{
			{Name: "wan", Language: "text", Command: "eth0"},
			{Name: "lan", Command: "echo eth1"},
			{Name: "ipv6", Language: "text", Command: "0"},
		},
		Chains: []config.Chain{filterChain("INPUT")},
		Rules: []config.Rule{
			filterRule("-A INPUT -i {wan} -j ACCEPT"),
			filterRule("-A INPUT -i {lan} -j ACCEPT"),
			{Rule: "-A INPUT -j LOG", Tables: []string{"filter"}, Condition: "!Check(var.ipv6)"},
			{Rule: "-A INPUT -j DROP", Tables: []string{"filter"}, Condition: "Check(var.ipv6) && var.wan == \"eth0\""},
		},
	}

	res, m := compile(t, cfg, WithRunner(runner))
	assert.Equal(t, []string{
		"-A INPUT -i eth0 -j ACCEPT",
		"-A INPUT -i eth1 -j ACCEPT",
		"-A INPUT -j DROP",
	}, ruleStrings(t, m, "filter", "INPUT", 4))
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Bindings, 3)
	assert.Equal(t, "eth1", res.Bindings[1].Value)
	runner.AssertExpectations(t)
}

func dynamicConfig(rules ...config.Rule) *config.Config {
	return &config.Config{
		Chains: []config.Chain{
			filterChain("INPUT"),
			{Name: "CLIENT_{0}", Tables: []string{"filter"}, Dynamic: "client"},
		},
		Rules: rules,
	}
}

func TestCompile_DynamicChain(t *testing.T) {
	cfg := dynamicConfig(
		filterRule("-A CLIENT_{{0}} -s {{0}} -j RETURN"),
		filterRule("-A CLIENT_{{0}} -j DROP"),
		filterRule("-A INPUT -j {client.alice}"),
		filterRule("-A INPUT -j {client.alice}"),
		filterRule("-A INPUT -j {client.bob}"),
	)

	res, m := compile(t, cfg)
	assert.Equal(t, []string{
		"-A CLIENT_alice -s alice -j RETURN",
		"-A CLIENT_alice -j DROP",
	}, ruleStrings(t, m, "filter", "CLIENT_alice", 4))
	assert.Equal(t, []string{
		"-A CLIENT_bob -s bob -j RETURN",
		"-A CLIENT_bob -j DROP",
	}, ruleStrings(t, m, "filter", "CLIENT_bob", 4))
	assert.Equal(t, []string{
		"-A INPUT -j CLIENT_alice",
		"-A INPUT -j CLIENT_alice",
		"-A INPUT -j CLIENT_bob",
	}, ruleStrings(t, m, "filter", "INPUT", 4))
	assert.Equal(t, 2, res.Expansions)
	assert.False(t, m.HasChain(model.ChainID{Table: "filter", Name: "CLIENT_{0}", Version: 4}),
		"the dynamic template itself is never materialized")
	assert.Contains(t, res.Scripts[4], ":CLIENT_alice - [0:0]")
}

func TestCompile_DynamicInit(t *testing.T) {
	cfg := dynamicConfig(filterRule("-A CLIENT_{{0}} -j DROP"))
	cfg.Chains[1].DynamicInit = []string{"warm", "warm2"}

	res, m := compile(t, cfg)
	assert.Equal(t, []string{"-A CLIENT_warm -j DROP"}, ruleStrings(t, m, "filter", "CLIENT_warm", 4))
	assert.Equal(t, []string{"-A CLIENT_warm2 -j DROP"}, ruleStrings(t, m, "filter", "CLIENT_warm2", 4))
	assert.Equal(t, 2, res.Expansions)
}

func TestCompile_DynamicInitAlreadyExpanded(t *testing.T) {
	cfg := dynamicConfig(
		filterRule("-A CLIENT_{{0}} -j DROP"),
		filterRule("-A INPUT -j {client.warm}"),
	)
	cfg.Chains[1].DynamicInit = []string{"warm"}

	res, m := compile(t, cfg)
	assert.Len(t, ruleStrings(t, m, "filter", "CLIENT_warm", 4), 1)
	assert.Equal(t, 1, res.Expansions)
}

func TestCompile_DynamicInitSkipsTablesWithoutTemplates(t *testing.T) {
	cfg := dynamicConfig(filterRule("-A CLIENT_{{0}} -j DROP"))
	cfg.Chains[1].Tables = []string{"filter", "nat"}
	cfg.Chains[1].DynamicInit = []string{"warm"}

	res, m := compile(t, cfg)
	assert.Equal(t, []string{"-A CLIENT_warm -j DROP"}, ruleStrings(t, m, "filter", "CLIENT_warm", 4))
	_, ok := m.GetChain(model.ChainID{Table: "nat", Name: "CLIENT_warm", Version: 4})
	assert.False(t, ok)
	assert.Equal(t, 1, res.Expansions)
}

func TestCompile_DynamicInitWithoutAnyTemplates(t *testing.T) {
	cfg := dynamicConfig()
	cfg.Chains[1].Tables = []string{"filter", "nat"}
	cfg.Chains[1].DynamicInit = []string{"warm"}

	c, _ := newCompiler()
	_, err := c.Compile(context.Background(), cfg)
	var empty *dynchain.EmptyTemplateError
	require.ErrorAs(t, err, &empty)
	assert.Equal(t, "CLIENT_{0}", empty.ID.Name)
}

func TestCompile_DynamicWithoutTemplates(t *testing.T) {
	cfg := dynamicConfig(filterRule("-A INPUT -j {client.alice}"))

	c, _ := newCompiler()
	_, err := c.Compile(context.Background(), cfg)
	var empty *dynchain.EmptyTemplateError
	require.ErrorAs(t, err, &empty)
}

func TestCompile_DuplicateDynamicChain(t *testing.T) {
	cfg := dynamicConfig()
	cfg.Chains = append(cfg.Chains, config.Chain{Name: "CLIENT_{0}", Tables: []string{"filter", "mangle"}, Dynamic: "other"})

	c, _ := newCompiler()
	_, err := c.Compile(context.Background(), cfg)
	var dup *dynchain.DuplicateChainError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "filter", dup.ID.Table)
}

func TestCompile_OverlappingTablesRegisterOnce(t *testing.T) {
	cfg := &config.Config{
		Chains: []config.Chain{
			filterChain("INPUT"),
			{Name: "HOST_{0}", Tables: []string{"filter", "filter"}, Protocols: []string{"ipv4", "4"}, Dynamic: "host"},
		},
		Rules: []config.Rule{
			filterRule("-A HOST_{{0}} -j ACCEPT"),
			filterRule("-A INPUT -j {host.web}"),
		},
	}

	_, m := compile(t, cfg)
	assert.Equal(t, []string{"-A HOST_web -j ACCEPT"}, ruleStrings(t, m, "filter", "HOST_web", 4))
}

func TestCompile_Sets(t *testing.T) {
	res := resolver.NewStaticResolver(map[string]string{
		"web.example": "10.0.0.2",
		"dup.example": "10.0.0.1",
	})
	res.Failures["web.example"] = 1

	cfg := &config.Config{
		Environment: []config.Environment{{Name: "gw", Language: "text", Command: "10.0.0.254"}},
		Chains:      dynamicConfig().Chains,
		Sets: []config.Set{
			{
				Name: "trusted",
				Entries: []string{
					"10.0.0.1",
					"web.example",
					"dup.example",
					"{gw}",
					"{client.alice}",
					"10.0.0.2",
				},
			},
			{Name: "nets", Type: "hash:net", Entries: []string{"192.168.1.7/24", "192.168.1.0/24", "10.1.1.1"}},
		},
	}

	result, m := compile(t, cfg, WithResolver(res))
	trusted, ok := m.Sets.Get("trusted")
	require.True(t, ok)
	assert.Equal(t, []model.Entry{{Value: "10.0.0.1"}, {Value: "10.0.0.2"}, {Value: "10.0.0.254"}}, trusted.Entries())

	nets, ok := m.Sets.Get("nets")
	require.True(t, ok)
	assert.Equal(t, []model.Entry{{Value: "192.168.1.0/24"}, {Value: "10.1.1.1/32"}}, nets.Entries())

	assert.Equal(t, 2, result.Sets)
	assert.Contains(t, result.SetScript, "add trusted 10.0.0.254 -exist\n")
	assert.Equal(t, 2, res.Calls("web.example"))
}

func TestCompile_UnresolvableSet(t *testing.T) {
	cfg := &config.Config{
		Sets: []config.Set{
			{Name: "ok", Entries: []string{"10.0.0.1"}},
			{Name: "broken", Entries: []string{"10.0.0.1", "nx.example"}},
		},
	}

	c, m := newCompiler(WithResolver(resolver.NewStaticResolver(nil)))
	_, err := c.Compile(context.Background(), cfg)
	var resErr *resolver.ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "nx.example", resErr.Name)
	assert.ErrorContains(t, err, "nx.example: NXDOMAIN")

	_, ok := m.Sets.Get("broken")
	assert.False(t, ok, "a set with unresolved entries is never committed")
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name  string
		cfg   *config.Config
		check func(t *testing.T, err error)
	}{
		{
			name: "unknown language",
			cfg:  &config.Config{Environment: []config.Environment{{Name: "x", Language: "perl", Command: "1"}}},
			check: func(t *testing.T, err error) {
				var cfgErr *ConfigError
				assert.ErrorAs(t, err, &cfgErr)
			},
		},
		{
			name: "validation failure",
			cfg:  &config.Config{Rules: []config.Rule{{Rule: "-A INPUT -j ACCEPT"}}},
			check: func(t *testing.T, err error) {
				var cfgErr *ConfigError
				assert.ErrorAs(t, err, &cfgErr)
			},
		},
		{
			name: "chain not found",
			cfg:  &config.Config{Chains: []config.Chain{filterChain("INPUT")}, Rules: []config.Rule{filterRule("-A MISSING -j DROP")}},
			check: func(t *testing.T, err error) {
				var notFound *model.ChainNotFoundError
				require.ErrorAs(t, err, &notFound)
				assert.Equal(t, "MISSING", notFound.ID.Name)
			},
		},
		{
			name: "templated rule into missing chain",
			cfg: &config.Config{
				Environment: []config.Environment{{Name: "c", Language: "text", Command: "MISSING"}},
				Rules:       []config.Rule{filterRule("-A {c} -j DROP")},
			},
			check: func(t *testing.T, err error) {
				var notFound *model.ChainNotFoundError
				assert.ErrorAs(t, err, &notFound)
			},
		},
		{
			name: "unknown variable",
			cfg:  &config.Config{Chains: []config.Chain{filterChain("INPUT")}, Rules: []config.Rule{filterRule("-A INPUT -i {nope} -j DROP")}},
			check: func(t *testing.T, err error) {
				var fmtErr *template.FormatError
				require.ErrorAs(t, err, &fmtErr)
				assert.Equal(t, "-A INPUT -i {nope} -j DROP", fmtErr.Template)
			},
		},
		{
			name: "bad condition",
			cfg: &config.Config{
				Chains: []config.Chain{filterChain("INPUT")},
				Rules:  []config.Rule{{Rule: "-A INPUT -j DROP", Tables: []string{"filter"}, Condition: "ParseInt(\"abc\") > 1"}},
			},
			check: func(t *testing.T, err error) {
				var evalErr *condition.EvalError
				assert.ErrorAs(t, err, &evalErr)
			},
		},
		{
			name: "shadowed binding",
			cfg: &config.Config{
				Environment: []config.Environment{{Name: "client", Language: "text", Command: "x"}},
				Chains:      dynamicConfig().Chains,
			},
			check: func(t *testing.T, err error) {
				var cfgErr *ConfigError
				assert.ErrorAs(t, err, &cfgErr)
			},
		},
		{
			name: "nil config",
			cfg:  nil,
			check: func(t *testing.T, err error) {
				var cfgErr *ConfigError
				assert.ErrorAs(t, err, &cfgErr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newCompiler()
			res, err := c.Compile(context.Background(), tt.cfg)
			require.Error(t, err)
			assert.Nil(t, res)
			tt.check(t, err)
		})
	}
}

func TestCompile_OrderPreservedUnderParallelism(t *testing.T) {
	cfg := dynamicConfig(filterRule("-A CLIENT_{{0}} -j DROP"))
	var want []string
	for i := 0; i < 200; i++ {
		switch {
		case i%7 == 3:
			cfg.Rules = append(cfg.Rules, filterRule(fmt.Sprintf("-A INPUT -j {client.c%d}", i)))
			want = append(want, fmt.Sprintf("-A INPUT -j CLIENT_c%d", i))
		case i%5 == 0:
			cfg.Rules = append(cfg.Rules, config.Rule{
				Rule:      fmt.Sprintf("-A INPUT -m comment --comment r%d -j ACCEPT", i),
				Tables:    []string{"filter"},
				Condition: "1 == 2",
			})
		default:
			cfg.Rules = append(cfg.Rules, filterRule(fmt.Sprintf("-A INPUT -m comment --comment r%d -j ACCEPT", i)))
			want = append(want, fmt.Sprintf("-A INPUT -m comment --comment r%d -j ACCEPT", i))
		}
	}

	for _, workers := range []int{1, 3, 16} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			_, m := compile(t, cfg, WithWorkers(workers))
			assert.Equal(t, want, ruleStrings(t, m, "filter", "INPUT", 4))
		})
	}
}

func TestCompile_RuleTargetsChainCreatedByEarlierExpansion(t *testing.T) {
	cfg := dynamicConfig(
		filterRule("-A CLIENT_{{0}} -j DROP"),
		filterRule("-A INPUT -j {client.alice}"),
		filterRule("-A CLIENT_alice -j LOG"),
	)

	for _, workers := range []int{1, 3, 16} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			for i := 0; i < 25; i++ {
				_, m := compile(t, cfg, WithWorkers(workers))
				assert.Equal(t, []string{
					"-A CLIENT_alice -j DROP",
					"-A CLIENT_alice -j LOG",
				}, ruleStrings(t, m, "filter", "CLIENT_alice", 4))
				assert.Equal(t, []string{"-A INPUT -j CLIENT_alice"}, ruleStrings(t, m, "filter", "INPUT", 4))
			}
		})
	}
}

func TestCompile_RuleBeforeExpansionFailsRegardlessOfWorkers(t *testing.T) {
	cfg := dynamicConfig(
		filterRule("-A CLIENT_{{0}} -j DROP"),
		filterRule("-A CLIENT_alice -j LOG"),
		filterRule("-A INPUT -j {client.alice}"),
	)

	for _, workers := range []int{1, 3, 16} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			for i := 0; i < 25; i++ {
				c, _ := newCompiler(WithWorkers(workers))
				_, err := c.Compile(context.Background(), cfg)
				var notFound *model.ChainNotFoundError
				require.ErrorAs(t, err, &notFound)
				assert.Equal(t, "CLIENT_alice", notFound.ID.Name)
			}
		})
	}
}

func TestCompile_Idempotent(t *testing.T) {
	cfg := dynamicConfig(
		filterRule("-A CLIENT_{{0}} -j DROP"),
		filterRule("-A INPUT -j {client.alice}"),
	)
	cfg.Chains[1].DynamicInit = []string{"alice"}

	first, _ := compile(t, cfg)
	second, _ := compile(t, cfg)
	assert.Equal(t, first.Scripts, second.Scripts)
	assert.Equal(t, first.SetScript, second.SetScript)
}

func TestCompile_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, _ := newCompiler()
	_, err := c.Compile(ctx, &config.Config{Chains: []config.Chain{filterChain("INPUT")}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompile_OptionsFromConfig(t *testing.T) {
	retries := 0
	cfg := &config.Config{
		Options: &config.Options{ResolveRetries: &retries, RetryDelay: "1ms"},
		Sets:    []config.Set{{Name: "s", Entries: []string{"slow.example"}}},
	}
	res := resolver.NewStaticResolver(map[string]string{"slow.example": "10.0.0.5"})
	res.Failures["slow.example"] = 1

	m := model.New()
	c := New(m,
		WithLogger(logging.Discard()),
		WithMetrics(metrics.NewRegistry()),
		WithResolver(res))
	_, err := c.Compile(context.Background(), cfg)
	var resErr *resolver.ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, 1, res.Calls("slow.example"))
	assert.NotEmpty(t, c.runID)
	assert.False(t, strings.Contains(c.runID, " "))
}
