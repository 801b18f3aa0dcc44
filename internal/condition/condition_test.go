package condition

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/template"
)

func testBag() template.Bag {
	bag := template.NewStatic()
	bag.Set("wan", "eth0")
	bag.Set("ipv6", "0")
	bag.Set("mtu", " 1500\n")
	bag.Set("count", 3)
	bag.Set("ports", []string{"22", "443"})
	bag.Set("empty", "")
	bag.Set("ifaces", map[string]string{"wan": "eth0"})
	bag.Set("meta", map[string]any{"mtu": 1500})

	funcs := template.NewFuncs()
	funcs.Define("client", func(scope template.Scope, key string) (string, error) {
		return "", nil
	})
	return template.Merge(bag, funcs)
}

func TestEvaluate(t *testing.T) {
	ev := NewEvaluator(testBag(), nil)

	tests := []struct {
		cond string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"true", true},
		{"false", false},
		{"var.wan == \"eth0\"", true},
		{"var[\"wan\"] == 'eth0'", true},
		{"var.wan != \"eth1\"", true},
		{"Check(var.ipv6)", true},
		{"!Check(var.wan)", true},
		{"ParseInt(var.mtu) >= 1500", true},
		{"ParseInt(var.mtu) > 1500", false},
		{"var.count == 3", true},
		{"var.count + 1 == 4", true},
		{"var.count - 4 < 0", true},
		{"-var.count == -3", true},
		{"var.ports[1] == \"443\"", true},
		{"var.empty == \"\"", true},
		{"var.wan == 1", false},
		{"null == null", true},
		{"var.wan == null", false},
		{"\"a\" + \"b\" == \"ab\"", true},
		{"\"abc\" < \"abd\"", true},
		{"Check(var.ipv6) && var.wan == \"eth0\"", true},
		{"Check(var.wan) || var.count <= 2", false},
		{"!(var.count == 3 && false)", true},
		{"var.client.alice == \"\"", true},
		{"wan == \"eth0\"", true},
		{"var.ifaces.wan == \"eth0\"", true},
		{"var.meta[\"mtu\"] == 1500", true},
	}

	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			got, err := ev.Evaluate(tt.cond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	ev := NewEvaluator(testBag(), nil)

	tests := []string{
		"var.missing == 1",
		"nosuch == 1",
		"Unknown(1)",
		"ParseInt(var.wan) == 1",
		"ParseInt(null) == 1",
		"var.wan < 3",
		"var.wan",
		"1 &&",
		"(true",
		"var.wan == \"eth0",
		"true && 1",
		"!\"x\"",
		"var.ports[5] == \"\"",
		"ParseInt(1, 2) == 1",
		"1 # 2",
		"var.ifaces.lan == null",
		"var.meta.nope == 1",
	}

	for _, cond := range tests {
		t.Run(cond, func(t *testing.T) {
			_, err := ev.Evaluate(cond)
			require.Error(t, err)
			var evalErr *EvalError
			assert.True(t, errors.As(err, &evalErr), "want *EvalError, got %T", err)
		})
	}
}

func TestEvaluate_ShortCircuit(t *testing.T) {
	called := false
	ev := NewEvaluator(testBag(), map[string]Func{
		"boom": func(args ...any) (any, error) {
			called = true
			return nil, errors.New("boom")
		},
	})

	got, err := ev.Evaluate("false && boom()")
	require.NoError(t, err)
	assert.False(t, got)

	got, err = ev.Evaluate("true || boom()")
	require.NoError(t, err)
	assert.True(t, got)
	assert.False(t, called)
}

func TestNewEvaluator_BuiltinsNotReplaced(t *testing.T) {
	ev := NewEvaluator(nil, map[string]Func{
		"Check": func(args ...any) (any, error) { return false, nil },
		"Upper": func(args ...any) (any, error) { return "X", nil },
	})

	got, err := ev.Evaluate("Check(\"\") && Upper() == \"X\"")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCheck(t *testing.T) {
	assert.True(t, Check("0000"))
	assert.True(t, Check(""))
	assert.True(t, Check(nil))
	assert.True(t, Check("0"))
	assert.True(t, Check(0))
	assert.False(t, Check("007x"))
	assert.False(t, Check("1"))
	assert.False(t, Check("100"))
}

func TestParseInt(t *testing.T) {
	n, err := ParseInt("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	n, err = ParseInt(" -7\n")
	require.NoError(t, err)
	assert.Equal(t, int64(-7), n)

	n, err = ParseInt(12)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	_, err = ParseInt("abc")
	var evalErr *EvalError
	require.ErrorAs(t, err, &evalErr)

	_, err = ParseInt(nil)
	require.ErrorAs(t, err, &evalErr)
}
