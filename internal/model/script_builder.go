package model

import (
	"fmt"
	"strings"
)

// ScriptBuilder accumulates lines of a restore script.
type ScriptBuilder struct {
	lines []string
}

// NewScriptBuilder creates an empty builder.
func NewScriptBuilder() *ScriptBuilder {
	return &ScriptBuilder{lines: make([]string, 0, 100)}
}

// AddLine adds a raw line to the script.
func (b *ScriptBuilder) AddLine(line string) {
	b.lines = append(b.lines, line)
}

// AddComment adds a # comment line.
func (b *ScriptBuilder) AddComment(format string, args ...any) {
	b.AddLine("# " + fmt.Sprintf(format, args...))
}

// BeginTable starts a table section.
func (b *ScriptBuilder) BeginTable(table string) {
	b.AddLine("*" + table)
}

// AddChain declares a chain with its policy.
func (b *ScriptBuilder) AddChain(name, policy string) {
	b.AddLine(fmt.Sprintf(":%s %s [0:0]", name, policy))
}

// AddRule adds an append rule.
func (b *ScriptBuilder) AddRule(rule *Rule) {
	b.AddLine(rule.String())
}

// Commit ends a table section.
func (b *ScriptBuilder) Commit() {
	b.AddLine("COMMIT")
}

// AddSet adds an ipset create line followed by a flush so a reload replaces
// the contents.
func (b *ScriptBuilder) AddSet(s *Set) {
	b.AddLine(fmt.Sprintf("create %s %s family %s -exist", s.Name, s.Type, s.Family))
	b.AddLine("flush " + s.Name)
}

// AddSetElements adds set members.
func (b *ScriptBuilder) AddSetElements(setName string, entries []Entry) {
	for _, e := range entries {
		b.AddLine(fmt.Sprintf("add %s %s -exist", setName, e.Value))
	}
}

// Build returns the complete script as a string.
func (b *ScriptBuilder) Build() string {
	if len(b.lines) == 0 {
		return ""
	}
	return strings.Join(b.lines, "\n") + "\n"
}

// String returns the script for debugging.
func (b *ScriptBuilder) String() string {
	return b.Build()
}

// Render renders the rule set for version as an iptables-restore script.
// Empty versions render as "".
func (m *Model) Render(version int) string {
	m.mu.RLock()
	rs, ok := m.ruleSets[version]
	m.mu.RUnlock()
	if !ok {
		return ""
	}
	chains := rs.Chains()
	if len(chains) == 0 {
		return ""
	}

	b := NewScriptBuilder()
	for _, table := range rs.Tables() {
		b.BeginTable(table)
		var inTable []*Chain
		for _, c := range chains {
			if c.ID.Table == table {
				inTable = append(inTable, c)
			}
		}
		for _, c := range inTable {
			b.AddChain(c.ID.Name, c.Policy())
		}
		for _, c := range inTable {
			for _, r := range c.Rules() {
				b.AddRule(r)
			}
		}
		b.Commit()
	}
	return b.Build()
}

// Render renders all sets as an ipset restore script.
func (st *SetStore) Render() string {
	return st.RenderSets(st.All())
}

// RenderSets renders the given sets as an ipset restore script.
func (st *SetStore) RenderSets(sets []*Set) string {
	b := NewScriptBuilder()
	for _, s := range sets {
		b.AddSet(s)
		b.AddSetElements(s.Name, s.Entries())
	}
	return b.Build()
}
