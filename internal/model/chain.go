package model

import (
	"fmt"
	"sync"
)

// Built-in chains per table. These get an ACCEPT policy when rendered;
// user chains get "-".
var builtinChains = map[string][]string{
	"filter":   {"INPUT", "FORWARD", "OUTPUT"},
	"nat":      {"PREROUTING", "INPUT", "OUTPUT", "POSTROUTING"},
	"mangle":   {"PREROUTING", "INPUT", "FORWARD", "OUTPUT", "POSTROUTING"},
	"raw":      {"PREROUTING", "OUTPUT"},
	"security": {"INPUT", "FORWARD", "OUTPUT"},
}

// IsBuiltin reports whether name is a built-in chain of table.
func IsBuiltin(table, name string) bool {
	for _, n := range builtinChains[table] {
		if n == name {
			return true
		}
	}
	return false
}

// ChainID identifies a chain within the model.
type ChainID struct {
	Table   string
	Name    string
	Version int
}

func (id ChainID) String() string {
	return fmt.Sprintf("%s:%s:v%d", id.Table, id.Name, id.Version)
}

// ChainNotFoundError is returned when a rule targets a chain that was never
// created.
type ChainNotFoundError struct {
	ID ChainID
}

func (e *ChainNotFoundError) Error() string {
	return fmt.Sprintf("chain %s not found", e.ID)
}

// Chain is an ordered list of rules.
type Chain struct {
	ID ChainID

	mu    sync.Mutex
	rules []*Rule
}

// NewChain creates an empty chain.
func NewChain(id ChainID) *Chain {
	return &Chain{ID: id}
}

// Append adds rules to the end of the chain.
func (c *Chain) Append(rules ...*Rule) {
	c.mu.Lock()
	c.rules = append(c.rules, rules...)
	c.mu.Unlock()
}

// Rules returns a snapshot of the chain's rules.
func (c *Chain) Rules() []*Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Len returns the number of rules.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rules)
}

// Policy returns the restore-format policy for the chain.
func (c *Chain) Policy() string {
	if IsBuiltin(c.ID.Table, c.ID.Name) {
		return "ACCEPT"
	}
	return "-"
}
