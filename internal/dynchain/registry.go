// Package dynchain implements the dynamic chain registry.
//
// A dynamic chain is declared with a name template such as "CLIENT_{0}" and
// collects template rules. Referencing the chain with an argument expands it
// exactly once per (chain, argument): every template rule has the argument
// substituted for {0} and is parsed into a concrete rule bound to the
// expanded chain, which is created on demand.
package dynchain

import (
	"fmt"
	"sort"
	"sync"

	"grimm.is/rampart/internal/model"
	"grimm.is/rampart/internal/template"
)

// RuleParser parses rule text into a concrete rule. *model.Model satisfies it.
type RuleParser interface {
	ParseRule(text string, version int, table string, mode model.ParseMode) (*model.Rule, error)
}

// DuplicateChainError is returned when the same (table, name, version) is
// registered twice.
type DuplicateChainError struct {
	ID model.ChainID
}

func (e *DuplicateChainError) Error() string {
	return fmt.Sprintf("dynamic chain %s is already registered", e.ID)
}

// UndeclaredChainError is returned for a chain that was never registered.
type UndeclaredChainError struct {
	ID model.ChainID
}

func (e *UndeclaredChainError) Error() string {
	return fmt.Sprintf("chain %s is not a registered dynamic chain", e.ID)
}

// EmptyTemplateError is returned when expanding a chain with no template
// rules.
type EmptyTemplateError struct {
	ID model.ChainID
}

func (e *EmptyTemplateError) Error() string {
	return fmt.Sprintf("dynamic chain %s has no rules", e.ID)
}

type variableKey struct {
	table    string
	variable string
	version  int
}

type expansionKey struct {
	id  model.ChainID
	arg string
}

type entry struct {
	variable string
	rules    []*model.Rule
}

// Registry tracks dynamic chains, their template rules and the expansions
// already performed.
type Registry struct {
	parser RuleParser

	// exclusive serializes lookup-and-expand transactions. See Exclusive.
	exclusive sync.Mutex

	mu        sync.RWMutex
	chains    map[model.ChainID]*entry
	variables map[variableKey]model.ChainID
	expanded  map[expansionKey]bool
}

// New creates an empty registry that parses expansions with parser.
func New(parser RuleParser) *Registry {
	return &Registry{
		parser:    parser,
		chains:    make(map[model.ChainID]*entry),
		variables: make(map[variableKey]model.ChainID),
		expanded:  make(map[expansionKey]bool),
	}
}

// Exclusive runs fn while holding the registry's expansion lock. Callers
// wrap any formatting that may trigger an expansion, together with the
// commit of the expanded rules, so concurrent references to the same chain
// observe a single expansion.
func (r *Registry) Exclusive(fn func() error) error {
	r.exclusive.Lock()
	defer r.exclusive.Unlock()
	return fn()
}

// RegisterDynamicChain declares chainName (a template containing {0}) in
// table for version and binds it to variable.
func (r *Registry) RegisterDynamicChain(variable, table, chainName string, version int) error {
	id := model.ChainID{Table: table, Name: chainName, Version: version}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chains[id]; ok {
		return &DuplicateChainError{ID: id}
	}
	r.chains[id] = &entry{variable: variable}
	r.variables[variableKey{table: table, variable: variable, version: version}] = id
	return nil
}

// AddTemplateRule appends rule to the template list of its chain.
func (r *Registry) AddTemplateRule(rule *model.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.chains[rule.Chain]
	if !ok {
		return &UndeclaredChainError{ID: rule.Chain}
	}
	e.rules = append(e.rules, rule)
	return nil
}

// IsDynamic reports whether id is a registered dynamic chain.
func (r *Registry) IsDynamic(id model.ChainID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chains[id]
	return ok
}

// ResolveVariable returns the chain bound to variable in table for version.
func (r *Registry) ResolveVariable(table, variable string, version int) (model.ChainID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.variables[variableKey{table: table, variable: variable, version: version}]
	return id, ok
}

// TemplateRules returns the template rules registered for id.
func (r *Registry) TemplateRules(id model.ChainID) []*model.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.chains[id]
	if !ok {
		return nil
	}
	out := make([]*model.Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Chains returns the registered identities, sorted.
func (r *Registry) Chains() []model.ChainID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ChainID, 0, len(r.chains))
	for id := range r.chains {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		return a.Name < b.Name
	})
	return out
}

// ExpandedName returns the name of the chain id expands to for arg.
func ExpandedName(id model.ChainID, arg string) (string, error) {
	return template.Substitute(id.Name, arg)
}

// Expand instantiates id for arg and returns the new concrete rules, bound
// to the expanded chain. The expanded chain is created through the parser.
// Expanding a pair a second time returns no rules; the caller is expected to
// have committed the first result.
func (r *Registry) Expand(id model.ChainID, arg string) ([]*model.Rule, error) {
	key := expansionKey{id: id, arg: arg}

	r.mu.Lock()
	e, ok := r.chains[id]
	if !ok {
		r.mu.Unlock()
		return nil, &UndeclaredChainError{ID: id}
	}
	if len(e.rules) == 0 {
		r.mu.Unlock()
		return nil, &EmptyTemplateError{ID: id}
	}
	if r.expanded[key] {
		r.mu.Unlock()
		return nil, nil
	}
	r.expanded[key] = true
	templates := make([]*model.Rule, len(e.rules))
	copy(templates, e.rules)
	r.mu.Unlock()

	rules, err := r.instantiate(id, arg, templates)
	if err != nil {
		r.mu.Lock()
		delete(r.expanded, key)
		r.mu.Unlock()
		return nil, err
	}
	return rules, nil
}

func (r *Registry) instantiate(id model.ChainID, arg string, templates []*model.Rule) ([]*model.Rule, error) {
	rules := make([]*model.Rule, 0, len(templates))
	for _, t := range templates {
		text, err := template.Substitute(t.String(), arg)
		if err != nil {
			return nil, fmt.Errorf("expand %s with %q: %w", id, arg, err)
		}
		rule, err := r.parser.ParseRule(text, id.Version, id.Table, model.CreateIfMissing)
		if err != nil {
			return nil, fmt.Errorf("expand %s with %q: %w", id, arg, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Expanded reports whether id has been expanded for arg.
func (r *Registry) Expanded(id model.ChainID, arg string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.expanded[expansionKey{id: id, arg: arg}]
}
