package model

import (
	"sort"
	"sync"
)

// ParseMode controls what ParseRule does when the rule's chain is not in the
// model.
type ParseMode int

const (
	// ErrorIfMissing fails with ChainNotFoundError.
	ErrorIfMissing ParseMode = iota
	// CreateIfMissing adds the chain.
	CreateIfMissing
	// ReturnNew leaves the model untouched. The rule is returned bound to the
	// chain identity and the caller decides where it goes.
	ReturnNew
)

func (m ParseMode) String() string {
	switch m {
	case ErrorIfMissing:
		return "error-if-missing"
	case CreateIfMissing:
		return "create-if-missing"
	case ReturnNew:
		return "return-new"
	}
	return "unknown"
}

type chainKey struct {
	table, name string
}

// ChainSet is the set of chains for one ip version.
type ChainSet struct {
	Version int

	mu     sync.RWMutex
	chains map[chainKey]*Chain
	order  []*Chain
}

func newChainSet(version int) *ChainSet {
	return &ChainSet{
		Version: version,
		chains:  make(map[chainKey]*Chain),
	}
}

// Get returns the chain named name in table.
func (s *ChainSet) Get(table, name string) (*Chain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chains[chainKey{table, name}]
	return c, ok
}

// GetOrAdd returns the chain, creating it if needed. created reports whether
// this call added it.
func (s *ChainSet) GetOrAdd(table, name string) (c *Chain, created bool) {
	key := chainKey{table, name}
	s.mu.RLock()
	c, ok := s.chains[key]
	s.mu.RUnlock()
	if ok {
		return c, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chains[key]; ok {
		return c, false
	}
	c = NewChain(ChainID{Table: table, Name: name, Version: s.Version})
	s.chains[key] = c
	s.order = append(s.order, c)
	return c, true
}

// Chains returns the chains in creation order.
func (s *ChainSet) Chains() []*Chain {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Chain, len(s.order))
	copy(out, s.order)
	return out
}

// Tables returns the tables that have at least one chain, in restore order.
func (s *ChainSet) Tables() []string {
	seen := make(map[string]bool)
	var tables []string
	for _, c := range s.Chains() {
		if !seen[c.ID.Table] {
			seen[c.ID.Table] = true
			tables = append(tables, c.ID.Table)
		}
	}
	sort.SliceStable(tables, func(i, j int) bool {
		return tableRank(tables[i]) < tableRank(tables[j])
	})
	return tables
}

var tableOrder = []string{"raw", "mangle", "nat", "filter", "security"}

func tableRank(t string) int {
	for i, n := range tableOrder {
		if n == t {
			return i
		}
	}
	return len(tableOrder)
}

// Model is the compiled firewall: one ChainSet per ip version, plus sets.
type Model struct {
	mu       sync.RWMutex
	ruleSets map[int]*ChainSet

	Sets *SetStore
}

// New creates an empty model.
func New() *Model {
	return &Model{
		ruleSets: make(map[int]*ChainSet),
		Sets:     NewSetStore(),
	}
}

// RuleSet returns the chain set for version, creating it on first use.
func (m *Model) RuleSet(version int) *ChainSet {
	m.mu.RLock()
	rs, ok := m.ruleSets[version]
	m.mu.RUnlock()
	if ok {
		return rs
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.ruleSets[version]; ok {
		return rs
	}
	rs = newChainSet(version)
	m.ruleSets[version] = rs
	return rs
}

// Versions returns the ip versions present, ascending.
func (m *Model) Versions() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int, 0, len(m.ruleSets))
	for v := range m.ruleSets {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// HasChain reports whether the chain exists.
func (m *Model) HasChain(id ChainID) bool {
	_, ok := m.GetChain(id)
	return ok
}

// GetChain returns the chain with the given identity.
func (m *Model) GetChain(id ChainID) (*Chain, bool) {
	m.mu.RLock()
	rs, ok := m.ruleSets[id.Version]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return rs.Get(id.Table, id.Name)
}

// GetChainOrDefault returns the chain, or nil if it does not exist.
func (m *Model) GetChainOrDefault(id ChainID) *Chain {
	c, _ := m.GetChain(id)
	return c
}

// AddChain creates the chain if it does not exist and returns it.
func (m *Model) AddChain(id ChainID) (*Chain, bool) {
	return m.RuleSet(id.Version).GetOrAdd(id.Table, id.Name)
}

// AddRule appends rule to its chain.
func (m *Model) AddRule(rule *Rule) error {
	c, ok := m.GetChain(rule.Chain)
	if !ok {
		return &ChainNotFoundError{ID: rule.Chain}
	}
	c.Append(rule)
	return nil
}

// RuleCount returns the total number of rules across all versions.
func (m *Model) RuleCount() int {
	n := 0
	for _, v := range m.Versions() {
		for _, c := range m.RuleSet(v).Chains() {
			n += c.Len()
		}
	}
	return n
}

// ParseRule parses text into a rule for version. table is used unless the
// rule carries its own -t.
func (m *Model) ParseRule(text string, version int, table string, mode ParseMode) (*Rule, error) {
	chain, override, args, err := ParseRuleText(text)
	if err != nil {
		return nil, err
	}
	if override != "" {
		table = override
	}
	id := ChainID{Table: table, Name: chain, Version: version}

	switch mode {
	case ErrorIfMissing:
		if !m.HasChain(id) {
			return nil, &ChainNotFoundError{ID: id}
		}
	case CreateIfMissing:
		m.AddChain(id)
	}
	return &Rule{Chain: id, Args: args}, nil
}
