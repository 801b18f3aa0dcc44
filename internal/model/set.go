package model

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"grimm.is/rampart/internal/validation"
)

// Set types with special entry handling. Other ipset types are accepted and
// their entries kept verbatim.
const (
	SetTypeHashIP  = "hash:ip"
	SetTypeHashNet = "hash:net"
)

// Entry is one member of an address set, in canonical form.
type Entry struct {
	Value string
}

func (e Entry) String() string {
	return e.Value
}

// ParseEntry normalizes value for a set of setType. hash:ip entries must be
// literal addresses; resolve hostnames before calling.
func ParseEntry(setType, value string) (Entry, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Entry{}, fmt.Errorf("empty set entry")
	}
	switch setType {
	case SetTypeHashIP:
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return Entry{}, fmt.Errorf("invalid address %q", value)
		}
		return Entry{Value: addr.Unmap().String()}, nil
	case SetTypeHashNet:
		if p, err := netip.ParsePrefix(value); err == nil {
			return Entry{Value: p.Masked().String()}, nil
		}
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return Entry{}, fmt.Errorf("invalid network %q", value)
		}
		return Entry{Value: netip.PrefixFrom(addr, addr.BitLen()).String()}, nil
	}
	return Entry{Value: value}, nil
}

// NeedsResolution reports whether value must be resolved by name before it
// can be an entry of a set of setType.
func NeedsResolution(setType, value string) bool {
	if setType == "" {
		setType = SetTypeHashIP
	}
	if setType != SetTypeHashIP {
		return false
	}
	_, err := netip.ParseAddr(strings.TrimSpace(value))
	return err != nil
}

// Set is a named, deduplicated, ordered collection of entries.
type Set struct {
	Name   string
	Type   string
	Family string

	mu      sync.Mutex
	entries []Entry
	seen    map[Entry]bool
}

// NewSet creates an empty set. Type defaults to hash:ip and family to inet.
func NewSet(name, setType, family string) (*Set, error) {
	if err := validation.ValidateSetName(name); err != nil {
		return nil, err
	}
	if setType == "" {
		setType = SetTypeHashIP
	}
	if family == "" {
		family = "inet"
	}
	return &Set{Name: name, Type: setType, Family: family, seen: make(map[Entry]bool)}, nil
}

// Add appends e unless an equal entry is already present.
func (s *Set) Add(e Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[e] {
		return false
	}
	s.seen[e] = true
	s.entries = append(s.entries, e)
	return true
}

// Entries returns the entries in insertion order.
func (s *Set) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// SetStore holds the model's sets in declaration order.
type SetStore struct {
	mu    sync.RWMutex
	sets  map[string]*Set
	order []*Set
}

// NewSetStore creates an empty store.
func NewSetStore() *SetStore {
	return &SetStore{sets: make(map[string]*Set)}
}

// Add registers s. Names are unique.
func (st *SetStore) Add(s *Set) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sets[s.Name]; ok {
		return fmt.Errorf("set %q already exists", s.Name)
	}
	st.sets[s.Name] = s
	st.order = append(st.order, s)
	return nil
}

// Get returns the set called name.
func (st *SetStore) Get(name string) (*Set, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sets[name]
	return s, ok
}

// All returns the sets in the order they were added.
func (st *SetStore) All() []*Set {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Set, len(st.order))
	copy(out, st.order)
	return out
}

// Len returns the number of sets.
func (st *SetStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.order)
}

// SyncPlan describes how to bring a live system's sets in line with the
// store.
type SyncPlan struct {
	Create  []*Set
	Replace []*Set
	Delete  []string
}

// Empty reports whether the plan has nothing to do.
func (p SyncPlan) Empty() bool {
	return len(p.Create) == 0 && len(p.Replace) == 0 && len(p.Delete) == 0
}

// Sync plans the changes needed given the names of sets that already exist.
// Sets the store does not know are deleted only when deleteFn returns true.
func (st *SetStore) Sync(existing []string, deleteFn func(name string) bool) SyncPlan {
	var plan SyncPlan
	live := make(map[string]bool, len(existing))
	for _, name := range existing {
		live[name] = true
	}
	for _, s := range st.All() {
		if live[s.Name] {
			plan.Replace = append(plan.Replace, s)
		} else {
			plan.Create = append(plan.Create, s)
		}
	}
	for _, name := range existing {
		if _, ok := st.Get(name); ok {
			continue
		}
		if deleteFn != nil && deleteFn(name) {
			plan.Delete = append(plan.Delete, name)
		}
	}
	return plan
}

// NeverDelete is a Sync predicate that keeps every unknown set.
func NeverDelete(string) bool { return false }
