package template

import "sync"

// Scope carries the table and ip version a template is formatted for. It is
// consulted only by LookupFuncs invoked during that Format call.
type Scope struct {
	Table   string
	Version int
}

// Unscoped reports whether no table is in effect (set entries, conditions).
func (s Scope) Unscoped() bool {
	return s.Table == ""
}

// LookupFunc resolves a key under a dynamic variable. Returning "" with a nil
// error means found but empty.
type LookupFunc func(scope Scope, key string) (string, error)

// Bag is a named lookup surface.
type Bag interface {
	Lookup(name string) (any, bool)
}

// Static is an insertion-ordered name to value mapping.
type Static struct {
	mu     sync.RWMutex
	keys   []string
	values map[string]any
}

// NewStatic creates an empty Static bag.
func NewStatic() *Static {
	return &Static{values: make(map[string]any)}
}

// Set binds name to value. Rebinding keeps the original position.
func (s *Static) Set(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[name]; !ok {
		s.keys = append(s.keys, name)
	}
	s.values[name] = value
}

// Lookup implements Bag.
func (s *Static) Lookup(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Names returns the bound names in insertion order.
func (s *Static) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.keys...)
}

// Len returns the number of bindings.
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Funcs binds variable names to LookupFuncs.
type Funcs struct {
	mu    sync.RWMutex
	funcs map[string]LookupFunc
}

// NewFuncs creates an empty Funcs bag.
func NewFuncs() *Funcs {
	return &Funcs{funcs: make(map[string]LookupFunc)}
}

// Define binds name to fn, replacing any previous binding.
func (f *Funcs) Define(name string, fn LookupFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[name] = fn
}

// Has reports whether name is bound.
func (f *Funcs) Has(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.funcs[name]
	return ok
}

// Lookup implements Bag.
func (f *Funcs) Lookup(name string) (any, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.funcs[name]
	if !ok {
		return nil, false
	}
	return fn, true
}

type merged []Bag

// Merge returns a Bag that tries each bag in order; the first hit wins.
func Merge(bags ...Bag) Bag {
	return merged(bags)
}

func (m merged) Lookup(name string) (any, bool) {
	for _, b := range m {
		if b == nil {
			continue
		}
		if v, ok := b.Lookup(name); ok {
			return v, true
		}
	}
	return nil, false
}
