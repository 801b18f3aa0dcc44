package template

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FormatError reports a template that could not be formatted.
type FormatError struct {
	Template string
	Err      error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format %q: %v", e.Template, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Formatter evaluates templates against a Bag.
type Formatter struct {
	bag Bag
}

// NewFormatter creates a Formatter reading from bag.
func NewFormatter(bag Bag) *Formatter {
	return &Formatter{bag: bag}
}

// Format renders tmpl. Substitutions are evaluated left to right and their
// results concatenated in template order.
func (f *Formatter) Format(tmpl string, scope Scope) (string, error) {
	out, _, err := f.format(tmpl, scope)
	return out, err
}

// FormatOptional renders tmpl like Format, but reports ok=false when any
// dynamic lookup resolved to an empty value. Callers treat such results as absent.
func (f *Formatter) FormatOptional(tmpl string, scope Scope) (string, bool, error) {
	out, empty, err := f.format(tmpl, scope)
	if err != nil {
		return "", false, err
	}
	return out, !empty, nil
}

func (f *Formatter) format(tmpl string, scope Scope) (string, bool, error) {
	segs, err := parse(tmpl)
	if err != nil {
		return "", false, &FormatError{Template: tmpl, Err: err}
	}

	var sb strings.Builder
	empty := false
	for _, s := range segs {
		if !s.isExpr {
			sb.WriteString(s.literal)
			continue
		}
		val, dynEmpty, err := f.eval(s.expr, scope)
		if err != nil {
			return "", false, &FormatError{Template: tmpl, Err: err}
		}
		empty = empty || dynEmpty
		rendered, err := render(val, s.format)
		if err != nil {
			return "", false, &FormatError{Template: tmpl, Err: err}
		}
		sb.WriteString(rendered)
	}
	return sb.String(), empty, nil
}

// eval resolves a path expression. dynEmpty is set when a LookupFunc
// returned found-but-empty.
func (f *Formatter) eval(expr string, scope Scope) (val any, dynEmpty bool, err error) {
	steps, err := parsePath(expr)
	if err != nil {
		return nil, false, err
	}

	root := steps[0].key
	if f.bag == nil {
		return nil, false, fmt.Errorf("variable %q not found", root)
	}
	cur, ok := f.bag.Lookup(root)
	if !ok {
		return nil, false, fmt.Errorf("variable %q not found", root)
	}

	path := root
	for _, st := range steps[1:] {
		fromFn := isLookupFunc(cur)
		cur, err = index(cur, st, scope)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", path, err)
		}
		path += "." + st.String()
		if s, isStr := cur.(string); fromFn && isStr && s == "" {
			dynEmpty = true
		}
	}

	if isLookupFunc(cur) {
		return nil, false, fmt.Errorf("dynamic variable %q needs a key", path)
	}
	return cur, dynEmpty, nil
}

func isLookupFunc(v any) bool {
	switch v.(type) {
	case LookupFunc, func(Scope, string) (string, error):
		return true
	}
	return false
}

// index applies one path step to cur.
func index(cur any, st step, scope Scope) (any, error) {
	switch v := cur.(type) {
	case nil:
		return nil, fmt.Errorf("cannot access %q on null", st.String())
	case LookupFunc:
		return v(scope, st.String())
	case func(Scope, string) (string, error):
		return v(scope, st.String())
	case map[string]string:
		r, ok := v[st.String()]
		if !ok {
			return nil, fmt.Errorf("key %q not found", st.String())
		}
		return r, nil
	case map[string]any:
		r, ok := v[st.String()]
		if !ok {
			return nil, fmt.Errorf("key %q not found", st.String())
		}
		return r, nil
	case Bag:
		r, ok := v.Lookup(st.String())
		if !ok {
			return nil, fmt.Errorf("key %q not found", st.String())
		}
		return r, nil
	case []string:
		if !st.isIndex {
			return nil, fmt.Errorf("list cannot be indexed with a string (%q)", st.key)
		}
		if st.index >= len(v) {
			return nil, fmt.Errorf("index %d out of range (len %d)", st.index, len(v))
		}
		return v[st.index], nil
	case []any:
		if !st.isIndex {
			return nil, fmt.Errorf("list cannot be indexed with a string (%q)", st.key)
		}
		if st.index >= len(v) {
			return nil, fmt.Errorf("index %d out of range (len %d)", st.index, len(v))
		}
		return v[st.index], nil
	default:
		return nil, fmt.Errorf("property %q not found on %T", st.String(), cur)
	}
}

// render converts a resolved value to text, applying a printf-style format
// suffix ("05d", "x", "-10s") when given.
func render(val any, format string) (string, error) {
	if val == nil {
		return "", nil
	}
	if format == "" {
		return defaultString(val), nil
	}

	spec := format
	if !strings.HasPrefix(spec, "%") {
		spec = "%" + spec
	}
	verb := spec[len(spec)-1]

	if s, ok := val.(string); ok {
		switch verb {
		case 'd', 'x', 'X', 'o', 'b', 'c':
			n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return "", fmt.Errorf("format %q needs an integer, got %q", format, s)
			}
			val = n
		case 'e', 'E', 'f', 'F', 'g', 'G':
			n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return "", fmt.Errorf("format %q needs a number, got %q", format, s)
			}
			val = n
		}
	}

	out := fmt.Sprintf(spec, val)
	if strings.Contains(out, "%!") {
		return "", errors.New("invalid format " + strconv.Quote(format))
	}
	return out, nil
}

func defaultString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, ",")
	case map[string]string:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return strings.Join(keys, ",")
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
