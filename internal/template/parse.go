package template

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// segment is either literal text or a {expr[:format]} substitution.
type segment struct {
	literal string
	expr    string
	format  string
	isExpr  bool
}

// parse splits tmpl into segments, handling {{ and }} escapes.
func parse(tmpl string) ([]segment, error) {
	var segs []segment
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			segs = append(segs, segment{literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end, err := closingBrace(tmpl, i+1)
			if err != nil {
				return nil, err
			}
			expr, format := splitFormat(tmpl[i+1 : end])
			expr = strings.TrimSpace(expr)
			if expr == "" {
				return nil, fmt.Errorf("empty expression at offset %d", i)
			}
			flush()
			segs = append(segs, segment{expr: expr, format: format, isExpr: true})
			i = end
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, fmt.Errorf("unbalanced '}' at offset %d", i)
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return segs, nil
}

// closingBrace finds the '}' ending an expression that starts at from,
// skipping quoted indexer keys.
func closingBrace(tmpl string, from int) (int, error) {
	var quote byte
	for j := from; j < len(tmpl); j++ {
		c := tmpl[j]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '{':
			return 0, fmt.Errorf("nested '{' at offset %d", j)
		case c == '}':
			return j, nil
		}
	}
	return 0, fmt.Errorf("unterminated '{' at offset %d", from-1)
}

// splitFormat splits "expr:format" on the first ':' outside quotes and brackets.
func splitFormat(body string) (string, string) {
	var quote byte
	depth := 0
	for j := 0; j < len(body); j++ {
		c := body[j]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '[':
			depth++
		case c == ']':
			depth--
		case c == ':' && depth == 0:
			return body[:j], body[j+1:]
		}
	}
	return body, ""
}

// step is one element of a property path.
type step struct {
	key     string
	index   int
	isIndex bool // numeric indexer
}

func (s step) String() string {
	if s.isIndex {
		return strconv.Itoa(s.index)
	}
	return s.key
}

var errEmptyPath = errors.New("empty expression")

// parsePath splits `a.b[0]["k"]` into steps. The first step is always a name.
func parsePath(expr string) ([]step, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errEmptyPath
	}

	var steps []step
	i := 0
	for i < len(expr) {
		switch expr[i] {
		case '.':
			if len(steps) == 0 || i+1 >= len(expr) {
				return nil, fmt.Errorf("invalid path %q", expr)
			}
			i++
		case '[':
			if len(steps) == 0 {
				return nil, fmt.Errorf("indexer without a name in %q", expr)
			}
			closeIdx := strings.IndexByte(expr[i:], ']')
			if closeIdx <= 1 {
				return nil, fmt.Errorf("%s is not a valid indexed expression", expr)
			}
			st, err := parseIndexer(strings.TrimSpace(expr[i+1 : i+closeIdx]))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", expr, err)
			}
			steps = append(steps, st)
			i += closeIdx + 1
			continue
		}

		j := i
		for j < len(expr) && expr[j] != '.' && expr[j] != '[' {
			j++
		}
		name := strings.TrimSpace(expr[i:j])
		if name == "" {
			return nil, fmt.Errorf("invalid path %q", expr)
		}
		steps = append(steps, step{key: name})
		i = j
	}
	return steps, nil
}

func parseIndexer(val string) (step, error) {
	if val == "" {
		return step{}, errors.New("empty indexer")
	}
	if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
		return step{key: val[1 : len(val)-1]}, nil
	}
	for i := 0; i < len(val); i++ {
		if val[i] < '0' || val[i] > '9' {
			return step{key: val}, nil
		}
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return step{}, fmt.Errorf("invalid index %q", val)
	}
	return step{key: val, index: n, isIndex: true}, nil
}

// References returns the root variable names referenced by tmpl, in order of
// first appearance. Malformed templates yield nil; Format reports the error.
func References(tmpl string) []string {
	segs, err := parse(tmpl)
	if err != nil {
		return nil
	}
	var names []string
	seen := make(map[string]bool)
	for _, s := range segs {
		if !s.isExpr {
			continue
		}
		steps, err := parsePath(s.expr)
		if err != nil || len(steps) == 0 {
			continue
		}
		if root := steps[0].key; !seen[root] {
			seen[root] = true
			names = append(names, root)
		}
	}
	return names
}

// HasPlaceholder reports whether tmpl contains any substitution or escape.
func HasPlaceholder(tmpl string) bool {
	return strings.ContainsAny(tmpl, "{}")
}
