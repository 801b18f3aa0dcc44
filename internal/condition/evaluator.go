package condition

import (
	"fmt"
	"strconv"
	"strings"

	"grimm.is/rampart/internal/template"
)

// Namespace is the identifier that exposes the variable bag.
const Namespace = "var"

// EvalError reports a condition that could not be parsed or evaluated.
type EvalError struct {
	Condition string
	Err       error
}

func (e *EvalError) Error() string {
	if e.Condition == "" {
		return fmt.Sprintf("condition: %v", e.Err)
	}
	return fmt.Sprintf("condition %q: %v", e.Condition, e.Err)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

// Func is a function callable from a condition.
type Func func(args ...any) (any, error)

// Evaluator evaluates conditions against a variable bag.
type Evaluator struct {
	bag   template.Bag
	funcs map[string]Func
}

// NewEvaluator creates an Evaluator over bag. ParseInt and Check are always
// available; extra funcs are added on top and may not replace them.
func NewEvaluator(bag template.Bag, funcs map[string]Func) *Evaluator {
	all := map[string]Func{
		"ParseInt": func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("ParseInt takes 1 argument, got %d", len(args))
			}
			return ParseInt(args[0])
		},
		"Check": func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("Check takes 1 argument, got %d", len(args))
			}
			return Check(args[0]), nil
		},
	}
	for name, fn := range funcs {
		if _, builtin := all[name]; builtin {
			continue
		}
		all[name] = fn
	}
	return &Evaluator{bag: bag, funcs: all}
}

// Evaluate reports whether cond holds. An empty or blank condition is true.
func (e *Evaluator) Evaluate(cond string) (bool, error) {
	if strings.TrimSpace(cond) == "" {
		return true, nil
	}
	n, err := parseExpr(cond)
	if err != nil {
		return false, &EvalError{Condition: cond, Err: err}
	}
	v, err := e.eval(n)
	if err != nil {
		return false, &EvalError{Condition: cond, Err: err}
	}
	b, ok := v.(bool)
	if !ok {
		return false, &EvalError{Condition: cond, Err: fmt.Errorf("result is %s, not bool", typeName(v))}
	}
	return b, nil
}

func (e *Evaluator) eval(n node) (any, error) {
	switch n := n.(type) {
	case literal:
		return n.val, nil
	case ident:
		if n.name == Namespace {
			return e.bag, nil
		}
		if e.bag != nil {
			if v, ok := e.bag.Lookup(n.name); ok {
				return normalize(v), nil
			}
		}
		return nil, fmt.Errorf("unknown identifier %q", n.name)
	case member:
		target, err := e.eval(n.target)
		if err != nil {
			return nil, err
		}
		key, err := e.eval(n.key)
		if err != nil {
			return nil, err
		}
		return access(target, key)
	case call:
		fn, ok := e.funcs[n.name]
		if !ok {
			return nil, fmt.Errorf("unknown function %q", n.name)
		}
		args := make([]any, len(n.args))
		for i, a := range n.args {
			v, err := e.eval(a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		v, err := fn(args...)
		if err != nil {
			return nil, err
		}
		return normalize(v), nil
	case unary:
		v, err := e.eval(n.operand)
		if err != nil {
			return nil, err
		}
		if n.op == tokNot {
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("operator ! needs bool, got %s", typeName(v))
			}
			return !b, nil
		}
		i, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unary - needs int, got %s", typeName(v))
		}
		return -i, nil
	case binary:
		return e.binary(n)
	}
	return nil, fmt.Errorf("unsupported expression %T", n)
}

func (e *Evaluator) binary(n binary) (any, error) {
	left, err := e.eval(n.left)
	if err != nil {
		return nil, err
	}

	// && and || short-circuit.
	if n.op == tokAnd || n.op == tokOr {
		lb, ok := left.(bool)
		if !ok {
			return nil, fmt.Errorf("logical operator needs bool, got %s", typeName(left))
		}
		if (n.op == tokAnd && !lb) || (n.op == tokOr && lb) {
			return lb, nil
		}
		right, err := e.eval(n.right)
		if err != nil {
			return nil, err
		}
		rb, ok := right.(bool)
		if !ok {
			return nil, fmt.Errorf("logical operator needs bool, got %s", typeName(right))
		}
		return rb, nil
	}

	right, err := e.eval(n.right)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokEq:
		return equal(left, right), nil
	case tokNe:
		return !equal(left, right), nil
	case tokPlus:
		switch l := left.(type) {
		case int64:
			if r, ok := right.(int64); ok {
				return l + r, nil
			}
		case string:
			if r, ok := right.(string); ok {
				return l + r, nil
			}
		}
		return nil, fmt.Errorf("cannot add %s and %s", typeName(left), typeName(right))
	case tokMinus:
		l, lok := left.(int64)
		r, rok := right.(int64)
		if !lok || !rok {
			return nil, fmt.Errorf("cannot subtract %s from %s", typeName(right), typeName(left))
		}
		return l - r, nil
	}

	c, err := compare(left, right)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokLt:
		return c < 0, nil
	case tokLe:
		return c <= 0, nil
	case tokGt:
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}

// access resolves target[key] for the value shapes a bag can hold.
func access(target, key any) (any, error) {
	switch t := target.(type) {
	case nil:
		return nil, fmt.Errorf("cannot index null")
	case template.Bag:
		name, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("%s key must be a string", Namespace)
		}
		v, found := t.Lookup(name)
		if !found {
			return nil, fmt.Errorf("unknown identifier %q", name)
		}
		return normalize(v), nil
	case template.LookupFunc:
		return t(template.Scope{}, fmt.Sprint(key))
	case func(template.Scope, string) (string, error):
		return t(template.Scope{}, fmt.Sprint(key))
	case map[string]string:
		v, ok := t[fmt.Sprint(key)]
		if !ok {
			return nil, fmt.Errorf("key %q not found", fmt.Sprint(key))
		}
		return v, nil
	case map[string]any:
		v, ok := t[fmt.Sprint(key)]
		if !ok {
			return nil, fmt.Errorf("key %q not found", fmt.Sprint(key))
		}
		return normalize(v), nil
	case []string:
		i, ok := key.(int64)
		if !ok || i < 0 || int(i) >= len(t) {
			return nil, fmt.Errorf("invalid list index %v", key)
		}
		return t[i], nil
	case []any:
		i, ok := key.(int64)
		if !ok || i < 0 || int(i) >= len(t) {
			return nil, fmt.Errorf("invalid list index %v", key)
		}
		return normalize(t[i]), nil
	}
	return nil, fmt.Errorf("cannot index %s", typeName(target))
}

// normalize folds Go numeric types to int64 so comparisons see one int type.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	}
	return v
}

func equal(a, b any) bool {
	switch l := a.(type) {
	case nil:
		return b == nil
	case bool:
		r, ok := b.(bool)
		return ok && l == r
	case int64:
		r, ok := b.(int64)
		return ok && l == r
	case string:
		r, ok := b.(string)
		return ok && l == r
	}
	return false
}

func compare(a, b any) (int, error) {
	switch l := a.(type) {
	case int64:
		if r, ok := b.(int64); ok {
			switch {
			case l < r:
				return -1, nil
			case l > r:
				return 1, nil
			}
			return 0, nil
		}
	case string:
		if r, ok := b.(string); ok {
			return strings.Compare(l, r), nil
		}
	}
	return 0, fmt.Errorf("cannot order %s and %s", typeName(a), typeName(b))
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case int64:
		return "int"
	case string:
		return "string"
	case template.Bag:
		return "namespace"
	}
	return fmt.Sprintf("%T", v)
}

// ParseInt parses the string form of v as a base-10 integer.
func ParseInt(v any) (int64, error) {
	switch n := normalize(v).(type) {
	case nil:
		return 0, &EvalError{Err: fmt.Errorf("ParseInt: null is not a number")}
	case int64:
		return n, nil
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &EvalError{Err: fmt.Errorf("ParseInt: %q is not a number", s)}
	}
	return i, nil
}

// Check reports whether v is unset or zero: null, empty, or nothing but '0'
// characters.
func Check(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	return strings.Trim(s, "0") == ""
}
