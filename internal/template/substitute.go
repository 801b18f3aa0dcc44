package template

import (
	"fmt"
	"strconv"
	"strings"
)

// Substitute replaces indexed placeholders ({0}, {1:05d}) with args and
// unescapes {{ and }}. Any other expression is an error.
func Substitute(s string, args ...string) (string, error) {
	segs, err := parse(s)
	if err != nil {
		return "", &FormatError{Template: s, Err: err}
	}

	var sb strings.Builder
	for _, seg := range segs {
		if !seg.isExpr {
			sb.WriteString(seg.literal)
			continue
		}
		n, err := strconv.Atoi(seg.expr)
		if err != nil || n < 0 {
			return "", &FormatError{Template: s, Err: fmt.Errorf("%q is not an argument index", seg.expr)}
		}
		if n >= len(args) {
			return "", &FormatError{Template: s, Err: fmt.Errorf("argument {%d} out of range (%d given)", n, len(args))}
		}
		rendered, err := render(args[n], seg.format)
		if err != nil {
			return "", &FormatError{Template: s, Err: err}
		}
		sb.WriteString(rendered)
	}
	return sb.String(), nil
}
