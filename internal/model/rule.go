package model

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Rule is a concrete packet-filter rule bound to a chain.
type Rule struct {
	Chain ChainID
	// Args are the match and target arguments, without -A/-t.
	Args []string
}

// Command returns the arguments joined back into a command line, quoting
// where needed.
func (r *Rule) Command() string {
	quoted := make([]string, len(r.Args))
	for i, a := range r.Args {
		quoted[i] = quoteArg(a)
	}
	return strings.Join(quoted, " ")
}

// String returns the rule in iptables-restore form.
func (r *Rule) String() string {
	if len(r.Args) == 0 {
		return "-A " + r.Chain.Name
	}
	return "-A " + r.Chain.Name + " " + r.Command()
}

// ParseRuleText splits an iptables rule into its chain, table override and
// remaining arguments. Only append rules are accepted.
func ParseRuleText(text string) (chain, table string, args []string, err error) {
	words, err := shlex.Split(text)
	if err != nil {
		return "", "", nil, fmt.Errorf("rule %q: %w", text, err)
	}
	for i := 0; i < len(words); i++ {
		switch w := words[i]; w {
		case "-A", "--append", "-t", "--table":
			if i+1 >= len(words) {
				return "", "", nil, fmt.Errorf("rule %q: %s needs an argument", text, w)
			}
			i++
			if w == "-t" || w == "--table" {
				table = words[i]
			} else if chain != "" {
				return "", "", nil, fmt.Errorf("rule %q: more than one chain", text)
			} else {
				chain = words[i]
			}
		case "-I", "--insert", "-D", "--delete", "-N", "--new-chain", "-F", "--flush", "-X", "--delete-chain":
			return "", "", nil, fmt.Errorf("rule %q: only append (-A) rules are supported", text)
		default:
			args = append(args, w)
		}
	}
	if chain == "" {
		return "", "", nil, fmt.Errorf("rule %q: missing -A <chain>", text)
	}
	return chain, table, args, nil
}

func quoteArg(a string) string {
	if a == "" {
		return `""`
	}
	if strings.ContainsAny(a, " \t\"'\\") {
		return fmt.Sprintf("%q", a)
	}
	return a
}
