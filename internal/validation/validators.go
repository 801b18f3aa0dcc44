// Package validation checks names that end up in iptables and ipset
// command lines.
package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// MaxChainNameLen is the kernel's chain name limit (XT_EXTENSION_MAXNAMELEN - 1).
	MaxChainNameLen = 28
	// MaxSetNameLen is the ipset name limit (IPSET_MAXNAMELEN - 1).
	MaxSetNameLen = 31
)

var (
	// Valid identifier: alphanumeric, dash, underscore
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// Indexed placeholders such as {0} or {1:05d}
	placeholderRegex = regexp.MustCompile(`\{\d+(:[^{}]*)?\}`)

	// Dangerous characters that should never appear in identifiers
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r"}

	// Tables understood by iptables-restore
	Tables = []string{"raw", "mangle", "nat", "filter", "security"}
)

// ValidateIdentifier validates a binding or variable name.
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	if len(id) > 255 {
		return fmt.Errorf("identifier too long (max 255 characters)")
	}

	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("invalid identifier: %s (must be alphanumeric with -_)", id)
	}

	return nil
}

// ValidateChainName validates a chain name. Placeholders count as one
// character so a dynamic template is checked against the shortest name
// it can expand to.
func ValidateChainName(name string) error {
	if name == "" {
		return fmt.Errorf("chain name cannot be empty")
	}

	check := placeholderRegex.ReplaceAllString(name, "x")
	if len(check) > MaxChainNameLen {
		return fmt.Errorf("chain name too long (max %d characters): %s", MaxChainNameLen, name)
	}
	if strings.ContainsAny(check, " \t{}") || strings.HasPrefix(check, "-") || strings.HasPrefix(check, "!") {
		return fmt.Errorf("invalid chain name: %s", name)
	}
	for _, char := range dangerousChars {
		if strings.Contains(check, char) {
			return fmt.Errorf("chain name contains dangerous character: %s", char)
		}
	}
	return nil
}

// ValidateSetName validates an ipset name.
func ValidateSetName(name string) error {
	if err := ValidateIdentifier(name); err != nil {
		return err
	}
	if len(name) > MaxSetNameLen {
		return fmt.Errorf("set name too long (max %d characters): %s", MaxSetNameLen, name)
	}
	return nil
}

// ValidateTable checks a netfilter table name.
func ValidateTable(table string) error {
	if err := ValidateAllowlist(table, Tables); err != nil {
		return fmt.Errorf("unknown table %q (must be one of: %s)", table, strings.Join(Tables, ", "))
	}
	return nil
}

// ValidateExecutable validates a helper program: either a bare command
// name looked up in PATH or an absolute path.
func ValidateExecutable(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	// Check for null bytes
	if strings.Contains(path, "\x00") {
		return fmt.Errorf("null byte in path")
	}

	if strings.ContainsRune(path, filepath.Separator) && !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute: %s", path)
	}

	// Reject path traversal attempts
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal not allowed: %s", path)
	}

	return nil
}

// ValidateAllowlist checks if a value is in an allowed list
func ValidateAllowlist(value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("value not in allowlist: %s", value)
}
