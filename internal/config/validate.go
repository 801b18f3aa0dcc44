package config

import (
	"fmt"
	"strings"
	"time"

	"grimm.is/rampart/internal/validation"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

var knownLanguages = map[string]bool{
	LanguageText:  true,
	LanguageBash:  true,
	LanguageBPF:   true,
	LanguageBPFL4: true,
	"bpfl4":       true,
}

// Validate checks the document for structural problems. Unknown environment
// languages are left to the compiler, which reports them as ConfigError.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, c.validateEnvironment()...)
	errs = append(errs, c.validateChains()...)
	errs = append(errs, c.validateRules()...)
	errs = append(errs, c.validateSets()...)
	errs = append(errs, c.validateOptions()...)

	return errs
}

func (c *Config) validateEnvironment() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)
	for i, e := range c.Environment {
		field := fmt.Sprintf("environment[%d]", i)
		if e.Name == "" {
			errs = append(errs, ValidationError{Field: field, Message: "name is required"})
			continue
		}
		if err := validation.ValidateIdentifier(e.Name); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
		}
		if seen[e.Name] {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("duplicate binding %q", e.Name)})
		}
		seen[e.Name] = true
	}
	return errs
}

func (c *Config) validateChains() ValidationErrors {
	var errs ValidationErrors
	for i, ch := range c.Chains {
		field := fmt.Sprintf("chain[%d]", i)
		if ch.Name == "" {
			errs = append(errs, ValidationError{Field: field, Message: "name is required"})
			continue
		}
		field = fmt.Sprintf("chain %q", ch.Name)
		if err := validation.ValidateChainName(ch.Name); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
		}
		errs = append(errs, validateTables(field, ch.Tables)...)
		if ch.IsDynamic() {
			if err := validation.ValidateIdentifier(ch.Dynamic); err != nil {
				errs = append(errs, ValidationError{Field: field + ".dynamic", Message: err.Error()})
			}
		}
		if _, err := ParseVersions(ch.Protocols); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
		}
		if ch.IsDynamic() && !strings.Contains(ch.Name, "{0") {
			errs = append(errs, ValidationError{Field: field, Message: "dynamic chain name must contain the {0} placeholder"})
		}
		if !ch.IsDynamic() && len(ch.DynamicInit) > 0 {
			errs = append(errs, ValidationError{Field: field, Message: "dynamic_init requires dynamic"})
		}
	}
	return errs
}

func (c *Config) validateRules() ValidationErrors {
	var errs ValidationErrors
	for i, r := range c.Rules {
		field := fmt.Sprintf("rule[%d]", i)
		if strings.TrimSpace(r.Rule) == "" {
			errs = append(errs, ValidationError{Field: field, Message: "rule text is required"})
		}
		errs = append(errs, validateTables(field, r.Tables)...)
		if _, err := ParseVersions(r.Protocols); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
		}
	}
	return errs
}

func (c *Config) validateSets() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)
	for i, s := range c.Sets {
		field := fmt.Sprintf("ipset[%d]", i)
		if s.Name == "" {
			errs = append(errs, ValidationError{Field: field, Message: "name is required"})
			continue
		}
		if seen[s.Name] {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("duplicate set %q", s.Name)})
		}
		seen[s.Name] = true
		if err := validation.ValidateSetName(s.Name); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
		}
		switch s.Family {
		case "", "inet", "inet6":
		default:
			errs = append(errs, ValidationError{Field: fmt.Sprintf("ipset %q", s.Name), Message: fmt.Sprintf("unknown family %q", s.Family)})
		}
	}
	return errs
}

func (c *Config) validateOptions() ValidationErrors {
	if c.Options == nil {
		return nil
	}
	var errs ValidationErrors
	if c.Options.Workers < 0 {
		errs = append(errs, ValidationError{Field: "options.workers", Message: "must not be negative"})
	}
	if c.Options.ResolveRetries != nil && *c.Options.ResolveRetries < 0 {
		errs = append(errs, ValidationError{Field: "options.resolve_retries", Message: "must not be negative"})
	}
	if c.Options.NfbpfCompile != "" {
		if err := validation.ValidateExecutable(c.Options.NfbpfCompile); err != nil {
			errs = append(errs, ValidationError{Field: "options.nfbpf_compile", Message: err.Error()})
		}
	}
	if c.Options.RetryDelay != "" {
		if _, err := time.ParseDuration(c.Options.RetryDelay); err != nil {
			errs = append(errs, ValidationError{Field: "options.retry_delay", Message: err.Error()})
		}
	}
	return errs
}

func validateTables(field string, tables []string) ValidationErrors {
	if len(tables) == 0 {
		return ValidationErrors{{Field: field, Message: "at least one table is required"}}
	}
	var errs ValidationErrors
	for _, t := range tables {
		if err := validation.ValidateTable(t); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
		}
	}
	return errs
}

// KnownLanguage reports whether lang names a supported environment language.
func KnownLanguage(lang string) bool {
	return knownLanguages[lang]
}
