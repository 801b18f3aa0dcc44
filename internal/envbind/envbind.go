// Package envbind resolves environment bindings: named values produced by
// running a bash snippet, compiling a BPF filter, or taken as literal text.
package envbind

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"grimm.is/rampart/internal/brand"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/shell"
)

// UnknownLanguageError is returned for a binding whose language is not
// supported.
type UnknownLanguageError struct {
	Name     string
	Language string
}

func (e *UnknownLanguageError) Error() string {
	return fmt.Sprintf("environment %q: invalid language %q", e.Name, e.Language)
}

// Value is a resolved binding.
type Value struct {
	Name  string
	Value string
}

// Binder resolves bindings.
type Binder struct {
	runner  shell.CommandRunner
	nfbpf   string
	workers int
	logger  *logging.Logger
}

// Option configures a Binder.
type Option func(*Binder)

// WithNfbpfCompile sets the path of the BPF compiler.
func WithNfbpfCompile(path string) Option {
	return func(b *Binder) {
		if path != "" {
			b.nfbpf = path
		}
	}
}

// WithWorkers bounds the number of bindings resolved at once.
func WithWorkers(n int) Option {
	return func(b *Binder) {
		b.workers = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Binder) {
		if l != nil {
			b.logger = l.WithComponent("envbind")
		}
	}
}

// New creates a Binder that runs commands with runner.
func New(runner shell.CommandRunner, opts ...Option) *Binder {
	if runner == nil {
		runner = shell.DefaultCommandRunner
	}
	b := &Binder{
		runner: runner,
		nfbpf:  brand.NfbpfCompile(),
		logger: logging.WithComponent("envbind"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Resolve resolves every binding and returns the values in declaration
// order. Bindings are independent and resolved concurrently; the first
// failure cancels the rest.
func (b *Binder) Resolve(ctx context.Context, bindings []config.Environment) ([]Value, error) {
	for _, env := range bindings {
		if !config.KnownLanguage(env.Lang()) {
			return nil, &UnknownLanguageError{Name: env.Name, Language: env.Language}
		}
	}

	values := make([]Value, len(bindings))
	g, ctx := errgroup.WithContext(ctx)
	if b.workers > 0 {
		g.SetLimit(b.workers)
	}
	for i, env := range bindings {
		g.Go(func() error {
			v, err := b.resolveOne(ctx, env)
			if err != nil {
				return fmt.Errorf("environment %q: %w", env.Name, err)
			}
			values[i] = Value{Name: env.Name, Value: v}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return values, nil
}

func (b *Binder) resolveOne(ctx context.Context, env config.Environment) (string, error) {
	switch env.Lang() {
	case config.LanguageText:
		return env.Command, nil
	case config.LanguageBash:
		out, err := b.bash(ctx, env.Command)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(out) == "" {
			b.logger.Debug("bash binding produced no output, using default", "name", env.Name)
			return env.Default, nil
		}
		return out, nil
	case config.LanguageBPF, "bpfl4", config.LanguageBPFL4:
		mode := "RAW"
		if env.Lang() != config.LanguageBPF {
			mode = "RAW_TRANSPORT"
		}
		return b.bpf(ctx, mode, env.Command)
	}
	return "", &UnknownLanguageError{Name: env.Name, Language: env.Language}
}

// bash runs code through "bash -". A non-zero exit keeps whatever was
// written to stdout.
func (b *Binder) bash(ctx context.Context, code string) (string, error) {
	stdout, _, err := b.runner.Capture(ctx, code+"\n", "bash", "-")
	if err != nil {
		if !shell.IsExitError(err) {
			return "", err
		}
		b.logger.Debug("bash exited non-zero", "error", err)
	}
	return strings.TrimRight(string(stdout), "\n"), nil
}

func (b *Binder) bpf(ctx context.Context, mode, filter string) (string, error) {
	stdout, _, err := b.runner.Capture(ctx, "", b.nfbpf, mode, filter)
	if err != nil {
		return "", fmt.Errorf("compile bpf %q: %w", filter, err)
	}
	return strings.TrimRight(string(stdout), "\n"), nil
}
