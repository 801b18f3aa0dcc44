// Package compiler turns a configuration document into a firewall model.
//
// Compilation runs in five stages, each building on the state committed by
// the previous one:
//
//  1. environment bindings are resolved (concurrently) into the variable bag
//  2. static chains are created and dynamic chains registered
//  3. address sets are formatted, resolved and deduplicated
//  4. rule specs are evaluated in parallel and committed in declaration order
//  5. dynamic_init arguments force expansion of their dynamic chains
//
// Any error aborts the run.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"

	"grimm.is/rampart/internal/brand"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/envbind"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/metrics"
	"grimm.is/rampart/internal/model"
	"grimm.is/rampart/internal/resolver"
	"grimm.is/rampart/internal/shell"
)

// ConfigError reports an input document the compiler cannot accept.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Compiler compiles configuration documents into a model. A Compiler and its
// model are meant for a single Compile call.
type Compiler struct {
	model    *model.Model
	runner   shell.CommandRunner
	resolver resolver.Resolver
	nfbpf    string
	workers  int
	retry    *resolver.RetryConfig
	logger   *logging.Logger
	metrics  *metrics.Registry
	runID    string
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithWorkers bounds the number of rule specs evaluated concurrently.
func WithWorkers(n int) Option {
	return func(c *Compiler) { c.workers = n }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Compiler) { c.logger = l }
}

// WithRunner sets the runner used for bash and BPF bindings.
func WithRunner(r shell.CommandRunner) Option {
	return func(c *Compiler) { c.runner = r }
}

// WithResolver sets the resolver used for set entries.
func WithResolver(r resolver.Resolver) Option {
	return func(c *Compiler) { c.resolver = r }
}

// WithNfbpfCompile sets the path of the BPF compiler.
func WithNfbpfCompile(path string) Option {
	return func(c *Compiler) { c.nfbpf = path }
}

// WithRetry sets the resolution retry policy.
func WithRetry(cfg resolver.RetryConfig) Option {
	return func(c *Compiler) { c.retry = &cfg }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(c *Compiler) { c.metrics = m }
}

// WithRunID sets the run id instead of generating one.
func WithRunID(id string) Option {
	return func(c *Compiler) { c.runID = id }
}

// New creates a compiler that populates m.
func New(m *model.Model, opts ...Option) *Compiler {
	c := &Compiler{model: m}
	for _, opt := range opts {
		opt(c)
	}
	if c.runner == nil {
		c.runner = shell.DefaultCommandRunner
	}
	if c.logger == nil {
		c.logger = logging.Default()
	}
	if c.metrics == nil {
		c.metrics = metrics.Get()
	}
	if c.runID == "" {
		c.runID = uuid.NewString()
	}
	return c
}

// Result summarizes a compilation.
type Result struct {
	RunID    string
	Model    *model.Model
	Bindings []envbind.Value

	Chains     int
	Rules      int
	Sets       int
	Skipped    int
	Expansions int

	// Scripts holds the iptables-restore script per ip version.
	Scripts map[int]string
	// SetScript is the ipset restore script.
	SetScript string

	Duration time.Duration
}

// Versions returns the ip versions with a script, ascending.
func (r *Result) Versions() []int {
	return r.Model.Versions()
}

// Compile runs all stages against cfg.
func (c *Compiler) Compile(ctx context.Context, cfg *config.Config) (*Result, error) {
	start := time.Now()
	base := c.logger.WithFields(map[string]any{"run_id": c.runID})
	log := base.WithComponent("compiler")

	res, err := c.compile(ctx, cfg, base, log)
	c.metrics.RecordRun(err)
	if err != nil {
		log.Error("compilation failed", "error", err)
		return nil, err
	}
	res.Duration = time.Since(start)
	log.Info("compilation finished",
		"chains", res.Chains,
		"rules", res.Rules,
		"sets", res.Sets,
		"expansions", res.Expansions,
		"duration", res.Duration)
	return res, nil
}

func (c *Compiler) compile(ctx context.Context, cfg *config.Config, base, log *logging.Logger) (*Result, error) {
	if cfg == nil {
		return nil, &ConfigError{Err: errors.New("no configuration")}
	}
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, &ConfigError{Err: errs}
	}

	r, err := c.newRun(cfg, base, log)
	if err != nil {
		return nil, err
	}

	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"environment", r.resolveEnvironment},
		{"chains", r.createChains},
		{"sets", r.createSets},
		{"rules", r.createRules},
		{"dynamic_init", r.dynamicInit},
	}
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		begin := time.Now()
		if err := st.fn(ctx); err != nil {
			return nil, err
		}
		c.metrics.ObserveStage(st.name, time.Since(begin))
		log.Debug("stage complete", "stage", st.name, "elapsed", time.Since(begin))
	}

	return r.result(), nil
}

func (c *Compiler) newRun(cfg *config.Config, base, log *logging.Logger) (*run, error) {
	opts := cfg.Options
	if opts == nil {
		opts = &config.Options{}
	}

	workers := c.workers
	if workers <= 0 {
		workers = opts.Workers
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	nfbpf := c.nfbpf
	if nfbpf == "" {
		nfbpf = opts.NfbpfCompile
	}
	if nfbpf == "" {
		nfbpf = brand.NfbpfCompile()
	}

	var retry resolver.RetryConfig
	if c.retry != nil {
		retry = *c.retry
	} else {
		retry = resolver.DefaultRetryConfig()
		if opts.ResolveRetries != nil {
			retry = retry.WithRetries(*opts.ResolveRetries)
		}
		if opts.RetryDelay != "" {
			d, err := time.ParseDuration(opts.RetryDelay)
			if err != nil {
				return nil, &ConfigError{Err: fmt.Errorf("options.retry_delay: %w", err)}
			}
			retry.InitialDelay = d
		}
	}

	return newRun(c, cfg, runSettings{
		workers:     workers,
		nfbpf:       nfbpf,
		retry:       retry,
		nameservers: opts.Nameservers,
		base:        base,
		log:         log,
	}), nil
}
