package compiler

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"grimm.is/rampart/internal/condition"
	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/dynchain"
	"grimm.is/rampart/internal/envbind"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/model"
	"grimm.is/rampart/internal/resolver"
	"grimm.is/rampart/internal/template"
)

type runSettings struct {
	workers     int
	nfbpf       string
	retry       resolver.RetryConfig
	nameservers []string

	// base carries the run id; log adds the compiler component.
	base *logging.Logger
	log  *logging.Logger
}

// run holds the state of one compilation.
type run struct {
	c   *Compiler
	cfg *config.Config
	runSettings

	model     *model.Model
	registry  *dynchain.Registry
	static    *template.Static
	funcs     *template.Funcs
	formatter *template.Formatter
	evaluator *condition.Evaluator

	resolverOnce sync.Once
	resolver     resolver.Resolver
	resolverErr  error

	bindings   []envbind.Value
	dynamic    map[string]bool
	skipped    atomic.Int64
	expansions atomic.Int64
}

func newRun(c *Compiler, cfg *config.Config, s runSettings) *run {
	r := &run{
		c:           c,
		cfg:         cfg,
		runSettings: s,
		model:       c.model,
		registry:    dynchain.New(c.model),
		static:      template.NewStatic(),
		funcs:       template.NewFuncs(),
		dynamic:     make(map[string]bool),
		resolver:    c.resolver,
	}
	bag := template.Merge(r.funcs, r.static)
	r.formatter = template.NewFormatter(bag)
	r.evaluator = condition.NewEvaluator(bag, nil)
	return r
}

// resolveEnvironment is stage 1.
func (r *run) resolveEnvironment(ctx context.Context) error {
	binder := envbind.New(r.c.runner,
		envbind.WithNfbpfCompile(r.nfbpf),
		envbind.WithWorkers(r.workers),
		envbind.WithLogger(r.base))

	values, err := binder.Resolve(ctx, r.cfg.Environment)
	if err != nil {
		var langErr *envbind.UnknownLanguageError
		if errors.As(err, &langErr) {
			return &ConfigError{Err: err}
		}
		return err
	}
	for i, v := range values {
		r.static.Set(v.Name, v.Value)
		r.c.metrics.EnvironmentResolve.WithLabelValues(r.cfg.Environment[i].Lang()).Inc()
		r.log.Debug("environment bound", "name", v.Name, "value", v.Value)
	}
	r.bindings = values

	for _, ch := range r.cfg.Chains {
		if !ch.IsDynamic() || r.dynamic[ch.Dynamic] {
			continue
		}
		if _, ok := r.static.Lookup(ch.Dynamic); ok {
			return &ConfigError{Err: fmt.Errorf("dynamic chain variable %q shadows an environment binding", ch.Dynamic)}
		}
		r.dynamic[ch.Dynamic] = true
		r.funcs.Define(ch.Dynamic, r.dynamicLookup(ch.Dynamic))
	}

	r.log.Info("environment resolved", "bindings", len(values), "dynamic_variables", len(r.dynamic))
	return nil
}

// dynamicLookup returns the bag function for a dynamic variable. Looking up
// a key expands the chain for that key (once) and yields the expanded chain
// name. Unscoped lookups yield found-but-empty.
func (r *run) dynamicLookup(variable string) template.LookupFunc {
	return func(scope template.Scope, key string) (string, error) {
		if scope.Unscoped() {
			return "", nil
		}
		id, ok := r.registry.ResolveVariable(scope.Table, variable, scope.Version)
		if !ok {
			return "", fmt.Errorf("dynamic chain %q is not declared for table %s ipv%d", variable, scope.Table, scope.Version)
		}
		name, err := dynchain.ExpandedName(id, key)
		if err != nil {
			return "", err
		}
		if err := r.expand(id, key); err != nil {
			return "", err
		}
		return name, nil
	}
}

// expand instantiates id for arg and commits the new rules.
func (r *run) expand(id model.ChainID, arg string) error {
	rules, err := r.registry.Expand(id, arg)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if err := r.model.AddRule(rule); err != nil {
			return err
		}
	}
	if len(rules) > 0 {
		r.expansions.Add(1)
		r.c.metrics.DynamicExpansions.WithLabelValues(id.Name).Inc()
		r.log.Debug("dynamic chain expanded", "chain", id.String(), "arg", arg, "rules", len(rules))
	}
	return nil
}

// createChains is stage 2.
func (r *run) createChains(ctx context.Context) error {
	created, registered := 0, 0
	for _, ch := range r.cfg.Chains {
		versions := ch.Versions()
		seen := make(map[model.ChainID]bool)
		for _, v := range versions {
			for _, t := range ch.Tables {
				id := model.ChainID{Table: t, Name: ch.Name, Version: v}
				if seen[id] {
					continue
				}
				seen[id] = true
				if ch.IsDynamic() {
					if err := r.registry.RegisterDynamicChain(ch.Dynamic, t, ch.Name, v); err != nil {
						return err
					}
					registered++
					continue
				}
				if _, ok := r.model.AddChain(id); ok {
					created++
				}
			}
		}
	}
	r.log.Info("chains created", "static", created, "dynamic", registered)
	return nil
}

// createSets is stage 3. A set is committed only once all of its entries
// resolved.
func (r *run) createSets(ctx context.Context) error {
	for _, spec := range r.cfg.Sets {
		set, err := r.buildSet(ctx, spec)
		if err != nil {
			return fmt.Errorf("ipset %q: %w", spec.Name, err)
		}
		if err := r.model.Sets.Add(set); err != nil {
			return &ConfigError{Err: err}
		}
		entries := set.Entries()
		r.c.metrics.RecordIPSet(set.Name, set.Type, len(entries))
		r.log.Debug("set created", "name", set.Name, "type", set.Type, "entries", len(entries))
	}
	r.log.Info("sets created", "sets", len(r.cfg.Sets))
	return nil
}

func (r *run) buildSet(ctx context.Context, spec config.Set) (*model.Set, error) {
	set, err := model.NewSet(spec.Name, spec.Type, spec.Family)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	var (
		values []string
		names  []string
	)
	for _, entry := range spec.Entries {
		text, ok, err := r.formatter.FormatOptional(entry, template.Scope{})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		values = append(values, text)
		if model.NeedsResolution(set.Type, text) {
			names = append(names, text)
		}
	}

	var addrs map[string]netip.Addr
	if len(names) > 0 {
		res, err := r.getResolver()
		if err != nil {
			return nil, err
		}
		version := config.IPv4
		if set.Family == "inet6" {
			version = config.IPv6
		}
		addrs, err = resolver.ResolveAll(ctx, res, names, version, r.retry)
		if err != nil {
			var resErr *resolver.ResolutionError
			if errors.As(err, &resErr) {
				r.c.metrics.RecordResolve(len(names)-len(resErr.Unresolved), len(resErr.Unresolved))
				r.log.Warn("set entries unresolved", "set", spec.Name, "unresolved", resErr.Unresolved)
			}
			return nil, err
		}
		r.c.metrics.RecordResolve(len(names), 0)
		r.log.Debug("set entries resolved", "set", spec.Name, "names", len(names))
	}

	for _, text := range values {
		if addr, ok := addrs[text]; ok {
			text = addr.String()
		}
		e, err := model.ParseEntry(set.Type, text)
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
		set.Add(e)
	}
	return set, nil
}

func (r *run) getResolver() (resolver.Resolver, error) {
	r.resolverOnce.Do(func() {
		if r.resolver != nil {
			return
		}
		res, err := resolver.NewDNSResolver(r.nameservers)
		if err != nil {
			r.resolverErr = err
			return
		}
		r.resolver = res
	})
	return r.resolver, r.resolverErr
}

func (r *run) result() *Result {
	res := &Result{
		RunID:      r.c.runID,
		Model:      r.model,
		Bindings:   r.bindings,
		Sets:       r.model.Sets.Len(),
		Skipped:    int(r.skipped.Load()),
		Expansions: int(r.expansions.Load()),
		Scripts:    make(map[int]string),
		SetScript:  r.model.Sets.Render(),
	}
	for _, v := range r.model.Versions() {
		chains := r.model.RuleSet(v).Chains()
		rules := 0
		for _, ch := range chains {
			rules += ch.Len()
		}
		res.Chains += len(chains)
		res.Rules += rules
		res.Scripts[v] = r.model.Render(v)
		r.c.metrics.RecordModel(v, len(chains), rules)
	}
	return res
}
