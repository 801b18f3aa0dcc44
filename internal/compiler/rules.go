package compiler

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"grimm.is/rampart/internal/config"
	"grimm.is/rampart/internal/dynchain"
	"grimm.is/rampart/internal/model"
	"grimm.is/rampart/internal/template"
)

// specResult is the evaluated output of one rule spec, waiting to be
// committed.
type specResult struct {
	templates []*model.Rule
	rules     []*model.Rule
}

// createRules is stage 4. Specs are evaluated concurrently and committed
// strictly in declaration order by a single committer. A rule spec that
// references a dynamic variable waits until every earlier spec is committed,
// so the template rules it may expand are already registered.
func (r *run) createRules(ctx context.Context) error {
	specs := r.cfg.Rules
	n := len(specs)
	if n == 0 {
		return nil
	}

	results := make([]specResult, n)
	ready := make([]chan struct{}, n)
	done := make([]chan struct{}, n)
	for i := range specs {
		ready[i] = make(chan struct{})
		done[i] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers + 1)

	g.Go(func() error {
		for i := range specs {
			select {
			case <-ready[i]:
			case <-gctx.Done():
				return gctx.Err()
			}
			if err := r.commit(results[i]); err != nil {
				return fmt.Errorf("rule[%d] %q: %w", i, specs[i].Rule, err)
			}
			close(done[i])
		}
		return nil
	})

	for i, spec := range specs {
		dependent := r.referencesDynamic(spec.Rule)
		g.Go(func() error {
			if dependent && i > 0 {
				select {
				case <-done[i-1]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := r.evaluate(spec, dependent)
			if err != nil {
				return fmt.Errorf("rule[%d] %q: %w", i, spec.Rule, err)
			}
			results[i] = res
			close(ready[i])
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	r.log.Info("rules created", "specs", n, "skipped", r.skipped.Load())
	return nil
}

func (r *run) referencesDynamic(tmpl string) bool {
	if !template.HasPlaceholder(tmpl) {
		return false
	}
	for _, name := range template.References(tmpl) {
		if r.dynamic[name] {
			return true
		}
	}
	return false
}

// evaluate fans a rule spec out over its (version, table) pairs.
func (r *run) evaluate(spec config.Rule, dependent bool) (specResult, error) {
	var res specResult

	ok, err := r.evaluator.Evaluate(spec.Condition)
	if err != nil {
		return res, err
	}
	if !ok {
		r.skipped.Add(1)
		r.c.metrics.SkippedRuleSpecs.Inc()
		r.log.Debug("rule skipped", "rule", spec.Rule, "condition", spec.Condition)
		return res, nil
	}

	versions := spec.Versions()
	// Target chains may still be created by expansions of earlier specs,
	// so existence is checked when the rule is committed, not here.
	for _, v := range versions {
		for _, t := range spec.Tables {
			text, err := r.format(spec.Rule, template.Scope{Table: t, Version: v}, dependent)
			if err != nil {
				return res, err
			}
			rule, err := r.model.ParseRule(text, v, t, model.ReturnNew)
			if err != nil {
				return res, err
			}
			if r.registry.IsDynamic(rule.Chain) {
				res.templates = append(res.templates, rule)
			} else {
				res.rules = append(res.rules, rule)
			}
		}
	}
	return res, nil
}

// format renders tmpl. Templates that can trigger an expansion are
// formatted inside the registry's critical section, together with the
// commit of the expanded rules.
func (r *run) format(tmpl string, scope template.Scope, dependent bool) (string, error) {
	if !dependent {
		return r.formatter.Format(tmpl, scope)
	}
	var text string
	err := r.registry.Exclusive(func() error {
		var err error
		text, err = r.formatter.Format(tmpl, scope)
		return err
	})
	return text, err
}

// commit runs in declaration order, after every earlier spec and the
// expansions it triggered. A rule whose chain still does not exist fails
// with ChainNotFoundError.
func (r *run) commit(res specResult) error {
	for _, t := range res.templates {
		if err := r.registry.AddTemplateRule(t); err != nil {
			return err
		}
	}
	for _, rule := range res.rules {
		if err := r.model.AddRule(rule); err != nil {
			return err
		}
	}
	return nil
}

// dynamicInit is stage 5.
func (r *run) dynamicInit(ctx context.Context) error {
	initialized := 0
	for _, ch := range r.cfg.Chains {
		if !ch.IsDynamic() || len(ch.DynamicInit) == 0 {
			continue
		}
		versions := ch.Versions()
		// Only identities that received template rules are expanded.
		var ids []model.ChainID
		for _, v := range versions {
			for _, t := range ch.Tables {
				id := model.ChainID{Table: t, Name: ch.Name, Version: v}
				if len(r.registry.TemplateRules(id)) > 0 && !slices.Contains(ids, id) {
					ids = append(ids, id)
				}
			}
		}
		if len(ids) == 0 {
			return &dynchain.EmptyTemplateError{ID: model.ChainID{Table: ch.Tables[0], Name: ch.Name, Version: versions[0]}}
		}
		for _, arg := range ch.DynamicInit {
			for _, id := range ids {
				if r.registry.Expanded(id, arg) {
					continue
				}
				err := r.registry.Exclusive(func() error {
					return r.expand(id, arg)
				})
				if err != nil {
					return fmt.Errorf("dynamic_init %q for %s: %w", arg, id, err)
				}
				initialized++
			}
		}
	}
	if initialized > 0 {
		r.log.Info("dynamic chains initialized", "chains", initialized)
	}
	return nil
}
