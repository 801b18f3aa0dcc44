// Package apply loads compiled scripts into the kernel and reads back the
// running state for comparison.
package apply

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/rampart/internal/compiler"
	"grimm.is/rampart/internal/logging"
	"grimm.is/rampart/internal/model"
	"grimm.is/rampart/internal/shell"
)

// Applier applies compiled rulesets through a CommandRunner.
type Applier struct {
	runner   shell.CommandRunner
	logger   *logging.Logger
	deleteFn func(name string) bool
}

// Option configures an Applier.
type Option func(*Applier)

// WithLogger sets the logger; the "apply" component is added.
func WithLogger(l *logging.Logger) Option {
	return func(a *Applier) { a.logger = l }
}

// WithDeletePredicate decides which existing sets not in the model are
// destroyed. The default keeps them all.
func WithDeletePredicate(fn func(name string) bool) Option {
	return func(a *Applier) { a.deleteFn = fn }
}

// New creates an Applier. A nil runner uses shell.DefaultCommandRunner.
func New(runner shell.CommandRunner, opts ...Option) *Applier {
	if runner == nil {
		runner = shell.DefaultCommandRunner
	}
	a := &Applier{runner: runner, deleteFn: model.NeverDelete}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.Default()
	}
	a.logger = a.logger.WithComponent("apply")
	return a
}

func restoreCommand(version int) string {
	if version == 6 {
		return "ip6tables-restore"
	}
	return "iptables-restore"
}

func saveCommand(version int) string {
	if version == 6 {
		return "ip6tables-save"
	}
	return "iptables-save"
}

// ExistingSets lists the names of the ipsets present on the host.
func (a *Applier) ExistingSets(ctx context.Context) ([]string, error) {
	out, err := a.runner.Output(ctx, "ipset", "list", "-n")
	if err != nil {
		return nil, fmt.Errorf("listing ipsets: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// Plan computes the set changes Apply would make.
func (a *Applier) Plan(ctx context.Context, res *compiler.Result) (model.SyncPlan, error) {
	existing, err := a.ExistingSets(ctx)
	if err != nil {
		return model.SyncPlan{}, err
	}
	return res.Model.Sets.Sync(existing, a.deleteFn), nil
}

// ValidateScript checks a restore script without committing it.
func (a *Applier) ValidateScript(ctx context.Context, version int, script string) error {
	if err := a.runner.RunInput(ctx, script, restoreCommand(version), "--test"); err != nil {
		return fmt.Errorf("script validation failed (ipv%d): %w", version, err)
	}
	return nil
}

// ApplyScript commits a restore script. iptables-restore replaces each
// table it names in a single transaction.
func (a *Applier) ApplyScript(ctx context.Context, version int, script string) error {
	if err := a.runner.RunInput(ctx, script, restoreCommand(version)); err != nil {
		return fmt.Errorf("script application failed (ipv%d): %w", version, err)
	}
	return nil
}

// Apply loads the sets first, since rules may match on them, then
// validates and applies each version's ruleset. Every ruleset is
// validated before any is applied.
func (a *Applier) Apply(ctx context.Context, res *compiler.Result) error {
	plan, err := a.Plan(ctx, res)
	if err != nil {
		return err
	}

	sets := append(append([]*model.Set{}, plan.Create...), plan.Replace...)
	if len(sets) > 0 {
		script := res.Model.Sets.RenderSets(sets)
		if err := a.runner.RunInput(ctx, script, "ipset", "restore"); err != nil {
			return fmt.Errorf("ipset restore failed: %w", err)
		}
		a.logger.Info("ipsets loaded", "created", len(plan.Create), "replaced", len(plan.Replace))
	}

	versions := res.Versions()
	for _, v := range versions {
		if err := a.ValidateScript(ctx, v, res.Scripts[v]); err != nil {
			return err
		}
	}
	for _, v := range versions {
		if err := a.ApplyScript(ctx, v, res.Scripts[v]); err != nil {
			return err
		}
		a.logger.Info("ruleset applied", "version", v)
	}

	// Rules referencing stale sets are gone now.
	for _, name := range plan.Delete {
		if err := a.runner.Run(ctx, "ipset", "destroy", name); err != nil {
			return fmt.Errorf("destroying ipset %s: %w", name, err)
		}
		a.logger.Info("ipset destroyed", "set", name)
	}
	return nil
}

// Live returns the running ruleset for version as iptables-save prints it.
func (a *Applier) Live(ctx context.Context, version int) (string, error) {
	out, err := a.runner.Output(ctx, saveCommand(version))
	if err != nil {
		return "", fmt.Errorf("reading running ruleset (ipv%d): %w", version, err)
	}
	return string(out), nil
}

var reCounters = regexp.MustCompile(`\[\d+:\d+\]`)

// StripNoise removes comments, packet counters and blank lines.
func StripNoise(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		line = reCounters.ReplaceAllString(line, "[0:0]")
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// Diff returns a unified diff of generated against running, after noise
// is stripped from both. An empty string means they match.
func Diff(generated, running string) (string, error) {
	g := StripNoise(generated)
	r := StripNoise(running)
	if g == r {
		return "", nil
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(g + "\n"),
		B:        difflib.SplitLines(r + "\n"),
		FromFile: "Generated",
		ToFile:   "Running",
		Context:  3,
	})
}
