package cmd

import (
	"context"
	"fmt"

	"grimm.is/rampart/internal/apply"
)

// RunApply compiles the config and loads it into the kernel. With dryRun
// set it only prints what would change.
func RunApply(ctx context.Context, opts Options, dryRun bool) error {
	res, err := compileFile(ctx, opts)
	if err != nil {
		return err
	}

	a := apply.New(opts.Runner)
	if dryRun {
		plan, err := a.Plan(ctx, res)
		if err != nil {
			return err
		}
		for _, s := range plan.Create {
			Printer.Printf("ipset create %s (%d entries)\n", s.Name, len(s.Entries()))
		}
		for _, s := range plan.Replace {
			Printer.Printf("ipset replace %s (%d entries)\n", s.Name, len(s.Entries()))
		}
		for _, v := range res.Versions() {
			Printer.Printf("\n# ipv%d\n%s", v, res.Scripts[v])
		}
		return nil
	}

	if err := a.Apply(ctx, res); err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}
	Printer.Printf("Applied %d rules in %d chains (%d ipsets)\n", res.Rules, res.Chains, res.Sets)
	return nil
}
