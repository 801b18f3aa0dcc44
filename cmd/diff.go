package cmd

import (
	"context"
	"fmt"

	"grimm.is/rampart/internal/apply"
)

// RunDiff compares the generated ruleset against the running configuration.
func RunDiff(ctx context.Context, opts Options) error {
	res, err := compileFile(ctx, opts)
	if err != nil {
		return err
	}

	a := apply.New(opts.Runner)
	differs := false
	for _, v := range res.Versions() {
		running, err := a.Live(ctx, v)
		if err != nil {
			return err
		}
		diff, err := apply.Diff(res.Scripts[v], running)
		if err != nil {
			return fmt.Errorf("failed to compute diff: %w", err)
		}
		if diff == "" {
			Printer.Printf("ipv%d: no changes\n", v)
			continue
		}
		differs = true
		Printer.Printf("ipv%d:\n%s", v, diff)
	}

	if differs {
		return fmt.Errorf("configuration differs")
	}
	return nil
}
