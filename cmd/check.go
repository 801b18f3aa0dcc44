package cmd

import (
	"context"
	"fmt"

	"grimm.is/rampart/internal/brand"
	"grimm.is/rampart/internal/config"
)

// RunCheck validates the configuration file syntax and semantics. With
// verbose set it also compiles the config and prints the result counts.
func RunCheck(ctx context.Context, opts Options, verbose bool) error {
	if len(opts.ConfigFile) == 0 {
		return fmt.Errorf("usage: %s check [-v] <config-file>\nExample: %s check -v %s", brand.BinaryName, brand.BinaryName, brand.DefaultConfigPath())
	}

	cfg, err := config.LoadFile(opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	Printer.Printf("Configuration valid!\n")
	Printer.Printf("Environment: %d\n", len(cfg.Environment))
	Printer.Printf("Chains: %d\n", len(cfg.Chains))
	Printer.Printf("Rules: %d\n", len(cfg.Rules))
	Printer.Printf("IP sets: %d\n", len(cfg.Sets))

	if !verbose {
		return nil
	}

	res, err := compileFile(ctx, opts)
	if err != nil {
		return fmt.Errorf("compilation failed: %w", err)
	}
	Printer.Println()
	Printer.Printf("Compiled chains: %d\n", res.Chains)
	Printer.Printf("Compiled rules: %d\n", res.Rules)
	Printer.Printf("Skipped rule specs: %d\n", res.Skipped)
	Printer.Printf("Dynamic expansions: %d\n", res.Expansions)
	Printer.Printf("Populated sets: %d\n", res.Sets)
	return nil
}
