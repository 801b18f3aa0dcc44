package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/rampart/cmd"
	"grimm.is/rampart/internal/brand"
	"grimm.is/rampart/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

// commonFlags registers the flags shared by every compiling subcommand.
func commonFlags(fs *flag.FlagSet) *cmd.Options {
	opts := &cmd.Options{}
	fs.StringVar(&opts.ConfigFile, "config", brand.DefaultConfigPath(), "Configuration file")
	fs.StringVar(&opts.ConfigFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
	fs.IntVar(&opts.Workers, "workers", 0, "Parallel workers (default: GOMAXPROCS)")
	fs.StringVar(&opts.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&opts.JSONLogs, "log-json", false, "Emit logs as JSON")
	fs.StringVar(&opts.MetricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile")
	return opts
}

// parse parses args and lets a trailing positional argument name the config.
func parse(fs *flag.FlagSet, opts *cmd.Options, args []string) {
	fs.Parse(args)
	if fs.NArg() > 0 {
		opts.ConfigFile = fs.Arg(0)
	}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "compile":
		compileFlags := flag.NewFlagSet("compile", flag.ExitOnError)
		opts := commonFlags(compileFlags)
		version := compileFlags.Int("version", 0, "Only print rules for this ip version (4 or 6)")
		asJSON := compileFlags.Bool("json", false, "Print a JSON summary instead of restore scripts")
		parse(compileFlags, opts, os.Args[2:])

		if err := cmd.RunCompile(ctx, *opts, os.Stdout, *version, *asJSON); err != nil {
			printer.Fprintf(os.Stderr, "Compile failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		opts := commonFlags(checkFlags)
		verbose := checkFlags.Bool("verbose", false, "Also compile and print counts")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		parse(checkFlags, opts, os.Args[2:])

		if err := cmd.RunCheck(ctx, *opts, *verbose); err != nil {
			printer.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "apply":
		applyFlags := flag.NewFlagSet("apply", flag.ExitOnError)
		opts := commonFlags(applyFlags)
		dryRun := applyFlags.Bool("dry-run", false, "Dry run - print rules without applying")
		applyFlags.BoolVar(dryRun, "n", false, "Dry run (short)")
		parse(applyFlags, opts, os.Args[2:])

		if err := cmd.RunApply(ctx, *opts, *dryRun); err != nil {
			printer.Fprintf(os.Stderr, "Apply failed: %v\n", err)
			os.Exit(1)
		}

	case "diff":
		diffFlags := flag.NewFlagSet("diff", flag.ExitOnError)
		opts := commonFlags(diffFlags)
		parse(diffFlags, opts, os.Args[2:])

		if err := cmd.RunDiff(ctx, *opts); err != nil {
			printer.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "version":
		printer.Printf("%s version %s (%s)\n", brand.Name, brand.Version, brand.GitCommit)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options] [config-file]

Commands:
  compile   Compile the configuration and print restore scripts
            Options: --version <4|6>, --json
  check     Validate configuration file
            Options: --verbose (-v)
  apply     Compile and load ipsets and rules into the kernel
            Options: --dry-run (-n)
  diff      Compare the generated rules with the running ruleset
  version   Show version information

Common options:
  --config (-c) <file>   Configuration file (default %s)
  --workers <n>          Parallel workers
  --log-level <level>    debug, info, warn, error
  --log-json             Emit logs as JSON
  --metrics-file <path>  Write Prometheus metrics textfile

Examples:
  %s check -v /etc/rampart/rampart.hcl
  %s compile --version 4
  %s apply --dry-run
`, brand.Name, brand.Description, brand.BinaryName, brand.DefaultConfigPath(),
		brand.BinaryName, brand.BinaryName, brand.BinaryName)
}
