package config

// This file is the second parser for the configuration record: CLI
// flags mirroring the TOML keys. Flags that were set on the command
// line override the file.

import (
	"github.com/urfave/cli/v2"
)

// RunFlags returns the flag set for the run (default) command. Most
// flag names are the TOML keys with the section prefix dropped and
// underscores written as dashes; the mkosi, custom_vm and metrics keys
// map to mkosi-config, mkosi-option, mkosi-include, mkosi-fstests,
// startup-timeout, num, build, vm and metrics-listen.
func RunFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "fstests",
			Usage: "Path to the local fstests checkout",
		},
		&cli.StringSliceFlag{
			Name:    "groups",
			Aliases: []string{"g"},
			Usage:   "Groups to include tests from",
		},
		&cli.StringSliceFlag{
			Name:    "exclude-tests",
			Aliases: []string{"e"},
			Usage:   "Tests to exclude",
		},
		&cli.StringFlag{
			Name:    "exclude-tests-file",
			Aliases: []string{"E"},
			Usage:   "File with a line-separated list of tests to exclude",
		},
		&cli.StringSliceFlag{
			Name:    "exclude-groups",
			Aliases: []string{"x"},
			Usage:   "Groups to exclude tests from",
		},
		&cli.StringFlag{
			Name:    "section",
			Aliases: []string{"s"},
			Usage:   "Only include the given fstests section",
		},
		&cli.StringFlag{
			Name:    "exclude-section",
			Aliases: []string{"S"},
			Usage:   "Exclude the given fstests section",
		},
		&cli.StringFlag{
			Name:  "file-system",
			Usage: "Keep only tests for the given file system (plus generic)",
		},
		&cli.BoolFlag{
			Name:    "randomize",
			Aliases: []string{"r"},
			Usage:   "Randomize test order",
		},
		&cli.IntFlag{
			Name:    "iterate",
			Aliases: []string{"i"},
			Usage:   "Number of times to run each selected test",
		},
		&cli.StringFlag{
			Name:  "slowest-first",
			Usage: "Order tests by duration from a prior run (empty = latest, label, or -k)",
		},
		&cli.StringFlag{
			Name:  "rerun-failures",
			Usage: "Only run tests that failed, timed out or errored in the referenced run",
		},
		&cli.BoolFlag{
			Name:  "keep-alive",
			Usage: "Keep supervisors alive after the run for debugging",
		},
		&cli.IntFlag{
			Name:  "test-timeout",
			Usage: "Per-test budget in seconds (0 disables)",
		},
		&cli.IntFlag{
			Name:  "probe-interval",
			Usage: "Seconds between liveness probes (0 disables)",
		},
		&cli.IntFlag{
			Name:  "max-supervisor-restarts",
			Usage: "Supervisor crashes one test may cause before it is marked errored",
		},
		&cli.IntFlag{
			Name:  "retry-failures",
			Usage: "Times a failed or timed-out test is retried",
		},
		&cli.BoolFlag{
			Name:  "dmesg",
			Usage: "Capture dmesg during test execution",
		},
		&cli.StringFlag{
			Name:  "results-dir",
			Usage: "Directory for persistent results (enables recordings and comparisons)",
		},
		&cli.BoolFlag{
			Name:  "print-failure-list",
			Usage: "Print failed tests in a pasteable list",
		},
		&cli.IntFlag{
			Name:  "print-n-slowest",
			Usage: "Print the N slowest tests",
		},
		&cli.BoolFlag{
			Name:  "print-duration-hist",
			Usage: "Print a histogram of test durations",
		},
		&cli.StringFlag{
			Name:  "record",
			Usage: "Record this run under the given label after completion",
		},
		&cli.IntFlag{
			Name:    "num",
			Aliases: []string{"n"},
			Usage:   "Number of mkosi VMs to spawn",
		},
		&cli.StringFlag{
			Name:  "mkosi-config",
			Usage: "mkosi config path (e.g. ~/mkosi-kernel/)",
		},
		&cli.StringSliceFlag{
			Name:  "mkosi-option",
			Usage: "Option passed through to mkosi (repeatable)",
		},
		&cli.StringFlag{
			Name:  "mkosi-include",
			Usage: "mkosi config passed through with --include",
		},
		&cli.StringFlag{
			Name:  "mkosi-fstests",
			Usage: "fstests path inside the mkosi VM",
		},
		&cli.IntFlag{
			Name:  "startup-timeout",
			Usage: "Seconds to wait for a VM to come up",
		},
		&cli.BoolFlag{
			Name:    "build",
			Aliases: []string{"f"},
			Usage:   "Build the image before spawning VMs (repeat to force)",
		},
		&cli.StringSliceFlag{
			Name:  "vm",
			Usage: "Pre-existing SSH worker as HOST:PATH (repeatable)",
		},
		&cli.StringFlag{
			Name:  "metrics-listen",
			Usage: "Address for the prometheus endpoint (empty disables)",
		},
	}
}

// ApplyFlags merges flags the user set on the command line over the
// file-derived configuration. Positional arguments become the test
// selection.
func (c *Config) ApplyFlags(ctx *cli.Context) {
	if args := ctx.Args().Slice(); len(args) > 0 {
		c.TestSelection.Tests = args
	}

	if ctx.IsSet("fstests") {
		c.Fstests = ctx.String("fstests")
	}
	if ctx.IsSet("groups") {
		c.TestSelection.Groups = ctx.StringSlice("groups")
	}
	if ctx.IsSet("exclude-tests") {
		c.TestSelection.ExcludeTests = ctx.StringSlice("exclude-tests")
	}
	if ctx.IsSet("exclude-tests-file") {
		c.TestSelection.ExcludeTestsFile = ctx.String("exclude-tests-file")
	}
	if ctx.IsSet("exclude-groups") {
		c.TestSelection.ExcludeGroups = ctx.StringSlice("exclude-groups")
	}
	if ctx.IsSet("section") {
		c.TestSelection.Section = ctx.String("section")
	}
	if ctx.IsSet("exclude-section") {
		c.TestSelection.ExcludeSection = ctx.String("exclude-section")
	}
	if ctx.IsSet("file-system") {
		c.TestSelection.FileSystem = ctx.String("file-system")
	}
	if ctx.IsSet("randomize") {
		c.TestSelection.Randomize = ctx.Bool("randomize")
	}
	if ctx.IsSet("iterate") {
		c.TestSelection.Iterate = ctx.Int("iterate")
	}
	if ctx.IsSet("slowest-first") {
		v := ctx.String("slowest-first")
		c.TestSelection.SlowestFirst = &v
	}
	if ctx.IsSet("rerun-failures") {
		v := ctx.String("rerun-failures")
		c.TestSelection.RerunFailures = &v
	}

	if ctx.IsSet("keep-alive") {
		c.TestRunner.KeepAlive = ctx.Bool("keep-alive")
	}
	if ctx.IsSet("test-timeout") {
		c.TestRunner.TestTimeout = ctx.Int("test-timeout")
	}
	if ctx.IsSet("probe-interval") {
		c.TestRunner.ProbeInterval = ctx.Int("probe-interval")
	}
	if ctx.IsSet("max-supervisor-restarts") {
		c.TestRunner.MaxSupervisorRestarts = ctx.Int("max-supervisor-restarts")
	}
	if ctx.IsSet("retry-failures") {
		c.TestRunner.RetryFailures = ctx.Int("retry-failures")
	}
	if ctx.IsSet("dmesg") {
		c.TestRunner.Dmesg = ctx.Bool("dmesg")
	}

	if ctx.IsSet("results-dir") {
		c.Output.ResultsDir = ctx.String("results-dir")
	}
	if ctx.IsSet("verbose") {
		c.Output.Verbose = ctx.Bool("verbose")
	}
	if ctx.IsSet("print-failure-list") {
		c.Output.PrintFailureList = ctx.Bool("print-failure-list")
	}
	if ctx.IsSet("print-n-slowest") {
		c.Output.PrintNSlowest = ctx.Int("print-n-slowest")
	}
	if ctx.IsSet("print-duration-hist") {
		c.Output.PrintDurationHist = ctx.Bool("print-duration-hist")
	}
	if ctx.IsSet("record") {
		v := ctx.String("record")
		c.Output.Record = &v
	}

	if ctx.IsSet("num") {
		c.Mkosi.Num = ctx.Int("num")
	}
	if ctx.IsSet("mkosi-config") {
		c.Mkosi.Config = ctx.String("mkosi-config")
	}
	if ctx.IsSet("mkosi-option") {
		c.Mkosi.Options = ctx.StringSlice("mkosi-option")
	}
	if ctx.IsSet("mkosi-include") {
		c.Mkosi.Include = ctx.String("mkosi-include")
	}
	if ctx.IsSet("mkosi-fstests") {
		c.Mkosi.Fstests = ctx.String("mkosi-fstests")
	}
	if ctx.IsSet("startup-timeout") {
		c.Mkosi.Timeout = ctx.Int("startup-timeout")
	}
	if ctx.IsSet("build") {
		c.Mkosi.Build = ctx.Count("build")
	}
	if ctx.IsSet("vm") {
		c.CustomVM.VMs = ctx.StringSlice("vm")
	}
	if ctx.IsSet("metrics-listen") {
		c.Metrics.Listen = ctx.String("metrics-listen")
	}
}
