package cli

// This file contains the record and compare subcommands.

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fastfstests/fastfstests/model"
	"github.com/fastfstests/fastfstests/report"
	"github.com/fastfstests/fastfstests/store"
)

func (a *App) resultsDir(ctx *cli.Context) (string, error) {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return "", err
	}
	if cfg.Output.ResultsDir == "" {
		return "", fmt.Errorf("output.results_dir is not configured")
	}
	return cfg.Output.ResultsDir, nil
}

func (a *App) record(ctx *cli.Context) error {
	resultsDir, err := a.resultsDir(ctx)
	if err != nil {
		return cli.Exit(err.Error(), ExitConfigError)
	}

	label := ctx.Args().First()
	if label == "" {
		label = time.Now().Format(model.RunTimestampFormat)
	}

	runID, err := store.CreateRecording(resultsDir, label, ctx.Bool("force"))
	if err != nil {
		return cli.Exit(err.Error(), ExitTestsFailed)
	}
	fmt.Printf("Recorded %s as %s\n", runID, label)
	return nil
}

func (a *App) compare(ctx *cli.Context) error {
	resultsDir, err := a.resultsDir(ctx)
	if err != nil {
		return cli.Exit(err.Error(), ExitConfigError)
	}

	// Default: the two most recent recordings.
	baselineRef, changedRef := "-2", "-1"
	if ctx.IsSet("baseline") {
		baselineRef = ctx.String("baseline")
	}
	if ctx.IsSet("changed") {
		changedRef = ctx.String("changed")
	}

	baselineDir, err := store.Resolve(resultsDir, baselineRef)
	if err != nil {
		return cli.Exit(a.describeMissing(resultsDir, err), ExitTestsFailed)
	}
	changedDir, err := store.Resolve(resultsDir, changedRef)
	if err != nil {
		return cli.Exit(a.describeMissing(resultsDir, err), ExitTestsFailed)
	}

	baseline, err := store.LoadResults(baselineDir)
	if err != nil {
		return cli.Exit(err.Error(), ExitTestsFailed)
	}
	changed, err := store.LoadResults(changedDir)
	if err != nil {
		return cli.Exit(err.Error(), ExitTestsFailed)
	}

	cmp := store.Compare(baseline, changed)
	rep := report.New(a.logger, os.Stdout, report.Options{})
	rep.PrintComparison(cmp, filepath.Base(baselineDir), filepath.Base(changedDir))

	if len(cmp.Regressions) > 0 {
		return cli.Exit("", ExitTestsFailed)
	}
	return nil
}

func (a *App) describeMissing(resultsDir string, err error) string {
	if available := store.ListRecordings(resultsDir); len(available) > 0 {
		return fmt.Sprintf("%v (available: %v)", err, available)
	}
	return err.Error()
}
