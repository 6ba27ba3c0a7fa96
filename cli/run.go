package cli

// This file contains the run action: it turns the settled
// configuration into a test list, a supervisor pool and a dispatcher,
// then maps the outcome to an exit code.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/fastfstests/fastfstests/config"
	"github.com/fastfstests/fastfstests/fstests"
	"github.com/fastfstests/fastfstests/metrics"
	"github.com/fastfstests/fastfstests/model"
	"github.com/fastfstests/fastfstests/report"
	"github.com/fastfstests/fastfstests/runner"
	"github.com/fastfstests/fastfstests/store"
	"github.com/fastfstests/fastfstests/vm"
)

const stopTimeout = 30 * time.Second

func (a *App) run(ctx *cli.Context) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return cli.Exit(err.Error(), ExitConfigError)
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), ExitConfigError)
	}

	logger, closeLog, err := a.runLogger(&cfg)
	if err != nil {
		return cli.Exit(err.Error(), ExitErrored)
	}
	defer closeLog()

	tests, err := fstests.Collect(logger, &cfg)
	if err != nil {
		return cli.Exit(err.Error(), ExitConfigError)
	}

	if ref := cfg.TestSelection.RerunFailures; ref != nil {
		tests, err = filterRerunFailures(tests, cfg.Output.ResultsDir, *ref)
		if err != nil {
			return cli.Exit(err.Error(), ExitConfigError)
		}
	}
	if len(tests) == 0 {
		return cli.Exit("no tests to run", ExitConfigError)
	}

	items := make([]*runner.WorkItem, 0, len(tests))
	for _, t := range tests {
		items = append(items, runner.NewWorkItem(t))
	}

	if ref := cfg.TestSelection.SlowestFirst; ref != nil {
		items, err = orderSlowestFirst(logger, items, cfg.Output.ResultsDir, *ref)
		if err != nil {
			return cli.Exit(err.Error(), ExitConfigError)
		}
	}

	supervisors, mkosiPool, err := a.buildSupervisors(logger, &cfg)
	if err != nil {
		return cli.Exit(err.Error(), ExitConfigError)
	}
	if cfg.Mkosi.Build > 0 && len(mkosiPool) > 0 {
		if err := mkosiPool[0].Build(cfg.Mkosi.Build); err != nil {
			return cli.Exit(err.Error(), ExitErrored)
		}
	}

	var resultStore runner.ResultStore
	if cfg.Output.ResultsDir != "" {
		snapshot, err := cfg.Snapshot()
		if err != nil {
			return cli.Exit(err.Error(), ExitErrored)
		}
		st, err := store.Open(logger, cfg.Output.ResultsDir, model.NewRunID(time.Now()), snapshot)
		if err != nil {
			return cli.Exit(err.Error(), ExitErrored)
		}
		defer st.Close()
		resultStore = st
	}

	collector := metrics.NewCollector()
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := collector.Serve(cfg.Metrics.Listen); err != nil {
				logger.Warn().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	sink := runner.NewSink(0)
	rep := report.New(logger, os.Stdout, report.Options{
		PrintFailureList:  cfg.Output.PrintFailureList,
		PrintNSlowest:     cfg.Output.PrintNSlowest,
		PrintDurationHist: cfg.Output.PrintDurationHist,
	})
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		rep.Consume(sink.Events())
	}()

	opts := runner.Options{
		TestTimeout:           time.Duration(cfg.TestRunner.TestTimeout) * time.Second,
		StartupTimeout:        time.Duration(cfg.Mkosi.Timeout) * time.Second,
		StopTimeout:           stopTimeout,
		ProbeInterval:         time.Duration(cfg.TestRunner.ProbeInterval) * time.Second,
		MaxSupervisorRestarts: cfg.TestRunner.MaxSupervisorRestarts,
		RetryFailures:         cfg.TestRunner.RetryFailures,
		KeepAlive:             cfg.TestRunner.KeepAlive,
	}
	dispatcher := runner.New(logger, opts, resultStore, sink, collector)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Int("tests", len(items)).
		Int("supervisors", len(supervisors)).
		Msg("Starting run")

	results, runErr := dispatcher.Run(sigCtx, items, supervisors)
	<-consumed

	rep.Summary(results, cfg.Output.ResultsDir)

	if cfg.Output.Record != nil && cfg.Output.ResultsDir != "" && runErr == nil {
		label := *cfg.Output.Record
		if label == "" {
			label = time.Now().Format(model.RunTimestampFormat)
		}
		if _, err := store.CreateRecording(cfg.Output.ResultsDir, label, false); err != nil {
			logger.Warn().Err(err).Msg("Failed to create recording")
		} else {
			logger.Info().Str("label", label).Msg("Recorded run")
		}
	}

	if cfg.TestRunner.KeepAlive && runErr == nil {
		logger.Info().Msg("Keeping supervisors alive (ctrl-C to end)")
		<-sigCtx.Done()
	}

	return runExit(runErr, results)
}

// runExit maps a finished run to the documented exit codes.
func runExit(runErr error, results []model.TestResult) error {
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return cli.Exit("", ExitCancelled)
		}
		return cli.Exit(runErr.Error(), ExitErrored)
	}

	code := ExitOK
	for _, res := range results {
		switch res.Status {
		case model.StatusFailed, model.StatusTimedOut:
			if code < ExitTestsFailed {
				code = ExitTestsFailed
			}
		case model.StatusErrored:
			code = ExitErrored
		}
	}
	if code != ExitOK {
		return cli.Exit("", code)
	}
	return nil
}

func (a *App) list(ctx *cli.Context) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return cli.Exit(err.Error(), ExitConfigError)
	}
	tests, err := fstests.Collect(a.logger, &cfg)
	if err != nil {
		return cli.Exit(err.Error(), ExitConfigError)
	}
	for _, t := range tests {
		fmt.Println(t.Identity())
	}
	return nil
}

// runLogger mirrors debug logs into RESULTS_DIR/log when verbose
// output is requested.
func (a *App) runLogger(cfg *config.Config) (zerolog.Logger, func(), error) {
	if !cfg.Output.Verbose {
		return a.logger, func() {}, nil
	}

	if err := os.MkdirAll(cfg.Output.ResultsDir, 0o755); err != nil {
		return a.logger, nil, fmt.Errorf("failed to create results directory: %w", err)
	}
	f, err := os.Create(filepath.Join(cfg.Output.ResultsDir, "log"))
	if err != nil {
		return a.logger, nil, fmt.Errorf("failed to create log file: %w", err)
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339Nano}
	logger := zerolog.New(zerolog.MultiLevelWriter(console, f)).
		With().Timestamp().Logger().
		Level(zerolog.DebugLevel)
	return logger, func() { f.Close() }, nil
}

// buildSupervisors assembles the pool: custom SSH hosts, mkosi
// machines, or both.
func (a *App) buildSupervisors(logger zerolog.Logger, cfg *config.Config) ([]runner.Supervisor, []*vm.MkosiSupervisor, error) {
	var supervisors []runner.Supervisor

	if len(cfg.CustomVM.VMs) > 0 {
		pool, err := vm.NewSSHPool(logger, cfg)
		if err != nil {
			return nil, nil, err
		}
		for _, s := range pool {
			supervisors = append(supervisors, s)
		}
	}

	var mkosiPool []*vm.MkosiSupervisor
	if cfg.Mkosi.Config != "" {
		var err error
		mkosiPool, err = vm.NewMkosiPool(logger, cfg)
		if err != nil {
			return nil, nil, err
		}
		for _, s := range mkosiPool {
			supervisors = append(supervisors, s)
		}
	}

	if len(supervisors) == 0 {
		return nil, nil, errors.New("no supervisors configured")
	}
	return supervisors, mkosiPool, nil
}

// filterRerunFailures keeps only tests that failed, timed out or
// errored in the referenced run; skipped tests and tests absent from
// that run are dropped.
func filterRerunFailures(tests []*fstests.Test, resultsDir, ref string) ([]*fstests.Test, error) {
	results, err := loadRunResults(resultsDir, ref)
	if err != nil {
		return nil, err
	}

	statuses := store.Statuses(results)
	var kept []*fstests.Test
	for _, t := range tests {
		switch statuses[t.Identity()] {
		case model.StatusFailed, model.StatusErrored, model.StatusTimedOut:
			kept = append(kept, t)
		}
	}
	return kept, nil
}

// orderSlowestFirst applies duration-aware ordering from the
// referenced run. A missing latest run falls back to the default
// order; a missing named recording is an error.
func orderSlowestFirst(logger zerolog.Logger, items []*runner.WorkItem, resultsDir, ref string) ([]*runner.WorkItem, error) {
	results, err := loadRunResults(resultsDir, ref)
	if err != nil {
		if ref == "" || ref == "latest" {
			logger.Warn().Msg("No previous results found for slowest-first, using default order")
			return items, nil
		}
		if available := store.ListRecordings(resultsDir); len(available) > 0 {
			return nil, fmt.Errorf("%v (available: %v)", err, available)
		}
		return nil, err
	}
	return runner.OrderSlowestFirst(items, store.Durations(results)), nil
}

func loadRunResults(resultsDir, ref string) ([]model.TestResult, error) {
	runDir, err := store.Resolve(resultsDir, ref)
	if err != nil {
		return nil, err
	}
	return store.LoadResults(runDir)
}
