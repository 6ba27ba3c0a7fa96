package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/fastfstests/fastfstests/config"
)

const AppName = "fastfstests"

// Exit codes. Test failures and infrastructure errors are
// distinguishable from the shell.
const (
	ExitOK          = 0
	ExitTestsFailed = 1
	ExitErrored     = 2
	ExitConfigError = 64
	ExitCancelled   = 130
)

type App struct {
	logger zerolog.Logger
	cli    *cli.App
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	app := &App{
		logger: logger,
		cli: &cli.App{
			Name:  AppName,
			Usage: "Parallelize fstests across a pool of disposable VMs",
			Flags: append([]cli.Flag{
				&cli.BoolFlag{
					Name:    "verbose",
					Aliases: []string{"v"},
					Usage:   "Enable verbose (debug) logging, written to RESULTS_DIR/log",
				},
			}, config.RunFlags()...),
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
			ArgsUsage: "[TEST...]",
		},
	}

	// Running the selected tests is the default action.
	app.cli.Action = app.run

	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "list",
		Usage:     "Print the tests the selection matches, without running them",
		ArgsUsage: "[TEST...]",
		Action:    app.list,
		Flags:     config.RunFlags(),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "record",
		Usage:     "Create a named recording of the latest run",
		ArgsUsage: "[LABEL]",
		Action:    app.record,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "results-dir",
				Usage: "Directory with persistent results",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Replace an existing recording with the same label",
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "compare",
		Usage:  "Diff two runs and report regressions",
		Action: app.compare,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "baseline",
				Aliases: []string{"a"},
				Usage:   "Baseline run (label, -k, or empty for latest; default -2)",
			},
			&cli.StringFlag{
				Name:    "changed",
				Aliases: []string{"b"},
				Usage:   "Changed run (label, -k, or empty for latest; default -1)",
			},
			&cli.StringFlag{
				Name:  "results-dir",
				Usage: "Directory with persistent results",
			},
		},
	})
	return app
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && commit != "" {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}

// loadConfig produces the settled configuration: file values first,
// then flags the user set on the command line.
func (a *App) loadConfig(ctx *cli.Context) (config.Config, error) {
	path := os.Getenv(config.EnvConfigPath)
	if path == "" {
		path = config.DefaultPath
	}

	cfg := config.Default()
	if _, err := os.Stat(path); err == nil {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	} else {
		a.logger.Debug().Str("path", path).Msg("No configuration file found")
	}

	cfg.ApplyFlags(ctx)
	return cfg, nil
}
