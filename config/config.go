package config

// Package config holds the settled configuration record. The same
// record is produced by two parsers: the TOML file loader and the CLI
// flag reader; flag values win over file values.

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultPath is where the configuration file is looked up unless
// overridden by FASTFSTESTS_CONFIG_PATH.
const DefaultPath = "config.toml"

// EnvConfigPath overrides the configuration file location.
const EnvConfigPath = "FASTFSTESTS_CONFIG_PATH"

// Config is the full configuration for one invocation.
type Config struct {
	// Fstests is the path to the local fstests checkout, used for
	// test discovery.
	Fstests string `toml:"fstests"`

	TestSelection TestSelection `toml:"test_selection"`
	Mkosi         Mkosi         `toml:"mkosi"`
	CustomVM      CustomVM      `toml:"custom_vm"`
	TestRunner    TestRunner    `toml:"test_runner"`
	Output        Output        `toml:"output"`
	Metrics       Metrics       `toml:"metrics"`
}

// TestSelection controls which tests are collected and in what order
// they are dispatched.
type TestSelection struct {
	Tests            []string `toml:"tests,omitempty"`
	Groups           []string `toml:"groups,omitempty"`
	ExcludeTests     []string `toml:"exclude_tests,omitempty"`
	ExcludeTestsFile string   `toml:"exclude_tests_file"`
	ExcludeGroups    []string `toml:"exclude_groups,omitempty"`
	Section          string   `toml:"section"`
	ExcludeSection   string   `toml:"exclude_section"`
	FileSystem       string   `toml:"file_system"`
	Randomize        bool     `toml:"randomize"`
	Iterate          int      `toml:"iterate"`

	// SlowestFirst enables duration-aware ordering from a prior run:
	// nil disables, "" uses latest, otherwise a recording label or a
	// negative index like "-2".
	SlowestFirst *string `toml:"slowest_first,omitempty"`
	// RerunFailures restricts the selection to tests that failed, timed
	// out or errored in the referenced run.
	RerunFailures *string `toml:"rerun_failures,omitempty"`
}

// TestRunner is the dispatcher policy block.
type TestRunner struct {
	KeepAlive             bool `toml:"keep_alive"`
	TestTimeout           int  `toml:"test_timeout"`
	ProbeInterval         int  `toml:"probe_interval"`
	MaxSupervisorRestarts int  `toml:"max_supervisor_restarts"`
	RetryFailures         int  `toml:"retry_failures"`
	Dmesg                 bool `toml:"dmesg"`
}

// Output controls persistence and reporting.
type Output struct {
	ResultsDir        string `toml:"results_dir"`
	Verbose           bool   `toml:"verbose"`
	PrintFailureList  bool   `toml:"print_failure_list"`
	PrintNSlowest     int    `toml:"print_n_slowest"`
	PrintDurationHist bool   `toml:"print_duration_hist"`

	// Record creates a recording after completion: nil disables, ""
	// uses a timestamp label.
	Record *string `toml:"record,omitempty"`
}

// Mkosi configures the mkosi/QEMU supervisor backend.
type Mkosi struct {
	Num     int      `toml:"num"`
	Config  string   `toml:"config"`
	Options []string `toml:"options,omitempty"`
	Include string   `toml:"include"`
	// Fstests is the fstests path inside the VM image.
	Fstests string `toml:"fstests"`
	// Timeout bounds VM startup, in seconds.
	Timeout int `toml:"timeout"`
	// Build > 0 builds the image before spawning; the count maps to
	// mkosi's -f force level.
	Build int `toml:"build"`
}

// CustomVM configures pre-existing SSH-reachable workers, each item a
// "HOST:PATH" pair naming an SSH destination and its fstests path.
type CustomVM struct {
	VMs []string `toml:"vms,omitempty"`
}

// Metrics configures the optional prometheus endpoint; an empty listen
// address disables it.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Default returns the configuration used when a key is absent from
// both the file and the flags.
func Default() Config {
	return Config{
		TestSelection: TestSelection{Iterate: 1},
		TestRunner: TestRunner{
			ProbeInterval:         30,
			MaxSupervisorRestarts: 3,
			Dmesg:                 true,
		},
		Mkosi: Mkosi{Num: 10, Timeout: 30},
	}
}

// Load parses the TOML file at path over the defaults. Unknown keys
// are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("unknown configuration keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate checks cross-key constraints before a run.
func (c *Config) Validate() error {
	if c.TestSelection.Iterate < 1 {
		return errors.New("test_selection.iterate must be >= 1")
	}
	if c.TestRunner.RetryFailures < 0 {
		return errors.New("test_runner.retry_failures must be >= 0")
	}
	if c.TestRunner.MaxSupervisorRestarts < 0 {
		return errors.New("test_runner.max_supervisor_restarts must be >= 0")
	}
	if c.TestSelection.SlowestFirst != nil && c.Output.ResultsDir == "" {
		return errors.New("test_selection.slowest_first requires output.results_dir")
	}
	if c.TestSelection.SlowestFirst != nil && c.TestSelection.Randomize {
		return errors.New("test_selection.slowest_first and test_selection.randomize are mutually exclusive")
	}
	if c.TestSelection.RerunFailures != nil && c.Output.ResultsDir == "" {
		return errors.New("test_selection.rerun_failures requires output.results_dir")
	}
	if c.Output.Record != nil && c.Output.ResultsDir == "" {
		return errors.New("output.record requires output.results_dir")
	}
	if c.Output.Verbose && c.Output.ResultsDir == "" {
		return errors.New("output.verbose requires output.results_dir")
	}
	if len(c.CustomVM.VMs) == 0 && c.Mkosi.Config == "" {
		return errors.New("no supervisors configured: set mkosi.config or custom_vm.vms")
	}
	return nil
}

// Snapshot renders the settled configuration back to TOML, for the
// per-run config snapshot in the result store.
func (c *Config) Snapshot() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode config snapshot: %w", err)
	}
	return buf.Bytes(), nil
}
