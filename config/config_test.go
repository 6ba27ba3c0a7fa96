package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
fstests = "/src/fstests"

[test_selection]
groups = ["auto"]
exclude_tests = ["generic/001"]
iterate = 3

[test_runner]
test_timeout = 300
retry_failures = 2

[mkosi]
num = 4
config = "/src/mkosi-kernel"
fstests = "/fstests"

[output]
results_dir = "/tmp/results"
print_n_slowest = 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/src/fstests", cfg.Fstests)
	assert.Equal(t, []string{"auto"}, cfg.TestSelection.Groups)
	assert.Equal(t, 3, cfg.TestSelection.Iterate)
	assert.Equal(t, 300, cfg.TestRunner.TestTimeout)
	assert.Equal(t, 2, cfg.TestRunner.RetryFailures)
	assert.Equal(t, 4, cfg.Mkosi.Num)
	assert.Equal(t, 10, cfg.Output.PrintNSlowest)

	// Defaults survive for keys the file does not mention.
	assert.Equal(t, 30, cfg.TestRunner.ProbeInterval)
	assert.Equal(t, 3, cfg.TestRunner.MaxSupervisorRestarts)
	assert.True(t, cfg.TestRunner.Dmesg)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
fstests = "/src/fstests"

[test_runner]
test_timeuot = 300
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test_runner.test_timeuot")
}

func TestFlagsOverrideFile(t *testing.T) {
	var cfg Config
	app := &cli.App{
		Flags: RunFlags(),
		Action: func(ctx *cli.Context) error {
			cfg = Default()
			cfg.TestRunner.RetryFailures = 1 // pretend file value
			cfg.ApplyFlags(ctx)
			return nil
		},
	}

	err := app.Run([]string{"fastfstests",
		"--retry-failures", "5",
		"--slowest-first", "baseline",
		"--num", "2",
		"generic/001", "generic/002",
	})
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.TestRunner.RetryFailures)
	require.NotNil(t, cfg.TestSelection.SlowestFirst)
	assert.Equal(t, "baseline", *cfg.TestSelection.SlowestFirst)
	assert.Equal(t, 2, cfg.Mkosi.Num)
	assert.Equal(t, []string{"generic/001", "generic/002"}, cfg.TestSelection.Tests)
}

func TestFlagsLeaveUnsetValuesAlone(t *testing.T) {
	var cfg Config
	app := &cli.App{
		Flags: RunFlags(),
		Action: func(ctx *cli.Context) error {
			cfg = Default()
			cfg.TestRunner.TestTimeout = 120
			cfg.ApplyFlags(ctx)
			return nil
		},
	}

	require.NoError(t, app.Run([]string{"fastfstests"}))
	assert.Equal(t, 120, cfg.TestRunner.TestTimeout)
	assert.Nil(t, cfg.TestSelection.SlowestFirst)
	assert.Nil(t, cfg.Output.Record)
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Mkosi.Config = "/src/mkosi-kernel"

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "iterate below one",
			mutate:  func(c *Config) { c.TestSelection.Iterate = 0 },
			wantErr: "iterate",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.TestRunner.RetryFailures = -1 },
			wantErr: "retry_failures",
		},
		{
			name: "slowest_first needs results_dir",
			mutate: func(c *Config) {
				ref := ""
				c.TestSelection.SlowestFirst = &ref
			},
			wantErr: "results_dir",
		},
		{
			name: "slowest_first with randomize",
			mutate: func(c *Config) {
				ref := ""
				c.TestSelection.SlowestFirst = &ref
				c.TestSelection.Randomize = true
				c.Output.ResultsDir = "/tmp/results"
			},
			wantErr: "mutually exclusive",
		},
		{
			name: "record needs results_dir",
			mutate: func(c *Config) {
				label := "baseline"
				c.Output.Record = &label
			},
			wantErr: "record",
		},
		{
			name:    "no supervisors",
			mutate:  func(c *Config) { c.Mkosi.Config = "" },
			wantErr: "no supervisors",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestSnapshotRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Fstests = "/src/fstests"
	cfg.TestSelection.Groups = []string{"auto", "quick"}
	cfg.Mkosi.Config = "/src/mkosi-kernel"

	snapshot, err := cfg.Snapshot()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, snapshot, 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
