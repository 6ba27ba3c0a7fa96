package vm

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastfstests/fastfstests/config"
	"github.com/fastfstests/fastfstests/model"
	"github.com/fastfstests/fastfstests/runner"
)

// localTransport runs "remote" commands in a local shell, which is
// enough to exercise the execution and artifact plumbing.
type localTransport struct{}

func (localTransport) command(ctx context.Context, shellCmd string) *exec.Cmd {
	return exec.CommandContext(ctx, "bash", "-c", shellCmd)
}

func TestRunCommandExitCodes(t *testing.T) {
	ctx := context.Background()

	code, timedOut, err := runCommand(ctx, localTransport{}, "exit 0", nil, nil)
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.Equal(t, 0, code)

	code, timedOut, err = runCommand(ctx, localTransport{}, "exit 3", nil, nil)
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.Equal(t, 3, code)
}

func TestRunCommandStreamsOutput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	_, _, err := runCommand(context.Background(), localTransport{},
		"echo out; echo err >&2", &stdout, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "out\n", stdout.String())
	assert.Equal(t, "err\n", stderr.String())
}

func TestRunCommandTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, timedOut, err := runCommand(ctx, localTransport{}, "sleep 5", nil, nil)
	require.NoError(t, err)
	assert.True(t, timedOut)
}

func TestRunCommandTransportExitIsTransportError(t *testing.T) {
	_, _, err := runCommand(context.Background(), localTransport{}, "exit 255", nil, nil)
	assert.ErrorIs(t, err, runner.ErrTransport)
}

// shellTest is a minimal test whose check command is an arbitrary
// shell snippet.
type shellTest struct {
	id  model.TestID
	cmd string
}

func (t shellTest) Identity() model.TestID { return t.id }
func (t shellTest) Iteration() int         { return 1 }

func (t shellTest) CheckCommand(fstestsDir string) string { return t.cmd }

func (t shellTest) ArtifactPatterns(fstestsDir string) []string {
	return []string{filepath.Join(fstestsDir, "results", "*")}
}

func (t shellTest) Verdict(exitCode int, stdout []byte) (model.TestStatus, string) {
	if exitCode == 0 {
		return model.StatusPassed, "ok"
	}
	return model.StatusFailed, "bad"
}

func TestRunTestAppliesVerdict(t *testing.T) {
	var stdout bytes.Buffer
	status, err := runTest(context.Background(), zerolog.Nop(), localTransport{}, "/x",
		shellTest{id: "a/001", cmd: "echo hello"}, &stdout, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPassed, status)
	assert.Equal(t, "hello\n", stdout.String())

	status, err = runTest(context.Background(), zerolog.Nop(), localTransport{}, "/x",
		shellTest{id: "a/002", cmd: "exit 1"}, io.Discard, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, status)
}

func TestRunTestTimeoutBecomesTimedOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	status, err := runTest(ctx, zerolog.Nop(), localTransport{}, "/x",
		shellTest{id: "a/001", cmd: "sleep 5"}, io.Discard, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, status)
}

func TestRunTestRejectsUnknownTestType(t *testing.T) {
	// A test without the Command surface cannot be executed.
	_, err := runTest(context.Background(), zerolog.Nop(), localTransport{}, "/x",
		plainTest{}, io.Discard, io.Discard)
	assert.Error(t, err)
}

type plainTest struct{}

func (plainTest) Identity() model.TestID { return "a/001" }
func (plainTest) Iteration() int         { return 1 }

func TestCollectArtifacts(t *testing.T) {
	// Fake a worker-side results tree.
	workerDir := t.TempDir()
	resultsDir := filepath.Join(workerDir, "results")
	require.NoError(t, os.MkdirAll(resultsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(resultsDir, "001.out.bad"), []byte("diff"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(resultsDir, "001.full"), []byte("log"), 0o644))

	destDir := t.TempDir()
	collected, err := collectArtifacts(context.Background(), zerolog.Nop(), localTransport{},
		workerDir, shellTest{id: "a/001"}, destDir, []byte("kernel ring buffer"))
	require.NoError(t, err)

	assert.Contains(t, collected, "dmesg")
	assert.Contains(t, collected, "001.out.bad")
	assert.Contains(t, collected, "001.full")

	diff, err := os.ReadFile(filepath.Join(destDir, "001.out.bad"))
	require.NoError(t, err)
	assert.Equal(t, "diff", string(diff))

	dmesg, err := os.ReadFile(filepath.Join(destDir, "dmesg"))
	require.NoError(t, err)
	assert.Equal(t, "kernel ring buffer", string(dmesg))
}

func TestCollectArtifactsNoMatchesAreFine(t *testing.T) {
	collected, err := collectArtifacts(context.Background(), zerolog.Nop(), localTransport{},
		t.TempDir(), shellTest{id: "a/001"}, t.TempDir(), nil)
	require.NoError(t, err)
	assert.Empty(t, collected)
}

func TestNewSSHPoolParsesEntries(t *testing.T) {
	cfg := config.Default()
	cfg.CustomVM.VMs = []string{"vm1:/fstests", "user@vm2:/home/user/fstests"}

	pool, err := NewSSHPool(zerolog.Nop(), &cfg)
	require.NoError(t, err)
	require.Len(t, pool, 2)
	assert.Equal(t, "vm1", pool[0].ID())
	assert.Equal(t, "user@vm2", pool[1].ID())
	assert.Equal(t, "/home/user/fstests", pool[1].fstestsDir)

	cfg.CustomVM.VMs = []string{"no-path"}
	_, err = NewSSHPool(zerolog.Nop(), &cfg)
	assert.Error(t, err)
}

func TestNewMkosiPoolNamesAreUnique(t *testing.T) {
	if _, err := exec.LookPath("mkosi"); err != nil {
		t.Skip("mkosi not installed")
	}
	cfg := config.Default()
	cfg.Mkosi.Config = t.TempDir()
	cfg.Mkosi.Fstests = "/fstests"
	cfg.Mkosi.Num = 4

	pool, err := NewMkosiPool(zerolog.Nop(), &cfg)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, s := range pool {
		assert.False(t, seen[s.ID()], "duplicate machine name %s", s.ID())
		seen[s.ID()] = true
	}
}
