package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastfstests/fastfstests/model"
)

func testResult(id model.TestID, status model.TestStatus) model.TestResult {
	started := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return model.TestResult{
		TestID:         id,
		IterationIndex: 1,
		Status:         status,
		StartedAt:      started,
		FinishedAt:     started.Add(42 * time.Second),
		DurationSecs:   42,
		SupervisorID:   "ff-0-deadbeef",
		AttemptIndex:   1,
		StdoutExcerpt:  "some output",
		Artifacts:      []string{"artifacts/001.out.bad"},
		Diagnostics:    map[string]string{"dmesg": "clean"},
	}
}

func openStore(t *testing.T, root string) *Store {
	t.Helper()
	st, err := Open(zerolog.Nop(), root, "2024-06-01_12-00-00", []byte("fstests = \"/src/fstests\"\n"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenCreatesLayout(t *testing.T) {
	root := t.TempDir()
	st := openStore(t, root)

	assert.DirExists(t, filepath.Join(root, "tests"))
	assert.DirExists(t, st.RunDir())
	assert.FileExists(t, filepath.Join(st.RunDir(), "config.toml"))
	assert.FileExists(t, filepath.Join(st.RunDir(), "results.jsonl"))

	latest, err := filepath.EvalSymlinks(filepath.Join(root, "latest"))
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(st.RunDir())
	require.NoError(t, err)
	assert.Equal(t, resolved, latest)
}

func TestLatestIsSwappedAtomically(t *testing.T) {
	root := t.TempDir()
	openStore(t, root)

	st2, err := Open(zerolog.Nop(), root, "2024-06-02_12-00-00", nil)
	require.NoError(t, err)
	defer st2.Close()

	latest, err := os.Readlink(filepath.Join(root, "latest"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("runs", "2024-06-02_12-00-00"), latest)
}

func TestResultRoundTrip(t *testing.T) {
	root := t.TempDir()
	st := openStore(t, root)

	want := testResult("btrfs/001", model.StatusPassed)
	require.NoError(t, st.FinalizeResult(want))

	results, err := LoadResults(st.RunDir())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, want, results[0])
}

func TestWriteAttemptLayout(t *testing.T) {
	root := t.TempDir()
	st := openStore(t, root)

	dir, err := st.BeginAttempt("btrfs/001", time.Now())
	require.NoError(t, err)
	assert.DirExists(t, dir)

	res := testResult("btrfs/001", model.StatusFailed)
	require.NoError(t, st.WriteAttempt(dir, res, []byte("full stdout"), []byte("full stderr")))

	status, err := os.ReadFile(filepath.Join(dir, "status"))
	require.NoError(t, err)
	assert.Equal(t, "failed\n", string(status))

	stdout, err := os.ReadFile(filepath.Join(dir, "stdout"))
	require.NoError(t, err)
	assert.Equal(t, "full stdout", string(stdout))

	assert.FileExists(t, filepath.Join(dir, "meta.json"))
}

func TestBeginAttemptDisambiguatesCollisions(t *testing.T) {
	root := t.TempDir()
	st := openStore(t, root)

	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	first, err := st.BeginAttempt("btrfs/001", at)
	require.NoError(t, err)
	second, err := st.BeginAttempt("btrfs/001", at)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestLoadResultsToleratesTruncatedTrailingLine(t *testing.T) {
	root := t.TempDir()
	st := openStore(t, root)
	require.NoError(t, st.FinalizeResult(testResult("btrfs/001", model.StatusPassed)))
	require.NoError(t, st.FinalizeResult(testResult("btrfs/002", model.StatusFailed)))

	// Simulate a crash mid-write.
	journal := filepath.Join(st.RunDir(), "results.jsonl")
	f, err := os.OpenFile(journal, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"test_id":"btrfs/003","sta`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	results, err := LoadResults(st.RunDir())
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestDurationsKeepMostRecent(t *testing.T) {
	a := testResult("btrfs/001", model.StatusFailed)
	a.DurationSecs = 10
	b := testResult("btrfs/001", model.StatusPassed)
	b.DurationSecs = 20

	durations := Durations([]model.TestResult{a, b})
	assert.Equal(t, 20.0, durations["btrfs/001"])
}
