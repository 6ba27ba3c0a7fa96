package store

// Package store owns the on-disk result layout:
//
//	<results_dir>/
//	  tests/<test_id>/<timestamp>/   one directory per attempt
//	  runs/<run_id>/                 config snapshot + results.jsonl
//	  latest -> runs/<run_id>
//	  recordings/<label> -> ../runs/<run_id>
//
// Writes are append-only during a run; the latest symlink is swapped
// atomically so an interrupted run still leaves a coherent pointer.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fastfstests/fastfstests/model"
)

const (
	testsDir      = "tests"
	runsDir       = "runs"
	recordingsDir = "recordings"
	latestLink    = "latest"
	journalName   = "results.jsonl"

	attemptTimestampFormat = "2006-01-02_15-04-05.000000"
)

// Store persists one run. Journal writes are serialized through a
// single mutex so lines never interleave; attempt directories are
// independently writable.
type Store struct {
	logger zerolog.Logger
	root   string
	runID  string
	runDir string

	mu      sync.Mutex
	journal *os.File
}

// Open creates the run directory, snapshots the configuration, opens
// the result journal and swaps the latest pointer.
func Open(logger zerolog.Logger, root, runID string, configTOML []byte) (*Store, error) {
	runDir := filepath.Join(root, runsDir, runID)
	for _, dir := range []string{
		filepath.Join(root, testsDir),
		filepath.Join(root, recordingsDir),
		runDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(filepath.Join(runDir, "config.toml"), configTOML, 0o644); err != nil {
		return nil, fmt.Errorf("failed to snapshot config: %w", err)
	}

	// Per-test attempt directories are shared across runs; the run
	// keeps a relative pointer to them.
	testsLink := filepath.Join(runDir, testsDir)
	if err := os.Symlink(filepath.Join("..", "..", testsDir), testsLink); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("failed to link tests index: %w", err)
	}

	journal, err := os.OpenFile(filepath.Join(runDir, journalName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open result journal: %w", err)
	}

	if err := updateLatest(root, runID); err != nil {
		journal.Close()
		return nil, err
	}

	logger.Debug().Str("dir", runDir).Msg("Opened run directory")
	return &Store{
		logger:  logger,
		root:    root,
		runID:   runID,
		runDir:  runDir,
		journal: journal,
	}, nil
}

// updateLatest atomically points latest at the new run: the symlink is
// created under a temporary name and renamed over the old one.
func updateLatest(root, runID string) error {
	target := filepath.Join(runsDir, runID)
	tmp := filepath.Join(root, latestLink+".tmp")
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("failed to create latest symlink: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(root, latestLink)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to update latest symlink: %w", err)
	}
	return nil
}

// RunID returns the identity of the run this store writes.
func (s *Store) RunID() string { return s.runID }

// RunDir returns the run's directory under runs/.
func (s *Store) RunDir() string { return s.runDir }

// BeginAttempt creates the directory for one attempt of a test. The
// directory name is the attempt's start timestamp; a counter suffix
// disambiguates the (unlikely) same-microsecond collision.
func (s *Store) BeginAttempt(id model.TestID, startedAt time.Time) (string, error) {
	parent := filepath.Join(s.root, testsDir, filepath.FromSlash(id.String()))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("failed to create test directory: %w", err)
	}

	stamp := startedAt.UTC().Format(attemptTimestampFormat)
	dir := filepath.Join(parent, stamp)
	for i := 1; ; i++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create attempt directory: %w", err)
		}
		dir = filepath.Join(parent, fmt.Sprintf("%s-%d", stamp, i))
	}
}

// WriteAttempt writes the attempt's status, full captures and metadata
// into dir.
func (s *Store) WriteAttempt(dir string, res model.TestResult, stdout, stderr []byte) error {
	if err := os.WriteFile(filepath.Join(dir, "status"), []byte(string(res.Status)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stdout"), stdout, 0o644); err != nil {
		return fmt.Errorf("failed to write stdout: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stderr"), stderr, 0o644); err != nil {
		return fmt.Errorf("failed to write stderr: %w", err)
	}

	meta, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), meta, 0o644); err != nil {
		return fmt.Errorf("failed to write meta.json: %w", err)
	}
	return nil
}

// FinalizeResult appends one line to results.jsonl and flushes it, so
// a crash mid-run leaves a parseable prefix.
func (s *Store) FinalizeResult(res model.TestResult) error {
	line, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.journal.Write(line); err != nil {
		return fmt.Errorf("failed to append result: %w", err)
	}
	if err := s.journal.Sync(); err != nil {
		return fmt.Errorf("failed to sync result journal: %w", err)
	}
	return nil
}

// Close closes the result journal.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journal.Close()
}
