package store

// This file handles recordings: named, never-deleted references to
// prior runs, and the resolution of run references (latest, a label,
// or a negative index into the recordings by age).

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrRecordingExists is returned when creating a recording whose label
// is already taken and force was not specified.
var ErrRecordingExists = errors.New("recording already exists")

// CreateRecording records the latest run under the given label. An
// existing label is an error unless force is set; recordings are never
// silently overwritten.
func CreateRecording(root, label string, force bool) (string, error) {
	target, err := os.Readlink(filepath.Join(root, latestLink))
	if err != nil {
		return "", fmt.Errorf("no recent run found: %w", err)
	}

	recDir := filepath.Join(root, recordingsDir)
	if err := os.MkdirAll(recDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create recordings directory: %w", err)
	}

	link := filepath.Join(recDir, label)
	if _, err := os.Lstat(link); err == nil {
		if !force {
			return "", fmt.Errorf("%w: %s", ErrRecordingExists, label)
		}
		if err := os.Remove(link); err != nil {
			return "", fmt.Errorf("failed to replace recording: %w", err)
		}
	}

	// latest points at runs/<id> relative to root; from recordings/
	// that is one level further up.
	if err := os.Symlink(filepath.Join("..", target), link); err != nil {
		return "", fmt.Errorf("failed to create recording: %w", err)
	}
	return filepath.Base(target), nil
}

// ListRecordings returns the recording labels, sorted.
func ListRecordings(root string) []string {
	entries, err := os.ReadDir(filepath.Join(root, recordingsDir))
	if err != nil {
		return nil
	}
	labels := make([]string, 0, len(entries))
	for _, e := range entries {
		labels = append(labels, e.Name())
	}
	sort.Strings(labels)
	return labels
}

// Resolve turns a run reference into a run directory. An empty ref
// resolves to latest, "-k" to the k-th most recent recording by
// modification time, anything else to recordings/<ref>.
func Resolve(root, ref string) (string, error) {
	switch {
	case ref == "" || ref == "latest":
		return resolveDir(filepath.Join(root, latestLink))
	case strings.HasPrefix(ref, "-"):
		k, err := strconv.Atoi(ref)
		if err != nil || k >= 0 {
			return "", fmt.Errorf("invalid run reference: %s", ref)
		}
		return resolveByAge(root, -k)
	default:
		return resolveDir(filepath.Join(root, recordingsDir, ref))
	}
}

// resolveByAge returns the k-th most recent recording (1 = newest).
func resolveByAge(root string, k int) (string, error) {
	recDir := filepath.Join(root, recordingsDir)
	entries, err := os.ReadDir(recDir)
	if err != nil || len(entries) == 0 {
		return "", errors.New("no recordings found")
	}

	type rec struct {
		name  string
		mtime int64
	}
	recs := make([]rec, 0, len(entries))
	for _, e := range entries {
		info, err := os.Lstat(filepath.Join(recDir, e.Name()))
		if err != nil {
			continue
		}
		recs = append(recs, rec{name: e.Name(), mtime: info.ModTime().UnixNano()})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].mtime > recs[j].mtime })

	if k > len(recs) {
		return "", fmt.Errorf("recording not found: only %d recorded", len(recs))
	}
	return resolveDir(filepath.Join(recDir, recs[k-1].name))
}

// resolveDir follows a run symlink and verifies the target exists.
func resolveDir(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("recording not found: %s", path)
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("recording not found: %s", path)
	}
	return resolved, nil
}
