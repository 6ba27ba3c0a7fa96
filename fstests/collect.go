package fstests

// This file discovers which tests to run: glob expansion under
// tests/, group membership via mkgroupfile (with a group.list
// fallback), exclusion lists and the final ordering.

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fastfstests/fastfstests/config"
)

// Collect expands the configured selection into concrete tests in
// dispatch order: sorted by identity, or shuffled when randomize is
// set, then iterated.
func Collect(logger zerolog.Logger, cfg *config.Config) ([]*Test, error) {
	if cfg.Fstests == "" {
		return nil, errors.New("path to fstests not configured")
	}

	selected := map[string]bool{}
	for _, pattern := range cfg.TestSelection.Tests {
		names, err := expandTest(cfg.Fstests, pattern)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			selected[name] = true
		}
	}
	for _, group := range cfg.TestSelection.Groups {
		names, err := groupTests(logger, cfg.Fstests, group)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			selected[name] = true
		}
	}

	for _, pattern := range cfg.TestSelection.ExcludeTests {
		names, err := expandTest(cfg.Fstests, pattern)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			delete(selected, name)
		}
	}
	if path := cfg.TestSelection.ExcludeTestsFile; path != "" {
		names, err := parseExcludeFile(path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Failed to read exclude tests file")
		}
		for _, pattern := range names {
			expanded, err := expandTest(cfg.Fstests, pattern)
			if err != nil {
				return nil, err
			}
			for _, name := range expanded {
				delete(selected, name)
			}
		}
	}
	for _, group := range cfg.TestSelection.ExcludeGroups {
		names, err := groupTests(logger, cfg.Fstests, group)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			delete(selected, name)
		}
	}

	names := make([]string, 0, len(selected))
	for name := range selected {
		names = append(names, name)
	}

	if fs := cfg.TestSelection.FileSystem; fs != "" {
		kept := names[:0]
		for _, name := range names {
			if strings.HasPrefix(name, fs+"/") || strings.HasPrefix(name, "generic/") {
				kept = append(kept, name)
			}
		}
		if len(kept) == 0 && len(names) > 0 {
			logger.Warn().Str("file_system", fs).Msg("No tests match the specified file system")
		}
		names = kept
	}

	sort.Strings(names)
	if cfg.TestSelection.Randomize {
		rand.Shuffle(len(names), func(i, j int) {
			names[i], names[j] = names[j], names[i]
		})
	}

	tests := make([]*Test, 0, len(names)*cfg.TestSelection.Iterate)
	for _, name := range names {
		for iter := 1; iter <= cfg.TestSelection.Iterate; iter++ {
			tests = append(tests, New(name, iter, cfg.TestSelection.Section, cfg.TestSelection.ExcludeSection))
		}
	}
	return tests, nil
}

// expandTest globs a test pattern under tests/ and keeps entries whose
// name is numeric, the fstests naming convention.
func expandTest(fstestsDir, pattern string) ([]string, error) {
	testsRoot := filepath.Join(fstestsDir, "tests")
	matches, err := filepath.Glob(filepath.Join(testsRoot, pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid test pattern %q: %w", pattern, err)
	}

	var names []string
	for _, match := range matches {
		if !isNumeric(filepath.Base(match)) {
			continue
		}
		rel, err := filepath.Rel(testsRoot, match)
		if err != nil {
			continue
		}
		names = append(names, filepath.ToSlash(rel))
	}
	return names, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// groupTests resolves a group name to its member tests. A group may be
// scoped to one suite as "<suite>/<group>"; otherwise every suite
// directory is consulted.
func groupTests(logger zerolog.Logger, fstestsDir, group string) ([]string, error) {
	testsRoot := filepath.Join(fstestsDir, "tests")

	if suite, scoped, ok := strings.Cut(group, "/"); ok {
		return groupTestsInDir(logger, scoped, filepath.Join(testsRoot, suite))
	}

	entries, err := os.ReadDir(testsRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read tests directory: %w", err)
	}

	seen := map[string]bool{}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		inDir, err := groupTestsInDir(logger, group, filepath.Join(testsRoot, entry.Name()))
		if err != nil {
			return nil, err
		}
		for _, name := range inDir {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names, nil
}

// groupTestsInDir parses one suite's group file and selects tests
// belonging to the group; the pseudo-group "all" matches everything.
func groupTestsInDir(logger zerolog.Logger, group string, testDir string) ([]string, error) {
	content := groupFile(logger, testDir)

	var names []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		testName, groups := fields[0], fields[1:]

		if group == "all" || contains(groups, group) {
			names = append(names, filepath.Base(testDir)+"/"+testName)
		}
	}
	return names, nil
}

// groupFile obtains a suite's group listing, preferring the generated
// one from the mkgroupfile tool and falling back to group.list.
func groupFile(logger zerolog.Logger, testDir string) string {
	cmd := exec.Command("../../tools/mkgroupfile")
	cmd.Dir = testDir
	if out, err := cmd.Output(); err == nil {
		return string(out)
	} else {
		logger.Debug().Err(err).Str("dir", testDir).Msg("mkgroupfile failed, falling back to group.list")
	}

	content, err := os.ReadFile(filepath.Join(testDir, "group.list"))
	if err != nil {
		logger.Warn().Err(err).Str("dir", testDir).Msg("Could not find group.list")
		return ""
	}
	return string(content)
}

// parseExcludeFile reads a line-separated test list, skipping blanks
// and comments.
func parseExcludeFile(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	return names, nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
