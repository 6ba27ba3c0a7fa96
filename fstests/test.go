package fstests

// Package fstests is the test backend: it discovers tests in a local
// fstests checkout, synthesizes the remote check command for each, and
// parses check's output into a verdict. The runner core only sees the
// Test contract; supervisors see the richer command surface.

import (
	"fmt"
	"strings"

	"al.essio.dev/pkg/shellescape"

	"github.com/fastfstests/fastfstests/model"
)

// Test is one fstests test ("<suite>/<number>") prepared for dispatch.
// The fstests location differs per worker, so commands are synthesized
// against the directory the executing supervisor provides.
type Test struct {
	id        model.TestID
	iteration int

	checkOpts []string
}

// New prepares a named test. Section options become check flags.
func New(name string, iteration int, section, excludeSection string) *Test {
	var opts []string
	if section != "" {
		opts = append(opts, "-s", shellescape.Quote(section))
	}
	if excludeSection != "" {
		opts = append(opts, "-S", shellescape.Quote(excludeSection))
	}
	return &Test{
		id:        model.TestID(name),
		iteration: iteration,
		checkOpts: opts,
	}
}

func (t *Test) Identity() model.TestID { return t.id }
func (t *Test) Iteration() int         { return t.iteration }

// CheckCommand is the shell command a supervisor runs for this test,
// against the fstests checkout at fstestsDir on the worker.
func (t *Test) CheckCommand(fstestsDir string) string {
	parts := append([]string{}, t.checkOpts...)
	parts = append(parts, shellescape.Quote(t.id.String()))
	return fmt.Sprintf("cd %s; ./check %s",
		shellescape.Quote(fstestsDir), strings.Join(parts, " "))
}

// ArtifactPatterns are glob patterns, relative to the worker's file
// system, collected after each attempt.
func (t *Test) ArtifactPatterns(fstestsDir string) []string {
	return []string{fmt.Sprintf("%s/results/*/%s*", fstestsDir, t.id)}
}

// Verdict classifies a finished check invocation. A zero exit with a
// "[not run]" marker is a skip; any other zero exit is a pass.
func (t *Test) Verdict(exitCode int, stdout []byte) (model.TestStatus, string) {
	status := model.StatusFailed
	if exitCode == 0 {
		if strings.Contains(string(stdout), "[not run]") {
			status = model.StatusSkipped
		} else {
			status = model.StatusPassed
		}
	}
	return status, summarize(stdout)
}

// summarize pulls the per-test summary line out of check's banner
// output. check prints seven header lines before the test line.
func summarize(stdout []byte) string {
	lines := strings.Split(string(stdout), "\n")
	if len(lines) <= 7 {
		return ""
	}
	fields := strings.Fields(lines[7])
	if len(fields) < 2 {
		return ""
	}
	return strings.Join(fields[1:], " ")
}
