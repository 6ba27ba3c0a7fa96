package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fastfstests/fastfstests/model"
)

// journalScanBuffer bounds a single journal line; excerpts keep result
// lines far below this.
const journalScanBuffer = 1 << 20

// LoadResults reads a run's results.jsonl. A truncated trailing line
// (crash mid-write) is tolerated; a malformed line elsewhere is not.
func LoadResults(runDir string) ([]model.TestResult, error) {
	path := filepath.Join(runDir, journalName)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open result journal: %w", err)
	}
	defer f.Close()

	var (
		results []model.TestResult
		pending *error
		lineNo  int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), journalScanBuffer)
	for scanner.Scan() {
		lineNo++
		if pending != nil {
			return nil, fmt.Errorf("malformed result journal %s line %d: %w", path, lineNo-1, *pending)
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var res model.TestResult
		if err := json.Unmarshal(line, &res); err != nil {
			// Only acceptable on the final line.
			pending = &err
			continue
		}
		results = append(results, res)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read result journal: %w", err)
	}
	return results, nil
}

// Durations maps each test to its most recent recorded duration in the
// given results (completion order; later attempts win).
func Durations(results []model.TestResult) map[model.TestID]float64 {
	durations := make(map[model.TestID]float64, len(results))
	for _, res := range results {
		durations[res.TestID] = res.DurationSecs
	}
	return durations
}

// Statuses maps each test to its final recorded status.
func Statuses(results []model.TestResult) map[model.TestID]model.TestStatus {
	statuses := make(map[model.TestID]model.TestStatus, len(results))
	for _, res := range results {
		statuses[res.TestID] = res.Status
	}
	return statuses
}
