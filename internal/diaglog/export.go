package diaglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Version is injected at link time from the main package; defaults to "dev".
var Version = "dev"

// DiagBundle is the first line written to the export file (valid NDJSON).
type DiagBundle struct {
	ExportedAt  string   `json:"exported_at"`
	AppVersion  string   `json:"app_version"`
	GoVersion   string   `json:"go_version"`
	OS          string   `json:"os"`
	Arch        string   `json:"arch"`
	LogFiles    []string `json:"log_files"`
	RunID       string   `json:"run_id,omitempty"`
	EntryCount  int      `json:"entry_count"`
	SkippedRows int      `json:"skipped_rows,omitempty"`
}

// ExportOptions narrows what Export copies.
type ExportOptions struct {
	// RunID keeps only entries of one reconciliation run. Lines that are
	// not valid JSON are dropped when filtering.
	RunID string
}

// Export bundles the diagnostic log into dest/diarscribe-diag-<ts>.ndjson:
// a DiagBundle header followed by the rotated generation (if any) and the
// current file, oldest first. It returns the written path and the number of
// entries copied. A missing current log yields an error wrapping
// os.ErrNotExist.
func Export(logPath, dest string, opts ExportOptions) (path string, lines int, err error) {
	if _, err := os.Stat(logPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, fmt.Errorf("log file not found at %s: %w", logPath, os.ErrNotExist)
		}
		return "", 0, fmt.Errorf("log file unreadable: %w", err)
	}

	sources := []string{logPath}
	if _, err := os.Stat(previousGeneration(logPath)); err == nil {
		sources = []string{previousGeneration(logPath), logPath}
	}

	var kept [][]byte
	skipped := 0
	for _, src := range sources {
		rows, err := readLines(src)
		if err != nil {
			return "", 0, err
		}
		for _, row := range rows {
			if opts.RunID != "" && !matchesRun(row, opts.RunID) {
				skipped++
				continue
			}
			kept = append(kept, row)
		}
	}

	tstamp := time.Now().UTC().Format("20060102T150405")
	outPath := filepath.Join(dest, "diarscribe-diag-"+tstamp+".ndjson")
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("output file could not be created: %w", err)
	}
	defer func() { _ = out.Close() }()

	header, err := json.Marshal(DiagBundle{
		ExportedAt:  time.Now().UTC().Format(time.RFC3339),
		AppVersion:  Version,
		GoVersion:   runtime.Version(),
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		LogFiles:    sources,
		RunID:       opts.RunID,
		EntryCount:  len(kept),
		SkippedRows: skipped,
	})
	if err != nil {
		return "", 0, err
	}

	w := bufio.NewWriter(out)
	if _, err := w.Write(append(header, '\n')); err != nil {
		return "", 0, err
	}
	for _, row := range kept {
		if _, err := w.Write(append(row, '\n')); err != nil {
			return "", 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return "", 0, err
	}
	return outPath, len(kept), nil
}

// readLines returns the non-empty lines of path. Each generation is capped
// at the rolling writer's size, so buffering them is fine.
func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("log file unreadable: %w", err)
	}
	defer func() { _ = f.Close() }()

	var rows [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLogSize)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		rows = append(rows, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("log file unreadable: %w", err)
	}
	return rows, nil
}

func matchesRun(row []byte, runID string) bool {
	var e struct {
		RunID string `json:"run_id"`
	}
	return json.Unmarshal(row, &e) == nil && e.RunID == runID
}
