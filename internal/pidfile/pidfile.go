// Package pidfile keeps two watchers from draining the same inbox.
package pidfile

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFile is a lock file holding the owner's PID and the watched directory.
type PIDFile struct {
	path string
	pid  int
}

// New claims path for the current process. It fails when the file names a
// process that is still running and replaces it otherwise.
func New(path, watchedDir string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create PID directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		pidLine, owner, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
		if existingPID, err := strconv.Atoi(strings.TrimSpace(pidLine)); err == nil {
			if isProcessRunning(existingPID) {
				if owner == "" {
					owner = watchedDir
				}
				return nil, fmt.Errorf("%s is already being watched (PID %d)", owner, existingPID)
			}
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}

	currentPID := os.Getpid()
	body := fmt.Sprintf("%d\n%s\n", currentPID, watchedDir)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}
	return &PIDFile{path: path, pid: currentPID}, nil
}

// Path returns the lock file location.
func (p *PIDFile) Path() string { return p.path }

// Remove deletes the PID file if it still holds our PID.
func (p *PIDFile) Remove() error {
	if p == nil {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil
	}
	pidLine, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	if pid, err := strconv.Atoi(strings.TrimSpace(pidLine)); err == nil && pid == p.pid {
		return os.Remove(p.path)
	}
	return nil
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix FindProcess always succeeds; signal 0 probes for existence.
	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, syscall.EPERM):
		return true
	default:
		return false
	}
}

// PathForDir returns the lock path for watching dir:
// ~/.cache/diarscribe/watch-<hash of the absolute dir>.pid.
func PathForDir(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	sum := sha1.Sum([]byte(filepath.Clean(abs)))
	name := "watch-" + hex.EncodeToString(sum[:])[:12] + ".pid"
	return filepath.Join(os.Getenv("HOME"), ".cache", "diarscribe", name)
}
