// Package diaglog provides structured NDJSON diagnostic logging of
// reconciliation runs. Activated by DIARSCRIBE_DEBUG=true. When the env var
// is absent, all Log calls are no-ops and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ── Component labels ─────────────────────────────────────────────────────────

const (
	ComponentDecoder       = "decode-controller"
	ComponentReconciler    = "reconciler"
	ComponentDiarizer      = "diarizer"
	ComponentRemoteWhisper = "remote-whisper"
	ComponentWatcher       = "inbox-watcher"
	ComponentDiagExport    = "diag-export"
	ComponentHealth        = "health"
)

// ── Event names ──────────────────────────────────────────────────────────────

const (
	EventDecodePass       = "decode_pass"
	EventDecodeSelected   = "decode_selected"
	EventDecodeSkipped    = "decode_skipped"
	EventDiarizeDone      = "diarize_done"
	EventCoverageFallback = "coverage_fallback"
	EventTranscribeRetry  = "transcribe_retry"
	EventWSConnect        = "ws_connect"
	EventWSDisconnect     = "ws_disconnect"
	EventRunStart         = "run_start"
	EventRunDone          = "run_done"
	EventRunFailed        = "run_failed"
	EventHealthCheck      = "health_check"
	EventInboxProcessed   = "inbox_processed"
)

// ── LogEntry ─────────────────────────────────────────────────────────────────

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"`               // RFC3339Nano
	Component string      `json:"component"`        // see Component* constants
	Event     string      `json:"event"`            // see Event* constants
	RunID     string      `json:"run_id,omitempty"` // one reconciliation run
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// maxLogSize caps each log generation.
const maxLogSize = 10 * 1024 * 1024

// ── Logger ───────────────────────────────────────────────────────────────────

// Logger writes LogEntry values to a rolling NDJSON file. When debug mode is
// disabled every Log call is a no-op.
type Logger struct {
	rw      *rollingWriter
	mu      sync.Mutex
	enabled bool
}

// New opens (or creates) the NDJSON log file at path. If debug mode is
// disabled, path is ignored and a no-op logger is returned.
func New(path string) (*Logger, error) {
	if !IsDebugEnabled() {
		return &Logger{enabled: false}, nil
	}
	rw, err := newRollingWriter(path, maxLogSize)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// Log serialises entry to JSON, appends a newline, and writes to the rolling
// file. Sensitive payload fields are redacted before serialisation.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}

// IsDebugEnabled reports whether DIARSCRIBE_DEBUG is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv("DIARSCRIBE_DEBUG") == "true"
}

// DefaultPath returns the log location, honouring DIARSCRIBE_LOG_PATH.
func DefaultPath() string {
	if p := os.Getenv("DIARSCRIBE_LOG_PATH"); p != "" {
		return p
	}
	return filepath.Join(os.TempDir(), "diarscribe-debug.ndjson")
}

// NewNoOp returns a logger where every Log call is a no-op. Use as a safe
// fallback when New fails (e.g., disk full, permissions error).
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}
