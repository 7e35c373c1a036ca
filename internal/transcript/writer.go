// Package transcript renders a speaker-labelled timeline to disk.
package transcript

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tiroq/diarscribe/internal/reconcile"
)

// Document is everything the writers need from one run.
type Document struct {
	RunID    string           `json:"run_id"`
	Audio    string           `json:"audio"`
	Language string           `json:"language,omitempty"`
	Duration float64          `json:"duration"`
	Spans    []reconcile.Span `json:"spans"`
}

// NewDocument builds a Document from an engine result.
func NewDocument(audioPath string, res *reconcile.Result) *Document {
	doc := &Document{RunID: res.RunID, Audio: filepath.Base(audioPath), Spans: res.Spans}
	if res.Decode != nil && res.Decode.Best.Transcript != nil {
		doc.Language = res.Decode.Best.Transcript.Language
		doc.Duration = res.Decode.Best.Transcript.Duration
	}
	return doc
}

// WriteText writes one span per line as "[HH:MM:SS] SPEAKER: text".
func WriteText(path string, doc *Document) error {
	var b strings.Builder
	for _, s := range doc.Spans {
		fmt.Fprintf(&b, "[%s] %s: %s\n", formatTextTimestamp(seconds(s.Start)), s.Speaker, s.Text)
	}
	return atomicWrite(path, []byte(b.String()))
}

// WriteSRT writes a SubRip file. The speaker is prefixed to each cue.
func WriteSRT(path string, doc *Document) error {
	var b strings.Builder
	for i, s := range doc.Spans {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", formatSRTTimestamp(seconds(s.Start)), formatSRTTimestamp(seconds(s.End)))
		fmt.Fprintf(&b, "%s: %s\n", s.Speaker, s.Text)
	}
	return atomicWrite(path, []byte(b.String()))
}

// WriteVTT writes a WebVTT file using voice tags for speakers.
func WriteVTT(path string, doc *Document) error {
	var b strings.Builder
	b.WriteString("WEBVTT\n")
	for _, s := range doc.Spans {
		b.WriteByte('\n')
		fmt.Fprintf(&b, "%s --> %s\n", formatVTTTimestamp(seconds(s.Start)), formatVTTTimestamp(seconds(s.End)))
		fmt.Fprintf(&b, "<v %s>%s\n", s.Speaker, s.Text)
	}
	return atomicWrite(path, []byte(b.String()))
}

// WriteJSON writes the document as indented JSON.
func WriteJSON(path string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding transcript: %w", err)
	}
	return atomicWrite(path, append(data, '\n'))
}

// WriteAll writes doc in every requested format. basePath is the file path
// without extension (e.g. "/out/2024-01-15_meeting"). Supported formats:
// "txt", "srt", "vtt", "json"; nil or empty means ["txt"]. It returns the
// paths written and a combined error listing all failures.
func WriteAll(basePath string, doc *Document, formats []string) ([]string, error) {
	if len(formats) == 0 {
		formats = []string{"txt"}
	}
	var written []string
	var errs []string
	for _, f := range formats {
		path := basePath + "." + f
		var err error
		switch f {
		case "txt":
			err = WriteText(path, doc)
		case "srt":
			err = WriteSRT(path, doc)
		case "vtt":
			err = WriteVTT(path, doc)
		case "json":
			err = WriteJSON(path, doc)
		default:
			errs = append(errs, fmt.Sprintf("unknown format %q", f))
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", f, err))
			continue
		}
		written = append(written, path)
	}
	if len(errs) > 0 {
		return written, fmt.Errorf("transcript write errors: %s", strings.Join(errs, "; "))
	}
	return written, nil
}

// seconds converts engine timestamps to a Duration rounded to the millisecond.
func seconds(v float64) time.Duration {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return time.Duration(math.Round(v*1000)) * time.Millisecond
}

// formatTextTimestamp formats a duration as HH:MM:SS for plain text output.
func formatTextTimestamp(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatSRTTimestamp formats a duration as HH:MM:SS,mmm.
func formatSRTTimestamp(d time.Duration) string {
	return formatMillis(d, ',')
}

// formatVTTTimestamp formats a duration as HH:MM:SS.mmm.
func formatVTTTimestamp(d time.Duration) string {
	return formatMillis(d, '.')
}

func formatMillis(d time.Duration, sep byte) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}

// atomicWrite writes data to path using a temp file + rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, "transcript-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("syncing transcript: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing transcript: %w", err)
	}
	tmpFile = nil

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming transcript: %w", err)
	}
	return nil
}
