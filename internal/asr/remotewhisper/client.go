// Package remotewhisper is an asr.Backend that calls a remote Whisper HTTP API.
package remotewhisper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tiroq/diarscribe/internal/asr"
	"github.com/tiroq/diarscribe/internal/diaglog"
)

// Config configures the remote Whisper API client.
type Config struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`           // optional auth token, sent as Bearer
	TimeoutSeconds int    `yaml:"timeout_seconds"` // default 600
	Retries        int    `yaml:"retries"`         // default 3
	Model          string `yaml:"model"`           // default "small"
}

// Client is an asr.Backend that calls a remote Whisper HTTP API.
type Client struct {
	cfg         Config
	client      *http.Client
	backoffBase time.Duration // default time.Second; tests override to 1ms

	logger   *diaglog.Logger
	loggerMu sync.RWMutex
}

var _ asr.Backend = (*Client)(nil)

// NewClient creates a new remote Whisper API client.
func NewClient(cfg Config) *Client {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 600
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Model == "" {
		cfg.Model = "small"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:         cfg,
		backoffBase: time.Second,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

// SetLogger injects a diaglog.Logger for debug logging.
func (c *Client) SetLogger(l *diaglog.Logger) {
	c.loggerMu.Lock()
	c.logger = l
	c.loggerMu.Unlock()
}

func (c *Client) log(entry diaglog.LogEntry) {
	c.loggerMu.RLock()
	l := c.logger
	c.loggerMu.RUnlock()
	if l == nil {
		return
	}
	if entry.Component == "" {
		entry.Component = diaglog.ComponentRemoteWhisper
	}
	l.Log(entry)
}

// Name returns the backend identifier.
func (c *Client) Name() string {
	return "remote_whisper_api"
}

// transcribeResponse mirrors the JSON shape returned by the remote API.
// Word timings are nullable; the server emits null when alignment fails.
type transcribeResponse struct {
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
		Words []struct {
			Word        string   `json:"word"`
			Start       *float64 `json:"start"`
			End         *float64 `json:"end"`
			Probability *float64 `json:"probability"`
		} `json:"words"`
	} `json:"segments"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Model    string  `json:"model"`
}

// Transcribe sends the audio file to the remote Whisper API with the given
// decode profile. Retries on transient errors (5xx, network).
func (c *Client) Transcribe(ctx context.Context, audioPath string, dc asr.DecodeConfig) (*asr.Transcript, error) {
	if dc.Model == "" {
		dc.Model = c.cfg.Model
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			c.log(diaglog.LogEntry{
				Event:   diaglog.EventTranscribeRetry,
				Payload: map[string]interface{}{"attempt": attempt, "backoff_ms": backoff.Milliseconds(), "pass": dc.Name},
			})
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := c.doTranscribe(ctx, audioPath, dc)
		if err == nil {
			return result, nil
		}

		if !isRetryable(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("transcribe %s: %w", filepath.Base(audioPath), err)
		}
		lastErr = err
	}

	return nil, fmt.Errorf("transcribe %s: all %d retries exhausted: %w", filepath.Base(audioPath), c.cfg.Retries, lastErr)
}

// formFields flattens a decode profile into multipart form fields.
func formFields(dc asr.DecodeConfig) map[string]string {
	temps := make([]string, len(dc.Temperatures))
	for i, t := range dc.Temperatures {
		temps[i] = strconv.FormatFloat(t, 'f', -1, 64)
	}
	fields := map[string]string{
		"model":                       dc.Model,
		"language":                    dc.Language,
		"beam_size":                   strconv.Itoa(dc.BeamSize),
		"best_of":                     strconv.Itoa(dc.BestOf),
		"temperature":                 strings.Join(temps, ","),
		"vad_filter":                  strconv.FormatBool(dc.VADFilter),
		"no_speech_threshold":         strconv.FormatFloat(dc.NoSpeechThreshold, 'f', -1, 64),
		"compression_ratio_threshold": strconv.FormatFloat(dc.CompressionRatioThreshold, 'f', -1, 64),
		"log_prob_threshold":          strconv.FormatFloat(dc.LogProbThreshold, 'f', -1, 64),
		"condition_on_previous_text":  strconv.FormatBool(dc.ConditionOnPrevious),
		"word_timestamps":             strconv.FormatBool(dc.WordTimestamps),
	}
	if dc.VADFilter && dc.VADMinSilenceMs > 0 {
		fields["vad_min_silence_ms"] = strconv.Itoa(dc.VADMinSilenceMs)
	}
	return fields
}

// doTranscribe performs a single multipart POST to the transcription endpoint.
func (c *Client) doTranscribe(ctx context.Context, audioPath string, dc asr.DecodeConfig) (*asr.Transcript, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	// Write multipart in a goroutine so the pipe feeds the request body.
	errCh := make(chan error, 1)
	go func() {
		part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
		if err != nil {
			pw.CloseWithError(err)
			errCh <- fmt.Errorf("create form file: %w", err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			errCh <- fmt.Errorf("copy audio data: %w", err)
			return
		}
		for k, v := range formFields(dc) {
			_ = writer.WriteField(k, v)
		}
		err = writer.Close()
		pw.CloseWithError(err)
		errCh <- err
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/transcribe", pr)
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		_ = pr.Close()
		<-errCh
		return nil, &retryableError{err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("read response body: %w", err)}
	}

	// The server may answer before consuming the whole upload.
	_ = pr.Close()
	if writeErr := <-errCh; writeErr != nil && !errors.Is(writeErr, io.ErrClosedPipe) && resp.StatusCode < 300 {
		return nil, fmt.Errorf("multipart write: %w", writeErr)
	}

	if resp.StatusCode >= 500 {
		return nil, &retryableError{err: fmt.Errorf("server error %d: %s", resp.StatusCode, truncate(body, 200))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var parsed transcribeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	segments := make([]asr.Segment, len(parsed.Segments))
	for i, s := range parsed.Segments {
		seg := asr.Segment{Start: s.Start, End: s.End, Text: s.Text}
		if len(s.Words) > 0 {
			seg.Words = make([]asr.Word, len(s.Words))
			for j, w := range s.Words {
				seg.Words[j] = asr.Word{Text: w.Word, Start: w.Start, End: w.End, Probability: w.Probability}
			}
		}
		segments[i] = seg
	}

	model := parsed.Model
	if model == "" {
		model = dc.Model
	}
	return &asr.Transcript{
		Segments: segments,
		Language: parsed.Language,
		Duration: parsed.Duration,
		Model:    model,
		Backend:  c.Name(),
	}, nil
}

// HealthCheck queries the remote API health endpoint.
func (c *Client) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create health request: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return c.status(false, fmt.Sprintf("health check failed: %v", err), latency), nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.status(false, fmt.Sprintf("unhealthy: http %d: %s", resp.StatusCode, truncate(body, 200)), latency), nil
	}

	var parsed struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return c.status(false, fmt.Sprintf("invalid health response: %v", err), latency), nil
	}

	msg := "healthy"
	if !parsed.OK {
		msg = "service reports not ok"
	}
	return c.status(parsed.OK, msg, latency), nil
}

func (c *Client) status(ok bool, msg string, latency time.Duration) *asr.HealthStatus {
	return &asr.HealthStatus{OK: ok, Backend: c.Name(), Message: msg, Latency: latency}
}

// ── helpers ──────────────────────────────────────────────────────────────────

// retryableError wraps errors that should trigger a retry.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// backoff returns exponential backoff duration: base * 2^(attempt-1) + jitter.
func (c *Client) backoff(attempt int) time.Duration {
	base := c.backoffBase
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	// Jitter: 0–25% of delay.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

// truncate returns the first n bytes of body as a string.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
