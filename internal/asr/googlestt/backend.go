// Package googlestt provides a Google Cloud Speech-to-Text backend and a
// diarization provider built on the same client's speaker tags.
package googlestt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tiroq/diarscribe/internal/asr"
)

// Compile-time interface check.
var _ asr.Backend = (*Backend)(nil)

// inlineLimit is the largest payload the API accepts as inline content.
const inlineLimit = 10 << 20

// Config holds Google Cloud STT settings.
type Config struct {
	CredentialsFile string `yaml:"credentials_file"` // path to service account JSON; empty uses ADC
	LanguageCode    string `yaml:"language_code"`    // e.g., "en-US"
	Model           string `yaml:"model"`            // e.g., "latest_long", "video"
	UseEnhanced     bool   `yaml:"use_enhanced"`
	SampleRateHertz int    `yaml:"sample_rate_hertz"`
	MaxRetries      int    `yaml:"max_retries"`     // default 4
	TimeoutSeconds  int    `yaml:"timeout_seconds"` // default 1800
}

// recognizer runs one long-running recognition to completion.
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error)
	Close() error
}

// speechRecognizer adapts the generated client.
type speechRecognizer struct {
	client *speech.Client
}

func (r *speechRecognizer) Recognize(ctx context.Context, req *speechpb.LongRunningRecognizeRequest) (*speechpb.LongRunningRecognizeResponse, error) {
	op, err := r.client.LongRunningRecognize(ctx, req)
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

func (r *speechRecognizer) Close() error { return r.client.Close() }

// Backend transcribes audio with Google Cloud Speech-to-Text. The gRPC
// client is dialled on first use.
type Backend struct {
	cfg Config

	mu  sync.Mutex
	rec recognizer

	backoffBase time.Duration
}

// NewBackend creates a new Google STT backend. No connection is made yet.
func NewBackend(cfg Config) *Backend {
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en-US"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 1800
	}
	return &Backend{cfg: cfg, backoffBase: 750 * time.Millisecond}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return "google_stt" }

func (b *Backend) recognizer(ctx context.Context) (recognizer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rec != nil {
		return b.rec, nil
	}
	var opts []option.ClientOption
	if b.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(b.cfg.CredentialsFile))
	}
	c, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("google_stt: speech client: %w", err)
	}
	b.rec = &speechRecognizer{client: c}
	return b.rec, nil
}

// Close releases the underlying gRPC connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rec == nil {
		return nil
	}
	err := b.rec.Close()
	b.rec = nil
	return err
}

// Transcribe runs a long-running recognition over audioPath, which is
// either a local file or a gs:// URI. Whisper-specific decode knobs have
// no equivalent here; only language and word timestamps are honoured.
func (b *Backend) Transcribe(ctx context.Context, audioPath string, dc asr.DecodeConfig) (*asr.Transcript, error) {
	rc := b.recognitionConfig(dc.Language, audioPath)
	rc.EnableWordTimeOffsets = true

	resp, err := b.recognize(ctx, audioPath, rc)
	if err != nil {
		return nil, err
	}
	t := parseTranscript(resp)
	t.Backend = b.Name()
	t.Language = rc.LanguageCode
	t.Model = rc.Model
	return t, nil
}

func (b *Backend) recognitionConfig(language, audioPath string) *speechpb.RecognitionConfig {
	lang := b.cfg.LanguageCode
	if language != "" {
		lang = language
	}
	return &speechpb.RecognitionConfig{
		LanguageCode:               lang,
		Model:                      b.cfg.Model,
		UseEnhanced:                b.cfg.UseEnhanced,
		EnableAutomaticPunctuation: true,
		Encoding:                   inferEncoding(audioPath),
		SampleRateHertz:            int32(max(b.cfg.SampleRateHertz, 0)),
		MaxAlternatives:            1,
	}
}

func (b *Backend) recognize(ctx context.Context, audioPath string, rc *speechpb.RecognitionConfig) (*speechpb.LongRunningRecognizeResponse, error) {
	audio, err := recognitionAudio(audioPath)
	if err != nil {
		return nil, err
	}
	rec, err := b.recognizer(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	req := &speechpb.LongRunningRecognizeRequest{Config: rc, Audio: audio}
	resp, err := b.retry(ctx, func() (*speechpb.LongRunningRecognizeResponse, error) {
		return rec.Recognize(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("google_stt: recognize %s: %w", filepath.Base(audioPath), err)
	}
	return resp, nil
}

func recognitionAudio(audioPath string) (*speechpb.RecognitionAudio, error) {
	if strings.HasPrefix(audioPath, "gs://") {
		return &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Uri{Uri: audioPath}}, nil
	}
	info, err := os.Stat(audioPath)
	if err != nil {
		return nil, fmt.Errorf("google_stt: %w", err)
	}
	if info.Size() > inlineLimit {
		return nil, fmt.Errorf("google_stt: %s is %d bytes; files over %d bytes must be uploaded to gs:// first", filepath.Base(audioPath), info.Size(), inlineLimit)
	}
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("google_stt: read audio: %w", err)
	}
	return &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: data}}, nil
}

// retry retries transient gRPC failures with capped exponential backoff.
func (b *Backend) retry(ctx context.Context, fn func() (*speechpb.LongRunningRecognizeResponse, error)) (*speechpb.LongRunningRecognizeResponse, error) {
	backoff := b.backoffBase
	var last error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		last = err

		if !isTransient(err) || attempt == b.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
	return nil, last
}

func isTransient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded:
		return true
	}
	return false
}

func inferEncoding(audioPath string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToLower(filepath.Ext(audioPath)) {
	case ".wav":
		return speechpb.RecognitionConfig_LINEAR16
	case ".flac":
		return speechpb.RecognitionConfig_FLAC
	case ".mp3":
		return speechpb.RecognitionConfig_MP3
	case ".ogg", ".opus":
		return speechpb.RecognitionConfig_OGG_OPUS
	case ".webm":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}

// HealthCheck verifies whether the credentials file is accessible. It does
// not dial the API.
func (b *Backend) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	status := &asr.HealthStatus{
		Backend: b.Name(),
	}

	if b.cfg.CredentialsFile == "" {
		if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
			status.Message = "no credentials file configured"
			return status, nil
		}
		status.OK = true
		status.Message = "using application default credentials"
		return status, nil
	}

	if _, err := os.Stat(b.cfg.CredentialsFile); err != nil {
		status.Message = fmt.Sprintf("credentials file not accessible: %v", err)
		return status, nil
	}

	status.OK = true
	status.Message = "credentials file present"
	return status, nil
}
