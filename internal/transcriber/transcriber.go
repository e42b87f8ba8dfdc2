package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrProvider marks a non-success response from the provider
var ErrProvider = errors.New("transcription provider returned an error")

// Provider is the common interface for all transcription providers.
// Implementations make exactly one call per Transcribe and never retry.
// A returned error means the call itself failed (transport, timeout);
// provider-side failures come back as a Result that is not Successful.
type Provider interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (*Result, error)
	Name() string
}

// Result is the outcome of one provider call
type Result struct {
	StatusCode int
	Text       string
	Body       []byte // raw response body, kept for diagnostics
}

// Successful reports a 2xx response
func (r *Result) Successful() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Err converts an unsuccessful result into an ErrProvider error
func (r *Result) Err() error {
	if r.Successful() {
		return nil
	}
	if r == nil {
		return ErrProvider
	}
	return fmt.Errorf("status %d: %w", r.StatusCode, ErrProvider)
}

// Config selects and configures a provider
type Config struct {
	Name       string // "openai" or "vosk"
	URL        string
	APIKey     string
	Model      string
	SampleRate int
	Timeout    time.Duration
}

// New builds the configured provider
func New(cfg Config) (Provider, error) {
	switch cfg.Name {
	case "", "openai":
		return NewOpenAIClient(cfg)
	case "vosk":
		return NewVoskClient(cfg)
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Name)
	}
}
