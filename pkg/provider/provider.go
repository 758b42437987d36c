// Package provider defines the text-generation and embedding collaborators
// used by the conversation engine, plus offline implementations of both.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Purpose labels a generation call for logging and metrics.
type Purpose string

const (
	PurposeReply   Purpose = "reply"
	PurposeSummary Purpose = "summary"
	PurposeScore   Purpose = "score"
)

// Request is a single prompt-in, text-out generation call.
type Request struct {
	Purpose     Purpose
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Generator produces text for a prompt.
type Generator interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

var (
	// ErrProviderUnavailable covers every generation failure that is not a timeout.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderTimeout is returned when the provider did not answer in time.
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrEmptyResponse is returned when the provider answered with no text.
	ErrEmptyResponse = errors.New("provider returned an empty response")
)

// Error annotates a provider failure with the backend name and, when known,
// the HTTP status code.
type Error struct {
	Provider   string
	StatusCode int
	Kind       error
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %v (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Cause)
}

// Unwrap exposes both the classification sentinel and the cause.
func (e *Error) Unwrap() []error { return []error{e.Kind, e.Cause} }

// Classify wraps err from backend name into an *Error whose Kind is
// ErrProviderTimeout or ErrProviderUnavailable. statusCode may be zero.
func Classify(name string, statusCode int, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	kind := ErrProviderUnavailable
	if isTimeout(statusCode, err) {
		kind = ErrProviderTimeout
	}
	return &Error{Provider: name, StatusCode: statusCode, Kind: kind, Cause: err}
}

// IsTimeout reports whether err is a provider timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrProviderTimeout) }

func isTimeout(statusCode int, err error) bool {
	if statusCode == 408 || statusCode == 504 {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
