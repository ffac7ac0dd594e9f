// Package llm is the boundary to language-model backends.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Provider is a language-model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request. A zero Model selects the provider default.
type Request struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// JSON asks the backend for a single JSON object when it supports it.
	JSON bool `json:"json,omitempty"`
}

// System prepends a system message.
func (r Request) System(prompt string) Request {
	r.Messages = append([]Message{{Role: RoleSystem, Content: prompt}}, r.Messages...)
	return r
}

// Usage is token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed generation.
type Response struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Model        string `json:"model,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Chunk is one streamed delta.
type Chunk struct {
	Delta        string `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Stream yields chunks until Recv returns io.EOF.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Collect drains s and returns the concatenated text.
func Collect(s Stream) (string, error) {
	defer func() { _ = s.Close() }()
	var b strings.Builder
	for {
		c, err := s.Recv()
		b.WriteString(c.Delta)
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
	}
}

// ErrorKind separates retryable failures from final ones.
type ErrorKind string

const (
	Transient ErrorKind = "transient"
	Permanent ErrorKind = "permanent"
)

// ErrNoProvider is returned when no backend is configured.
var ErrNoProvider = errors.New("no language model provider configured")

// ProviderError is a backend failure. Transient errors are retried and
// then fall back to the next provider; Permanent errors surface at once.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient provider error.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == Transient
}

// KindForStatus maps an HTTP status to an error kind. Rate limits, request
// timeouts and server errors are transient.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return Transient
	default:
		return Permanent
	}
}

// kindForMessage classifies SDK errors that carry no status code.
func kindForMessage(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline", "unavailable", "connection reset", "overloaded"} {
		if strings.Contains(msg, marker) {
			return Transient
		}
	}
	return Permanent
}

// single adapts a finished response to Stream.
type single struct {
	resp *Response
	done bool
}

func (s *single) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	s.done = true
	return Chunk{Delta: s.resp.Content, FinishReason: s.resp.FinishReason}, nil
}

func (s *single) Close() error { return nil }

// StreamOf returns a Stream that yields resp as one chunk.
func StreamOf(resp *Response) Stream { return &single{resp: resp} }
