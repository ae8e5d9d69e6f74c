// Package llm provides the completion client used by stage agents: an
// OpenAI-compatible HTTP implementation plus a retry decorator for transient
// provider errors.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/agentbus/agentbus/pkg/models"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Response carries the completion text and the provider-reported usage.
type Response struct {
	Content string
	Usage   models.Usage
}

// Client is the completion interface agents call. Implementations must honor
// ctx cancellation and deadlines.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm provider returned %d: %s", e.StatusCode, e.Body)
}

// ErrEmptyResponse is returned when the provider sends no choices.
var ErrEmptyResponse = errors.New("llm provider returned no choices")

// IsTransient reports whether the error warrants a retry: rate limits,
// provider 5xx, and network-level failures. Context cancellation and
// deadlines are never transient; the caller's budget is spent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	// Transport errors (connection refused, reset, DNS) surface as non-API
	// errors from the HTTP client.
	return !errors.Is(err, ErrEmptyResponse)
}

// IsRateLimited reports whether the error is specifically a 429.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}
