package llm

import (
	"context"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/agentbus/agentbus/pkg/config"
)

// Retrying wraps a Client and retries transient provider errors with
// exponential backoff. Non-transient errors (bad input, auth, context
// cancellation) fail immediately.
type Retrying struct {
	delegate Client
	cfg      config.LLMRetryConfig
}

// NewRetrying creates the retry decorator.
func NewRetrying(delegate Client, cfg config.LLMRetryConfig) *Retrying {
	return &Retrying{delegate: delegate, cfg: cfg}
}

// Model returns the delegate's model name.
func (r *Retrying) Model() string { return r.delegate.Model() }

// Complete calls the delegate, retrying transient failures up to the
// configured attempt budget.
func (r *Retrying) Complete(ctx context.Context, req Request) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialDelay()
	b.MaxInterval = r.cfg.MaxDelay()
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0 // bounded by attempts and ctx, not wall clock

	attempts := uint64(r.cfg.MaxAttempts)
	if attempts == 0 {
		attempts = 1
	}

	var resp *Response
	operation := func() error {
		var err error
		resp, err = r.delegate.Complete(ctx, req)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx))
	if err != nil {
		return nil, err
	}
	return resp, nil
}

var _ Client = (*Retrying)(nil)

// Mock is a scripted client for tests: each call pops the next response or
// error from the queue. The last entry repeats once the queue is exhausted.
// Safe for concurrent use.
type Mock struct {
	ModelName string
	Script    []MockTurn
	Calls     int
	Delay     time.Duration

	mu sync.Mutex
}

// MockTurn is one scripted reply.
type MockTurn struct {
	Content string
	Usage   int64 // tokens, applied to both directions
	Err     error
}

// Model returns the mock's model name.
func (m *Mock) Model() string {
	if m.ModelName == "" {
		return "mock"
	}
	return m.ModelName
}

// Complete pops the next scripted turn.
func (m *Mock) Complete(ctx context.Context, _ Request) (*Response, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	m.mu.Lock()
	idx := m.Calls
	m.Calls++
	m.mu.Unlock()
	if len(m.Script) == 0 {
		return &Response{Content: "ok"}, nil
	}
	if idx >= len(m.Script) {
		idx = len(m.Script) - 1
	}
	turn := m.Script[idx]
	if turn.Err != nil {
		return nil, turn.Err
	}
	resp := &Response{Content: turn.Content}
	resp.Usage.InputTokens = turn.Usage
	resp.Usage.OutputTokens = turn.Usage
	resp.Usage.Calls = 1
	return resp, nil
}

var _ Client = (*Mock)(nil)
