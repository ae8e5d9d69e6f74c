package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentbus/agentbus/pkg/llm"
	"github.com/agentbus/agentbus/pkg/store"
)

// FailureKind classifies agent failures. The orchestrator's stage-retry
// decision looks at the kind alone, so the kind travels as a prefix of the
// task error string ("<kind>: <message>").
type FailureKind string

// Failure kinds.
const (
	FailureBadInput    FailureKind = "bad_input"
	FailureTimeout     FailureKind = "timeout"
	FailureRateLimited FailureKind = "rate_limited"
	FailureTransient   FailureKind = "transient"
	FailureCancelled   FailureKind = "cancelled"
	FailureUnknown     FailureKind = "unknown"
)

// Retryable reports whether a whole-stage retry can plausibly succeed for
// this kind. BadInput will fail identically; a cancel must not be retried.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureTimeout, FailureRateLimited, FailureTransient, FailureUnknown:
		return true
	}
	return false
}

// Failure is an agent error carrying its classification.
type Failure struct {
	Kind    FailureKind
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// NewFailure builds a classified failure.
func NewFailure(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ClassifyError converts an arbitrary error from agent execution into a
// Failure, preserving an existing classification.
func ClassifyError(err error) *Failure {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewFailure(FailureTimeout, "%v", err)
	case errors.Is(err, context.Canceled):
		return NewFailure(FailureCancelled, "%v", err)
	case errors.Is(err, store.ErrUnavailable):
		return NewFailure(FailureTransient, "%v", err)
	case llm.IsRateLimited(err):
		return NewFailure(FailureRateLimited, "%v", err)
	case llm.IsTransient(err):
		return NewFailure(FailureTransient, "%v", err)
	default:
		return NewFailure(FailureUnknown, "%v", err)
	}
}

// KindOfTaskError recovers the failure kind from a stored task error string.
// Unprefixed strings (crashes from before classification) map to unknown.
func KindOfTaskError(taskErr string) FailureKind {
	kind, _, ok := strings.Cut(taskErr, ":")
	if !ok {
		return FailureUnknown
	}
	switch k := FailureKind(strings.TrimSpace(kind)); k {
	case FailureBadInput, FailureTimeout, FailureRateLimited,
		FailureTransient, FailureCancelled, FailureUnknown:
		return k
	}
	return FailureUnknown
}
