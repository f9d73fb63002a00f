// Package coreerrors defines the error kinds shared by every Federated
// Provider Core component: rate limiting, isolation, agents, jobs, progress,
// search, and the tiered indexer all surface failures through this type so
// callers can branch on Kind rather than string-matching messages.
package coreerrors

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a CoreError.
type Kind int

const (
	// KindUnknown is the zero value; never produced intentionally.
	KindUnknown Kind = iota
	// KindCircuitBreakerOpen means the rate limiter's circuit refused the call.
	KindCircuitBreakerOpen
	// KindRateLimitExceeded means a burst or per-minute cap was saturated.
	KindRateLimitExceeded
	// KindAgentQuarantined means the isolation manager refused the call.
	KindAgentQuarantined
	// KindOperationTimeout means a per-call deadline elapsed.
	KindOperationTimeout
	// KindUpstreamError wraps an error raised by a Provider implementation.
	KindUpstreamError
	// KindNotFound means a logical entity does not exist.
	KindNotFound
	// KindInvalid means bad configuration or arguments.
	KindInvalid
	// KindCancelled means cooperative cancellation; never retried.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindCircuitBreakerOpen:
		return "circuit_breaker_open"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case KindAgentQuarantined:
		return "agent_quarantined"
	case KindOperationTimeout:
		return "operation_timeout"
	case KindUpstreamError:
		return "upstream_error"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CoreError is the concrete error type produced by this module's components.
type CoreError struct {
	Kind      Kind
	Op        string // the operation/component that raised it, e.g. "ratelimit.Acquire"
	Agent     string // agent name, when applicable
	Message   string
	Cause     error
	Retryable bool
}

func (e *CoreError) Error() string {
	prefix := e.Op
	if e.Agent != "" {
		prefix = fmt.Sprintf("%s[%s]", e.Op, e.Agent)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s (%v)", prefix, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", prefix, e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// Is reports whether target is a CoreError with the same Kind, so callers
// can write errors.Is(err, coreerrors.ErrNotFound) and the like with the
// exported sentinels below.
func (e *CoreError) Is(target error) bool {
	var ce *CoreError
	if errors.As(target, &ce) {
		return ce.Kind == e.Kind
	}
	return false
}

// New builds a CoreError for op/agent with the given kind and message.
func New(kind Kind, op, agent, message string) *CoreError {
	return &CoreError{Kind: kind, Op: op, Agent: agent, Message: message}
}

// Wrap builds a CoreError carrying cause as its Unwrap target.
func Wrap(kind Kind, op, agent string, cause error) *CoreError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &CoreError{Kind: kind, Op: op, Agent: agent, Message: msg, Cause: cause}
}

// Sentinels usable with errors.Is against a *CoreError of the matching Kind.
var (
	ErrCircuitBreakerOpen = &CoreError{Kind: KindCircuitBreakerOpen, Message: "circuit breaker is open"}
	ErrRateLimitExceeded  = &CoreError{Kind: KindRateLimitExceeded, Message: "rate limit exceeded"}
	ErrAgentQuarantined   = &CoreError{Kind: KindAgentQuarantined, Message: "agent is quarantined"}
	ErrOperationTimeout   = &CoreError{Kind: KindOperationTimeout, Message: "operation timed out"}
	ErrNotFound           = &CoreError{Kind: KindNotFound, Message: "not found"}
	ErrInvalid            = &CoreError{Kind: KindInvalid, Message: "invalid argument"}
	ErrCancelled          = &CoreError{Kind: KindCancelled, Message: "cancelled"}
)

// IsKind reports whether err is, or wraps, a CoreError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// Retryable reports whether err is of a kind callers should treat as
// transient (throttle, not a provider failure).
func Retryable(err error) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case KindCircuitBreakerOpen, KindRateLimitExceeded, KindAgentQuarantined, KindOperationTimeout:
			return true
		}
	}
	return false
}
