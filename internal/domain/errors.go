package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the domain layer. Each maps to exactly one ErrorKind.
var (
	ErrConnection   = fmt.Errorf("backend unreachable")
	ErrAPI          = fmt.Errorf("backend returned an error")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrValidation   = fmt.Errorf("invalid input")
	ErrInvalidState = fmt.Errorf("invalid internal state")
	ErrUnavailable  = fmt.Errorf("service unavailable")

	ErrConversationNotFound = fmt.Errorf("conversation not found: %w", ErrValidation)
	ErrNoActiveConversation = fmt.Errorf("no active conversation: %w", ErrInvalidState)
	ErrSessionActive        = fmt.Errorf("a generation is already in flight: %w", ErrInvalidState)
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")
)

// ErrorKind classifies a failure for retry and recovery decisions.
type ErrorKind string

const (
	KindConnection  ErrorKind = "connection"
	KindAPI         ErrorKind = "api"
	KindTimeout     ErrorKind = "timeout"
	KindValidation  ErrorKind = "validation"
	KindState       ErrorKind = "state"
	KindUnavailable ErrorKind = "unavailable"
	KindUnknown     ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind may succeed on retry.
// Unavailable failures are retryable only after the breaker cool-down, which
// the circuit breaker enforces; callers treat them as retryable-later.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindConnection, KindAPI, KindTimeout, KindUnavailable:
		return true
	default:
		return false
	}
}

// ErrorState is the user-facing record of a subsystem failure. It is held by
// the recovery service until cleared or superseded by a newer error for the
// same subsystem.
type ErrorState struct {
	Service     string    `json:"service"`
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Retryable   bool      `json:"retryable"`
	Suggestions []string  `json:"suggestions"`
	Timestamp   time.Time `json:"timestamp"`
}

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op        string // operation name (e.g., "Store.Save")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "ModelManager")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with the reporting subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// KindOf maps an error to its ErrorKind by walking the wrap chain.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInvalidState):
		return KindState
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrAPI):
		return KindAPI
	default:
		return KindUnknown
	}
}
