package rest

import (
	"errors"
	"fmt"
)

// Kind classifies an upstream failure for retry decisions.
type Kind int

const (
	// Transient covers 429, 5xx and network failures: the envelope is
	// failed and re-leased after a delay.
	Transient Kind = iota
	// Permanent covers other 4xx and malformed responses: the envelope
	// moves directly to failed.
	Permanent
	// Gone is a 404 on a known entity: treated as upstream deletion.
	Gone
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Gone:
		return "gone"
	}
	return "unknown"
}

// Error is a classified upstream failure.
type Error struct {
	Kind   Kind
	Status int // HTTP status, 0 for network failures
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("rest: %s: %s (http %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("rest: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func kindOf(err error) (Kind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return 0, false
}

// IsTransient reports whether err is a retryable upstream failure.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == Transient
}

// IsPermanent reports whether err is a non-retryable upstream failure.
func IsPermanent(err error) bool {
	k, ok := kindOf(err)
	return ok && k == Permanent
}

// IsGone reports whether err is a 404 on a known entity.
func IsGone(err error) bool {
	k, ok := kindOf(err)
	return ok && k == Gone
}
