// Package adapter defines the narrow contract between the dispatch core and
// external publishing destinations, plus the registry that maps destination
// ids to publishers.
package adapter

import (
	"context"
	"errors"
	"fmt"
)

// Publisher is the whole contract a destination has to satisfy. Adapters
// translate destination-native responses into an external id or a typed
// failure; the core never inspects destination-specific shapes.
//
// Publishers must tolerate being called once per dispatcher attempt; no
// dedup is assumed on the adapter side.
type Publisher interface {
	Publish(ctx context.Context, content string) (externalID string, err error)
}

// FailureKind is the two-valued failure taxonomy of the core.
type FailureKind int

const (
	FailureTransient FailureKind = iota
	FailurePermanent
)

func (k FailureKind) String() string {
	if k == FailurePermanent {
		return "permanent"
	}
	return "transient"
}

// Transient wraps err as a retryable failure (rate limit, timeout, 5xx-class).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return kindError{kind: FailureTransient, err: err}
}

// Permanent wraps err as a non-retryable failure (bad content, auth that
// cannot self-heal, destination rejects permanently).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return kindError{kind: FailurePermanent, err: err}
}

// Transientf is shorthand for Transient(fmt.Errorf(...)).
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanentf is shorthand for Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// Classify reports the failure kind of err. Untyped errors default to
// transient so a misbehaving adapter degrades to retry-and-eventually-
// permanent rather than dropping work.
func Classify(err error) FailureKind {
	var ke kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return FailureTransient
}

type kindError struct {
	kind FailureKind
	err  error
}

func (e kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e kindError) Unwrap() error { return e.err }
