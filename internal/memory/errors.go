package memory

import (
	"errors"
	"fmt"
)

// Sentinel errors, matched with errors.Is.
var (
	// ErrNotFound is returned when a delete or update target does not exist.
	ErrNotFound = errors.New("memory record not found")

	// ErrUnsupported is returned by a backend asked for a capability it does
	// not have (vector or full-text search). The retrieval engine treats it
	// as a fallback trigger, never a surfaced failure.
	ErrUnsupported = errors.New("capability not supported by backend")

	// ErrConflict is returned when a conditional tier update lost the race:
	// the record's stored tier no longer matches the rule's from-tier.
	// Logged and skipped, not retried within the same cycle.
	ErrConflict = errors.New("tier changed concurrently")
)

// ValidationError reports a structurally invalid record, rule, or strategy.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConnectionError wraps pool exhaustion, acquisition timeouts, and network
// failures from the pooled backend. Semantic errors are never wrapped in it.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failure during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
