package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// TransientStoreError wraps a DocumentStore failure that may succeed on
// retry: unreachable, timed out, or refused.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("document store %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// PermanentStoreError wraps a MetadataStore failure. Nothing else was
// written when it is returned.
type PermanentStoreError struct {
	Op  string
	Err error
}

func (e *PermanentStoreError) Error() string {
	return fmt.Sprintf("metadata store %s: %v", e.Op, e.Err)
}

func (e *PermanentStoreError) Unwrap() error { return e.Err }

// ConflictError reports a write against a stale version.
type ConflictError struct {
	Entity   string
	ID       string
	Expected int
	Actual   int
}

func (e *ConflictError) Error() string {
	if e.Actual > 0 {
		return fmt.Sprintf("version conflict on %s %s: expected %d, current %d", e.Entity, e.ID, e.Expected, e.Actual)
	}
	return fmt.Sprintf("version conflict on %s %s: expected %d", e.Entity, e.ID, e.Expected)
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s (%s)", e.Message, strings.Join(e.Fields, ", "))
}

// TimeoutError reports an operation whose deadline expired.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientStoreError unless it already is one.
// A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientStoreError
	if errors.As(err, &te) {
		return err
	}
	return &TransientStoreError{Op: op, Err: err}
}

// Permanent wraps a MetadataStore error. Validation, conflict, timeout
// and not-found errors pass through untouched so callers can match them.
func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}
	var (
		ce *ConflictError
		ve *ValidationError
		pe *PermanentStoreError
		to *TimeoutError
	)
	if errors.As(err, &ce) || errors.As(err, &ve) || errors.As(err, &pe) || errors.As(err, &to) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &PermanentStoreError{Op: op, Err: err}
}

// IsTransient reports whether err is a TransientStoreError.
func IsTransient(err error) bool {
	var te *TransientStoreError
	return errors.As(err, &te)
}
