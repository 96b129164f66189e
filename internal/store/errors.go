package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrConflict is the optimistic-concurrency signal: the caller's
	// revision no longer matches the stored revision
	ErrConflict = errors.New("revision conflict")
)

// ConflictError describes a rejected write against a stale revision
type ConflictError struct {
	Kind     string
	ID       string
	Expected int64
	Current  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %s %s: expected %d, stored %d", e.Kind, e.ID, e.Expected, e.Current)
}

// Is makes errors.Is(err, ErrConflict) match
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsConflict reports whether err is a revision conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// NotFound wraps ErrNotFound with the record kind and id
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}
