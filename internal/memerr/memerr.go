// Package memerr defines the error kinds every karmagraph component reports:
// references to missing entities, storage failures and rejected caller input.
package memerr

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks.
var (
	ErrReference  = errors.New("reference error")
	ErrStorage    = errors.New("storage error")
	ErrValidation = errors.New("validation error")
)

// ReferenceError reports an operation on a node or edge id that does not exist.
type ReferenceError struct {
	Entity string // "node" or "edge"
	ID     int64
	Op     string
}

func (e *ReferenceError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s %d does not exist", e.Entity, e.ID)
	}
	return fmt.Sprintf("%s: %s %d does not exist", e.Op, e.Entity, e.ID)
}

// Is matches ErrReference.
func (e *ReferenceError) Is(target error) bool { return target == ErrReference }

// StorageError wraps a failure of the durable layer.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

// Unwrap exposes the driver error.
func (e *StorageError) Unwrap() error { return e.Err }

// Is matches ErrStorage.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// ValidationError reports malformed caller input such as an out-of-range
// weight or a vector of the wrong dimensionality.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Reference builds a ReferenceError for a missing node or edge.
func Reference(op, entity string, id int64) error {
	return &ReferenceError{Op: op, Entity: entity, ID: id}
}

// Storage wraps err as a StorageError. A nil err stays nil, and errors that
// already carry one of the taxonomy kinds are returned unchanged.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrReference) || errors.Is(err, ErrValidation) || errors.Is(err, ErrStorage) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Validation builds a ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
