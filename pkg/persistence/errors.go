// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrGraphNotFound indicates a stage graph was not found by the given identifier or name.
	ErrGraphNotFound = errors.New("stage graph not found")

	// ErrGraphNameTaken indicates another graph of the same project already uses the name.
	ErrGraphNameTaken = errors.New("stage graph name taken")

	// ErrRecordNotFound indicates a pipeline record was not found.
	ErrRecordNotFound = errors.New("pipeline record not found")

	// ErrEnvironmentNotFound indicates a GitOps environment was not found.
	ErrEnvironmentNotFound = errors.New("environment not found")
)

// RepositoryError wraps repository errors with the operation and entity they concern.
type RepositoryError struct {
	Op     string // Operation being performed (e.g., "GetByID", "Save", "Delete")
	Entity string // "graph", "record", "environment", "push"
	ID     string
	Err    error
}

func (e *RepositoryError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s %s failed: %v", e.Op, e.Entity, e.Err)
	}

	return fmt.Sprintf("%s %s %s failed: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

// NewRepositoryError creates a new repository error with context.
func NewRepositoryError(op, entity, id string, err error) *RepositoryError {
	return &RepositoryError{Op: op, Entity: entity, ID: id, Err: err}
}

// IsGraphNotFound checks if an error indicates a stage graph was not found.
func IsGraphNotFound(err error) bool {
	return errors.Is(err, ErrGraphNotFound)
}

// IsRecordNotFound checks if an error indicates a pipeline record was not found.
func IsRecordNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}

// IsEnvironmentNotFound checks if an error indicates an environment was not found.
func IsEnvironmentNotFound(err error) bool {
	return errors.Is(err, ErrEnvironmentNotFound)
}
