// Package domain defines the core schema, query and error types of the semantic layer.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// UserError indicates a schema or query problem that a model author must fix.
type UserError struct {
	Message string
}

func (e *UserError) Error() string { return e.Message }

// CompileInternalError indicates an invariant violated inside the compiler.
type CompileInternalError struct {
	Message string
}

func (e *CompileInternalError) Error() string { return "internal compile error: " + e.Message }

// UnreachableJoinError is returned when the cubes touched by a query are not
// connected in the join graph.
type UnreachableJoinError struct {
	From    string
	Targets []string
}

func (e *UnreachableJoinError) Error() string {
	return fmt.Sprintf("can't find join path to join %s", strings.Join(append([]string{e.From}, e.Targets...), ", "))
}

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate resource).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// ErrUser creates a UserError with a formatted message.
func ErrUser(format string, args ...interface{}) *UserError {
	return &UserError{Message: fmt.Sprintf(format, args...)}
}

// ErrInternal creates a CompileInternalError with a formatted message.
func ErrInternal(format string, args ...interface{}) *CompileInternalError {
	return &CompileInternalError{Message: fmt.Sprintf(format, args...)}
}

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// IsUserError reports whether err is caused by the schema or query rather than
// the compiler. Unreachable join sets count as user errors.
func IsUserError(err error) bool {
	var userErr *UserError
	if errors.As(err, &userErr) {
		return true
	}
	var joinErr *UnreachableJoinError
	return errors.As(err, &joinErr)
}
