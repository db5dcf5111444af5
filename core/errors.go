// Package core defines the error taxonomy shared by the schema, query, dialect,
// persistence, cache, and store packages. Errors fall into four families:
// compile-time errors raised before a database is contacted, connection
// lifecycle errors, execution errors raised by the database, and data errors
// raised while encoding or validating values.
//
// Every family is represented by a sentinel so callers can branch with
// errors.Is, and by a structured carrier so diagnostics (the column, the
// command text, the bound parameters) survive propagation.
package core

import (
	"errors"
	"fmt"
)

// Compile-time errors.
var (
	ErrColumnNotFound   = errors.New("column not found")
	ErrTableNotFound    = errors.New("table not found")
	ErrQueryInvalid     = errors.New("query is invalid")
	ErrQueryIsNull      = errors.New("query is null")
	ErrDatabaseNotFound = errors.New("database not found")
	ErrValueNotFound    = errors.New("value not found")
)

// ErrModelNotFound is an alias of ErrTableNotFound kept for callers that think
// in terms of models rather than tables.
var ErrModelNotFound = ErrTableNotFound

// Connection lifecycle errors.
var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrConnectionLost   = errors.New("connection lost")
	ErrBackendNotFound  = errors.New("backend not found")
)

// Execution errors.
var (
	ErrDuplicateEntry = errors.New("duplicate entry found")
	ErrCannotDelete   = errors.New("cannot delete")
	ErrQueryTimeout   = errors.New("query timed out")
	ErrInterruption   = errors.New("interrupted")
	ErrQueryFailed    = errors.New("query failed")
)

// Data errors.
var (
	ErrDataStore        = errors.New("data store error")
	ErrColumnValidation = errors.New("column validation failed")
	ErrColumnReadOnly   = errors.New("column is read only")
	ErrColumnRequired   = errors.New("column is required")
)

// ColumnError reports a problem with a specific column of a schema.
type ColumnError struct {
	Kind   error
	Schema string
	Column string
	Reason string
}

// NewColumnError builds a ColumnError of the given kind.
func NewColumnError(kind error, schema, column, reason string) *ColumnError {
	return &ColumnError{Kind: kind, Schema: schema, Column: column, Reason: reason}
}

func (e *ColumnError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Column)
	if e.Schema != "" {
		msg = fmt.Sprintf("%s: %s.%s", e.Kind, e.Schema, e.Column)
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *ColumnError) Unwrap() error { return e.Kind }

// ExecError is raised for anything that went wrong after a command was sent to
// the database. It always carries the command text and bound arguments.
type ExecError struct {
	Kind    error
	Message string
	Command string
	Args    []any
	Cause   error
}

// NewExecError builds an ExecError of the given kind.
func NewExecError(kind error, message, command string, args []any, cause error) *ExecError {
	return &ExecError{Kind: kind, Message: message, Command: command, Args: args, Cause: cause}
}

func (e *ExecError) Error() string {
	msg := e.Kind.Error()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil && e.Message == "" {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying driver error.
func (e *ExecError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// WithCommand returns a copy of e with the command and arguments attached,
// keeping any that were already set.
func (e *ExecError) WithCommand(command string, args []any) *ExecError {
	c := *e
	if c.Command == "" {
		c.Command = command
	}
	if c.Args == nil {
		c.Args = args
	}
	return &c
}

// QueryTimeout builds the error raised when a statement exceeds its timeout.
func QueryTimeout(command string, args []any, seconds float64, cause error) *ExecError {
	return NewExecError(ErrQueryTimeout, fmt.Sprintf("statement exceeded %.3gs", seconds), command, args, cause)
}

// QueryFailed wraps an unclassified driver error.
func QueryFailed(command string, args []any, cause error) *ExecError {
	return NewExecError(ErrQueryFailed, "", command, args, cause)
}

// ValidationError reports a value that violates a column contract.
type ValidationError struct {
	Kind   error
	Column string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Column)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Column, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Kind }

// DataStoreError wraps a codec failure for a column.
func DataStoreError(column string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDataStore, column, err)
}

// IsRetryable reports whether err may be retried blindly. Only a lost
// connection qualifies.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}

// IsCompileError reports whether err was raised before any database was
// contacted.
func IsCompileError(err error) bool {
	for _, kind := range []error{ErrColumnNotFound, ErrTableNotFound, ErrQueryInvalid, ErrQueryIsNull, ErrDatabaseNotFound, ErrValueNotFound} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// IsDataError reports whether err is a value codec or validation failure.
func IsDataError(err error) bool {
	for _, kind := range []error{ErrDataStore, ErrColumnValidation, ErrColumnReadOnly, ErrColumnRequired} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
