package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the requested task does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrVersionConflict indicates the caller supplied a stale version, or the
	// storage rejected a write because a newer version is already persisted.
	ErrVersionConflict = errors.New("version conflict")
	// ErrValidation classifies malformed drafts and queries.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized indicates a missing or invalid credential.
	ErrUnauthorized = errors.New("unauthorized")
)

// ConflictError carries the version that was expected and the one stored.
type ConflictError struct {
	ID       string
	Expected int
	Current  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s: version %d does not match current version %d", e.ID, e.Expected, e.Current)
}

func (e *ConflictError) Unwrap() error { return ErrVersionConflict }

// FieldError describes a single rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every field rejected in one pass.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + " " + f.Message
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: msg}}}
}
