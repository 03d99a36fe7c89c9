package models

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors for models.
var (
	// Queue errors
	ErrInvalidQueueItem = errors.New("queue item payload is required")
	ErrEmptyQueue       = errors.New("queue is empty")

	// Profile errors (account-level naming kept for compatibility with the auth-profile concept)
	ErrInvalidProfileName = errors.New("profile name is required")

	// Loop errors
	ErrInvalidLoopName     = errors.New("loop name is required")
	ErrInvalidLoopRepoPath = errors.New("loop repo path is required")
	ErrInvalidLoopShortID  = errors.New("loop short ID must be 6-9 alphanumeric characters")

	// Profile errors
	ErrInvalidProfileHarness  = errors.New("profile harness is required")
	ErrInvalidCommandTemplate = errors.New("command template is required")

	// Pool errors
	ErrInvalidPoolName = errors.New("pool name is required")
)

// FieldError is a single field-scoped validation failure.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors accumulates field-scoped failures found while validating a model.
type ValidationErrors struct {
	Errors []FieldError
}

// Add records err against field, using err's message as the field message.
func (v *ValidationErrors) Add(field string, err error) {
	if err == nil {
		return
	}
	v.Errors = append(v.Errors, FieldError{Field: field, Message: err.Error()})
}

// AddMessage records a literal message against field.
func (v *ValidationErrors) AddMessage(field, message string) {
	v.Errors = append(v.Errors, FieldError{Field: field, Message: message})
}

// Err returns nil if no failures were recorded, else an error joining every
// field message.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	parts := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		parts = append(parts, e.Error())
	}
	return errors.New(strings.Join(parts, "; "))
}
