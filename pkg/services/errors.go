// Package services implements the relational data access and business
// rules for users, tokens, meetings, sessions, and transcriptions.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidTransition is returned when a meeting status change would
	// violate the state machine.
	ErrInvalidTransition = errors.New("invalid meeting status transition")

	// ErrMissingSession is returned when an active meeting has no recorded
	// session to address commands to.
	ErrMissingSession = errors.New("meeting has no recorded session")

	// ErrMissingContainer is returned when an active meeting has no
	// container id.
	ErrMissingContainer = errors.New("meeting has no associated container")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// DuplicateMeetingError is returned when a bot is requested for a tuple
// that already has a verified-running bot.
type DuplicateMeetingError struct {
	MeetingID int
}

func (e *DuplicateMeetingError) Error() string {
	return fmt.Sprintf("an active or requested meeting already exists for this platform and meeting ID, and its container is running. Meeting ID: %d", e.MeetingID)
}

// BotLimitError is returned when a launch would exceed the user's
// concurrent-bot quota.
type BotLimitError struct {
	Limit int
}

func (e *BotLimitError) Error() string {
	return fmt.Sprintf("user has reached the maximum concurrent bot limit (%d).", e.Limit)
}

// ConflictError reports a request that conflicts with current state, with
// a client-facing detail message.
type ConflictError struct {
	Detail string
}

func (e *ConflictError) Error() string {
	return e.Detail
}
