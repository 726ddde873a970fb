package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/trebuchet-org/evolve/internal/domain/models"
)

// Sentinel errors for domain operations
var (
	// ErrNotFound is returned when a requested resource doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when trying to create a resource that already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrForbidden is returned when the acting user may not perform an operation
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited is returned when the daily proposal cap has been reached
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInvalidState is returned when an operation doesn't apply to the current status
	ErrInvalidState = errors.New("invalid state")

	// ErrExpiredOrUnknown is returned for approval requests that are no longer pending
	ErrExpiredOrUnknown = errors.New("approval request expired or unknown")

	// ErrGenerationFailed is returned when the risk assessor could not classify an idea
	ErrGenerationFailed = errors.New("proposal generation failed")

	// ErrImplementationFailed is returned when a changeset or review artifact could not be produced
	ErrImplementationFailed = errors.New("implementation failed")

	// ErrDeploymentFailed is returned when a deployment step fails
	ErrDeploymentFailed = errors.New("deployment failed")

	// ErrValidation is returned when a required field is missing or malformed
	ErrValidation = errors.New("validation failed")
)

// ValidationError reports a missing or malformed field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Required returns a ValidationError for an empty required field
func Required(field string) error {
	return &ValidationError{Field: field, Message: "is required"}
}

// NotFoundError names the kind and id of a missing resource
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s is no longer available", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ForbiddenError reports an unauthorized actor
type ForbiddenError struct {
	Actor  string
	Action string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("user %s is not allowed to %s", e.Actor, e.Action)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// RateLimitError carries the cap, the current count and when the window resets
type RateLimitError struct {
	Cap     int
	Current int
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("daily proposal limit reached (%d/%d), resets at %s",
		e.Current, e.Cap, e.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// StateError reports an operation that is invalid for the current status
type StateError struct {
	ID        string
	Operation string
	Current   models.ProposalStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s proposal %s in status %s", e.Operation, e.ID, e.Current)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// StepError reports which pipeline step failed and why. Kind is one of
// ErrImplementationFailed or ErrDeploymentFailed.
type StepError struct {
	Kind error
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%v at step %s: %v", e.Kind, e.Step, e.Err)
}

func (e *StepError) Unwrap() []error { return []error{e.Kind, e.Err} }

// ExpiredOrUnknownError is returned when resolving a request that is not pending
type ExpiredOrUnknownError struct {
	RequestID string
}

func (e *ExpiredOrUnknownError) Error() string {
	return fmt.Sprintf("approval request %s has expired or is no longer available", e.RequestID)
}

func (e *ExpiredOrUnknownError) Unwrap() error { return ErrExpiredOrUnknown }

// IsRecoverable reports whether err is one of the structured pipeline errors that
// callers should surface verbatim rather than treat as an outage.
func IsRecoverable(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrNotFound, ErrForbidden, ErrRateLimited, ErrInvalidState,
		ErrExpiredOrUnknown, ErrGenerationFailed, ErrImplementationFailed, ErrDeploymentFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
