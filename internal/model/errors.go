package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth indicates a missing, invalid or expired credential.
	ErrAuth = errors.New("authentication failed")

	// ErrAuthorization indicates a valid identity without workspace membership.
	ErrAuthorization = errors.New("not authorized")

	// ErrConflict indicates another operation is in flight on the entity.
	ErrConflict = errors.New("operation already in progress")

	// ErrValidation indicates a malformed command payload.
	ErrValidation = errors.New("invalid request")

	// ErrNotFound indicates that a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a record with the same id exists.
	ErrAlreadyExists = errors.New("already exists")
)

// Validationf wraps a formatted message as a validation error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// StepFailure is the modeled failure of a pipeline step. It is recorded on
// the deployment and never escapes the engine.
type StepFailure struct {
	Step StepKind
}

func (e *StepFailure) Error() string {
	return fmt.Sprintf("step %s failed", e.Step)
}

// IntegrationFailure wraps an error from a downstream collaborator such as
// the CI trigger or the chat notifier.
type IntegrationFailure struct {
	Service string
	Err     error
}

func (e *IntegrationFailure) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *IntegrationFailure) Unwrap() error { return e.Err }

// InternalFault aborts a run and leaves the deployment in ERROR.
type InternalFault struct {
	DeploymentID string
	Err          error
}

func (e *InternalFault) Error() string {
	return fmt.Sprintf("internal fault on deployment %s: %v", e.DeploymentID, e.Err)
}

func (e *InternalFault) Unwrap() error { return e.Err }

// PublicMessage returns the text shown to a user for a boundary error.
// Errors outside the boundary taxonomy are reported generically.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth), errors.Is(err, ErrAuthorization),
		errors.Is(err, ErrConflict), errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound):
		return err.Error()
	}
	return "internal error"
}
