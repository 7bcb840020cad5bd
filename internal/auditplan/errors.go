package auditplan

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition indicates the action is not defined for the plan's current status.
	ErrInvalidTransition = errors.New("auditplan: invalid transition")
	// ErrForbiddenActor indicates the actor's role or membership does not authorise the action.
	ErrForbiddenActor = errors.New("auditplan: actor not permitted")
	// ErrValidation indicates a missing or malformed payload.
	ErrValidation = errors.New("auditplan: invalid input")
	// ErrDuplicatePending indicates a revision request is already outstanding for the plan.
	ErrDuplicatePending = errors.New("auditplan: revision request already pending")
	// ErrConcurrentModification indicates the stored state changed between read and write.
	ErrConcurrentModification = errors.New("auditplan: concurrent modification")
	// ErrNotFound indicates a referenced record is absent.
	ErrNotFound = errors.New("auditplan: not found")
)

// TransitionError describes a rejected lifecycle transition.
type TransitionError struct {
	Action Action
	From   Status
	Role   Role
	Reason string
	Err    error
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%v: %s from %s as %s", e.Err, e.Action, e.From, e.Role)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
