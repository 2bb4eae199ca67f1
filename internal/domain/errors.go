package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrNotFound                = errors.New("not found")
	ErrConflict                = errors.New("concurrent update")
	ErrVerdictSet              = errors.New("document verdict already set")
)

// InvalidTransitionError reports an event that is not legal from a state.
type InvalidTransitionError struct {
	From  State
	Event EventType
	Next  State
}

func (e *InvalidTransitionError) Error() string {
	if e.Next != "" {
		return fmt.Sprintf("invalid transition %s -(%s)-> %s", e.From, e.Event, e.Next)
	}
	return fmt.Sprintf("invalid transition from %s on %s", e.From, e.Event)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Unavailable wraps err so it matches ErrCollaboratorUnavailable.
func Unavailable(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", name, ErrCollaboratorUnavailable, err)
}
