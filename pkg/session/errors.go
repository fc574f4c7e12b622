package session

import "errors"

var (
	// ErrInvalidTransition is returned for events the current state does not accept.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrSessionNotFound is returned when no session exists for an id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session whose id is taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrBranchNotFound is returned for unknown branch names.
	ErrBranchNotFound = errors.New("branch not found")
	// ErrMessageNotFound is returned for unknown message ids.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidSessionID is returned for empty or path-unsafe ids.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrCorruptSnapshot is returned when a stored snapshot breaks an invariant.
	ErrCorruptSnapshot = errors.New("corrupt session snapshot")
)
