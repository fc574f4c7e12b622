package runner

import "errors"

var (
	// ErrNoPendingQuestion is returned by Respond when the session has no open question.
	ErrNoPendingQuestion = errors.New("no pending question")
	// ErrInvalidAnswer is returned when an answer is not one of the question's options.
	ErrInvalidAnswer = errors.New("answer is not one of the offered options")
	// ErrNoPendingApproval is returned when a session has no approval to resolve.
	ErrNoPendingApproval = errors.New("no pending approval")
	// ErrShuttingDown is returned by Start after Shutdown.
	ErrShuttingDown = errors.New("registry is shutting down")
)
