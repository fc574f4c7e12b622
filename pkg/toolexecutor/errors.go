package toolexecutor

import (
	"errors"
	"fmt"
)

var (
	// ErrToolNotFound is wrapped by ToolErrors for unknown tool names.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolDenied is wrapped by ToolErrors for tools the policy disables.
	ErrToolDenied = errors.New("tool denied by policy")
	// ErrDuplicateApprovalRequest is returned when a session already has a pending request.
	ErrDuplicateApprovalRequest = errors.New("approval request already pending for session")
	// ErrApprovalNotFound is returned for unknown or already resolved request ids.
	ErrApprovalNotFound = errors.New("approval request not found")
)

// ErrorKind classifies a recoverable tool failure.
type ErrorKind string

const (
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindExecutionFailed   ErrorKind = "execution_failed"
	ErrorKindInvalidParameters ErrorKind = "invalid_parameters"
)

// ToolError is a tool-level failure. It is reported back to the model rather
// than aborting the loop.
type ToolError struct {
	Kind    ErrorKind
	Tool    string
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

func newToolError(kind ErrorKind, tool string, err error) *ToolError {
	return &ToolError{Kind: kind, Tool: tool, Message: err.Error(), Err: err}
}

// AsToolError unwraps err into a *ToolError when possible.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
