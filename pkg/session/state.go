package session

import "fmt"

// State is the FSM state of a session.
type State string

const (
	StateIdle                  State = "idle"
	StateAwaitingModelResponse State = "awaiting_model_response"
	StateAwaitingToolApproval  State = "awaiting_tool_approval"
	StateExecutingTool         State = "executing_tool"
	StateError                 State = "error"
	StateCancelled             State = "cancelled"
)

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateAwaitingModelResponse, StateAwaitingToolApproval,
		StateExecutingTool, StateError, StateCancelled:
		return true
	}
	return false
}

// Event drives a state transition.
type Event string

const (
	// EventInput: new user input (or resumable input) is ready for the model.
	EventInput Event = "input"

	// EventToolReady: the model emitted a tool call whose permissions are satisfied.
	EventToolReady Event = "tool_ready"

	// EventApprovalRequired: the model emitted a tool call that needs a human decision.
	EventApprovalRequired Event = "approval_required"

	// EventFinal: the model replied without a tool call.
	EventFinal Event = "final"

	EventApproved   Event = "approved"
	EventRejected   Event = "rejected"
	EventToolResult Event = "tool_result"

	// EventTerminate: the executed tool call carried terminate.
	EventTerminate Event = "terminate"

	EventFailure Event = "failure"
	EventCancel  Event = "cancel"

	// EventReset recovers a failed or cancelled session.
	EventReset Event = "reset"
)

var transitions = map[State]map[Event]State{
	StateIdle: {
		EventInput: StateAwaitingModelResponse,
	},
	StateAwaitingModelResponse: {
		EventToolReady:        StateExecutingTool,
		EventApprovalRequired: StateAwaitingToolApproval,
		EventFinal:            StateIdle,
	},
	StateAwaitingToolApproval: {
		EventApproved: StateExecutingTool,
		EventRejected: StateAwaitingModelResponse,
	},
	StateExecutingTool: {
		EventToolResult: StateAwaitingModelResponse,
		EventTerminate:  StateIdle,
	},
	StateError: {
		EventReset: StateIdle,
	},
	StateCancelled: {
		EventReset: StateIdle,
	},
}

// StateDelta describes an applied transition.
type StateDelta struct {
	From  State `json:"from"`
	To    State `json:"to"`
	Event Event `json:"event"`
}

// next resolves the target state for ev, or reports the transition invalid.
// Failure and cancellation are accepted from every state.
func next(from State, ev Event) (State, error) {
	switch ev {
	case EventFailure:
		return StateError, nil
	case EventCancel:
		return StateCancelled, nil
	}
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, ev)
}

// CanTransition reports whether ev is accepted in state s
func CanTransition(s State, ev Event) bool {
	_, err := next(s, ev)
	return err == nil
}
