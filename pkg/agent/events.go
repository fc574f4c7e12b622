package agent

import "time"

// EventType identifies an event published to session subscribers.
type EventType string

const (
	EventToken            EventType = "token"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventApprovalRequired EventType = "approval_required"
	EventQuestion         EventType = "question"
	EventError            EventType = "error"
	EventDone             EventType = "done"
	EventCancelled        EventType = "cancelled"
)

// Terminal reports whether t ends a run's event stream
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError || t == EventCancelled
}

// Event is one observable step of a run.
type Event struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	Seq       uint64      `json:"seq"`
	Text      string      `json:"text,omitempty"`
	Tool      string      `json:"tool,omitempty"`
	CallID    string      `json:"call_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Error     string      `json:"error,omitempty"`
	Status    string      `json:"status,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Sink receives the events of a run. Publish must not block.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish calls f(ev)
func (f SinkFunc) Publish(ev Event) { f(ev) }

type discardSink struct{}

func (discardSink) Publish(Event) {}
