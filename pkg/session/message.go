package session

import (
	"strings"
	"time"

	"github.com/harun/bamboo/pkg/toolexecutor"
)

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// PartText is the only content part type the loop produces.
const PartText = "text"

// ContentPart is one piece of a message's content.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message is a node in the session's message pool.
type Message struct {
	ID       string                 `json:"id"`
	Role     MessageRole            `json:"role"`
	Parts    []ContentPart          `json:"parts"`
	ToolCall *toolexecutor.ToolCall `json:"tool_call,omitempty"`

	// ToolCallID links a tool-result message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	Seq       uint64    `json:"seq"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Text concatenates the message's text parts
func (m Message) Text() string {
	if len(m.Parts) == 1 {
		return m.Parts[0].Text
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (m Message) clone() Message {
	out := m
	out.Parts = append([]ContentPart(nil), m.Parts...)
	if m.ToolCall != nil {
		call := *m.ToolCall
		call.Parameters = cloneParams(m.ToolCall.Parameters)
		out.ToolCall = &call
	}
	return out
}

func cloneParams(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MessageOption customizes a message being appended.
type MessageOption func(*Message)

// WithToolCall attaches a model-emitted tool call to an assistant message.
func WithToolCall(call toolexecutor.ToolCall) MessageOption {
	return func(m *Message) {
		call.Parameters = cloneParams(call.Parameters)
		m.ToolCall = &call
	}
}

// WithToolCallID marks a tool-result message as the answer to callID.
func WithToolCallID(callID string) MessageOption {
	return func(m *Message) {
		m.ToolCallID = callID
	}
}

// Branch is one linear path through the message pool.
type Branch struct {
	Name       string   `json:"name"`
	MessageIDs []string `json:"message_ids"`
}

// Question is a clarification the assistant asked and the user has not
// answered yet.
type Question struct {
	Question    string    `json:"question"`
	Options     []string  `json:"options,omitempty"`
	AllowCustom bool      `json:"allow_custom"`
	AskedAt     time.Time `json:"asked_at"`
}

// Accepts reports whether answer is a valid response to q.
func (q Question) Accepts(answer string) bool {
	if strings.TrimSpace(answer) == "" {
		return false
	}
	if q.AllowCustom || len(q.Options) == 0 {
		return true
	}
	for _, opt := range q.Options {
		if opt == answer {
			return true
		}
	}
	return false
}
