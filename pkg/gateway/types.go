package gateway

import (
	"time"

	"github.com/harun/bamboo/pkg/runner"
	"github.com/harun/bamboo/pkg/session"
	"github.com/harun/bamboo/pkg/toolexecutor"
)

// ExecuteRequest is the optional body of POST /execute/:session_id.
type ExecuteRequest struct {
	Message string `json:"message"`
}

// ExecuteResponse reports what the registry did.
type ExecuteResponse struct {
	SessionID string             `json:"session_id"`
	Status    runner.StartResult `json:"status"`
}

// StopResponse reports whether a running loop was cancelled.
type StopResponse struct {
	Success bool `json:"success"`
}

// ApproveRequest is the body of POST /approve/:request_id.
type ApproveRequest struct {
	Approved *bool  `json:"approved" binding:"required"`
	Reason   string `json:"reason" binding:"max=4096"`
}

// ApproveResponse echoes the resolved decision.
type ApproveResponse struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Approved  bool   `json:"approved"`
}

// RespondRequest answers a pending question, or resolves the session's
// pending approval when Approved is set.
type RespondRequest struct {
	Response string `json:"response" binding:"required_without=Approved"`
	Approved *bool  `json:"approved"`
	Reason   string `json:"reason" binding:"max=4096"`
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	ID    string `json:"id" binding:"omitempty,max=128"`
	Model string `json:"model" binding:"omitempty,max=256"`
	Role  string `json:"role" binding:"omitempty,oneof=planner actor"`
}

// AppendMessageRequest is the body of POST /sessions/:session_id/messages.
type AppendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// SessionResponse describes a session.
type SessionResponse struct {
	ID              string                        `json:"id"`
	State           session.State                 `json:"state"`
	Model           string                        `json:"model,omitempty"`
	Role            toolexecutor.Role             `json:"role,omitempty"`
	Branch          string                        `json:"branch"`
	Branches        []string                      `json:"branches"`
	MessageCount    int                           `json:"message_count"`
	Running         bool                          `json:"running"`
	PendingApproval *toolexecutor.ApprovalRequest `json:"pending_approval,omitempty"`
	PendingQuestion *session.Question             `json:"pending_question,omitempty"`
	CreatedAt       time.Time                     `json:"created_at"`
	UpdatedAt       time.Time                     `json:"updated_at"`
}

// MessageResponse is one message of a session's active branch.
type MessageResponse struct {
	ID         string                 `json:"id"`
	Seq        uint64                 `json:"seq"`
	Role       session.MessageRole    `json:"role"`
	Content    string                 `json:"content"`
	ToolCall   *toolexecutor.ToolCall `json:"tool_call,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func newSessionResponse(sess *session.Session, running bool) SessionResponse {
	cfg := sess.Config()
	resp := SessionResponse{
		ID:           sess.ID(),
		State:        sess.State(),
		Model:        cfg.Model,
		Role:         cfg.Role,
		Branch:       sess.ActiveBranch(),
		Branches:     sess.Branches(),
		MessageCount: sess.MessageCount(),
		Running:      running,
		CreatedAt:    sess.CreatedAt(),
		UpdatedAt:    sess.UpdatedAt(),
	}
	if req, ok := sess.PendingApproval(); ok {
		resp.PendingApproval = &req
	}
	if q, ok := sess.PendingQuestion(); ok {
		resp.PendingQuestion = &q
	}
	return resp
}

func newMessageResponse(msg session.Message) MessageResponse {
	return MessageResponse{
		ID:         msg.ID,
		Seq:        msg.Seq,
		Role:       msg.Role,
		Content:    msg.Text(),
		ToolCall:   msg.ToolCall,
		ToolCallID: msg.ToolCallID,
		CreatedAt:  msg.CreatedAt,
	}
}
