package toolexecutor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/bamboo/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// DefaultRejectionMessage is fed back to the model when a rejection carries no reason.
const DefaultRejectionMessage = "The user rejected this tool call."

// ApprovalStatus is the lifecycle state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ToolMeta is the display information shown to the human deciding.
type ToolMeta struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ApprovalRequest is a tool call waiting for a human decision.
type ApprovalRequest struct {
	ID              string         `json:"request_id"`
	SessionID       string         `json:"session_id"`
	ToolCall        ToolCall       `json:"tool_call"`
	ToolName        string         `json:"tool_name"`
	ToolDescription string         `json:"tool_description"`
	CreatedAt       time.Time      `json:"created_at"`
	Status          ApprovalStatus `json:"status"`
}

// Decision is the outcome of a resolved ApprovalRequest.
type Decision struct {
	RequestID string
	SessionID string
	ToolCall  ToolCall
	Approved  bool
	Reason    string
}

// Feedback is the tool-result text reporting a rejection to the model. The
// reason, when given, appears verbatim.
func (d Decision) Feedback() string {
	if d.Approved {
		return ""
	}
	if d.Reason == "" {
		return DefaultRejectionMessage
	}
	return fmt.Sprintf("The user rejected the %s tool call: %s", d.ToolCall.Name, d.Reason)
}

// ApprovalGate tracks at most one pending approval request per session.
// Resolved requests are forgotten.
type ApprovalGate struct {
	mu        sync.Mutex
	requests  map[string]*ApprovalRequest
	bySession map[string]string
	logger    zerolog.Logger
	now       func() time.Time
}

// NewApprovalGate creates an empty gate
func NewApprovalGate(logger zerolog.Logger) *ApprovalGate {
	return &ApprovalGate{
		requests:  make(map[string]*ApprovalRequest),
		bySession: make(map[string]string),
		logger:    logger.With().Str("component", "approval_gate").Logger(),
		now:       time.Now,
	}
}

// Request registers a pending approval for call and returns its id.
func (g *ApprovalGate) Request(sessionID string, call ToolCall, meta ToolMeta) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate request id: %w", err)
	}
	if err := g.insert(&ApprovalRequest{
		ID:              id,
		SessionID:       sessionID,
		ToolCall:        call,
		ToolName:        meta.Name,
		ToolDescription: meta.Description,
		CreatedAt:       g.now(),
		Status:          ApprovalPending,
	}); err != nil {
		return "", err
	}
	return id, nil
}

// Restore re-registers a pending request under its existing id, for
// sessions reloaded from storage after a restart.
func (g *ApprovalGate) Restore(req ApprovalRequest) error {
	if req.ID == "" {
		return fmt.Errorf("request id is required")
	}
	req.Status = ApprovalPending
	if req.CreatedAt.IsZero() {
		req.CreatedAt = g.now()
	}
	return g.insert(&req)
}

func (g *ApprovalGate) insert(req *ApprovalRequest) error {
	g.mu.Lock()
	if existing, ok := g.bySession[req.SessionID]; ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: session %s has request %s", ErrDuplicateApprovalRequest, req.SessionID, existing)
	}
	g.requests[req.ID] = req
	g.bySession[req.SessionID] = req.ID
	pending := len(g.requests)
	g.mu.Unlock()

	observability.SetApprovalsPending(pending)
	g.logger.Info().
		Str("request_id", req.ID).
		Str("session_id", req.SessionID).
		Str("tool", req.ToolCall.Name).
		Msg("Approval requested")

	return nil
}

// Decide resolves a pending request. Unknown or already resolved ids
// return ErrApprovalNotFound.
func (g *ApprovalGate) Decide(requestID string, approved bool, reason string) (Decision, error) {
	g.mu.Lock()
	req, ok := g.requests[requestID]
	if !ok {
		g.mu.Unlock()
		return Decision{}, fmt.Errorf("%w: %s", ErrApprovalNotFound, requestID)
	}
	delete(g.requests, requestID)
	delete(g.bySession, req.SessionID)
	pending := len(g.requests)
	g.mu.Unlock()

	decision := Decision{
		RequestID: req.ID,
		SessionID: req.SessionID,
		ToolCall:  req.ToolCall,
		Approved:  approved,
		Reason:    reason,
	}

	result := string(ApprovalRejected)
	if approved {
		result = string(ApprovalApproved)
	}
	observability.SetApprovalsPending(pending)
	observability.RecordApprovalDecision(result)

	g.logger.Info().
		Str("request_id", requestID).
		Str("session_id", req.SessionID).
		Str("tool", req.ToolCall.Name).
		Bool("approved", approved).
		Str("reason", reason).
		Msg("Approval decided")

	return decision, nil
}

// Get returns the pending request with the given id
func (g *ApprovalGate) Get(requestID string) (ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[requestID]
	if !ok {
		return ApprovalRequest{}, false
	}
	return *req, true
}

// Pending returns the session's pending request, if any
func (g *ApprovalGate) Pending(sessionID string) (ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, ok := g.bySession[sessionID]
	if !ok {
		return ApprovalRequest{}, false
	}
	return *g.requests[id], true
}

// List returns all pending requests, oldest first
func (g *ApprovalGate) List() []ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]ApprovalRequest, 0, len(g.requests))
	for _, req := range g.requests {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Discard drops the session's pending request without a decision.
func (g *ApprovalGate) Discard(sessionID string) bool {
	g.mu.Lock()
	id, ok := g.bySession[sessionID]
	if ok {
		delete(g.requests, id)
		delete(g.bySession, sessionID)
	}
	pending := len(g.requests)
	g.mu.Unlock()

	if ok {
		observability.SetApprovalsPending(pending)
	}
	return ok
}

// ExpireOlderThan removes pending requests created more than maxAge ago and
// returns them.
func (g *ApprovalGate) ExpireOlderThan(maxAge time.Duration) []ApprovalRequest {
	cutoff := g.now().Add(-maxAge)

	g.mu.Lock()
	var expired []ApprovalRequest
	for id, req := range g.requests {
		if req.CreatedAt.Before(cutoff) {
			expired = append(expired, *req)
			delete(g.requests, id)
			delete(g.bySession, req.SessionID)
		}
	}
	pending := len(g.requests)
	g.mu.Unlock()

	if len(expired) > 0 {
		observability.SetApprovalsPending(pending)
		for range expired {
			observability.RecordApprovalDecision("expired")
		}
		g.logger.Info().Int("count", len(expired)).Msg("Expired stale approval requests")
	}
	return expired
}
