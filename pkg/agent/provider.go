package agent

import (
	"context"
	"fmt"

	"github.com/harun/bamboo/pkg/session"
	"github.com/harun/bamboo/pkg/toolexecutor"
)

// Provider streams a model completion.
type Provider interface {
	// ChatStream starts a completion. The returned channel is closed after a
	// done chunk or a chunk carrying Err, or when ctx is cancelled.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)

	// Name returns the provider name
	Name() string
}

// ChatRequest is a provider-neutral completion request.
type ChatRequest struct {
	Model           string
	SystemPrompt    string
	Messages        []ChatMessage
	Tools           []ToolSpec
	MaxOutputTokens int
}

// ChatMessage is one conversation entry as sent to a provider.
type ChatMessage struct {
	Role       session.MessageRole
	Content    string
	ToolCall   *toolexecutor.ToolCall
	ToolCallID string
}

// ToolSpec describes a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ChunkType identifies a stream chunk.
type ChunkType string

const (
	ChunkToken            ChunkType = "token"
	ChunkToolCallFragment ChunkType = "tool_call_fragment"
	ChunkDone             ChunkType = "done"
)

// StreamChunk is one element of a provider stream.
type StreamChunk struct {
	Type     ChunkType
	Text     string
	ToolCall *ToolCallFragment
	Usage    *TokenUsage
	Err      error
}

// ToolCallFragment is a partial tool call. Fragments sharing an Index belong
// to the same call; ID and Name arrive at least once, ArgumentsDelta is
// concatenated in arrival order.
type ToolCallFragment struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Profile is one set of provider credentials.
type Profile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // "anthropic", "openai"
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
	Priority int    `json:"priority"`
}

// NewProvider creates a provider for profile
func NewProvider(profile Profile) (Provider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// send delivers chunk unless ctx is done first.
func send(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
