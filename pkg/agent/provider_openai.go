package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harun/bamboo/pkg/session"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider for OpenAI and OpenAI-compatible endpoints
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider. An empty baseURL uses the
// public API.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// ChatStream streams a chat completion
func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	params, err := buildOpenAIParams(req)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Kind: ProviderErrorInvalidRequest, Err: err}
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	out := make(chan StreamChunk, 16)

	go func() {
		defer close(out)
		defer stream.Close()

		var usage *TokenUsage
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				usage = &TokenUsage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta

			if delta.Content != "" {
				if !send(ctx, out, StreamChunk{Type: ChunkToken, Text: delta.Content}) {
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				frag := &ToolCallFragment{
					Index:          int(tc.Index),
					ID:             tc.ID,
					Name:           tc.Function.Name,
					ArgumentsDelta: tc.Function.Arguments,
				}
				if !send(ctx, out, StreamChunk{Type: ChunkToolCallFragment, ToolCall: frag}) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			send(ctx, out, StreamChunk{Err: p.wrapError(err)})
			return
		}
		send(ctx, out, StreamChunk{Type: ChunkDone, Usage: usage})
	}()

	return out, nil
}

func (p *OpenAIProvider) wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider:   p.Name(),
			Kind:       classifyStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Err:        err,
		}
	}
	return &ProviderError{Provider: p.Name(), Kind: ProviderErrorTransient, Err: err}
}

func buildOpenAIParams(req ChatRequest) (openai.ChatCompletionNewParams, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case session.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case session.RoleAssistant:
			if msg.ToolCall == nil {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			paramsJSON, err := json.Marshal(msg.ToolCall.Parameters)
			if err != nil {
				return openai.ChatCompletionNewParams{}, fmt.Errorf("failed to marshal tool parameters: %w", err)
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Content,
				ToolCalls: []openai.ChatCompletionMessageToolCall{{
					ID:   msg.ToolCall.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      msg.ToolCall.Name,
						Arguments: string(paramsJSON),
					},
				}},
			}
			messages = append(messages, assistantMsg.ToParam())
		case session.RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxOutputTokens))
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.Parameters),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}
