package agent

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/bamboo/pkg/session"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicProvider implements Provider for Anthropic Claude
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// ChatStream streams a message completion
func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	params := buildAnthropicParams(req)
	stream := p.client.Messages.NewStreaming(ctx, params)
	out := make(chan StreamChunk, 16)

	go func() {
		defer close(out)
		defer stream.Close()

		usage := &TokenUsage{}
		for stream.Next() {
			event := stream.Current()

			switch ev := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(ev.Message.Usage.InputTokens)

			case anthropic.ContentBlockStartEvent:
				if ev.ContentBlock.Type != "tool_use" {
					continue
				}
				frag := &ToolCallFragment{
					Index: int(ev.Index),
					ID:    ev.ContentBlock.ID,
					Name:  ev.ContentBlock.Name,
				}
				if !send(ctx, out, StreamChunk{Type: ChunkToolCallFragment, ToolCall: frag}) {
					return
				}

			case anthropic.ContentBlockDeltaEvent:
				switch ev.Delta.Type {
				case "text_delta":
					if ev.Delta.Text == "" {
						continue
					}
					if !send(ctx, out, StreamChunk{Type: ChunkToken, Text: ev.Delta.Text}) {
						return
					}
				case "input_json_delta":
					frag := &ToolCallFragment{Index: int(ev.Index), ArgumentsDelta: ev.Delta.PartialJSON}
					if !send(ctx, out, StreamChunk{Type: ChunkToolCallFragment, ToolCall: frag}) {
						return
					}
				}

			case anthropic.MessageDeltaEvent:
				usage.OutputTokens = int(ev.Usage.OutputTokens)
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

func (p *AnthropicProvider) wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *anthropic.Error
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

func buildAnthropicParams(req ChatRequest) anthropic.MessageNewParams {
	messages := []anthropic.MessageParam{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case session.RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case session.RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			if msg.ToolCall != nil {
				input := msg.ToolCall.Parameters
				if input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(msg.ToolCall.ID, input, msg.ToolCall.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case session.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	maxTokens := int64(req.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.Parameters["properties"],
				},
			}
			if required, ok := tool.Parameters["required"].([]string); ok {
				toolParam.InputSchema.Required = required
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params
}
