package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/harun/bamboo/pkg/toolexecutor"
)

// TerminateArg is the reserved tool argument a model sets to end the turn
// after the call.
const TerminateArg = "terminate"

// Turn is one assembled model response.
type Turn struct {
	Text      string
	ToolCalls []ParsedCall
	Usage     *TokenUsage
}

// ParsedCall is a tool call assembled from fragments. ArgsErr is set when the
// arguments were not a JSON object.
type ParsedCall struct {
	Call    toolexecutor.ToolCall
	ArgsErr error
}

type callDraft struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

// collectStream reads in until a done chunk, an error or ctx cancellation,
// passing each token to onToken. On error the partial turn is returned too.
func collectStream(ctx context.Context, in <-chan StreamChunk, onToken func(string)) (Turn, error) {
	var text strings.Builder
	drafts := map[int]*callDraft{}
	var usage *TokenUsage

	finish := func() Turn {
		return Turn{Text: text.String(), ToolCalls: assembleCalls(drafts), Usage: usage}
	}

	for {
		select {
		case <-ctx.Done():
			return finish(), ctx.Err()

		case chunk, ok := <-in:
			if !ok {
				return finish(), nil
			}
			if chunk.Err != nil {
				return finish(), chunk.Err
			}

			switch chunk.Type {
			case ChunkToken:
				text.WriteString(chunk.Text)
				if onToken != nil {
					onToken(chunk.Text)
				}
			case ChunkToolCallFragment:
				if chunk.ToolCall == nil {
					continue
				}
				frag := chunk.ToolCall
				d, exists := drafts[frag.Index]
				if !exists {
					d = &callDraft{index: frag.Index}
					drafts[frag.Index] = d
				}
				if frag.ID != "" {
					d.id = frag.ID
				}
				if frag.Name != "" {
					d.name = frag.Name
				}
				d.args.WriteString(frag.ArgumentsDelta)
			case ChunkDone:
				usage = chunk.Usage
				return finish(), nil
			}
		}
	}
}

func assembleCalls(drafts map[int]*callDraft) []ParsedCall {
	if len(drafts) == 0 {
		return nil
	}
	ordered := make([]*callDraft, 0, len(drafts))
	for _, d := range drafts {
		ordered = append(ordered, d)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })

	calls := make([]ParsedCall, 0, len(ordered))
	for _, d := range ordered {
		if d.name == "" {
			continue
		}
		id := d.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		params, err := parseArguments(d.args.String())
		call := toolexecutor.ToolCall{ID: id, Name: d.name, Parameters: params}
		call.Terminate = extractTerminate(call.Parameters)
		calls = append(calls, ParsedCall{Call: call, ArgsErr: err})
	}
	return calls
}

func parseArguments(raw string) (map[string]interface{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return map[string]interface{}{}, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return params, nil
}

// extractTerminate removes the reserved terminate argument from params.
func extractTerminate(params map[string]interface{}) bool {
	raw, ok := params[TerminateArg]
	if !ok {
		return false
	}
	delete(params, TerminateArg)
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

// withTerminateArg returns a copy of schema that also accepts the reserved
// terminate argument.
func withTerminateArg(schema map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		out[k] = v
	}
	props := map[string]interface{}{}
	if existing, ok := schema["properties"].(map[string]interface{}); ok {
		for k, v := range existing {
			props[k] = v
		}
	}
	props[TerminateArg] = map[string]interface{}{
		"type":        "boolean",
		"description": "Set true when this call completes the task and no further steps are needed",
	}
	out["properties"] = props
	return out
}
