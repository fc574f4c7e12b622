package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/harun/bamboo/pkg/session"
	"github.com/harun/bamboo/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type step struct {
	chunks []StreamChunk
	err    error
	block  bool
}

func textStep(parts ...string) step {
	s := step{}
	for _, p := range parts {
		s.chunks = append(s.chunks, StreamChunk{Type: ChunkToken, Text: p})
	}
	s.chunks = append(s.chunks, StreamChunk{Type: ChunkDone, Usage: &TokenUsage{InputTokens: 10, OutputTokens: 5}})
	return s
}

func toolStep(text, id, name, args string) step {
	s := step{}
	if text != "" {
		s.chunks = append(s.chunks, StreamChunk{Type: ChunkToken, Text: text})
	}
	half := len(args) / 2
	s.chunks = append(s.chunks,
		StreamChunk{Type: ChunkToolCallFragment, ToolCall: &ToolCallFragment{Index: 0, ID: id, Name: name}},
		StreamChunk{Type: ChunkToolCallFragment, ToolCall: &ToolCallFragment{Index: 0, ArgumentsDelta: args[:half]}},
		StreamChunk{Type: ChunkToolCallFragment, ToolCall: &ToolCallFragment{Index: 0, ArgumentsDelta: args[half:]}},
		StreamChunk{Type: ChunkDone},
	)
	return s
}

func blockStep() step { return step{block: true} }

func errStep(err error) step { return step{err: err} }

// scriptedProvider replays steps in order, repeating the last one when the
// script runs out.
type scriptedProvider struct {
	name     string
	mu       sync.Mutex
	steps    []step
	requests []ChatRequest
}

func newScripted(steps ...step) *scriptedProvider {
	return &scriptedProvider{name: "scripted", steps: steps}
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	idx := len(p.requests) - 1
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	s := p.steps[idx]
	p.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		if s.block {
			<-ctx.Done()
			return
		}
		for _, c := range s.chunks {
			if !send(ctx, out, c) {
				return
			}
		}
	}()
	return out, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

func (s *recordingSink) ofType(t EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	loop     *Loop
	provider *scriptedProvider
	tools    *toolexecutor.ToolExecutor
	gate     *toolexecutor.ApprovalGate
	manager  *session.Manager
	sink     *recordingSink
	echoed   *atomic.Int32
	deleted  *atomic.Int32
}

func newFixture(t *testing.T, provider *scriptedProvider, mutate ...func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		provider: provider,
		tools:    toolexecutor.New(toolexecutor.Config{Logger: zerolog.Nop()}),
		gate:     toolexecutor.NewApprovalGate(zerolog.Nop()),
		sink:     &recordingSink{},
		echoed:   &atomic.Int32{},
		deleted:  &atomic.Int32{},
	}

	require.NoError(t, f.tools.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "echo",
		Description: "Echo text back",
		Permissions: []toolexecutor.Permission{toolexecutor.PermReadFile},
		Parameters: []toolexecutor.ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			f.echoed.Add(1)
			return params["text"], nil
		},
	}))
	require.NoError(t, f.tools.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "flaky",
		Description: "Always fails",
		Permissions: []toolexecutor.Permission{toolexecutor.PermReadFile},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("disk on fire")
		},
	}))
	require.NoError(t, f.tools.RegisterTool(toolexecutor.ToolDefinition{
		Name:             "delete_file",
		Description:      "Delete a file",
		Permissions:      []toolexecutor.Permission{toolexecutor.PermDeleteFile},
		RequiresApproval: true,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			f.deleted.Add(1)
			return "deleted " + params["path"].(string), nil
		},
	}))
	require.NoError(t, f.tools.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "write_note",
		Description: "Write a note",
		Permissions: []toolexecutor.Permission{toolexecutor.PermWriteFile},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "written", nil
		},
	}))

	store, err := session.NewJSONLStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	f.manager = session.NewManager(store, zerolog.Nop())

	cfg := Config{
		Provider: provider,
		Tools:    f.tools,
		Gate:     f.gate,
		Saver:    f.manager,
		Logger:   zerolog.Nop(),
		Model:    "test-model",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	f.loop, err = NewLoop(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) newSession(t *testing.T, role toolexecutor.Role) *session.Session {
	t.Helper()
	sess, err := f.manager.Create(context.Background(), session.Config{Role: role})
	require.NoError(t, err)
	return sess
}

func (f *fixture) run(sess *session.Session, input string) Outcome {
	return f.loop.Run(context.Background(), sess, input, WithSink(f.sink))
}
