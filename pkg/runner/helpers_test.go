package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/bamboo/pkg/agent"
	"github.com/harun/bamboo/pkg/session"
	"github.com/harun/bamboo/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// reply is one scripted model response. A nil reply blocks until cancelled.
type reply []agent.StreamChunk

func say(text string) reply {
	return reply{
		{Type: agent.ChunkToken, Text: text},
		{Type: agent.ChunkDone},
	}
}

func callTool(id, name, args string) reply {
	return reply{
		{Type: agent.ChunkToolCallFragment, ToolCall: &agent.ToolCallFragment{ID: id, Name: name, ArgumentsDelta: args}},
		{Type: agent.ChunkDone},
	}
}

type fakeProvider struct {
	mu       sync.Mutex
	replies  []reply
	requests []agent.ChatRequest
	started  chan struct{}
}

func newFakeProvider(replies ...reply) *fakeProvider {
	return &fakeProvider{replies: replies, started: make(chan struct{}, 64)}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) ChatStream(ctx context.Context, req agent.ChatRequest) (<-chan agent.StreamChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	idx := len(p.requests) - 1
	if idx >= len(p.replies) {
		idx = len(p.replies) - 1
	}
	r := p.replies[idx]
	p.mu.Unlock()

	p.started <- struct{}{}
	out := make(chan agent.StreamChunk)
	go func() {
		defer close(out)
		if r == nil {
			<-ctx.Done()
			return
		}
		for _, c := range r {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakeProvider) lastRequest() agent.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

type env struct {
	registry *Registry
	provider *fakeProvider
	manager  *session.Manager
	gate     *toolexecutor.ApprovalGate
	deleted  *atomic.Int32
}

func newEnv(t *testing.T, provider *fakeProvider) *env {
	t.Helper()

	e := &env{
		provider: provider,
		gate:     toolexecutor.NewApprovalGate(zerolog.Nop()),
		deleted:  &atomic.Int32{},
	}

	tools := toolexecutor.New(toolexecutor.Config{Logger: zerolog.Nop()})
	require.NoError(t, tools.RegisterTool(toolexecutor.ToolDefinition{
		Name:             "delete_file",
		Description:      "Delete a file",
		Permissions:      []toolexecutor.Permission{toolexecutor.PermDeleteFile},
		RequiresApproval: true,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "File path", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			e.deleted.Add(1)
			return "deleted", nil
		},
	}))

	store, err := session.NewJSONLStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	e.manager = session.NewManager(store, zerolog.Nop())

	loop, err := agent.NewLoop(agent.Config{
		Provider: provider,
		Tools:    tools,
		Gate:     e.gate,
		Saver:    e.manager,
		Logger:   zerolog.Nop(),
		Model:    "test-model",
	})
	require.NoError(t, err)

	e.registry, err = NewRegistry(Config{
		Loop:     loop,
		Sessions: e.manager,
		Gate:     e.gate,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.registry.Shutdown(ctx)
	})
	return e
}

func (e *env) newSession(t *testing.T) string {
	t.Helper()
	sess, err := e.manager.Create(context.Background(), session.Config{Role: toolexecutor.RoleActor})
	require.NoError(t, err)
	return sess.ID()
}

// collect reads sub until its channel closes.
func collect(t *testing.T, sub *Subscription) []agent.Event {
	t.Helper()
	var events []agent.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("subscription did not close; got %d events", len(events))
			return events
		}
	}
}

func waitStarted(t *testing.T, p *fakeProvider) {
	t.Helper()
	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider was never called")
	}
}

func waitDone(t *testing.T, r *Registry, sessionID string) *Handle {
	t.Helper()
	h, ok := r.Handle(sessionID)
	require.True(t, ok)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	return h
}
