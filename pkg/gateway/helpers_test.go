package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/bamboo/pkg/agent"
	"github.com/harun/bamboo/pkg/runner"
	"github.com/harun/bamboo/pkg/session"
	"github.com/harun/bamboo/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeProvider answers with scripted chunk lists; a nil entry blocks until
// the request is cancelled. The last entry repeats.
type fakeProvider struct {
	mu      sync.Mutex
	replies [][]agent.StreamChunk
	calls   int
	started chan struct{}
}

func newFakeProvider(replies ...[]agent.StreamChunk) *fakeProvider {
	return &fakeProvider{replies: replies, started: make(chan struct{}, 64)}
}

func say(text string) []agent.StreamChunk {
	return []agent.StreamChunk{{Type: agent.ChunkToken, Text: text}, {Type: agent.ChunkDone}}
}

func callTool(id, name, args string) []agent.StreamChunk {
	return []agent.StreamChunk{
		{Type: agent.ChunkToolCallFragment, ToolCall: &agent.ToolCallFragment{ID: id, Name: name, ArgumentsDelta: args}},
		{Type: agent.ChunkDone},
	}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) ChatStream(ctx context.Context, req agent.ChatRequest) (<-chan agent.StreamChunk, error) {
	p.mu.Lock()
	idx := p.calls
	if idx >= len(p.replies) {
		idx = len(p.replies) - 1
	}
	chunks := p.replies[idx]
	p.calls++
	p.mu.Unlock()

	p.started <- struct{}{}
	out := make(chan agent.StreamChunk)
	go func() {
		defer close(out)
		if chunks == nil {
			<-ctx.Done()
			return
		}
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type testServer struct {
	*httptest.Server
	gw       *Server
	registry *runner.Registry
	manager  *session.Manager
	provider *fakeProvider
	deleted  *atomic.Int32
}

func newTestServer(t *testing.T, provider *fakeProvider, mutate ...func(*Config)) *testServer {
	t.Helper()

	ts := &testServer{provider: provider, deleted: &atomic.Int32{}}

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
			ts.deleted.Add(1)
			return "deleted", nil
		},
	}))

	store, err := session.NewJSONLStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	ts.manager = session.NewManager(store, zerolog.Nop())

	gate := toolexecutor.NewApprovalGate(zerolog.Nop())
	loop, err := agent.NewLoop(agent.Config{
		Provider: provider,
		Tools:    tools,
		Gate:     gate,
		Saver:    ts.manager,
		Logger:   zerolog.Nop(),
		Model:    "test-model",
	})
	require.NoError(t, err)

	ts.registry, err = runner.NewRegistry(runner.Config{
		Loop:     loop,
		Sessions: ts.manager,
		Gate:     gate,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	cfg := Config{
		Addr:         "127.0.0.1:0",
		Version:      "test",
		DefaultModel: "test-model",
		Runner:       ts.registry,
		Sessions:     ts.manager,
		Logger:       zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	ts.gw, err = NewServer(cfg)
	require.NoError(t, err)

	ts.Server = httptest.NewServer(ts.gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ts.registry.Shutdown(ctx)
		ts.Server.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) createSession(t *testing.T, id string) string {
	t.Helper()
	var resp SessionResponse
	status := ts.do(t, http.MethodPost, "/sessions", CreateSessionRequest{ID: id}, &resp)
	require.Equal(t, http.StatusCreated, status)
	return resp.ID
}

// events reads the SSE stream of a session until the server closes it.
func (ts *testServer) events(t *testing.T, sessionID string) []agent.Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events/"+sessionID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var events []agent.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev agent.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev))
		events = append(events, ev)
	}
	return events
}

func (ts *testServer) waitIdle(t *testing.T, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !ts.registry.Running(sessionID)
	}, 5*time.Second, 5*time.Millisecond)
}

func (ts *testServer) waitProvider(t *testing.T) {
	t.Helper()
	select {
	case <-ts.provider.started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider was never called")
	}
}
