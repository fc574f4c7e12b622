package gateway

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/bamboo/pkg/agent"
	"github.com/harun/bamboo/pkg/runner"
	"github.com/harun/bamboo/pkg/session"
	"github.com/harun/bamboo/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)

	_, err = NewServer(Config{Addr: ":0", Logger: zerolog.Nop()})
	assert.ErrorContains(t, err, "runner")
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, newFakeProvider(say("x")))

	var body map[string]interface{}
	status := ts.do(t, http.MethodGet, "/health", nil, &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestSessions_CreateGetList(t *testing.T) {
	ts := newTestServer(t, newFakeProvider(say("x")))

	var created SessionResponse
	status := ts.do(t, http.MethodPost, "/sessions", CreateSessionRequest{ID: "s1", Role: "planner"}, &created)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "s1", created.ID)
	assert.Equal(t, toolexecutor.RolePlanner, created.Role)
	assert.Equal(t, "test-model", created.Model)
	assert.Equal(t, session.StateIdle, created.State)

	var errResp ErrorResponse
	status = ts.do(t, http.MethodPost, "/sessions", CreateSessionRequest{ID: "s1"}, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "SESSION_EXISTS", errResp.Code)

	status = ts.do(t, http.MethodPost, "/sessions", map[string]string{"role": "wizard"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status = ts.do(t, http.MethodPost, "/sessions", CreateSessionRequest{ID: "../etc"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var anon SessionResponse
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/sessions", nil, &anon))
	assert.NotEmpty(t, anon.ID)
	assert.Equal(t, toolexecutor.RoleActor, anon.Role)

	var got SessionResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/sessions/s1", nil, &got))
	assert.Equal(t, "s1", got.ID)
	assert.False(t, got.Running)
	assert.Equal(t, session.DefaultBranch, got.Branch)

	var list struct {
		Sessions []session.Info `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/sessions", nil, &list))
	assert.Len(t, list.Sessions, 2)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/sessions/nope", nil, nil))
}

func TestExecute_RunsAndStreams(t *testing.T) {
	ts := newTestServer(t, newFakeProvider(say("Hello from the model")))
	id := ts.createSession(t, "chat")

	var resp ExecuteResponse
	status := ts.do(t, http.MethodPost, "/execute/"+id, ExecuteRequest{Message: "hi"}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, runner.Started, resp.Status)

	events := ts.events(t, id)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, agent.EventDone, last.Type)
	assert.Equal(t, runner.StatusCompleted, last.Status)
	assert.Equal(t, "Hello from the model", last.Text)

	ts.waitIdle(t, id)
	var msgs struct {
		Messages []MessageResponse `json:"messages"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/sessions/"+id+"/messages", nil, &msgs))
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, session.RoleUser, msgs.Messages[0].Role)
	assert.Equal(t, "Hello from the model", msgs.Messages[1].Content)
}

func TestExecute_Statuses(t *testing.T) {
	ts := newTestServer(t, newFakeProvider(nil))
	id := ts.createSession(t, "s")

	var resp ExecuteResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/execute/"+id, nil, &resp))
	assert.Equal(t, runner.Completed, resp.Status, "nothing to run")

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/execute/"+id, ExecuteRequest{Message: "go"}, &resp))
	assert.Equal(t, runner.Started, resp.Status)
	ts.waitProvider(t)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/execute/"+id, ExecuteRequest{Message: "again"}, &resp))
	assert.Equal(t, runner.AlreadyRunning, resp.Status)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/execute/missing", nil, nil))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/execute/"+id, "{not json", nil))
}

func TestStop_CancelsRun(t *testing.T) {
	ts := newTestServer(t, newFakeProvider(nil))
	id := ts.createSession(t, "s")

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/execute/"+id, ExecuteRequest{Message: "long"}, nil))
	ts.waitProvider(t)

	done := make(chan []agent.Event, 1)
	go func() { done <- ts.events(t, id) }()

	// Give the subscriber a moment to attach; a late one still sees the terminal event.
	time.Sleep(20 * time.Millisecond)

	var stop StopResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/stop/"+id, nil, &stop))
	assert.True(t, stop.Success)

	select {
	case events := <-done:
		require.NotEmpty(t, events)
		assert.Equal(t, agent.EventCancelled, events[len(events)-1].Type)
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not end")
	}

	ts.waitIdle(t, id)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/stop/"+id, nil, &stop))
	assert.False(t, stop.Success)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/stop/missing", nil, nil))
}

func TestApprove_RejectThenResume(t *testing.T) {
	ts := newTestServer(t, newFakeProvider(
		callTool("c1", "delete_file", `{"path":"/tmp/foo.txt","terminate":true}`),
		say("Okay, leaving /tmp/foo.txt in place."),
	))
	id := ts.createSession(t, "s")

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/execute/"+id, ExecuteRequest{Message: "delete /tmp/foo.txt"}, nil))
	events := ts.events(t, id)
	last := events[len(events)-1]
	require.Equal(t, runner.StatusAwaitingApproval, last.Status)
	requestID := last.RequestID
	require.NotEmpty(t, requestID)
	ts.waitIdle(t, id)

	var pending toolexecutor.ApprovalRequest
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/sessions/"+id+"/approval", nil, &pending))
	assert.Equal(t, requestID, pending.ID)
	assert.Equal(t, "delete_file", pending.ToolName)

	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/sessions/"+id+"/messages", AppendMessageRequest{Content: "hello?"}, nil))

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/approve/"+requestID, map[string]string{"reason": "missing flag"}, nil))

	var decided ApproveResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/approve/"+requestID,
		map[string]interface{}{"approved": false, "reason": "not yet"}, &decided))
	assert.Equal(t, id, decided.SessionID)
	assert.False(t, decided.Approved)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/approve/"+requestID,
		map[string]interface{}{"approved": true}, nil))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/sessions/"+id+"/approval", nil, nil))

	var resp ExecuteResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/execute/"+id, nil, &resp))
	require.Equal(t, runner.Started, resp.Status)
	events = ts.events(t, id)
	assert.Contains(t, events[len(events)-1].Text, "leaving /tmp/foo.txt")
	assert.Equal(t, int32(0), ts.deleted.Load())
}

func TestRespond_ApprovalAndQuestion(t *testing.T) {
	ts := newTestServer(t, newFakeProvider(
		callTool("c1", "delete_file", `{"path":"/tmp/a"}`),
		say(`{"type":"question","question":"Delete the backup too?","options":["yes","no"]}`),
	))
	id := ts.createSession(t, "s")

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/execute/"+id, ExecuteRequest{Message: "clean up"}, nil))
	ts.events(t, id)
	ts.waitIdle(t, id)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/respond/"+id, map[string]string{}, nil))

	var decided ApproveResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/respond/"+id, map[string]interface{}{"approved": true}, &decided))
	assert.True(t, decided.Approved)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/execute/"+id, nil, nil))
	events := ts.events(t, id)
	var questions int
	for _, ev := range events {
		if ev.Type == agent.EventQuestion {
			questions++
		}
	}
	assert.LessOrEqual(t, questions, 1)
	ts.waitIdle(t, id)
	assert.Equal(t, int32(1), ts.deleted.Load())

	var info SessionResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/sessions/"+id, nil, &info))
	require.NotNil(t, info.PendingQuestion)
	assert.Equal(t, []string{"yes", "no"}, info.PendingQuestion.Options)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/respond/"+id, RespondRequest{Response: "maybe"}, &errResp))
	assert.Equal(t, "INVALID_ANSWER", errResp.Code)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/respond/"+id, RespondRequest{Response: "no"}, nil))
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/respond/"+id, RespondRequest{Response: "no"}, nil))
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/respond/"+id, map[string]interface{}{"approved": false}, nil))
}

func TestAppendMessage(t *testing.T) {
	ts := newTestServer(t, newFakeProvider(say("noted")))
	id := ts.createSession(t, "s")

	var msg MessageResponse
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/sessions/"+id+"/messages", AppendMessageRequest{Content: "queued input"}, &msg))
	assert.Equal(t, session.RoleUser, msg.Role)
	assert.Equal(t, uint64(1), msg.Seq)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/sessions/"+id+"/messages", map[string]string{}, nil))

	var resp ExecuteResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/execute/"+id, nil, &resp))
	assert.Equal(t, runner.Started, resp.Status, "pending input is work")
}

func TestEvents_UnknownAndIdleSessions(t *testing.T) {
	ts := newTestServer(t, newFakeProvider(say("x")))
	id := ts.createSession(t, "idle")

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/events/missing", nil, nil))

	events := ts.events(t, id)
	require.Len(t, events, 1)
	assert.Equal(t, agent.EventDone, events[0].Type)
	assert.Equal(t, string(session.StateIdle), events[0].Status)
}

func TestWebSocket_StreamsUntilTerminal(t *testing.T) {
	ts := newTestServer(t, newFakeProvider(say("over the wire")))
	id := ts.createSession(t, "ws")

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/execute/"+id, ExecuteRequest{Message: "hi"}, nil))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var last agent.Event
	for {
		var ev agent.Event
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		last = ev
	}
	assert.Equal(t, agent.EventDone, last.Type)
	assert.Equal(t, "over the wire", last.Text)
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, newFakeProvider(say("x")), func(c *Config) {
		c.SharedSecret = "s3cret"
	})

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil, nil), "health is open")
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/sessions", nil, nil))

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, ts.URL+"/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/sessions?token=s3cret", nil, nil))
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, newFakeProvider(say("x")), func(c *Config) {
		c.RequestsPerMinute = 2
	})

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/sessions", nil, nil))
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/sessions", nil, nil))

	var errResp ErrorResponse
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodGet, "/sessions", nil, &errResp))
	assert.Equal(t, "RATE_LIMITED", errResp.Code)
}

func TestClientRateLimiter(t *testing.T) {
	l := NewClientRateLimiter(100, 1)

	release, reason := l.Acquire()
	require.NotNil(t, release)
	assert.Empty(t, reason)

	_, reason = l.Acquire()
	assert.Equal(t, "too many concurrent requests", reason)

	release()
	release()
	assert.Equal(t, 0, l.Stats())

	limiters := NewRateLimiters(10, 1)
	assert.Same(t, limiters.For("a"), limiters.For("a"))
	assert.Equal(t, 0, limiters.Sweep(time.Hour))
	assert.Equal(t, 1, limiters.Sweep(-time.Second))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrSessionNotFound, http.StatusNotFound},
		{toolexecutor.ErrApprovalNotFound, http.StatusNotFound},
		{toolexecutor.ErrDuplicateApprovalRequest, http.StatusConflict},
		{session.ErrInvalidTransition, http.StatusConflict},
		{agent.ErrSessionBusy, http.StatusConflict},
		{runner.ErrInvalidAnswer, http.StatusBadRequest},
		{runner.ErrShuttingDown, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := statusFor(tt.err)
		assert.Equal(t, tt.want, got, "%v", tt.err)
	}
}

func TestServer_StartAndShutdown(t *testing.T) {
	ts := newTestServer(t, newFakeProvider(say("x")))

	require.NoError(t, ts.gw.Start())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.gw.Shutdown(ctx))

	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/health", nil, nil))
}
