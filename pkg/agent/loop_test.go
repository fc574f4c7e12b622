package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harun/bamboo/pkg/session"
	"github.com/harun/bamboo/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roles(msgs []session.Message) []session.MessageRole {
	out := make([]session.MessageRole, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Role)
	}
	return out
}

func TestNewLoop_RequiresDependencies(t *testing.T) {
	_, err := NewLoop(Config{})
	assert.Error(t, err)

	_, err = NewLoop(Config{Provider: newScripted(textStep("x"))})
	assert.Error(t, err)
}

func TestLoop_PlainReply(t *testing.T) {
	f := newFixture(t, newScripted(textStep("Hel", "lo")))
	sess := f.newSession(t, toolexecutor.RoleActor)

	out := f.run(sess, "hi")

	assert.Equal(t, OutcomeFinalText, out.Kind)
	assert.Equal(t, "Hello", out.Text)
	require.NotNil(t, out.Reply)
	assert.Equal(t, ReplyPlain, out.Reply.Kind)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, session.StateIdle, sess.State())
	assert.Equal(t, []session.MessageRole{session.RoleUser, session.RoleAssistant}, roles(sess.Messages()))
	assert.Equal(t, []EventType{EventToken, EventToken}, f.sink.types())
	assert.False(t, sess.Dirty(), "run checkpoints the session")

	req := f.provider.request(0)
	assert.Equal(t, "test-model", req.Model)
	assert.Contains(t, req.SystemPrompt, "ROLE: ACTOR")
}

func TestLoop_ToolThenFinal(t *testing.T) {
	f := newFixture(t, newScripted(
		toolStep("Let me check. ", "c1", "echo", `{"text":"pong"}`),
		textStep("The tool said pong"),
	))
	sess := f.newSession(t, toolexecutor.RoleActor)

	out := f.run(sess, "ping")

	require.Equal(t, OutcomeFinalText, out.Kind, "reason: %v", out.Reason)
	assert.Equal(t, "The tool said pong", out.Text)
	assert.Equal(t, int32(1), f.echoed.Load())
	assert.Equal(t, 2, f.provider.calls())

	msgs := sess.Messages()
	require.Equal(t, []session.MessageRole{
		session.RoleUser, session.RoleAssistant, session.RoleTool, session.RoleAssistant,
	}, roles(msgs))
	require.NotNil(t, msgs[1].ToolCall)
	assert.Equal(t, "c1", msgs[1].ToolCall.ID)
	assert.Equal(t, "Let me check. ", msgs[1].Text())
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, "pong", msgs[2].Text())

	second := f.provider.request(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, session.RoleTool, last.Role)
	assert.Equal(t, "pong", last.Content)

	assert.Len(t, f.sink.ofType(EventToolCall), 1)
	results := f.sink.ofType(EventToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, "pong", results[0].Text)
}

func TestLoop_CatalogueFollowsRole(t *testing.T) {
	f := newFixture(t, newScripted(textStep("ok")))
	sess := f.newSession(t, toolexecutor.RolePlanner)

	f.run(sess, "plan something")

	req := f.provider.request(0)
	names := make([]string, 0, len(req.Tools))
	for _, tool := range req.Tools {
		names = append(names, tool.Name)
		props := tool.Parameters["properties"].(map[string]interface{})
		assert.Contains(t, props, TerminateArg)
	}
	assert.Equal(t, []string{"echo", "flaky"}, names)
	assert.Contains(t, req.SystemPrompt, "ROLE: PLANNER")
}

func TestLoop_PlannerNeedsApprovalForWrites(t *testing.T) {
	f := newFixture(t, newScripted(toolStep("", "c1", "write_note", `{}`)))
	sess := f.newSession(t, toolexecutor.RolePlanner)

	out := f.run(sess, "write it")

	assert.Equal(t, OutcomeAwaitingApproval, out.Kind)
	assert.Equal(t, session.StateAwaitingToolApproval, sess.State())
}

func TestLoop_TerminateStopsAfterTool(t *testing.T) {
	f := newFixture(t, newScripted(
		toolStep("All done, echoing once.", "c1", "echo", `{"text":"bye","terminate":true}`),
		textStep("should not be called"),
	))
	sess := f.newSession(t, toolexecutor.RoleActor)

	out := f.run(sess, "finish up")

	require.Equal(t, OutcomeFinalText, out.Kind, "reason: %v", out.Reason)
	assert.Equal(t, "All done, echoing once.", out.Text)
	assert.Equal(t, 1, f.provider.calls())
	assert.Equal(t, int32(1), f.echoed.Load())
	assert.Equal(t, session.StateIdle, sess.State())

	call := sess.Messages()[1].ToolCall
	require.NotNil(t, call)
	assert.True(t, call.Terminate)
	assert.NotContains(t, call.Parameters, TerminateArg)
}

func TestLoop_TerminateFallsBackToToolOutput(t *testing.T) {
	f := newFixture(t, newScripted(toolStep("", "c1", "echo", `{"text":"result","terminate":true}`)))
	sess := f.newSession(t, toolexecutor.RoleActor)

	out := f.run(sess, "go")
	assert.Equal(t, "result", out.Text)
}

func TestLoop_ApprovalAndResume(t *testing.T) {
	f := newFixture(t, newScripted(
		toolStep("Deleting.", "c1", "delete_file", `{"path":"/tmp/foo.txt"}`),
		textStep("Deleted it."),
	))
	sess := f.newSession(t, toolexecutor.RoleActor)
	ctx := context.Background()

	out := f.run(sess, "delete /tmp/foo.txt")

	require.Equal(t, OutcomeAwaitingApproval, out.Kind, "reason: %v", out.Reason)
	assert.Equal(t, session.StateAwaitingToolApproval, sess.State())
	assert.Equal(t, int32(0), f.deleted.Load())

	pending, ok := f.gate.Pending(sess.ID())
	require.True(t, ok)
	assert.Equal(t, out.RequestID, pending.ID)
	stored, ok := sess.PendingApproval()
	require.True(t, ok)
	assert.Equal(t, out.RequestID, stored.ID)

	approvals := f.sink.ofType(EventApprovalRequired)
	require.Len(t, approvals, 1)
	assert.Equal(t, out.RequestID, approvals[0].RequestID)

	requestID := out.RequestID
	decision, err := f.gate.Decide(requestID, true, "")
	require.NoError(t, err)
	require.NoError(t, f.loop.ApplyDecision(ctx, sess, decision))
	assert.Equal(t, session.StateExecutingTool, sess.State())
	_, ok = sess.PendingApproval()
	assert.False(t, ok)

	out = f.run(sess, "")

	require.Equal(t, OutcomeFinalText, out.Kind, "reason: %v", out.Reason)
	assert.Equal(t, "Deleted it.", out.Text)
	assert.Equal(t, int32(1), f.deleted.Load())
	assert.Equal(t, session.StateIdle, sess.State())

	_, err = f.gate.Decide(requestID, true, "")
	assert.ErrorIs(t, err, toolexecutor.ErrApprovalNotFound)
}

func TestLoop_RejectionFeedbackIsVerbatim(t *testing.T) {
	f := newFixture(t, newScripted(
		toolStep("", "c1", "delete_file", `{"path":"/etc/hosts"}`),
		textStep("Understood, leaving it."),
	))
	sess := f.newSession(t, toolexecutor.RoleActor)

	out := f.run(sess, "delete /etc/hosts")
	require.Equal(t, OutcomeAwaitingApproval, out.Kind)

	decision, err := f.gate.Decide(out.RequestID, false, "too risky: production host file")
	require.NoError(t, err)
	require.NoError(t, f.loop.ApplyDecision(context.Background(), sess, decision))
	assert.Equal(t, session.StateAwaitingModelResponse, sess.State())

	out = f.run(sess, "")
	require.Equal(t, OutcomeFinalText, out.Kind, "reason: %v", out.Reason)
	assert.Equal(t, int32(0), f.deleted.Load())

	req := f.provider.request(1)
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, session.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Contains(t, last.Content, "too risky: production host file")
}

func TestLoop_RejectionWithoutReasonUsesDefault(t *testing.T) {
	f := newFixture(t, newScripted(toolStep("", "c1", "delete_file", `{"path":"x"}`)))
	sess := f.newSession(t, toolexecutor.RoleActor)

	out := f.run(sess, "delete x")
	decision, err := f.gate.Decide(out.RequestID, false, "")
	require.NoError(t, err)
	require.NoError(t, f.loop.ApplyDecision(context.Background(), sess, decision))

	last, ok := sess.LastMessage()
	require.True(t, ok)
	assert.Equal(t, toolexecutor.DefaultRejectionMessage, last.Text())
}

func TestLoop_ApplyDecisionRequiresAwaitingState(t *testing.T) {
	f := newFixture(t, newScripted(textStep("x")))
	sess := f.newSession(t, toolexecutor.RoleActor)

	err := f.loop.ApplyDecision(context.Background(), sess, toolexecutor.Decision{Approved: true})
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
	assert.Equal(t, session.StateIdle, sess.State())
}

func TestLoop_ResumeWhileAwaitingApprovalDoesNotCallProvider(t *testing.T) {
	f := newFixture(t, newScripted(toolStep("", "c1", "delete_file", `{"path":"x"}`)))
	sess := f.newSession(t, toolexecutor.RoleActor)

	first := f.run(sess, "delete x")
	require.Equal(t, OutcomeAwaitingApproval, first.Kind)

	again := f.run(sess, "")
	assert.Equal(t, OutcomeAwaitingApproval, again.Kind)
	assert.Equal(t, first.RequestID, again.RequestID)
	assert.Equal(t, 1, f.provider.calls())

	busy := f.run(sess, "something else")
	assert.ErrorIs(t, busy.Reason, ErrSessionBusy)
	assert.Equal(t, session.StateAwaitingToolApproval, sess.State())
}

func TestLoop_RestoresApprovalAfterRestart(t *testing.T) {
	f := newFixture(t, newScripted(toolStep("", "c1", "delete_file", `{"path":"x"}`)))
	sess := f.newSession(t, toolexecutor.RoleActor)

	first := f.run(sess, "delete x")
	require.Equal(t, OutcomeAwaitingApproval, first.Kind)

	// A fresh gate stands in for a restarted process.
	restarted := newFixture(t, newScripted(textStep("after restart")))
	again := restarted.loop.Run(context.Background(), sess, "")
	assert.Equal(t, OutcomeAwaitingApproval, again.Kind)

	req, ok := restarted.gate.Get(first.RequestID)
	require.True(t, ok)
	assert.Equal(t, "delete_file", req.ToolCall.Name)
}

func TestLoop_ToolFailureFeedbackAndExhaustion(t *testing.T) {
	f := newFixture(t, newScripted(toolStep("", "c1", "flaky", `{}`)))
	sess := f.newSession(t, toolexecutor.RoleActor)

	out := f.run(sess, "try it")

	require.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Reason, ErrToolRetriesExhausted)
	assert.Equal(t, DefaultMaxToolRetries+1, f.provider.calls())
	assert.Equal(t, session.StateError, sess.State())

	var feedback []string
	for _, m := range sess.Messages() {
		if m.Role == session.RoleTool {
			feedback = append(feedback, m.Text())
		}
	}
	require.Len(t, feedback, 4)
	assert.True(t, strings.HasPrefix(feedback[0], "tool flaky failed: "))
	assert.Contains(t, feedback[0], "disk on fire")
	assert.True(t, strings.HasSuffix(feedback[0], "; 3 retries remaining"), feedback[0])
	assert.True(t, strings.HasSuffix(feedback[2], "; 1 retries remaining"), feedback[2])

	last, _ := sess.LastMessage()
	assert.Equal(t, session.RoleAssistant, last.Role)
	assert.Contains(t, last.Text(), "disk on fire")
	assert.Equal(t, last.Text(), out.Text)
}

func TestLoop_InvalidArgumentsAreFedBack(t *testing.T) {
	f := newFixture(t, newScripted(
		toolStep("", "c1", "echo", `{"text": oops`),
		textStep("fixed"),
	))
	sess := f.newSession(t, toolexecutor.RoleActor)

	out := f.run(sess, "go")

	require.Equal(t, OutcomeFinalText, out.Kind, "reason: %v", out.Reason)
	assert.Equal(t, int32(0), f.echoed.Load())
	msgs := sess.Messages()
	assert.Contains(t, msgs[2].Text(), "invalid tool arguments")
}

func TestLoop_UnknownToolIsFedBack(t *testing.T) {
	f := newFixture(t, newScripted(
		toolStep("", "c1", "nope", `{}`),
		textStep("sorry"),
	))
	sess := f.newSession(t, toolexecutor.RoleActor)

	out := f.run(sess, "go")
	require.Equal(t, OutcomeFinalText, out.Kind, "reason: %v", out.Reason)
	assert.Contains(t, sess.Messages()[2].Text(), "tool nope failed")
}

func TestLoop_IterationCap(t *testing.T) {
	f := newFixture(t, newScripted(toolStep("again", "c1", "echo", `{"text":"loop"}`)), func(c *Config) {
		c.MaxIterations = 3
	})
	sess := f.newSession(t, toolexecutor.RoleActor)

	out := f.run(sess, "spin")

	require.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Reason, ErrBudgetExceeded)
	assert.Equal(t, "again", out.Text)
	assert.Equal(t, 3, f.provider.calls())
	assert.Equal(t, 3, out.Iterations)
	assert.Equal(t, session.StateError, sess.State())
}

func TestLoop_WallClockBudget(t *testing.T) {
	f := newFixture(t, newScripted(blockStep()), func(c *Config) {
		c.TurnTimeout = 50 * time.Millisecond
	})
	sess := f.newSession(t, toolexecutor.RoleActor)

	start := time.Now()
	out := f.run(sess, "hang")

	assert.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Reason, ErrBudgetExceeded)
	assert.Equal(t, session.StateError, sess.State())
}

func TestLoop_CancellationAndRestart(t *testing.T) {
	provider := newScripted(blockStep(), textStep("back again"))
	f := newFixture(t, provider)
	sess := f.newSession(t, toolexecutor.RoleActor)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- f.loop.Run(ctx, sess, "long task") }()

	require.Eventually(t, func() bool { return provider.calls() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	var out Outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not observe cancellation")
	}

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Reason, ErrCancelled)
	assert.Equal(t, session.StateCancelled, sess.State())

	out = f.run(sess, "try again")
	require.Equal(t, OutcomeFinalText, out.Kind, "reason: %v", out.Reason)
	assert.Equal(t, "back again", out.Text)
	assert.Equal(t, session.StateIdle, sess.State())
}

func TestLoop_ProviderErrorSurfaces(t *testing.T) {
	authErr := &ProviderError{Provider: "scripted", Kind: ProviderErrorAuth, StatusCode: 401, Err: errors.New("bad key")}
	f := newFixture(t, newScripted(errStep(authErr)))
	sess := f.newSession(t, toolexecutor.RoleActor)

	out := f.run(sess, "hi")

	require.Equal(t, OutcomeFailed, out.Kind)
	var perr *ProviderError
	require.True(t, errors.As(out.Reason, &perr))
	assert.Equal(t, ProviderErrorAuth, perr.Kind)
	assert.Equal(t, session.StateError, sess.State())
}

func TestLoop_StreamErrorKeepsPartialText(t *testing.T) {
	s := step{chunks: []StreamChunk{
		{Type: ChunkToken, Text: "partial "},
		{Err: &ProviderError{Provider: "scripted", Kind: ProviderErrorTransient, Err: errors.New("connection reset")}},
	}}
	f := newFixture(t, newScripted(s))
	sess := f.newSession(t, toolexecutor.RoleActor)

	out := f.run(sess, "hi")
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, "partial ", out.Text)
}

func TestLoop_QuestionReply(t *testing.T) {
	question := `{"type":"question","question":"Which environment?","options":["staging","production"]}`
	f := newFixture(t, newScripted(textStep(question)))
	sess := f.newSession(t, toolexecutor.RoleActor)

	out := f.run(sess, "deploy")

	require.Equal(t, OutcomeFinalText, out.Kind)
	require.NotNil(t, out.Reply)
	assert.Equal(t, ReplyQuestion, out.Reply.Kind)

	q, ok := sess.PendingQuestion()
	require.True(t, ok)
	assert.Equal(t, []string{"staging", "production"}, q.Options)
	assert.False(t, q.AllowCustom)

	events := f.sink.ofType(EventQuestion)
	require.Len(t, events, 1)
	assert.Equal(t, "Which environment?", events[0].Text)
}

func TestLoop_NothingToResume(t *testing.T) {
	f := newFixture(t, newScripted(textStep("hello")))
	sess := f.newSession(t, toolexecutor.RoleActor)

	f.run(sess, "hi")
	assert.False(t, HasWork(sess))

	out := f.run(sess, "")
	assert.Equal(t, OutcomeFinalText, out.Kind)
	assert.Equal(t, "hello", out.Text)
	assert.Equal(t, 1, f.provider.calls())
}

func TestLoop_InterruptedToolWithoutApprovedCall(t *testing.T) {
	f := newFixture(t, newScripted(textStep("recovered")))
	sess := f.newSession(t, toolexecutor.RoleActor)

	sess.Append(session.RoleUser, "do it")
	sess.Append(session.RoleAssistant, "", session.WithToolCall(toolexecutor.ToolCall{ID: "c9", Name: "echo"}))
	_, err := sess.Transition(session.EventInput)
	require.NoError(t, err)
	_, err = sess.Transition(session.EventToolReady)
	require.NoError(t, err)
	assert.True(t, HasWork(sess))

	out := f.run(sess, "")

	require.Equal(t, OutcomeFinalText, out.Kind, "reason: %v", out.Reason)
	assert.Equal(t, int32(0), f.echoed.Load())
	msgs := sess.Messages()
	assert.Equal(t, InterruptedToolMessage, msgs[2].Text())
	assert.Equal(t, "c9", msgs[2].ToolCallID)
}

func TestLoop_FirstOfSeveralToolCalls(t *testing.T) {
	s := step{chunks: []StreamChunk{
		{Type: ChunkToolCallFragment, ToolCall: &ToolCallFragment{Index: 1, ID: "b", Name: "echo", ArgumentsDelta: `{"text":"second"}`}},
		{Type: ChunkToolCallFragment, ToolCall: &ToolCallFragment{Index: 0, ID: "a", Name: "echo", ArgumentsDelta: `{"text":"first","terminate":true}`}},
		{Type: ChunkDone},
	}}
	f := newFixture(t, newScripted(s))
	sess := f.newSession(t, toolexecutor.RoleActor)

	out := f.run(sess, "go")
	assert.Equal(t, "first", out.Text)
	assert.Equal(t, int32(1), f.echoed.Load())
}

func TestLoop_TrimsOldConversationToContextBudget(t *testing.T) {
	f := newFixture(t, newScripted(textStep("ok")), func(c *Config) {
		// 140 - 10 output - 100 margin leaves room for three messages
		c.MaxContextTokens = 140
		c.MaxOutputTokens = 10
		c.Counter = windowCounter{perMessage: 10}
	})
	sess := f.newSession(t, toolexecutor.RoleActor)
	sess.Append(session.RoleUser, "q1")
	sess.Append(session.RoleAssistant, "a1")
	sess.Append(session.RoleUser, "q2")
	sess.Append(session.RoleAssistant, "a2")

	out := f.run(sess, "latest")

	require.Equal(t, OutcomeFinalText, out.Kind, "reason: %v", out.Reason)
	sent := f.provider.request(0).Messages
	require.Len(t, sent, 3)
	assert.Equal(t, "q2", sent[0].Content)
	assert.Equal(t, "a2", sent[1].Content)
	assert.Equal(t, "latest", sent[2].Content)
	assert.Len(t, sess.Messages(), 6, "stored history keeps every message")
}

func TestLoop_SystemPromptOverContextBudgetFails(t *testing.T) {
	f := newFixture(t, newScripted(textStep("never")), func(c *Config) {
		c.MaxContextTokens = 200
		c.MaxOutputTokens = 10
	})
	sess := f.newSession(t, toolexecutor.RoleActor)

	out := f.run(sess, "hi")

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Reason, ErrSystemPromptTooLarge)
	assert.Equal(t, 0, f.provider.calls())
	assert.Equal(t, session.StateError, sess.State())
}
