package runner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/bamboo/pkg/agent"
	"github.com/harun/bamboo/pkg/session"
	"github.com/harun/bamboo/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bg = context.Background()

func TestNewRegistry_RequiresDependencies(t *testing.T) {
	_, err := NewRegistry(Config{})
	assert.Error(t, err)
}

func TestRegistry_StartRunsToCompletion(t *testing.T) {
	e := newEnv(t, newFakeProvider(say("hello there")))
	id := e.newSession(t)

	res, err := e.registry.Start(bg, id, WithMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, Started, res)

	h := waitDone(t, e.registry, id)
	outcome, ok := h.Outcome()
	require.True(t, ok)
	assert.Equal(t, agent.OutcomeFinalText, outcome.Kind)
	assert.Equal(t, "hello there", outcome.Text)
	assert.False(t, e.registry.Running(id))
	assert.Equal(t, 0, e.registry.Active())
}

func TestRegistry_StartUnknownSession(t *testing.T) {
	e := newEnv(t, newFakeProvider(say("x")))

	_, err := e.registry.Start(bg, "missing", WithMessage("hi"))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestRegistry_StartWithNothingToDo(t *testing.T) {
	e := newEnv(t, newFakeProvider(say("x")))
	id := e.newSession(t)

	res, err := e.registry.Start(bg, id)
	require.NoError(t, err)
	assert.Equal(t, Completed, res)
	assert.Equal(t, 0, e.provider.calls())
}

func TestRegistry_ConcurrentStartSpawnsOnce(t *testing.T) {
	e := newEnv(t, newFakeProvider(nil))
	id := e.newSession(t)

	const n = 20
	results := make([]StartResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.registry.Start(bg, id, WithMessage("go"))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	started := 0
	for _, res := range results {
		if res == Started {
			started++
		} else {
			assert.Equal(t, AlreadyRunning, res)
		}
	}
	assert.Equal(t, 1, started)

	waitStarted(t, e.provider)
	assert.True(t, e.registry.Stop(id))
	waitDone(t, e.registry, id)
	assert.Equal(t, 1, e.provider.calls())
}

func TestRegistry_StopMidStreamEmitsCancelled(t *testing.T) {
	e := newEnv(t, newFakeProvider(nil))
	id := e.newSession(t)

	_, err := e.registry.Start(bg, id, WithMessage("long task"))
	require.NoError(t, err)
	waitStarted(t, e.provider)

	sub, err := e.registry.Subscribe(bg, id)
	require.NoError(t, err)

	assert.True(t, e.registry.Stop(id))
	events := collect(t, sub)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, agent.EventCancelled, last.Type)
	assert.Equal(t, StatusCancelled, last.Status)

	waitDone(t, e.registry, id)
	assert.False(t, e.registry.Running(id))
	assert.False(t, e.registry.Stop(id), "nothing left to stop")

	sess, err := e.manager.Get(bg, id)
	require.NoError(t, err)
	assert.Equal(t, session.StateCancelled, sess.State())
}

func TestRegistry_StopUnknown(t *testing.T) {
	e := newEnv(t, newFakeProvider(say("x")))
	assert.False(t, e.registry.Stop("nope"))
}

func TestRegistry_SubscribersShareEventsInOrder(t *testing.T) {
	e := newEnv(t, newFakeProvider(nil, say("done now")))
	id := e.newSession(t)

	// Hold the first run in the provider so both subscribers are armed.
	_, err := e.registry.Start(bg, id, WithMessage("first"))
	require.NoError(t, err)
	waitStarted(t, e.provider)

	subA, err := e.registry.Subscribe(bg, id)
	require.NoError(t, err)
	subB, err := e.registry.Subscribe(bg, id)
	require.NoError(t, err)

	e.registry.Stop(id)
	a, b := collect(t, subA), collect(t, subB)
	assert.Equal(t, a, b)
	for i := 1; i < len(a); i++ {
		assert.Greater(t, a[i].Seq, a[i-1].Seq)
	}
}

func TestRegistry_LateSubscriberGetsTerminalEvent(t *testing.T) {
	e := newEnv(t, newFakeProvider(say("all done")))
	id := e.newSession(t)

	_, err := e.registry.Start(bg, id, WithMessage("hi"))
	require.NoError(t, err)
	waitDone(t, e.registry, id)

	sub, err := e.registry.Subscribe(bg, id)
	require.NoError(t, err)
	events := collect(t, sub)
	require.Len(t, events, 1)
	assert.Equal(t, agent.EventDone, events[0].Type)
	assert.Equal(t, StatusCompleted, events[0].Status)
	assert.Equal(t, "all done", events[0].Text)
	sub.Close()
}

func TestRegistry_SubscribeWithoutRun(t *testing.T) {
	e := newEnv(t, newFakeProvider(say("x")))
	id := e.newSession(t)

	sub, err := e.registry.Subscribe(bg, id)
	require.NoError(t, err)
	events := collect(t, sub)
	require.Len(t, events, 1)
	assert.Equal(t, agent.EventDone, events[0].Type)
	assert.Equal(t, string(session.StateIdle), events[0].Status)

	_, err = e.registry.Subscribe(bg, "missing")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestRegistry_RejectionRoundTrip(t *testing.T) {
	e := newEnv(t, newFakeProvider(
		callTool("c1", "delete_file", `{"path":"/tmp/foo.txt","terminate":true}`),
		say("Understood, I will leave the file alone."),
	))
	id := e.newSession(t)

	_, err := e.registry.Start(bg, id, WithMessage("delete /tmp/foo.txt"))
	require.NoError(t, err)
	sub, err := e.registry.Subscribe(bg, id)
	require.NoError(t, err)

	events := collect(t, sub)
	last := events[len(events)-1]
	assert.Equal(t, agent.EventDone, last.Type)
	assert.Equal(t, StatusAwaitingApproval, last.Status)
	require.NotEmpty(t, last.RequestID)

	_, err = e.registry.Start(bg, id, WithMessage("hurry up"))
	assert.ErrorIs(t, err, agent.ErrSessionBusy)

	d, err := e.registry.Decide(bg, last.RequestID, false, "not yet")
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.False(t, e.registry.Running(id), "a decision does not restart the loop")

	_, err = e.registry.Decide(bg, last.RequestID, false, "again")
	assert.ErrorIs(t, err, toolexecutor.ErrApprovalNotFound)

	res, err := e.registry.Start(bg, id)
	require.NoError(t, err)
	assert.Equal(t, Started, res)
	h := waitDone(t, e.registry, id)

	outcome, _ := h.Outcome()
	assert.Equal(t, agent.OutcomeFinalText, outcome.Kind)
	assert.Contains(t, outcome.Text, "leave the file alone")

	var sawReason bool
	for _, msg := range e.provider.lastRequest().Messages {
		if msg.Role == session.RoleTool && strings.Contains(msg.Content, "not yet") {
			sawReason = true
		}
	}
	assert.True(t, sawReason)
	assert.Equal(t, int32(0), e.deleted.Load())
}

func TestRegistry_ConcurrentApprovalExecutesOnce(t *testing.T) {
	e := newEnv(t, newFakeProvider(
		callTool("c1", "delete_file", `{"path":"/tmp/foo.txt","terminate":true}`),
	))
	id := e.newSession(t)

	_, err := e.registry.Start(bg, id, WithMessage("delete it"))
	require.NoError(t, err)
	h := waitDone(t, e.registry, id)
	outcome, _ := h.Outcome()
	require.Equal(t, agent.OutcomeAwaitingApproval, outcome.Kind)

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.registry.Decide(bg, outcome.RequestID, true, ""); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, toolexecutor.ErrApprovalNotFound)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)

	_, err = e.registry.Start(bg, id)
	require.NoError(t, err)
	h = waitDone(t, e.registry, id)
	outcome, _ = h.Outcome()
	assert.Equal(t, agent.OutcomeFinalText, outcome.Kind)
	assert.Equal(t, int32(1), e.deleted.Load())
}

func TestRegistry_DecidePendingRestoresLostRequest(t *testing.T) {
	e := newEnv(t, newFakeProvider(
		callTool("c1", "delete_file", `{"path":"/tmp/a"}`),
		say("ok"),
	))
	id := e.newSession(t)

	_, err := e.registry.Start(bg, id, WithMessage("delete /tmp/a"))
	require.NoError(t, err)
	waitDone(t, e.registry, id)

	require.True(t, e.gate.Discard(id))
	_, ok := e.gate.Pending(id)
	require.False(t, ok)

	d, err := e.registry.DecidePending(bg, id, false, "keep it")
	require.NoError(t, err)
	assert.Equal(t, "c1", d.ToolCall.ID)

	_, err = e.registry.DecidePending(bg, id, true, "")
	assert.ErrorIs(t, err, ErrNoPendingApproval)
}

func TestRegistry_DecideKeepsRequestWhenDecisionCannotApply(t *testing.T) {
	e := newEnv(t, newFakeProvider(
		callTool("c1", "delete_file", `{"path":"/tmp/a"}`),
		say("ok"),
	))
	id := e.newSession(t)

	_, err := e.registry.Start(bg, id, WithMessage("delete /tmp/a"))
	require.NoError(t, err)
	waitDone(t, e.registry, id)

	req, ok := e.gate.Pending(id)
	require.True(t, ok)

	sess, err := e.manager.Get(bg, id)
	require.NoError(t, err)
	_, err = sess.Transition(session.EventCancel)
	require.NoError(t, err)

	_, err = e.registry.Decide(bg, req.ID, true, "")
	assert.ErrorIs(t, err, session.ErrInvalidTransition)

	still, ok := e.gate.Get(req.ID)
	require.True(t, ok, "request stays decidable after a failed decision")
	assert.Equal(t, toolexecutor.ApprovalPending, still.Status)
	_, err = e.registry.Decide(bg, req.ID, true, "")
	assert.ErrorIs(t, err, session.ErrInvalidTransition, "a retry reports the same conflict, not not-found")
	assert.Equal(t, int32(0), e.deleted.Load())
}

func TestRegistry_RespondToQuestion(t *testing.T) {
	e := newEnv(t, newFakeProvider(
		say(`{"type":"question","question":"Which env?","options":["staging","prod"]}`),
	))
	id := e.newSession(t)

	_, err := e.registry.Start(bg, id, WithMessage("deploy"))
	require.NoError(t, err)
	waitDone(t, e.registry, id)

	err = e.registry.Respond(bg, id, "dev")
	assert.ErrorIs(t, err, ErrInvalidAnswer)

	require.NoError(t, e.registry.Respond(bg, id, "staging"))

	sess, err := e.manager.Get(bg, id)
	require.NoError(t, err)
	_, pending := sess.PendingQuestion()
	assert.False(t, pending)
	last, ok := sess.LastMessage()
	require.True(t, ok)
	assert.Equal(t, session.RoleUser, last.Role)
	assert.Equal(t, "User selected: staging", last.Text())
	assert.False(t, e.registry.Running(id))

	assert.ErrorIs(t, e.registry.Respond(bg, id, "staging"), ErrNoPendingQuestion)
}

func TestRegistry_Reap(t *testing.T) {
	e := newEnv(t, newFakeProvider(say("x")))
	id := e.newSession(t)

	_, err := e.registry.Start(bg, id, WithMessage("hi"))
	require.NoError(t, err)
	waitDone(t, e.registry, id)

	assert.Equal(t, 0, e.registry.Reap(time.Hour))
	assert.Equal(t, 1, e.registry.Reap(0))
	_, ok := e.registry.Handle(id)
	assert.False(t, ok)
}

func TestRegistry_ShutdownCancelsRuns(t *testing.T) {
	e := newEnv(t, newFakeProvider(nil))
	id := e.newSession(t)

	_, err := e.registry.Start(bg, id, WithMessage("forever"))
	require.NoError(t, err)
	waitStarted(t, e.provider)

	sub, err := e.registry.Subscribe(bg, id)
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(bg, 5*time.Second)
	defer cancel()
	require.NoError(t, e.registry.Shutdown(shutdownCtx))

	events := collect(t, sub)
	assert.Equal(t, agent.EventCancelled, events[len(events)-1].Type)

	_, err = e.registry.Start(bg, id, WithMessage("again"))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestTerminalEvent(t *testing.T) {
	tests := []struct {
		name    string
		outcome agent.Outcome
		want    agent.EventType
		status  string
	}{
		{"final", agent.Outcome{Kind: agent.OutcomeFinalText, Text: "hi"}, agent.EventDone, StatusCompleted},
		{"approval", agent.Outcome{Kind: agent.OutcomeAwaitingApproval, RequestID: "r"}, agent.EventDone, StatusAwaitingApproval},
		{"cancelled", agent.Outcome{Kind: agent.OutcomeFailed, Reason: agent.ErrCancelled}, agent.EventCancelled, StatusCancelled},
		{"budget", agent.Outcome{Kind: agent.OutcomeFailed, Reason: agent.ErrBudgetExceeded}, agent.EventError, StatusFailed},
		{"no reason", agent.Outcome{Kind: agent.OutcomeFailed}, agent.EventError, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := terminalEvent(tt.outcome)
			assert.Equal(t, tt.want, ev.Type)
			assert.Equal(t, tt.status, ev.Status)
			assert.True(t, ev.Type.Terminal())
		})
	}
}

func TestBroadcaster_SlowSubscriberStillGetsTerminal(t *testing.T) {
	b := newBroadcaster("s1", 2, zerolog.Nop())
	sub := b.subscribe()

	for i := 0; i < 5; i++ {
		b.Publish(agent.Event{Type: agent.EventToken, Text: "t"})
	}
	b.Publish(agent.Event{Type: agent.EventError, Error: "boom"})
	b.Publish(agent.Event{Type: agent.EventToken, Text: "late"})

	events := collect(t, sub)
	require.Len(t, events, 2)
	assert.Equal(t, agent.EventToken, events[0].Type)
	assert.Equal(t, agent.EventError, events[1].Type)
	assert.Equal(t, "s1", events[1].SessionID)
	assert.Equal(t, uint64(6), events[1].Seq)

	late := b.subscribe()
	events = collect(t, late)
	require.Len(t, events, 1)
	assert.Equal(t, "boom", events[0].Error)
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	b := newBroadcaster("s1", 0, zerolog.Nop())
	sub := b.subscribe()
	sub.Close()
	sub.Close()

	_, open := <-sub.C()
	assert.False(t, open)
	assert.Equal(t, 0, b.subscriberCount())

	b.Publish(agent.Event{Type: agent.EventDone})
	sub.Close()
}
