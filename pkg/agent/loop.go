package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/bamboo/internal/observability"
	"github.com/harun/bamboo/internal/tracing"
	"github.com/harun/bamboo/pkg/session"
	"github.com/harun/bamboo/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultMaxIterations   = 10
	DefaultTurnTimeout     = 5 * time.Minute
	DefaultMaxToolRetries  = 3
	DefaultMaxOutputTokens = 4096

	// InterruptedToolMessage is recorded as the result of a tool call that
	// never finished.
	InterruptedToolMessage = "tool execution was interrupted"
)

// ErrSessionBusy is returned when input arrives while a tool call is
// awaiting approval or executing.
var ErrSessionBusy = errors.New("session is busy")

// ToolRunner is the tool surface the loop drives.
type ToolRunner interface {
	Catalogue(role toolexecutor.Role) []toolexecutor.ToolDefinition
	GetTool(name string) *toolexecutor.ToolDefinition
	Execute(ctx context.Context, name string, params map[string]interface{}, timeout time.Duration) (*toolexecutor.ToolOutput, error)
}

// Saver checkpoints a session.
type Saver interface {
	Save(ctx context.Context, sess *session.Session) error
}

// Config configures a Loop.
type Config struct {
	Provider Provider
	Tools    ToolRunner
	Gate     *toolexecutor.ApprovalGate
	Saver    Saver
	Logger   zerolog.Logger

	// Model and Role apply to sessions that do not set their own.
	Model        string
	Role         toolexecutor.Role
	SystemPrompt string

	MaxIterations   int
	TurnTimeout     time.Duration
	ToolTimeout     time.Duration
	MaxToolRetries  int
	MaxOutputTokens int

	// MaxContextTokens is the model's context window. Older conversation is
	// left out of a request once the estimate exceeds it.
	MaxContextTokens int
	// Counter estimates prompt size; defaults to NewHeuristicCounter().
	Counter TokenCounter
}

// OutcomeKind is how a run ended.
type OutcomeKind string

const (
	OutcomeFinalText        OutcomeKind = "final_text"
	OutcomeAwaitingApproval OutcomeKind = "awaiting_approval"
	OutcomeFailed           OutcomeKind = "failed"
)

// Outcome is the result of Loop.Run. For OutcomeFailed, Text holds whatever
// partial text the model produced.
type Outcome struct {
	Kind       OutcomeKind
	Text       string
	RequestID  string
	Reply      *Reply
	Reason     error
	Iterations int
}

// RunOption customizes a single run.
type RunOption func(*runOptions)

type runOptions struct {
	sink Sink
}

// WithSink publishes the run's events to s.
func WithSink(s Sink) RunOption {
	return func(o *runOptions) {
		if s != nil {
			o.sink = s
		}
	}
}

// Loop runs the model/tool cycle for one session at a time per call.
type Loop struct {
	cfg    Config
	logger zerolog.Logger
}

// NewLoop validates cfg and applies defaults.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool runner is required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("approval gate is required")
	}
	if cfg.Role == "" {
		cfg.Role = toolexecutor.RoleActor
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.MaxToolRetries <= 0 {
		cfg.MaxToolRetries = DefaultMaxToolRetries
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultMaxContextTokens
	}
	if cfg.Counter == nil {
		cfg.Counter = NewHeuristicCounter()
	}

	return &Loop{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "agent_loop").Logger(),
	}, nil
}

// HasWork reports whether Run would do anything for sess without new input.
func HasWork(sess *session.Session) bool {
	switch sess.State() {
	case session.StateIdle, session.StateError, session.StateCancelled:
		return hasPendingInput(sess)
	default:
		return true
	}
}

// Run advances sess until the model answers, a tool call needs approval, or
// the run fails. An empty userInput resumes from the session's state.
func (l *Loop) Run(ctx context.Context, sess *session.Session, userInput string, opts ...RunOption) (outcome Outcome) {
	ro := runOptions{sink: discardSink{}}
	for _, opt := range opts {
		opt(&ro)
	}

	ctx = tracing.WithSessionID(ctx, sess.ID())
	ctx, span := tracing.StartSpan(ctx, "bamboo.agent", "agent.loop.run",
		attribute.String("session_id", sess.ID()),
		attribute.String("state", string(sess.State())),
	)
	start := time.Now()

	role := sess.Config().Role
	if role == "" {
		role = l.cfg.Role
	}
	r := &run{
		loop:     l,
		sess:     sess,
		sink:     ro.sink,
		role:     role,
		parent:   ctx,
		failures: make(map[string]int),
		logger:   tracing.LoggerFromContext(ctx, l.logger),
	}

	defer func() {
		outcome.Iterations = r.iterations
		tracing.EndSpan(span, outcome.Reason)
		observability.RecordLoopRun(string(outcome.Kind), time.Since(start), r.iterations)

		event := r.logger.Info()
		if outcome.Kind == OutcomeFailed {
			event = r.logger.Warn().Err(outcome.Reason)
		}
		event.
			Str("outcome", string(outcome.Kind)).
			Str("state", string(sess.State())).
			Int("iterations", r.iterations).
			Dur("duration", time.Since(start)).
			Msg("Agent run finished")
	}()

	runCtx, cancel := context.WithTimeout(ctx, l.cfg.TurnTimeout)
	defer cancel()

	return r.execute(runCtx, userInput)
}

// ApplyDecision records a resolved approval on sess: an approval stashes the
// call for the next run, a rejection appends the feedback as the call's result.
func (l *Loop) ApplyDecision(ctx context.Context, sess *session.Session, d toolexecutor.Decision) error {
	if st := sess.State(); st != session.StateAwaitingToolApproval {
		return fmt.Errorf("%w: decision for session in state %s", session.ErrInvalidTransition, st)
	}

	if d.Approved {
		sess.SetApprovedCall(d.ToolCall)
		if _, err := sess.Transition(session.EventApproved); err != nil {
			sess.TakeApprovedCall()
			return err
		}
	} else {
		sess.Append(session.RoleTool, d.Feedback(), session.WithToolCallID(d.ToolCall.ID))
		if _, err := sess.Transition(session.EventRejected); err != nil {
			return err
		}
	}
	sess.ClearPendingApproval()

	status := string(toolexecutor.ApprovalRejected)
	if d.Approved {
		status = string(toolexecutor.ApprovalApproved)
	}
	observability.RecordApprovalAudit(ctx, sess.ID(), d.RequestID, d.ToolCall.Name, status, map[string]interface{}{
		"reason": d.Reason,
	})

	if l.cfg.Saver != nil {
		if err := l.cfg.Saver.Save(context.WithoutCancel(ctx), sess); err != nil {
			return fmt.Errorf("failed to persist decision: %w", err)
		}
	}
	return nil
}

// run is the state of one Loop.Run call.
type run struct {
	loop       *Loop
	sess       *session.Session
	sink       Sink
	role       toolexecutor.Role
	parent     context.Context
	failures   map[string]int
	iterations int
	partial    string
	logger     zerolog.Logger
}

func (r *run) execute(ctx context.Context, input string) Outcome {
	sess := r.sess

	switch sess.State() {
	case session.StateError, session.StateCancelled:
		if err := r.transition(ctx, session.EventReset); err != nil {
			return r.fail(ctx, err)
		}
	}

	switch st := sess.State(); st {
	case session.StateIdle:
		if input != "" {
			sess.Append(session.RoleUser, input)
		} else if !hasPendingInput(sess) {
			return Outcome{Kind: OutcomeFinalText, Text: lastAssistantText(sess)}
		}
		if err := r.transition(ctx, session.EventInput); err != nil {
			return r.fail(ctx, err)
		}

	case session.StateAwaitingModelResponse:
		if input != "" {
			sess.Append(session.RoleUser, input)
		}

	case session.StateAwaitingToolApproval:
		if input != "" {
			return Outcome{Kind: OutcomeFailed, Reason: fmt.Errorf("%w: awaiting tool approval", ErrSessionBusy)}
		}
		return r.resumeApproval(ctx)

	case session.StateExecutingTool:
		if input != "" {
			return Outcome{Kind: OutcomeFailed, Reason: fmt.Errorf("%w: executing tool", ErrSessionBusy)}
		}
		if out, done := r.resumeTool(ctx); done {
			return out
		}
	}

	return r.iterate(ctx)
}

func (r *run) iterate(ctx context.Context) Outcome {
	cfg := r.loop.cfg
	sess := r.sess

	for {
		if r.iterations >= cfg.MaxIterations {
			return r.fail(ctx, fmt.Errorf("%w: %d iterations", ErrBudgetExceeded, cfg.MaxIterations))
		}
		if err := ctx.Err(); err != nil {
			return r.interrupted(ctx, err)
		}
		r.iterations++

		turn, err := r.callModel(ctx)
		if turn.Text != "" {
			r.partial = turn.Text
		}
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupted(ctx, ctx.Err())
			}
			return r.fail(ctx, err)
		}

		if len(turn.ToolCalls) == 0 {
			return r.finish(ctx, turn.Text)
		}
		if len(turn.ToolCalls) > 1 {
			r.logger.Warn().
				Int("tool_calls", len(turn.ToolCalls)).
				Msg("Model emitted several tool calls, running the first")
		}

		pc := turn.ToolCalls[0]
		call := pc.Call
		sess.Append(session.RoleAssistant, turn.Text, session.WithToolCall(call))
		r.publish(Event{Type: EventToolCall, Tool: call.Name, CallID: call.ID, Data: call.Parameters})

		def := cfg.Tools.GetTool(call.Name)
		if pc.ArgsErr == nil && def != nil && toolexecutor.NeedsApproval(def, r.role.Permissions()) {
			return r.requestApproval(ctx, call, def)
		}

		if err := r.transition(ctx, session.EventToolReady); err != nil {
			return r.fail(ctx, err)
		}
		if out, done := r.runTool(ctx, pc); done {
			return out
		}
	}
}

func (r *run) callModel(ctx context.Context) (Turn, error) {
	cfg := r.loop.cfg
	sess := r.sess

	model := sess.Config().Model
	if model == "" {
		model = cfg.Model
	}

	msgs := sess.Messages()
	req := ChatRequest{
		Model:           model,
		SystemPrompt:    BuildSystemPrompt(cfg.SystemPrompt, r.role),
		Messages:        make([]ChatMessage, 0, len(msgs)),
		MaxOutputTokens: cfg.MaxOutputTokens,
	}
	for _, m := range msgs {
		if m.Role == session.RoleSystem {
			// providers take a single system prompt
			req.SystemPrompt += "\n\n" + m.Text()
			continue
		}
		req.Messages = append(req.Messages, ChatMessage{
			Role:       m.Role,
			Content:    m.Text(),
			ToolCall:   m.ToolCall,
			ToolCallID: m.ToolCallID,
		})
	}
	for _, def := range cfg.Tools.Catalogue(r.role) {
		req.Tools = append(req.Tools, ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  withTerminateArg(def.JSONSchema()),
		})
	}

	stats, err := FitContext(&req, ContextBudget{
		MaxContextTokens: cfg.MaxContextTokens,
		MaxOutputTokens:  cfg.MaxOutputTokens,
	}, cfg.Counter)
	if err != nil {
		return Turn{}, err
	}
	observability.RecordContextPrepared(stats.Total(), stats.SegmentsRemoved)
	if stats.Truncated() {
		r.logger.Info().
			Int("segments_removed", stats.SegmentsRemoved).
			Int("tokens", stats.Total()).
			Int("budget", stats.Budget).
			Msg("Trimmed conversation to fit context budget")
	}

	r.logger.Debug().
		Int("iteration", r.iterations).
		Int("messages", len(req.Messages)).
		Int("tools", len(req.Tools)).
		Msg("Calling model")

	stream, err := cfg.Provider.ChatStream(ctx, req)
	if err != nil {
		return Turn{}, err
	}
	return collectStream(ctx, stream, func(token string) {
		r.publish(Event{Type: EventToken, Text: token})
	})
}

func (r *run) finish(ctx context.Context, text string) Outcome {
	reply := ClassifyReply(text)
	r.sess.Append(session.RoleAssistant, text)

	if reply.Kind == ReplyQuestion {
		q := *reply.Question
		q.AskedAt = time.Now()
		r.sess.SetPendingQuestion(q)
		r.publish(Event{Type: EventQuestion, Text: q.Question, Data: q})
	}

	if err := r.transition(ctx, session.EventFinal); err != nil {
		return r.fail(ctx, err)
	}
	return Outcome{Kind: OutcomeFinalText, Text: text, Reply: &reply}
}

func (r *run) requestApproval(ctx context.Context, call toolexecutor.ToolCall, def *toolexecutor.ToolDefinition) Outcome {
	gate := r.loop.cfg.Gate

	requestID, err := gate.Request(r.sess.ID(), call, toolexecutor.ToolMeta{
		Name:        def.Name,
		Description: def.Description,
	})
	if err != nil {
		return r.fail(ctx, err)
	}
	req, _ := gate.Get(requestID)

	r.sess.SetPendingApproval(req)
	if err := r.transition(ctx, session.EventApprovalRequired); err != nil {
		gate.Discard(r.sess.ID())
		r.sess.ClearPendingApproval()
		return r.fail(ctx, err)
	}

	observability.RecordApprovalAudit(ctx, r.sess.ID(), requestID, call.Name, string(toolexecutor.ApprovalPending), map[string]interface{}{
		"call_id": call.ID,
	})
	r.publish(Event{Type: EventApprovalRequired, RequestID: requestID, Tool: call.Name, CallID: call.ID, Data: req})

	return Outcome{Kind: OutcomeAwaitingApproval, RequestID: requestID, Text: r.partial}
}

// resumeApproval re-announces a pending approval, restoring it in the gate
// if the gate lost it across a restart.
func (r *run) resumeApproval(ctx context.Context) Outcome {
	gate := r.loop.cfg.Gate

	req, ok := r.sess.PendingApproval()
	if !ok {
		return r.fail(ctx, fmt.Errorf("%w: awaiting approval without a pending request", session.ErrInvalidTransition))
	}
	if _, live := gate.Get(req.ID); !live {
		if err := gate.Restore(req); err != nil {
			r.logger.Warn().Err(err).Str("request_id", req.ID).Msg("Failed to restore approval request")
		}
	}

	r.publish(Event{Type: EventApprovalRequired, RequestID: req.ID, Tool: req.ToolName, CallID: req.ToolCall.ID, Data: req})
	return Outcome{Kind: OutcomeAwaitingApproval, RequestID: req.ID}
}

// resumeTool runs an approved call exactly once, or records an interrupted
// call when there is nothing approved to run.
func (r *run) resumeTool(ctx context.Context) (Outcome, bool) {
	call, ok := r.sess.TakeApprovedCall()
	if !ok {
		r.closeDanglingCall()
		if err := r.transition(ctx, session.EventToolResult); err != nil {
			return r.fail(ctx, err), true
		}
		return Outcome{}, false
	}

	// Persist the consumed call before running it.
	r.checkpoint(ctx)
	return r.runTool(ctx, ParsedCall{Call: call})
}

// runTool executes pc in the ExecutingTool state. done is true when the run
// must stop with the returned outcome.
func (r *run) runTool(ctx context.Context, pc ParsedCall) (outcome Outcome, done bool) {
	cfg := r.loop.cfg
	call := pc.Call

	var (
		out *toolexecutor.ToolOutput
		err error
	)
	if pc.ArgsErr != nil {
		err = &toolexecutor.ToolError{
			Kind:    toolexecutor.ErrorKindInvalidParameters,
			Tool:    call.Name,
			Message: pc.ArgsErr.Error(),
			Err:     pc.ArgsErr,
		}
	} else {
		execCtx := toolexecutor.ContextWithExecContext(ctx, &toolexecutor.ExecutionContext{
			SessionID: r.sess.ID(),
			CallID:    call.ID,
			Role:      r.role,
		})
		out, err = cfg.Tools.Execute(execCtx, call.Name, call.Parameters, cfg.ToolTimeout)
	}

	if err != nil {
		toolErr, ok := toolexecutor.AsToolError(err)
		if !ok {
			return r.interrupted(ctx, err), true
		}
		return r.toolFailed(ctx, call, toolErr)
	}

	r.sess.Append(session.RoleTool, out.Content, session.WithToolCallID(call.ID))
	r.publish(Event{Type: EventToolResult, Tool: call.Name, CallID: call.ID, Text: out.Content})
	observability.RecordToolAudit(ctx, call.Name, r.sess.ID(), "success", map[string]interface{}{
		"call_id":  call.ID,
		"duration": out.Duration.String(),
	})

	if call.Terminate {
		if err := r.transition(ctx, session.EventTerminate); err != nil {
			return r.fail(ctx, err), true
		}
		text := lastAssistantText(r.sess)
		if text == "" {
			text = out.Content
		}
		return Outcome{Kind: OutcomeFinalText, Text: text}, true
	}

	if err := r.transition(ctx, session.EventToolResult); err != nil {
		return r.fail(ctx, err), true
	}
	return Outcome{}, false
}

// toolFailed feeds a tool failure back to the model, or ends the run once
// the tool has used up its retries.
func (r *run) toolFailed(ctx context.Context, call toolexecutor.ToolCall, toolErr *toolexecutor.ToolError) (Outcome, bool) {
	maxRetries := r.loop.cfg.MaxToolRetries
	r.failures[call.Name]++
	failures := r.failures[call.Name]

	observability.RecordToolAudit(ctx, call.Name, r.sess.ID(), "failed", map[string]interface{}{
		"call_id": call.ID,
		"kind":    string(toolErr.Kind),
		"error":   toolErr.Message,
	})

	if failures > maxRetries {
		feedback := fmt.Sprintf("tool %s failed: %s; no retries remaining", call.Name, toolErr.Message)
		r.sess.Append(session.RoleTool, feedback, session.WithToolCallID(call.ID))
		r.publish(Event{Type: EventToolResult, Tool: call.Name, CallID: call.ID, Error: toolErr.Message})

		final := fmt.Sprintf("I could not finish: tool %s failed %d times. Last error: %s", call.Name, failures, toolErr.Message)
		r.sess.Append(session.RoleAssistant, final)
		r.partial = final
		return r.fail(ctx, fmt.Errorf("%w: %s: %s", ErrToolRetriesExhausted, call.Name, toolErr.Message)), true
	}

	remaining := maxRetries - failures + 1
	feedback := fmt.Sprintf("tool %s failed: %s; %d retries remaining", call.Name, toolErr.Message, remaining)
	r.sess.Append(session.RoleTool, feedback, session.WithToolCallID(call.ID))
	r.publish(Event{Type: EventToolResult, Tool: call.Name, CallID: call.ID, Text: feedback, Error: toolErr.Message})

	r.logger.Warn().
		Str("tool", call.Name).
		Str("kind", string(toolErr.Kind)).
		Int("retries_remaining", remaining).
		Msg("Tool failed, reporting to model")

	if err := r.transition(ctx, session.EventToolResult); err != nil {
		return r.fail(ctx, err), true
	}
	return Outcome{}, false
}

// interrupted ends a run whose context is done: cancellation moves the
// session to Cancelled, an exhausted wall-clock budget to Error.
func (r *run) interrupted(ctx context.Context, cause error) Outcome {
	if r.sess.State() == session.StateExecutingTool {
		r.closeDanglingCall()
	}

	if r.parent.Err() != nil {
		if _, err := r.sess.Transition(session.EventCancel); err != nil {
			r.logger.Error().Err(err).Msg("Failed to record cancellation")
		}
		r.checkpoint(ctx)
		return Outcome{Kind: OutcomeFailed, Text: r.partial, Reason: fmt.Errorf("%w: %v", ErrCancelled, r.parent.Err())}
	}

	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return r.fail(ctx, fmt.Errorf("%w: wall-clock limit %v", ErrBudgetExceeded, r.loop.cfg.TurnTimeout))
	}
	return r.fail(ctx, cause)
}

// fail moves the session to Error and reports err.
func (r *run) fail(ctx context.Context, err error) Outcome {
	if _, terr := r.sess.Transition(session.EventFailure); terr != nil {
		r.logger.Error().Err(terr).Msg("Failed to record failure")
	}
	r.checkpoint(ctx)
	return Outcome{Kind: OutcomeFailed, Text: r.partial, Reason: err}
}

// closeDanglingCall answers a trailing tool call that has no result.
func (r *run) closeDanglingCall() {
	last, ok := r.sess.LastMessage()
	if !ok || last.Role != session.RoleAssistant || last.ToolCall == nil {
		return
	}
	r.sess.Append(session.RoleTool, InterruptedToolMessage, session.WithToolCallID(last.ToolCall.ID))
	r.publish(Event{Type: EventToolResult, Tool: last.ToolCall.Name, CallID: last.ToolCall.ID, Error: InterruptedToolMessage})
}

func (r *run) transition(ctx context.Context, ev session.Event) error {
	delta, err := r.sess.Transition(ev)
	if err != nil {
		return err
	}
	r.logger.Debug().
		Str("from", string(delta.From)).
		Str("to", string(delta.To)).
		Str("event", string(delta.Event)).
		Msg("Session transition")
	r.checkpoint(ctx)
	return nil
}

// checkpoint saves the session even if ctx is already cancelled.
func (r *run) checkpoint(ctx context.Context) {
	if r.loop.cfg.Saver == nil {
		return
	}
	if err := r.loop.cfg.Saver.Save(context.WithoutCancel(ctx), r.sess); err != nil {
		r.logger.Error().Err(err).Msg("Failed to checkpoint session")
	}
}

func (r *run) publish(ev Event) {
	ev.SessionID = r.sess.ID()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.sink.Publish(ev)
}

func hasPendingInput(sess *session.Session) bool {
	last, ok := sess.LastMessage()
	if !ok {
		return false
	}
	return last.Role == session.RoleUser || last.Role == session.RoleTool
}

// lastAssistantText returns the newest non-empty assistant text after the
// most recent user message.
func lastAssistantText(sess *session.Session) string {
	msgs := sess.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		switch msgs[i].Role {
		case session.RoleUser:
			return ""
		case session.RoleAssistant:
			if text := msgs[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}
