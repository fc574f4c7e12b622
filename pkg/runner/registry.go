package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/bamboo/internal/observability"
	"github.com/harun/bamboo/internal/tracing"
	"github.com/harun/bamboo/pkg/agent"
	"github.com/harun/bamboo/pkg/session"
	"github.com/harun/bamboo/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// StartResult reports what Start did.
type StartResult string

const (
	// Started means a new loop was spawned.
	Started StartResult = "started"
	// AlreadyRunning means a loop was already active; nothing was spawned.
	AlreadyRunning StartResult = "already_running"
	// Completed means the session had nothing to run.
	Completed StartResult = "completed"
)

// Terminal event statuses.
const (
	StatusCompleted        = "completed"
	StatusAwaitingApproval = "awaiting_approval"
	StatusFailed           = "failed"
	StatusCancelled        = "cancelled"
)

// Loop runs and resumes sessions.
type Loop interface {
	Run(ctx context.Context, sess *session.Session, userInput string, opts ...agent.RunOption) agent.Outcome
	ApplyDecision(ctx context.Context, sess *session.Session, d toolexecutor.Decision) error
}

// Sessions loads and persists sessions.
type Sessions interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	Save(ctx context.Context, sess *session.Session) error
}

// Config configures a Registry.
type Config struct {
	Loop             Loop
	Sessions         Sessions
	Gate             *toolexecutor.ApprovalGate
	Logger           zerolog.Logger
	SubscriberBuffer int
}

// Registry tracks at most one running loop per session.
type Registry struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	handles  map[string]*Handle
	closed   bool
	baseCtx  context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry. Loops it starts are cancelled by
// Shutdown, never by the context of the request that started them.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Loop == nil {
		return nil, fmt.Errorf("loop is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("approval gate is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "runner_registry").Logger(),
		handles:  make(map[string]*Handle),
		baseCtx:  ctx,
		shutdown: cancel,
	}, nil
}

// Handle is one loop run for a session.
type Handle struct {
	SessionID string
	RunID     string
	StartedAt time.Time

	cancel     context.CancelFunc
	done       chan struct{}
	events     *broadcaster
	finishedAt time.Time
	outcome    agent.Outcome
}

// Done is closed when the run has finished and published its terminal event.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns the loop outcome once the run has finished.
func (h *Handle) Outcome() (agent.Outcome, bool) {
	if !h.finished() {
		return agent.Outcome{}, false
	}
	return h.outcome, true
}

func (h *Handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// StartOption customizes Start.
type StartOption func(*startOptions)

type startOptions struct {
	message string
}

// WithMessage appends message as user input for the run.
func WithMessage(message string) StartOption {
	return func(o *startOptions) {
		o.message = message
	}
}

// Start spawns a loop for sessionID unless one is already running. The
// check and the insert happen in one critical section.
func (r *Registry) Start(ctx context.Context, sessionID string, opts ...StartOption) (StartResult, error) {
	var so startOptions
	for _, opt := range opts {
		opt(&so)
	}

	sess, err := r.cfg.Sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", ErrShuttingDown
	}
	if h, ok := r.handles[sessionID]; ok && !h.finished() {
		observability.RecordRunnerStart(string(AlreadyRunning))
		return AlreadyRunning, nil
	}

	if so.message != "" {
		switch sess.State() {
		case session.StateAwaitingToolApproval, session.StateExecutingTool:
			return "", fmt.Errorf("%w: session is %s", agent.ErrSessionBusy, sess.State())
		}
	} else if !agent.HasWork(sess) {
		observability.RecordRunnerStart(string(Completed))
		return Completed, nil
	}

	runCtx, cancel := context.WithCancel(r.baseCtx)
	runID := tracing.NewRunID()
	runCtx = tracing.WithRunID(runCtx, runID)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		runCtx = tracing.WithTraceID(runCtx, traceID)
	}

	h := &Handle{
		SessionID: sessionID,
		RunID:     runID,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		events:    newBroadcaster(sessionID, r.cfg.SubscriberBuffer, r.logger),
	}
	r.handles[sessionID] = h
	observability.RecordRunnerStart(string(Started))
	observability.SetActiveRunners(r.activeLocked())

	r.wg.Add(1)
	go r.run(runCtx, h, sess, so.message)

	r.logger.Info().Str("sessionId", sessionID).Str("runId", runID).Msg("Runner started")
	return Started, nil
}

func (r *Registry) run(ctx context.Context, h *Handle, sess *session.Session, message string) {
	defer r.wg.Done()
	defer h.cancel()

	outcome := r.cfg.Loop.Run(ctx, sess, message, agent.WithSink(h.events))
	h.events.Publish(terminalEvent(outcome))

	r.mu.Lock()
	h.outcome = outcome
	h.finishedAt = time.Now()
	close(h.done)
	observability.SetActiveRunners(r.activeLocked())
	r.mu.Unlock()

	r.logger.Debug().
		Str("sessionId", h.SessionID).
		Str("runId", h.RunID).
		Str("outcome", string(outcome.Kind)).
		Msg("Runner finished")
}

// terminalEvent maps a loop outcome to the one event that ends the stream.
func terminalEvent(o agent.Outcome) agent.Event {
	switch o.Kind {
	case agent.OutcomeFinalText:
		ev := agent.Event{Type: agent.EventDone, Status: StatusCompleted, Text: o.Text}
		if o.Reply != nil && o.Reply.Kind != agent.ReplyPlain {
			ev.Data = o.Reply
		}
		return ev
	case agent.OutcomeAwaitingApproval:
		return agent.Event{Type: agent.EventDone, Status: StatusAwaitingApproval, RequestID: o.RequestID}
	}

	if errors.Is(o.Reason, agent.ErrCancelled) {
		return agent.Event{Type: agent.EventCancelled, Status: StatusCancelled, Text: o.Text}
	}
	msg := "run failed"
	if o.Reason != nil {
		msg = o.Reason.Error()
	}
	return agent.Event{Type: agent.EventError, Status: StatusFailed, Text: o.Text, Error: msg}
}

// Stop cancels the running loop for sessionID and reports whether there was one.
func (r *Registry) Stop(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[sessionID]
	if !ok || h.finished() {
		return false
	}
	h.cancel()
	r.logger.Info().Str("sessionId", sessionID).Str("runId", h.RunID).Msg("Runner stop requested")
	return true
}

// Running reports whether a loop is active for sessionID.
func (r *Registry) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[sessionID]
	return ok && !h.finished()
}

// Handle returns the latest run for sessionID, finished or not.
func (r *Registry) Handle(sessionID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[sessionID]
	return h, ok
}

// Subscribe attaches to the events of the session's latest run. A finished
// run yields its terminal event; a session that never ran here yields an
// immediate done event carrying the session state. Events published before
// the subscription are not replayed.
func (r *Registry) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	r.mu.Lock()
	h, ok := r.handles[sessionID]
	r.mu.Unlock()
	if ok {
		return h.events.subscribe(), nil
	}

	sess, err := r.cfg.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return finishedSubscription(agent.Event{
		Type:      agent.EventDone,
		SessionID: sessionID,
		Status:    string(sess.State()),
		Timestamp: time.Now(),
	}), nil
}

// Decide resolves an approval request and records the decision on its
// session. The loop is not restarted; call Start to continue.
func (r *Registry) Decide(ctx context.Context, requestID string, approved bool, reason string) (toolexecutor.Decision, error) {
	req, _ := r.cfg.Gate.Get(requestID)
	d, err := r.cfg.Gate.Decide(requestID, approved, reason)
	if err != nil {
		return toolexecutor.Decision{}, err
	}

	sess, err := r.cfg.Sessions.Get(ctx, d.SessionID)
	if err != nil {
		r.restoreRequest(req)
		return d, fmt.Errorf("failed to load session for decision: %w", err)
	}
	if err := r.cfg.Loop.ApplyDecision(ctx, sess, d); err != nil {
		if pending, ok := sess.PendingApproval(); ok && pending.ID == requestID {
			r.restoreRequest(pending)
		}
		return d, err
	}

	r.logger.Info().
		Str("sessionId", d.SessionID).
		Str("requestId", requestID).
		Bool("approved", approved).
		Msg("Approval decided")
	return d, nil
}

// restoreRequest puts a request back into the gate after a decision could
// not be applied, so the caller can retry it.
func (r *Registry) restoreRequest(req toolexecutor.ApprovalRequest) {
	if req.ID == "" {
		return
	}
	if err := r.cfg.Gate.Restore(req); err != nil {
		r.logger.Warn().Err(err).
			Str("sessionId", req.SessionID).
			Str("requestId", req.ID).
			Msg("Failed to restore approval request")
	}
}

// DecidePending resolves the session's pending approval, restoring it into
// the gate first if the gate lost it across a restart.
func (r *Registry) DecidePending(ctx context.Context, sessionID string, approved bool, reason string) (toolexecutor.Decision, error) {
	if req, ok := r.cfg.Gate.Pending(sessionID); ok {
		return r.Decide(ctx, req.ID, approved, reason)
	}

	sess, err := r.cfg.Sessions.Get(ctx, sessionID)
	if err != nil {
		return toolexecutor.Decision{}, err
	}
	req, ok := sess.PendingApproval()
	if !ok {
		return toolexecutor.Decision{}, ErrNoPendingApproval
	}
	if err := r.cfg.Gate.Restore(req); err != nil && !errors.Is(err, toolexecutor.ErrDuplicateApprovalRequest) {
		return toolexecutor.Decision{}, err
	}
	return r.Decide(ctx, req.ID, approved, reason)
}

// Respond answers the session's pending question. The answer is appended as
// a user message; the loop is not restarted.
func (r *Registry) Respond(ctx context.Context, sessionID, answer string) error {
	if r.Running(sessionID) {
		return agent.ErrSessionBusy
	}

	sess, err := r.cfg.Sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	q, ok := sess.PendingQuestion()
	if !ok {
		return ErrNoPendingQuestion
	}
	if !q.Accepts(answer) {
		return fmt.Errorf("%w: %q", ErrInvalidAnswer, answer)
	}

	sess.Append(session.RoleUser, "User selected: "+answer)
	sess.ClearPendingQuestion()
	return r.cfg.Sessions.Save(ctx, sess)
}

// Reap forgets finished runs older than maxAge and returns how many it removed.
func (r *Registry) Reap(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, h := range r.handles {
		if h.finished() && h.finishedAt.Before(cutoff) && h.events.subscriberCount() == 0 {
			delete(r.handles, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug().Int("removed", removed).Msg("Reaped finished runners")
	}
	return removed
}

// Active returns the number of running loops.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, h := range r.handles {
		if !h.finished() {
			n++
		}
	}
	return n
}

// Shutdown cancels every running loop and waits for them to publish their
// terminal events, or for ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.shutdown()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info().Msg("All runners stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runners still active at shutdown deadline: %w", ctx.Err())
	}
}
