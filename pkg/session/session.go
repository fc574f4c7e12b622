package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/bamboo/pkg/toolexecutor"
)

// DefaultBranch is the name of the branch every session starts on.
const DefaultBranch = "main"

// Config is the per-session agent configuration.
type Config struct {
	Model string            `json:"model"`
	Role  toolexecutor.Role `json:"role"`
}

// Permissions returns the permission set derived from the role
func (c Config) Permissions() toolexecutor.PermissionSet {
	return c.Role.Permissions()
}

// Session is one conversation's durable state. All methods are safe for
// concurrent use; locks are held only for the duration of a single mutation.
type Session struct {
	mu sync.RWMutex
	// saveMu orders snapshot-and-write so a store never receives an older
	// version after a newer one.
	saveMu sync.Mutex

	id           string
	state        State
	config       Config
	pool         map[string]*Message
	branches     map[string]*Branch
	activeBranch string
	nextSeq      uint64

	pendingApproval *toolexecutor.ApprovalRequest
	approvedCall    *toolexecutor.ToolCall
	pendingQuestion *Question

	dirty     bool
	version   uint64
	createdAt time.Time
	updatedAt time.Time
}

// New creates an idle session with an empty default branch.
func New(id string, cfg Config) *Session {
	now := time.Now()
	return &Session{
		id:           id,
		state:        StateIdle,
		config:       cfg,
		pool:         make(map[string]*Message),
		branches:     map[string]*Branch{DefaultBranch: {Name: DefaultBranch}},
		activeBranch: DefaultBranch,
		nextSeq:      1,
		dirty:        true,
		createdAt:    now,
		updatedAt:    now,
	}
}

// touch must be called with the write lock held.
func (s *Session) touch() {
	s.dirty = true
	s.version++
	s.updatedAt = time.Now()
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// State returns the current FSM state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Config returns the session configuration
func (s *Session) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// SetConfig replaces the session configuration
func (s *Session) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
	s.touch()
}

// Transition applies ev to the FSM. Invalid events leave the state unchanged.
func (s *Session) Transition(ev Event) (StateDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	to, err := next(s.state, ev)
	if err != nil {
		return StateDelta{}, err
	}

	delta := StateDelta{From: s.state, To: to, Event: ev}
	s.state = to
	s.touch()
	return delta, nil
}

// Append adds a text message to the end of the active branch, assigning the
// next sequence number, and marks the session dirty.
func (s *Session) Append(role MessageRole, text string, opts ...MessageOption) Message {
	msg := Message{
		ID:    uuid.NewString(),
		Role:  role,
		Parts: []ContentPart{{Type: PartText, Text: text}},
	}
	for _, opt := range opts {
		opt(&msg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	branch := s.branches[s.activeBranch]
	if n := len(branch.MessageIDs); n > 0 {
		msg.ParentID = branch.MessageIDs[n-1]
	}
	msg.Seq = s.nextSeq
	s.nextSeq++
	msg.CreatedAt = time.Now()

	stored := msg.clone()
	s.pool[msg.ID] = &stored
	branch.MessageIDs = append(branch.MessageIDs, msg.ID)
	s.touch()

	return msg
}

// Messages returns copies of the active branch's messages in order
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.branchMessages(s.activeBranch)
}

func (s *Session) branchMessages(name string) []Message {
	branch := s.branches[name]
	out := make([]Message, 0, len(branch.MessageIDs))
	for _, id := range branch.MessageIDs {
		out = append(out, s.pool[id].clone())
	}
	return out
}

// LastMessage returns the final message of the active branch
func (s *Session) LastMessage() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.branches[s.activeBranch].MessageIDs
	if len(ids) == 0 {
		return Message{}, false
	}
	return s.pool[ids[len(ids)-1]].clone(), true
}

// Message returns a message from the pool by id
func (s *Session) Message(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.pool[id]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// MessageCount returns the number of messages on the active branch
func (s *Session) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.branches[s.activeBranch].MessageIDs)
}

// ActiveBranch returns the active branch name
func (s *Session) ActiveBranch() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeBranch
}

// Branches returns the branch names
func (s *Session) Branches() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.branches))
	for name := range s.branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fork creates a branch sharing the active branch's history up to and
// including fromID, and makes it active.
func (s *Session) Fork(fromID, name string) error {
	if name == "" {
		return fmt.Errorf("branch name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.branches[name]; exists {
		return fmt.Errorf("branch already exists: %s", name)
	}

	ids := s.branches[s.activeBranch].MessageIDs
	cut := -1
	for i, id := range ids {
		if id == fromID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return fmt.Errorf("%w: %s not on branch %s", ErrMessageNotFound, fromID, s.activeBranch)
	}

	s.branches[name] = &Branch{
		Name:       name,
		MessageIDs: append([]string(nil), ids[:cut+1]...),
	}
	s.activeBranch = name
	s.touch()
	return nil
}

// SwitchBranch makes an existing branch active
func (s *Session) SwitchBranch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.branches[name]; !ok {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, name)
	}
	if s.activeBranch != name {
		s.activeBranch = name
		s.touch()
	}
	return nil
}

// SetPendingApproval records the approval request the session is waiting on.
func (s *Session) SetPendingApproval(req toolexecutor.ApprovalRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingApproval = &req
	s.touch()
}

// PendingApproval returns the approval request the session is waiting on
func (s *Session) PendingApproval() (toolexecutor.ApprovalRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pendingApproval == nil {
		return toolexecutor.ApprovalRequest{}, false
	}
	return *s.pendingApproval, true
}

// ClearPendingApproval forgets the pending approval request
func (s *Session) ClearPendingApproval() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingApproval != nil {
		s.pendingApproval = nil
		s.touch()
	}
}

// SetApprovedCall stashes an approved tool call for the next loop run.
func (s *Session) SetApprovedCall(call toolexecutor.ToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call.Parameters = cloneParams(call.Parameters)
	s.approvedCall = &call
	s.touch()
}

// TakeApprovedCall removes and returns the stashed approved call. A call is
// handed out at most once.
func (s *Session) TakeApprovedCall() (toolexecutor.ToolCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.approvedCall == nil {
		return toolexecutor.ToolCall{}, false
	}
	call := *s.approvedCall
	s.approvedCall = nil
	s.touch()
	return call, true
}

// HasApprovedCall reports whether an approved call is waiting
func (s *Session) HasApprovedCall() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.approvedCall != nil
}

// SetPendingQuestion records an unanswered clarification question.
func (s *Session) SetPendingQuestion(q Question) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q.Options = append([]string(nil), q.Options...)
	if q.AskedAt.IsZero() {
		q.AskedAt = time.Now()
	}
	s.pendingQuestion = &q
	s.touch()
}

// PendingQuestion returns the unanswered clarification question
func (s *Session) PendingQuestion() (Question, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pendingQuestion == nil {
		return Question{}, false
	}
	return *s.pendingQuestion, true
}

// ClearPendingQuestion forgets the pending question
func (s *Session) ClearPendingQuestion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingQuestion != nil {
		s.pendingQuestion = nil
		s.touch()
	}
}

// Dirty reports whether the session changed since it was last saved
func (s *Session) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// markSaved clears the dirty flag if nothing changed since version was taken.
func (s *Session) markSaved(version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version == version {
		s.dirty = false
	}
}

// CreatedAt returns the creation time
func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

// UpdatedAt returns the time of the last mutation
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}
