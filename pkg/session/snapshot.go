package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/harun/bamboo/pkg/toolexecutor"
)

// Snapshot is the serializable form of a Session.
type Snapshot struct {
	ID              string                        `json:"id"`
	State           State                         `json:"state"`
	Config          Config                        `json:"config"`
	Messages        []Message                     `json:"messages"`
	Branches        []Branch                      `json:"branches"`
	ActiveBranch    string                        `json:"active_branch"`
	NextSeq         uint64                        `json:"next_seq"`
	PendingApproval *toolexecutor.ApprovalRequest `json:"pending_approval,omitempty"`
	ApprovedCall    *toolexecutor.ToolCall        `json:"approved_call,omitempty"`
	PendingQuestion *Question                     `json:"pending_question,omitempty"`
	CreatedAt       time.Time                     `json:"created_at"`
	UpdatedAt       time.Time                     `json:"updated_at"`
}

// Info summarizes a stored session.
type Info struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Info summarizes the snapshot
func (snap *Snapshot) Info() Info {
	count := 0
	for _, b := range snap.Branches {
		if b.Name == snap.ActiveBranch {
			count = len(b.MessageIDs)
		}
	}
	return Info{
		ID:           snap.ID,
		State:        snap.State,
		Model:        snap.Config.Model,
		MessageCount: count,
		UpdatedAt:    snap.UpdatedAt,
	}
}

// Snapshot returns a deep copy of the session's durable state.
func (s *Session) Snapshot() *Snapshot {
	snap, _ := s.snapshot()
	return snap
}

func (s *Session) snapshot() (*Snapshot, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		ID:           s.id,
		State:        s.state,
		Config:       s.config,
		Messages:     make([]Message, 0, len(s.pool)),
		Branches:     make([]Branch, 0, len(s.branches)),
		ActiveBranch: s.activeBranch,
		NextSeq:      s.nextSeq,
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}

	for _, m := range s.pool {
		snap.Messages = append(snap.Messages, m.clone())
	}
	sort.Slice(snap.Messages, func(i, j int) bool { return snap.Messages[i].Seq < snap.Messages[j].Seq })

	for _, b := range s.branches {
		snap.Branches = append(snap.Branches, Branch{
			Name:       b.Name,
			MessageIDs: append([]string(nil), b.MessageIDs...),
		})
	}
	sort.Slice(snap.Branches, func(i, j int) bool { return snap.Branches[i].Name < snap.Branches[j].Name })

	if s.pendingApproval != nil {
		req := *s.pendingApproval
		snap.PendingApproval = &req
	}
	if s.approvedCall != nil {
		call := *s.approvedCall
		call.Parameters = cloneParams(call.Parameters)
		snap.ApprovedCall = &call
	}
	if s.pendingQuestion != nil {
		q := *s.pendingQuestion
		snap.PendingQuestion = &q
	}

	return snap, s.version
}

// FromSnapshot rebuilds a session, verifying the pool and branch invariants.
// The result is clean.
func FromSnapshot(snap *Snapshot) (*Session, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrCorruptSnapshot)
	}
	if err := ValidateSessionID(snap.ID); err != nil {
		return nil, err
	}
	if !snap.State.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrCorruptSnapshot, snap.State)
	}

	s := &Session{
		id:           snap.ID,
		state:        snap.State,
		config:       snap.Config,
		pool:         make(map[string]*Message, len(snap.Messages)),
		branches:     make(map[string]*Branch, len(snap.Branches)),
		activeBranch: snap.ActiveBranch,
		nextSeq:      snap.NextSeq,
		createdAt:    snap.CreatedAt,
		updatedAt:    snap.UpdatedAt,
	}

	var maxSeq uint64
	for _, m := range snap.Messages {
		if m.ID == "" {
			return nil, fmt.Errorf("%w: message without id", ErrCorruptSnapshot)
		}
		if _, dup := s.pool[m.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate message %s", ErrCorruptSnapshot, m.ID)
		}
		stored := m.clone()
		s.pool[m.ID] = &stored
		if m.Seq > maxSeq {
			maxSeq = m.Seq
		}
	}
	if s.nextSeq <= maxSeq {
		s.nextSeq = maxSeq + 1
	}

	for _, b := range snap.Branches {
		var last uint64
		for _, id := range b.MessageIDs {
			m, ok := s.pool[id]
			if !ok {
				return nil, fmt.Errorf("%w: branch %s references missing message %s", ErrCorruptSnapshot, b.Name, id)
			}
			if m.Seq <= last {
				return nil, fmt.Errorf("%w: branch %s is not ordered by sequence", ErrCorruptSnapshot, b.Name)
			}
			last = m.Seq
		}
		s.branches[b.Name] = &Branch{Name: b.Name, MessageIDs: append([]string(nil), b.MessageIDs...)}
	}

	if len(s.branches) == 0 {
		s.branches[DefaultBranch] = &Branch{Name: DefaultBranch}
	}
	if s.activeBranch == "" {
		s.activeBranch = DefaultBranch
	}
	if _, ok := s.branches[s.activeBranch]; !ok {
		return nil, fmt.Errorf("%w: active branch %s missing", ErrCorruptSnapshot, s.activeBranch)
	}

	if snap.PendingApproval != nil {
		req := *snap.PendingApproval
		s.pendingApproval = &req
	}
	if snap.ApprovedCall != nil {
		call := *snap.ApprovedCall
		s.approvedCall = &call
	}
	if snap.PendingQuestion != nil {
		q := *snap.PendingQuestion
		s.pendingQuestion = &q
	}

	return s, nil
}
