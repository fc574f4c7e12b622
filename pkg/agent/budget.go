package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/harun/bamboo/pkg/session"
	"github.com/pkoukk/tiktoken-go"
)

const (
	// DefaultMaxContextTokens is the context window assumed when none is configured.
	DefaultMaxContextTokens = 128000

	// DefaultEncoding is the BPE encoding NewTiktokenCounter loads by default.
	DefaultEncoding = "cl100k_base"

	minSafetyMargin = 100
	maxSafetyMargin = 2000
)

var (
	// ErrSystemPromptTooLarge is returned when the system prompt and tool
	// catalogue alone exceed the input budget.
	ErrSystemPromptTooLarge = errors.New("system prompt exceeds context budget")

	// ErrContextTooLarge is returned when the newest exchange does not fit
	// in the input budget on its own.
	ErrContextTooLarge = errors.New("latest message exceeds context budget")
)

// TokenCounter estimates how many tokens text costs a model.
type TokenCounter interface {
	CountText(text string) int
	CountMessage(msg ChatMessage) int
}

// HeuristicCounter estimates tokens from rune counts. It overestimates on
// purpose: runes/CharsPerToken, scaled by Margin, plus Overhead per message.
type HeuristicCounter struct {
	CharsPerToken float64
	Margin        float64
	Overhead      int
}

// NewHeuristicCounter returns a counter using 4 runes per token, a 10% margin
// and 10 tokens of per-message overhead.
func NewHeuristicCounter() HeuristicCounter {
	return HeuristicCounter{CharsPerToken: 4, Margin: 1.1, Overhead: 10}
}

func (c HeuristicCounter) CountText(text string) int {
	if text == "" {
		return 0
	}
	tokens := float64(utf8.RuneCountInString(text)) / c.CharsPerToken * c.Margin
	return int(math.Ceil(tokens))
}

func (c HeuristicCounter) CountMessage(msg ChatMessage) int {
	return countMessage(c.CountText, c.Overhead, msg)
}

// TiktokenCounter counts with a BPE encoding. Loading an encoding may fetch
// its ranks over the network the first time.
type TiktokenCounter struct {
	enc      *tiktoken.Tiktoken
	Overhead int
}

// NewTiktokenCounter loads encoding, or DefaultEncoding when empty.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s encoding: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc, Overhead: 10}, nil
}

func (c *TiktokenCounter) CountText(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

func (c *TiktokenCounter) CountMessage(msg ChatMessage) int {
	return countMessage(c.CountText, c.Overhead, msg)
}

// countMessage adds role overhead plus tool-call id, name and arguments.
func countMessage(count func(string) int, overhead int, msg ChatMessage) int {
	n := count(msg.Content) + overhead
	if call := msg.ToolCall; call != nil {
		args, _ := json.Marshal(call.Parameters)
		n += count(string(args)) + count(call.ID) + count(call.Name) + 5
	}
	if msg.ToolCallID != "" {
		n += count(msg.ToolCallID) + 3
	}
	return n
}

// ContextBudget bounds the prompt sent to a model.
type ContextBudget struct {
	MaxContextTokens int
	MaxOutputTokens  int
	// SafetyMargin absorbs estimation error. Zero means 1% of the window,
	// clamped to [100, 2000].
	SafetyMargin int
}

// Available returns the tokens left for input once output and the safety
// margin are reserved.
func (b ContextBudget) Available() int {
	margin := b.SafetyMargin
	if margin <= 0 {
		margin = b.MaxContextTokens / 100
		margin = max(minSafetyMargin, min(margin, maxSafetyMargin))
	}
	return max(0, b.MaxContextTokens-b.MaxOutputTokens-margin)
}

// ContextStats describes a prepared request.
type ContextStats struct {
	SystemTokens    int
	WindowTokens    int
	Budget          int
	SegmentsRemoved int
}

// Total is the estimated prompt size.
func (s ContextStats) Total() int { return s.SystemTokens + s.WindowTokens }

// Truncated reports whether older conversation was left out.
func (s ContextStats) Truncated() bool { return s.SegmentsRemoved > 0 }

// segment is a run of messages that is kept or dropped as a unit. An
// assistant tool call and its result always share a segment.
type segment struct {
	messages []ChatMessage
	tokens   int
}

func segmentMessages(msgs []ChatMessage) []segment {
	var (
		segments []segment
		open     *segment
		pending  string
	)
	closeOpen := func() {
		if open != nil {
			segments = append(segments, *open)
			open, pending = nil, ""
		}
	}

	for _, m := range msgs {
		switch {
		case m.Role == session.RoleTool && open != nil && pending != "" && m.ToolCallID == pending:
			open.messages = append(open.messages, m)
			closeOpen()
		case m.Role == session.RoleAssistant && m.ToolCall != nil:
			closeOpen()
			open = &segment{messages: []ChatMessage{m}}
			pending = m.ToolCall.ID
		default:
			closeOpen()
			segments = append(segments, segment{messages: []ChatMessage{m}})
		}
	}
	closeOpen()
	return segments
}

// FitContext trims req.Messages to the newest segments that fit the budget
// alongside the system prompt and tool catalogue. The caller's history is
// not modified; req.Messages is replaced with a new slice.
func FitContext(req *ChatRequest, budget ContextBudget, counter TokenCounter) (ContextStats, error) {
	stats := ContextStats{Budget: budget.Available()}

	stats.SystemTokens = counter.CountText(req.SystemPrompt)
	for _, tool := range req.Tools {
		params, _ := json.Marshal(tool.Parameters)
		stats.SystemTokens += counter.CountText(tool.Name) + counter.CountText(tool.Description) + counter.CountText(string(params))
	}
	if stats.SystemTokens > stats.Budget {
		return stats, fmt.Errorf("%w: %d tokens, %d available", ErrSystemPromptTooLarge, stats.SystemTokens, stats.Budget)
	}
	remaining := stats.Budget - stats.SystemTokens

	segments := segmentMessages(req.Messages)
	for i := range segments {
		for _, m := range segments[i].messages {
			segments[i].tokens += counter.CountMessage(m)
		}
	}

	first := len(segments)
	for first > 0 {
		seg := segments[first-1]
		if stats.WindowTokens+seg.tokens > remaining {
			break
		}
		stats.WindowTokens += seg.tokens
		first--
	}
	if first == len(segments) && len(segments) > 0 {
		last := segments[len(segments)-1]
		return stats, fmt.Errorf("%w: %d tokens, %d available", ErrContextTooLarge, last.tokens, remaining)
	}

	stats.SegmentsRemoved = first
	window := make([]ChatMessage, 0, len(req.Messages))
	for _, seg := range segments[first:] {
		window = append(window, seg.messages...)
	}
	req.Messages = window
	return stats, nil
}
