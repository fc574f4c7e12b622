package agent

import (
	"encoding/json"
	"strings"

	"github.com/harun/bamboo/pkg/session"
)

// ReplyKind classifies a final assistant reply.
type ReplyKind string

const (
	ReplyPlain    ReplyKind = "plain"
	ReplyPlan     ReplyKind = "plan"
	ReplyQuestion ReplyKind = "question"
)

// Reply is a classified assistant reply. Plan is set for ReplyPlan and
// Question for ReplyQuestion.
type Reply struct {
	Kind     ReplyKind         `json:"kind"`
	Text     string            `json:"text"`
	Plan     *Plan             `json:"plan,omitempty"`
	Question *session.Question `json:"question,omitempty"`
}

// Plan is a structured execution plan produced by a planner.
type Plan struct {
	Goal          string     `json:"goal"`
	Steps         []PlanStep `json:"steps"`
	Risks         []string   `json:"risks,omitempty"`
	Prerequisites []string   `json:"prerequisites,omitempty"`
}

// PlanStep is one step of a Plan.
type PlanStep struct {
	StepNumber  int      `json:"step_number"`
	Action      string   `json:"action"`
	Reason      string   `json:"reason,omitempty"`
	ToolsNeeded []string `json:"tools_needed,omitempty"`
}

type replyEnvelope struct {
	Type          string            `json:"type"`
	Goal          string            `json:"goal"`
	Steps         []PlanStep        `json:"steps"`
	Risks         []string          `json:"risks"`
	Prerequisites []string          `json:"prerequisites"`
	Question      string            `json:"question"`
	Options       []json.RawMessage `json:"options"`
	AllowCustom   *bool             `json:"allow_custom"`
}

type questionOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ClassifyReply decodes text once. Anything that is not a well-formed plan
// or question object is plain text.
func ClassifyReply(text string) Reply {
	plain := Reply{Kind: ReplyPlain, Text: text}

	body := unfence(strings.TrimSpace(text))
	if !strings.HasPrefix(body, "{") {
		return plain
	}

	var env replyEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return plain
	}

	switch {
	case env.Type == "question" && strings.TrimSpace(env.Question) != "":
		q := &session.Question{Question: env.Question}
		for _, raw := range env.Options {
			if opt := decodeOption(raw); opt != "" {
				q.Options = append(q.Options, opt)
			}
		}
		q.AllowCustom = len(q.Options) == 0
		if env.AllowCustom != nil {
			q.AllowCustom = *env.AllowCustom
		}
		return Reply{Kind: ReplyQuestion, Text: text, Question: q}

	case (env.Type == "plan" || env.Type == "") && len(env.Steps) > 0:
		return Reply{Kind: ReplyPlan, Text: text, Plan: &Plan{
			Goal:          env.Goal,
			Steps:         env.Steps,
			Risks:         env.Risks,
			Prerequisites: env.Prerequisites,
		}}
	}
	return plain
}

// decodeOption accepts "value" or {"label": ..., "value": ...}.
func decodeOption(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var opt questionOption
	if err := json.Unmarshal(raw, &opt); err == nil {
		if opt.Value != "" {
			return opt.Value
		}
		return opt.Label
	}
	return ""
}

// unfence strips a single surrounding markdown code fence.
func unfence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	inner := strings.TrimSuffix(s[3:], "```")
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
		lang := strings.TrimSpace(inner[:nl])
		if lang == "" || lang == "json" {
			inner = inner[nl+1:]
		}
	}
	return strings.TrimSpace(inner)
}
