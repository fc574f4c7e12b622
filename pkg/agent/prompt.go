package agent

import (
	"strings"

	"github.com/harun/bamboo/pkg/toolexecutor"
)

const plannerSection = `# ROLE: PLANNER
You may read files but not change anything. Investigate, then reply with a plan
as a single JSON object:
{"type": "plan", "goal": "...", "steps": [{"step_number": 1, "action": "...", "reason": "...", "tools_needed": ["..."]}], "risks": ["..."]}`

const actorSection = `# ROLE: ACTOR
You may use every available tool. Tools that change or delete data may pause
for the user's approval.`

const questionSection = `# ASKING THE USER
When you need a decision, reply with a single JSON object:
{"type": "question", "question": "...", "options": ["..."], "allow_custom": false}`

const terminateSection = `# FINISHING
Pass "terminate": true in the arguments of the tool call that completes the task.`

// BuildSystemPrompt appends role instructions to base.
func BuildSystemPrompt(base string, role toolexecutor.Role) string {
	sections := make([]string, 0, 4)
	if s := strings.TrimSpace(base); s != "" {
		sections = append(sections, s)
	}
	if role == toolexecutor.RolePlanner {
		sections = append(sections, plannerSection)
	} else {
		sections = append(sections, actorSection)
	}
	sections = append(sections, questionSection, terminateSection)
	return strings.Join(sections, "\n\n")
}
