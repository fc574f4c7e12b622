package toolexecutor

// ToolPolicy narrows the catalogue offered to the model.
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"` // empty means every tool; "*" for all
	Deny  []string `json:"deny" mapstructure:"deny"`   // overrides allow
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	if len(tp.Allow) == 0 {
		return true
	}
	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	return false
}
