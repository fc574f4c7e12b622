// Package toolexecutor registers and executes structured tools for agents
// and gates tool calls that need a human decision.
//
// Invariants:
// - Tool names are unique.
// - Parameters are schema-validated before execution.
// - A call needs approval when the role's permissions do not cover the
//   tool's permissions, or the tool is flagged RequiresApproval.
// - At most one pending approval request exists per session.
//
// Usage:
//
//	exec := toolexecutor.New(toolexecutor.Config{Logger: logger})
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Permissions: []toolexecutor.Permission{toolexecutor.PermReadFile},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
//	out, err := exec.Execute(ctx, "echo", map[string]interface{}{"text": "hi"}, 0)
package toolexecutor
