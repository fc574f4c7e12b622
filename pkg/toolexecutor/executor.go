package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/bamboo/internal/observability"
	"github.com/harun/bamboo/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultTimeout bounds a single tool call.
	DefaultTimeout = 60 * time.Second
	// DefaultMaxOutputBytes caps tool output fed back to the model.
	DefaultMaxOutputBytes = 10 * 1024
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`

	// Permissions is the static set the tool needs to run.
	Permissions []Permission `json:"permissions,omitempty"`

	// RequiresApproval forces a human decision regardless of role.
	RequiresApproval bool `json:"requires_approval,omitempty"`
}

// RequiredPermissions returns the tool's permissions as a set
func (d *ToolDefinition) RequiredPermissions() PermissionSet {
	return NewPermissionSet(d.Permissions...)
}

// JSONSchema returns the JSON Schema object describing the tool's parameters.
func (d *ToolDefinition) JSONSchema() map[string]interface{} {
	properties := make(map[string]interface{}, len(d.Parameters))
	required := []string{}

	for _, param := range d.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolCall is a single model-requested invocation.
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Terminate is the model's signal that this is the last action of the turn.
	Terminate bool `json:"terminate,omitempty"`
}

// ToolOutput is the textual result of a successful tool call.
type ToolOutput struct {
	Content   string        `json:"content"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Config configures a ToolExecutor.
type Config struct {
	DefaultTimeout time.Duration
	MaxOutputBytes int
	Policy         *ToolPolicy
	Logger         zerolog.Logger
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools          map[string]*ToolDefinition
	schemas        map[string]*gojsonschema.Schema
	policy         *ToolPolicy
	defaultTimeout time.Duration
	maxOutputBytes int
	logger         zerolog.Logger
	mu             sync.RWMutex
}

// New creates a new ToolExecutor
func New(cfg Config) *ToolExecutor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}

	return &ToolExecutor{
		tools:          make(map[string]*ToolDefinition),
		schemas:        make(map[string]*gojsonschema.Schema),
		policy:         cfg.Policy,
		defaultTimeout: cfg.DefaultTimeout,
		maxOutputBytes: cfg.MaxOutputBytes,
		logger:         cfg.Logger.With().Str("component", "toolexecutor").Logger(),
	}
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.JSONSchema()))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema

	te.logger.Debug().
		Str("tool", def.Name).
		Bool("requires_approval", def.RequiresApproval).
		Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// ListTools returns all registered tool names, sorted
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	return tools
}

// SetPolicy replaces the catalogue policy.
func (te *ToolExecutor) SetPolicy(policy *ToolPolicy) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.policy = policy
}

// Catalogue returns the tools offered to a model running under role: those
// whose permissions the role covers and the policy allows, sorted by name.
func (te *ToolExecutor) Catalogue(role Role) []ToolDefinition {
	granted := role.Permissions()

	te.mu.RLock()
	defer te.mu.RUnlock()

	out := make([]ToolDefinition, 0, len(te.tools))
	for name, def := range te.tools {
		if !te.policy.IsToolAllowed(name) {
			continue
		}
		if !granted.Covers(def.RequiredPermissions()) {
			continue
		}
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Execute runs a tool. A timeout <= 0 uses the executor default. Failures of
// the tool itself are returned as *ToolError; cancellation of ctx is returned
// as ctx.Err().
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, timeout time.Duration) (*ToolOutput, error) {
	ctx, span := tracing.StartSpan(ctx, "bamboo.tools", "tool.execute",
		attribute.String("tool.name", toolName),
	)
	out, err := te.execute(ctx, toolName, params, timeout)
	tracing.EndSpan(span, err)

	kind := ""
	if err != nil {
		kind = "cancelled"
		if toolErr, ok := AsToolError(err); ok {
			kind = string(toolErr.Kind)
		}
	}
	duration := time.Duration(0)
	if out != nil {
		duration = out.Duration
	}
	observability.RecordToolExecution(toolName, duration, kind)

	return out, err
}

func (te *ToolExecutor) execute(ctx context.Context, toolName string, params map[string]interface{}, timeout time.Duration) (*ToolOutput, error) {
	startTime := time.Now()
	logger := tracing.LoggerFromContext(ctx, te.logger).With().Str("tool", toolName).Logger()

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	allowed := te.policy.IsToolAllowed(toolName)
	te.mu.RUnlock()

	if tool == nil {
		logger.Warn().Msg("Tool not found")
		return nil, &ToolError{
			Kind:    ErrorKindInvalidParameters,
			Tool:    toolName,
			Message: fmt.Sprintf("unknown tool %q", toolName),
			Err:     ErrToolNotFound,
		}
	}

	if !allowed {
		logger.Warn().Msg("Tool denied by policy")
		return nil, &ToolError{
			Kind:    ErrorKindInvalidParameters,
			Tool:    toolName,
			Message: fmt.Sprintf("tool %q is disabled", toolName),
			Err:     ErrToolDenied,
		}
	}

	if params == nil {
		params = map[string]interface{}{}
	}

	if err := validateParameters(schema, params); err != nil {
		logger.Warn().Err(err).Msg("Parameter validation failed")
		return nil, newToolError(ErrorKindInvalidParameters, toolName, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = te.defaultTimeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Debug().Dur("timeout", timeout).Msg("Executing tool")

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errChan <- fmt.Errorf("tool panicked: %v", r)
			}
		}()
		result, err := tool.Handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	select {
	case result := <-resultChan:
		duration := time.Since(startTime)
		content, truncated := te.render(result)

		logger.Debug().
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool execution completed")

		return &ToolOutput{Content: content, Truncated: truncated, Duration: duration}, nil

	case err := <-errChan:
		logger.Warn().
			Dur("duration", time.Since(startTime)).
			Err(err).
			Msg("Tool execution failed")

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ToolError{
				Kind:    ErrorKindTimeout,
				Tool:    toolName,
				Message: fmt.Sprintf("timed out after %v", timeout),
				Err:     err,
			}
		}
		return nil, newToolError(ErrorKindExecutionFailed, toolName, err)

	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			logger.Debug().Msg("Tool execution cancelled")
			return nil, ctx.Err()
		}

		logger.Warn().
			Dur("duration", time.Since(startTime)).
			Msg("Tool execution timeout")

		return nil, &ToolError{
			Kind:    ErrorKindTimeout,
			Tool:    toolName,
			Message: fmt.Sprintf("timed out after %v", timeout),
			Err:     context.DeadlineExceeded,
		}
	}
}

// validateToolDefinition validates a tool definition
func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	for _, perm := range def.Permissions {
		if _, err := ParsePermission(string(perm)); err != nil {
			return err
		}
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}

	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}

	return nil
}

// render converts a handler result to text and truncates it to the output cap.
func (te *ToolExecutor) render(output interface{}) (string, bool) {
	var str string
	switch v := output.(type) {
	case nil:
		str = ""
	case string:
		str = v
	case []byte:
		str = string(v)
	case fmt.Stringer:
		str = v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			str = fmt.Sprintf("%v", v)
		} else {
			str = string(data)
		}
	}

	if len(str) <= te.maxOutputBytes {
		return str, false
	}

	cut := te.maxOutputBytes
	for cut > 0 && !utf8.RuneStart(str[cut]) {
		cut--
	}

	te.logger.Warn().
		Int("original", len(str)).
		Int("truncated", cut).
		Msg("Output truncated")

	return str[:cut] + "\n... [output truncated]", true
}
