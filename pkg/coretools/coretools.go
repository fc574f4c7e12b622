// Package coretools provides the built-in filesystem and shell tools an
// agent can call. Every path is confined to a workspace root.
package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harun/bamboo/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

const (
	defaultReadLimit      = 200000
	defaultCommandTimeout = 30 * time.Second
	maxListEntries        = 500
)

// Options configures core tool registration.
type Options struct {
	WorkspaceRoot string

	// Shell runs execute_command; defaults to "sh".
	Shell string

	Logger zerolog.Logger
}

// Register adds the core tools to executor.
func Register(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}
	if strings.TrimSpace(opts.WorkspaceRoot) == "" {
		return errors.New("workspace root is required")
	}
	root, err := filepath.Abs(opts.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	opts.WorkspaceRoot = root
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	opts.Logger = opts.Logger.With().Str("component", "coretools").Logger()

	for _, tool := range Definitions(opts) {
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

// Definitions returns the core tool set bound to opts.
func Definitions(opts Options) []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		listDirTool(opts),
		readFileTool(opts),
		writeFileTool(opts),
		createFileTool(opts),
		deleteFileTool(opts),
		executeCommandTool(opts),
	}
}

func listDirTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory.",
		Permissions: []toolexecutor.Permission{toolexecutor.PermReadFile},
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative directory path (default workspace root)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target := opts.WorkspaceRoot
			if strings.TrimSpace(pathValue) != "" {
				var err error
				if target, err = resolvePathInWorkspace(opts.WorkspaceRoot, pathValue); err != nil {
					return nil, err
				}
			}

			entries, err := os.ReadDir(target)
			if err != nil {
				return nil, err
			}

			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)

			truncated := false
			if len(names) > maxListEntries {
				names = names[:maxListEntries]
				truncated = true
			}

			return map[string]interface{}{
				"path":      pathValue,
				"entries":   names,
				"truncated": truncated,
			}, nil
		},
	}
}

func readFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Permissions: []toolexecutor.Permission{toolexecutor.PermReadFile},
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read (default 200000)", Required: false, Default: defaultReadLimit},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}

			maxBytes := int64(defaultReadLimit)
			if raw, ok := params["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			data, truncated, err := readFileWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func writeFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "write_file",
		Description: "Overwrite or append to an existing workspace file.",
		Permissions: []toolexecutor.Permission{toolexecutor.PermWriteFile},
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to file (default false)", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			content, _ := params["content"].(string)
			appendMode, _ := params["append"].(bool)

			info, err := os.Stat(target)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil, fmt.Errorf("file %q does not exist; use create_file", pathValue)
				}
				return nil, err
			}
			if info.IsDir() {
				return nil, fmt.Errorf("%q is a directory", pathValue)
			}

			flag := os.O_WRONLY | os.O_TRUNC
			if appendMode {
				flag = os.O_WRONLY | os.O_APPEND
			}
			if err := writeWithFlags(target, content, flag); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":   pathValue,
				"bytes":  len(content),
				"append": appendMode,
			}, nil
		},
	}
}

func createFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        "create_file",
		Description: "Create a new workspace file. Fails if the file exists.",
		Permissions: []toolexecutor.Permission{toolexecutor.PermCreateFile},
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "Initial file content", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			content, _ := params["content"].(string)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}
			if err := writeWithFlags(target, content, os.O_WRONLY|os.O_CREATE|os.O_EXCL); err != nil {
				if errors.Is(err, os.ErrExist) {
					return nil, fmt.Errorf("file %q already exists", pathValue)
				}
				return nil, err
			}

			return map[string]interface{}{
				"path":  pathValue,
				"bytes": len(content),
			}, nil
		},
	}
}

func deleteFileTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:             "delete_file",
		Description:      "Delete a workspace file.",
		Permissions:      []toolexecutor.Permission{toolexecutor.PermDeleteFile},
		RequiresApproval: true,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pathValue, _ := params["path"].(string)
			target, err := resolvePathInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			if target == opts.WorkspaceRoot {
				return nil, errors.New("refusing to delete the workspace root")
			}

			info, err := os.Stat(target)
			if err != nil {
				return nil, err
			}
			if info.IsDir() {
				return nil, fmt.Errorf("%q is a directory", pathValue)
			}
			if err := os.Remove(target); err != nil {
				return nil, err
			}
			logger := callLogger(ctx, opts.Logger)
			logger.Info().Str("path", pathValue).Msg("Workspace file deleted")

			return map[string]interface{}{
				"path":    pathValue,
				"deleted": true,
			}, nil
		},
	}
}

func executeCommandTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:             "execute_command",
		Description:      "Run a shell command inside the workspace.",
		Permissions:      []toolexecutor.Permission{toolexecutor.PermExecuteCommand},
		RequiresApproval: true,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "command", Type: "string", Description: "Shell command line", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory (relative to workspace)", Required: false},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds", Required: false},
			{Name: "stdin", Type: "string", Description: "Standard input", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			command, _ := params["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return nil, errors.New("command is required")
			}

			cwd := opts.WorkspaceRoot
			if raw, _ := params["cwd"].(string); strings.TrimSpace(raw) != "" {
				var err error
				if cwd, err = resolvePathInWorkspace(opts.WorkspaceRoot, raw); err != nil {
					return nil, err
				}
			}

			timeout := parseDurationSeconds(params["timeout"], defaultCommandTimeout)
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(runCtx, opts.Shell, "-c", command)
			cmd.Dir = cwd
			cmd.Env = commandEnv(ctx)
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			if stdin, ok := params["stdin"].(string); ok && stdin != "" {
				cmd.Stdin = strings.NewReader(stdin)
			}

			logger := callLogger(ctx, opts.Logger)
			logger.Info().Str("command", command).Str("cwd", cwd).Msg("Running command")

			start := time.Now()
			err := cmd.Run()
			exitCode := 0
			if err != nil {
				var exitErr *exec.ExitError
				if !errors.As(err, &exitErr) {
					return nil, err
				}
				if runCtx.Err() != nil {
					return nil, runCtx.Err()
				}
				exitCode = exitErr.ExitCode()
			}

			return map[string]interface{}{
				"stdout":    stdout.String(),
				"stderr":    stderr.String(),
				"exit_code": exitCode,
				"duration":  time.Since(start).Milliseconds(),
			}, nil
		},
	}
}

// callLogger tags logger with the session and call a handler is serving.
func callLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	execCtx := toolexecutor.ExecContextFromContext(ctx)
	if execCtx == nil {
		return logger
	}
	return logger.With().
		Str("session_id", execCtx.SessionID).
		Str("call_id", execCtx.CallID).
		Str("role", string(execCtx.Role)).
		Logger()
}

// commandEnv is the process environment plus BAMBOO_SESSION_ID and
// BAMBOO_CALL_ID when the call carries an execution context.
func commandEnv(ctx context.Context) []string {
	env := os.Environ()
	if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil {
		env = append(env,
			"BAMBOO_SESSION_ID="+execCtx.SessionID,
			"BAMBOO_CALL_ID="+execCtx.CallID,
		)
	}
	return env
}

func writeWithFlags(path, content string, flag int) error {
	file, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return err
	}
	if _, err := file.WriteString(content); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit+1); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	data := buf.Bytes()
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// resolvePathInWorkspace joins pathValue onto root and rejects anything that
// escapes it, including through symlinks in existing parents.
func resolvePathInWorkspace(root string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", errors.New("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", errors.New("path must be a local file")
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	if !within(root, candidate) {
		return "", fmt.Errorf("path %q is outside workspace root", pathValue)
	}

	if resolved, err := evalExistingPrefix(candidate); err == nil {
		realRoot, rerr := filepath.EvalSymlinks(root)
		if rerr != nil {
			realRoot = root
		}
		if !within(realRoot, resolved) {
			return "", fmt.Errorf("path %q resolves outside workspace root", pathValue)
		}
	}
	return candidate, nil
}

func within(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// evalExistingPrefix resolves symlinks in the longest existing ancestor of path.
func evalExistingPrefix(path string) (string, error) {
	rest := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		rest = filepath.Join(filepath.Base(current), rest)
		current = parent
	}
}

func parseDurationSeconds(value interface{}, fallback time.Duration) time.Duration {
	switch v := value.(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return fallback
}
