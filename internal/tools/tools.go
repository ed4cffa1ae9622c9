// Package tools implements the local tool surface the model can call during
// a conversation: sandboxed file access and, when explicitly enabled, shell
// command execution on the host.
//
// All file paths are resolved relative to a configured base directory; path
// traversal attempts are rejected with an error. Command execution is off by
// default and bounded by a hard timeout when enabled.
//
// The executor is safe for concurrent use.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/attune-voice/attune/pkg/transport"
)

const (
	// maxReadBytes caps what fs_read will return. Larger files are rejected.
	maxReadBytes = 1 << 20 // 1 MiB

	// execTimeout bounds system_exec. A command still running after this is
	// killed and reported as timed out.
	execTimeout = 30 * time.Second

	// maxExecOutput truncates captured stdout/stderr per stream.
	maxExecOutput = 64 << 10 // 64 KiB
)

// Config holds the executor's sandbox settings.
type Config struct {
	// BaseDir is the absolute path file tools are confined to. Required.
	BaseDir string

	// AllowExec enables the system_exec tool. Off by default: handing a
	// remote model a shell is opt-in.
	AllowExec bool
}

// Executor dispatches model tool calls to local handlers. It satisfies the
// client's ToolHandler contract.
type Executor struct {
	cfg Config
}

// NewExecutor validates cfg and returns an executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("tools: base directory must not be empty")
	}
	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("tools: resolve base directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("tools: base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tools: base directory %q is not a directory", abs)
	}
	cfg.BaseDir = abs
	return &Executor{cfg: cfg}, nil
}

// Handle executes one tool call and returns its JSON result.
func (e *Executor) Handle(ctx context.Context, call transport.ToolCall) (string, error) {
	switch call.Name {
	case "fs_list":
		return e.fsList(ctx, call.Args)
	case "fs_read":
		return e.fsRead(ctx, call.Args)
	case "fs_write":
		return e.fsWrite(ctx, call.Args)
	case "system_exec":
		if !e.cfg.AllowExec {
			return "", fmt.Errorf("tools: system_exec is disabled")
		}
		return e.systemExec(ctx, call.Args)
	default:
		return "", fmt.Errorf("tools: unknown tool %q", call.Name)
	}
}

// safePath resolves relPath against the sandbox base and verifies the result
// stays inside it.
func (e *Executor) safePath(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("tools: path must not be empty")
	}
	joined := filepath.Join(e.cfg.BaseDir, relPath)
	if joined != e.cfg.BaseDir && !strings.HasPrefix(joined, e.cfg.BaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("tools: path %q escapes the sandbox directory", relPath)
	}
	return joined, nil
}

type fsListArgs struct {
	// Path is a directory path relative to the sandbox base; empty lists the base.
	Path string `json:"path"`
}

type fsListEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

func (e *Executor) fsList(ctx context.Context, args string) (string, error) {
	var a fsListArgs
	if args != "" {
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("tools: fs_list: parse arguments: %w", err)
		}
	}
	if a.Path == "" {
		a.Path = "."
	}
	abs, err := e.safePath(a.Path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("tools: fs_list: %w", err)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("tools: fs_list: %w", err)
	}
	out := make([]fsListEntry, 0, len(entries))
	for _, ent := range entries {
		info, err := ent.Info()
		if err != nil {
			continue
		}
		out = append(out, fsListEntry{Name: ent.Name(), IsDir: ent.IsDir(), Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return marshalResult(map[string]any{"path": a.Path, "entries": out})
}

type fsReadArgs struct {
	Path string `json:"path"`
}

func (e *Executor) fsRead(ctx context.Context, args string) (string, error) {
	var a fsReadArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("tools: fs_read: parse arguments: %w", err)
	}
	abs, err := e.safePath(a.Path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("tools: fs_read: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("tools: fs_read: %w", err)
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("tools: fs_read: file %q is too large (%d bytes, max %d)", a.Path, info.Size(), maxReadBytes)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("tools: fs_read: %w", err)
	}
	return marshalResult(map[string]any{"path": a.Path, "content": string(data)})
}

type fsWriteArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (e *Executor) fsWrite(ctx context.Context, args string) (string, error) {
	var a fsWriteArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("tools: fs_write: parse arguments: %w", err)
	}
	abs, err := e.safePath(a.Path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("tools: fs_write: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("tools: fs_write: create directories: %w", err)
	}
	if err := os.WriteFile(abs, []byte(a.Content), 0o644); err != nil {
		return "", fmt.Errorf("tools: fs_write: %w", err)
	}
	return marshalResult(map[string]any{"path": a.Path, "bytes_written": len(a.Content)})
}

type systemExecArgs struct {
	Command string `json:"command"`
}

func (e *Executor) systemExec(ctx context.Context, args string) (string, error) {
	var a systemExecArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("tools: system_exec: parse arguments: %w", err)
	}
	if strings.TrimSpace(a.Command) == "" {
		return "", fmt.Errorf("tools: system_exec: command must not be empty")
	}

	execCtx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", a.Command)
	cmd.Dir = e.cfg.BaseDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("tools: system_exec: command timed out after %s", execTimeout)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", fmt.Errorf("tools: system_exec: %w", err)
		}
	}
	return marshalResult(map[string]any{
		"exit_code": exitCode,
		"stdout":    truncate(stdout.String(), maxExecOutput),
		"stderr":    truncate(stderr.String(), maxExecOutput),
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[output truncated]"
}

func marshalResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("tools: encode result: %w", err)
	}
	return string(data), nil
}

// Definitions returns the tool definitions to advertise at session setup,
// reflecting the executor's configuration.
func (e *Executor) Definitions() []transport.ToolDefinition {
	defs := []transport.ToolDefinition{
		{
			Name:        "fs_list",
			Description: "List the files in a directory within the sandboxed workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Directory path relative to the workspace root. Empty lists the root.",
					},
				},
			},
		},
		{
			Name:        "fs_read",
			Description: "Read the text content of a file from the sandboxed workspace. Files larger than 1 MiB are rejected.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "File path relative to the workspace root. Must not contain '..' components.",
					},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "fs_write",
			Description: "Write text content to a file in the sandboxed workspace. Creates missing parent directories automatically.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "File path relative to the workspace root. Must not contain '..' components.",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Text content to write.",
					},
				},
				"required": []string{"path", "content"},
			},
		},
	}
	if e.cfg.AllowExec {
		defs = append(defs, transport.ToolDefinition{
			Name:        "system_exec",
			Description: "Run a shell command in the workspace and return its exit code, stdout and stderr. Commands are killed after 30 seconds.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "Shell command line to execute.",
					},
				},
				"required": []string{"command"},
			},
		})
	}
	return defs
}
