package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kestrelsec/kestrel/pkg/schema"
)

const (
	defaultCommandTimeout = 30 * time.Second
	defaultMaxOutputSize  = 10 * 1024 * 1024 // 10MB
)

// CommandConfig configures the command.run capability.
type CommandConfig struct {
	DefaultTimeout time.Duration
	MaxOutputSize  int64
}

const commandRunInputSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string"},
    "args": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "cwd": {"type": "string"},
    "stdin": {"type": "string"},
    "timeout": {"type": "string"},
    "shell": {"type": "boolean", "default": false}
  },
  "required": ["command"]
}`

const commandRunOutputSchema = `{
  "type": "object",
  "properties": {
    "stdout": {"description": "auto-parsed JSON if valid, raw string otherwise"},
    "stdout_raw": {"type": "string", "description": "always the raw string output"},
    "stderr": {"type": "string"},
    "exit_code": {"type": "integer"},
    "duration_ms": {"type": "integer"},
    "killed": {"type": "boolean"}
  }
}`

// CommandRunCapability implements the "command.run" capability. Security
// tooling (scanners, enrichment CLIs) is typically invoked through this.
type CommandRunCapability struct {
	cfg CommandConfig
}

// NewCommandRunCapability creates a new command.run capability.
func NewCommandRunCapability(cfg CommandConfig) *CommandRunCapability {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultCommandTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &CommandRunCapability{cfg: cfg}
}

func (a *CommandRunCapability) Name() string { return "command.run" }

func (a *CommandRunCapability) Describe() Descriptor {
	return Descriptor{
		Description:  "Execute a system command, capturing stdout, stderr, and exit code.",
		InputSchema:  json.RawMessage(commandRunInputSchema),
		OutputSchema: json.RawMessage(commandRunOutputSchema),
	}
}

func (a *CommandRunCapability) Validate(params map[string]any) error {
	cmd := stringParam(params, "command", "")
	if cmd == "" {
		return schema.NewError(schema.ErrCodeValidation, "command.run: missing required param 'command'")
	}
	return nil
}

func (a *CommandRunCapability) Execute(ctx context.Context, input Input) (*Output, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := a.Validate(params); err != nil {
		return nil, err
	}

	command := stringParam(params, "command", "")
	args := stringSliceParam(params, "args")
	envMap := stringMapParam(params, "env")
	cwd := stringParam(params, "cwd", "")
	stdinStr := stringParam(params, "stdin", "")
	timeoutStr := stringParam(params, "timeout", "")
	shellMode := boolParam(params, "shell", false)

	timeout := a.cfg.DefaultTimeout
	if timeoutStr != "" {
		if d, err := time.ParseDuration(timeoutStr); err == nil {
			timeout = d
		}
	}

	// Own the deadline so a kill is distinguishable from a normal exit.
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if shellMode {
		fullCmd := command
		if len(args) > 0 {
			fullCmd = command + " " + strings.Join(args, " ")
		}
		cmd = exec.CommandContext(execCtx, "/bin/sh", "-c", fullCmd)
	} else {
		cmd = exec.CommandContext(execCtx, command, args...)
	}

	if cwd != "" {
		cmd.Dir = cwd
	}

	if envMap != nil {
		cmd.Env = os.Environ()
		for k, v := range envMap {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	if stdinStr != "" {
		cmd.Stdin = strings.NewReader(stdinStr)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: a.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: a.cfg.MaxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	killed := false
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// Non-exit error (e.g. command not found).
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "command.run: %v", runErr).WithCause(runErr)
		}
		if execCtx.Err() == context.DeadlineExceeded {
			killed = true
		}
	}

	// Auto-parse stdout if it's valid JSON, so tool output interpolates as
	// structured data (mirrors http.request parsing JSON bodies).
	stdoutStr := stdoutBuf.String()
	var parsedStdout any = stdoutStr
	if stdoutBuf.Len() > 0 && json.Valid(stdoutBuf.Bytes()) {
		var parsed any
		if err := json.Unmarshal(stdoutBuf.Bytes(), &parsed); err == nil {
			parsedStdout = parsed
		}
	}

	result := map[string]any{
		"stdout":      parsedStdout,
		"stdout_raw":  stdoutStr,
		"stderr":      stderrBuf.String(),
		"exit_code":   exitCode,
		"duration_ms": durationMs,
		"killed":      killed,
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "command.run: failed to marshal output").WithCause(err)
	}
	return &Output{Data: json.RawMessage(data)}, nil
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess from
// blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
