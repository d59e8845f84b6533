package invocables

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

	"github.com/tessaro/chainkit/internal/engine"
	"github.com/tessaro/chainkit/internal/isolation"
	"github.com/tessaro/chainkit/pkg/schema"
)

const (
	defaultShellTimeout  = 30 * time.Second
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// ShellConfig configures the shell.run handler.
type ShellConfig struct {
	Isolator       isolation.Isolator
	DefaultTimeout time.Duration
	DefaultLimits  isolation.ResourceLimits
	MaxOutputSize  int64
}

// Shell implements the "shell.run" handler: execute an external tool under
// process isolation, capturing stdout, stderr and the exit code. Stdout is
// auto-parsed as JSON when valid so downstream steps can project fields out
// of tool output with output_map.
//
// Params:
//
//	command — binary or shell command line (required)
//	args    — argument list
//	env     — environment overrides, merged over the inherited environment
//	cwd     — working directory, validated against the configured path limits
//	stdin   — string piped to the process
//	timeout — per-invocation timeout (e.g. "2m")
//	shell   — run via /bin/sh -c, joining command and args
type Shell struct {
	cfg ShellConfig
}

// NewShell creates the shell.run handler.
func NewShell(cfg ShellConfig) *Shell {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.NewFallbackIsolator()
	}
	return &Shell{cfg: cfg}
}

func (s *Shell) Name() string { return "shell.run" }

// shellRequest is the decoded parameter set of one shell.run invocation.
type shellRequest struct {
	command   string
	args      []string
	env       map[string]string
	cwd       string
	stdin     string
	timeout   time.Duration
	shellMode bool
}

func (s *Shell) Invoke(ctx context.Context, inv engine.Invocation) (*engine.Result, error) {
	req, err := s.decode(inv.Params)
	if err != nil {
		return nil, err
	}

	cmd, err := s.buildCmd(req)
	if err != nil {
		return nil, err
	}

	// Own the deadline here so a kill is detectable via execCtx.Err();
	// the isolator gets Timeout=0 and only enforces resource limits.
	execCtx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()

	limits := s.cfg.DefaultLimits
	limits.Timeout = 0

	wrapped, cleanup, err := s.cfg.Isolator.Wrap(execCtx, cmd, limits)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeIsolation, "shell.run: isolation wrap failed: %v", err).WithCause(err)
	}
	defer cleanup()

	var stdout, stderr bytes.Buffer
	wrapped.Stdout = capWriter(&stdout, s.cfg.MaxOutputSize)
	wrapped.Stderr = capWriter(&stderr, s.cfg.MaxOutputSize)

	start := time.Now()
	runErr := wrapped.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "shell.run: %v", runErr).WithCause(runErr)
		}
		exitCode = exitErr.ExitCode()
	}
	killed := runErr != nil && execCtx.Err() == context.DeadlineExceeded

	return &engine.Result{Output: map[string]any{
		"stdout":      parseStdout(stdout.Bytes()),
		"stdout_raw":  stdout.String(),
		"stderr":      stderr.String(),
		"exit_code":   exitCode,
		"duration_ms": elapsed.Milliseconds(),
		"killed":      killed,
	}}, nil
}

func (s *Shell) decode(params map[string]any) (shellRequest, error) {
	if params == nil {
		params = map[string]any{}
	}
	req := shellRequest{
		command:   stringParam(params, "command", ""),
		args:      stringSliceParam(params, "args"),
		env:       stringMapParam(params, "env"),
		cwd:       stringParam(params, "cwd", ""),
		stdin:     stringParam(params, "stdin", ""),
		timeout:   durationParam(params, "timeout", s.cfg.DefaultTimeout),
		shellMode: boolParam(params, "shell", false),
	}
	if req.command == "" {
		return req, schema.NewError(schema.ErrCodeValidation, "shell.run: missing required param 'command'")
	}
	return req, nil
}

func (s *Shell) buildCmd(req shellRequest) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	if req.shellMode {
		cmd = exec.Command("/bin/sh", "-c", strings.Join(append([]string{req.command}, req.args...), " "))
	} else {
		cmd = exec.Command(req.command, req.args...)
	}

	if req.cwd != "" {
		if err := s.cfg.DefaultLimits.ValidatePath(req.cwd, isolation.PathAccessRead); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodePathDenied, "shell.run: cwd denied: %v", err).WithCause(err)
		}
		cmd.Dir = req.cwd
	}

	if len(req.env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range req.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	if req.stdin != "" {
		cmd.Stdin = strings.NewReader(req.stdin)
	}
	return cmd, nil
}

// parseStdout returns the decoded value when the output is valid JSON, the
// raw string otherwise. Structured output lets output_map project fields.
func parseStdout(raw []byte) any {
	if len(raw) > 0 && json.Valid(raw) {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			return parsed
		}
	}
	return string(raw)
}

func stringSliceParam(m map[string]any, key string) []string {
	arr, _ := m[key].([]any)
	var out []string
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringMapParam(m map[string]any, key string) map[string]string {
	raw, _ := m[key].(map[string]any)
	if raw == nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, item := range raw {
		if s, ok := item.(string); ok {
			out[k] = s
		}
	}
	return out
}

// capWriter truncates output beyond limit while reporting every byte as
// consumed, so the subprocess never blocks on a full pipe.
func capWriter(w io.Writer, limit int64) io.Writer {
	return &cappedWriter{w: w, remaining: limit}
}

type cappedWriter struct {
	w         io.Writer
	remaining int64
}

func (cw *cappedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if cw.remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > cw.remaining {
		p = p[:cw.remaining]
	}
	n, err := cw.w.Write(p)
	cw.remaining -= int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
