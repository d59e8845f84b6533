package invocables

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessaro/chainkit/internal/engine"
	"github.com/tessaro/chainkit/internal/isolation"
	"github.com/tessaro/chainkit/pkg/schema"
)

func newShell(t *testing.T) *Shell {
	t.Helper()
	return NewShell(ShellConfig{
		Isolator:       isolation.NewFallbackIsolator(),
		DefaultTimeout: 10 * time.Second,
		MaxOutputSize:  1 << 20,
	})
}

func runShell(t *testing.T, sh *Shell, params map[string]any) map[string]any {
	t.Helper()
	result, err := sh.Invoke(context.Background(), engine.Invocation{
		ChainID: "run-shell",
		StepID:  "tool",
		Params:  params,
	})
	require.NoError(t, err)
	output, ok := result.Output.(map[string]any)
	require.True(t, ok)
	return output
}

func TestShellRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX shell tests")
	}
	sh := newShell(t)

	t.Run("echo", func(t *testing.T) {
		output := runShell(t, sh, map[string]any{
			"command": "echo",
			"args":    []any{"hello", "world"},
		})
		assert.Equal(t, "hello world\n", output["stdout"])
		assert.Equal(t, "", output["stderr"])
		assert.Equal(t, 0, output["exit_code"])
		assert.Equal(t, false, output["killed"])
	})

	t.Run("exit code without handler error", func(t *testing.T) {
		output := runShell(t, sh, map[string]any{
			"command": "/bin/sh",
			"args":    []any{"-c", "exit 42"},
		})
		assert.Equal(t, 42, output["exit_code"])
	})

	t.Run("stderr captured separately", func(t *testing.T) {
		output := runShell(t, sh, map[string]any{
			"command": "/bin/sh",
			"args":    []any{"-c", "echo oops >&2"},
		})
		assert.Equal(t, "oops\n", output["stderr"])
		assert.Equal(t, "", output["stdout"])
	})

	t.Run("stdin piped through", func(t *testing.T) {
		output := runShell(t, sh, map[string]any{
			"command": "cat",
			"stdin":   "from stdin",
		})
		assert.Equal(t, "from stdin", output["stdout"])
	})

	t.Run("env overrides inherited environment", func(t *testing.T) {
		output := runShell(t, sh, map[string]any{
			"command": "printenv",
			"args":    []any{"CHAINKIT_TEST_VAR"},
			"env":     map[string]any{"CHAINKIT_TEST_VAR": "tool-output"},
		})
		assert.Equal(t, "tool-output\n", output["stdout"])
	})

	t.Run("cwd", func(t *testing.T) {
		dir := t.TempDir()
		output := runShell(t, sh, map[string]any{
			"command": "pwd",
			"cwd":     dir,
		})
		want, err := filepath.EvalSymlinks(dir)
		require.NoError(t, err)
		got, err := filepath.EvalSymlinks(strings.TrimSpace(output["stdout"].(string)))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestShellRunJSONStdout(t *testing.T) {
	sh := newShell(t)
	output := runShell(t, sh, map[string]any{
		"command": "echo",
		"args":    []any{`{"open_ports":[22,443]}`},
	})

	// Valid JSON stdout is parsed so output_map can project into it.
	parsed, ok := output["stdout"].(map[string]any)
	require.True(t, ok, "expected parsed stdout, got %T", output["stdout"])
	assert.Equal(t, []any{float64(22), float64(443)}, parsed["open_ports"])
	assert.Equal(t, "{\"open_ports\":[22,443]}\n", output["stdout_raw"])
}

func TestShellRunShellMode(t *testing.T) {
	sh := newShell(t)
	output := runShell(t, sh, map[string]any{
		"command": "echo $((40+2))",
		"shell":   true,
	})
	// "42\n" is itself valid JSON, so it parses to a number.
	assert.Equal(t, float64(42), output["stdout"])
	assert.Equal(t, "42\n", output["stdout_raw"])
}

func TestShellRunTimeoutKillsProcess(t *testing.T) {
	sh := newShell(t)
	output := runShell(t, sh, map[string]any{
		"command": "sleep",
		"args":    []any{"60"},
		"timeout": "100ms",
	})
	assert.Equal(t, true, output["killed"])
	assert.NotEqual(t, 0, output["exit_code"])
}

func TestShellRunOutputCapped(t *testing.T) {
	sh := NewShell(ShellConfig{
		Isolator:      isolation.NewFallbackIsolator(),
		MaxOutputSize: 64,
	})
	output := runShell(t, sh, map[string]any{
		"command": "/bin/sh",
		"args":    []any{"-c", "dd if=/dev/zero bs=1024 count=1 2>/dev/null | tr '\\0' 'A'"},
	})
	assert.LessOrEqual(t, len(output["stdout"].(string)), 64)
	assert.Equal(t, 0, output["exit_code"])
}

func TestShellRunErrors(t *testing.T) {
	sh := newShell(t)

	t.Run("missing command", func(t *testing.T) {
		_, err := sh.Invoke(context.Background(), engine.Invocation{})
		require.Error(t, err)
		var chainErr *schema.ChainError
		require.True(t, errors.As(err, &chainErr))
		assert.Equal(t, schema.ErrCodeValidation, chainErr.Code)
	})

	t.Run("command not found", func(t *testing.T) {
		_, err := sh.Invoke(context.Background(), engine.Invocation{
			Params: map[string]any{"command": "chainkit-no-such-binary"},
		})
		require.Error(t, err)
		var chainErr *schema.ChainError
		require.True(t, errors.As(err, &chainErr))
		assert.Equal(t, schema.ErrCodeExecution, chainErr.Code)
	})

	t.Run("denied cwd", func(t *testing.T) {
		denied := NewShell(ShellConfig{
			Isolator:      isolation.NewFallbackIsolator(),
			DefaultLimits: isolation.ResourceLimits{DenyPaths: []string{"/etc"}},
		})
		_, err := denied.Invoke(context.Background(), engine.Invocation{
			Params: map[string]any{"command": "pwd", "cwd": "/etc"},
		})
		require.Error(t, err)
		var chainErr *schema.ChainError
		require.True(t, errors.As(err, &chainErr))
		assert.Equal(t, schema.ErrCodePathDenied, chainErr.Code)
		assert.False(t, chainErr.IsRetryable())
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := sh.Invoke(ctx, engine.Invocation{
			Params: map[string]any{"command": "echo", "args": []any{"hi"}},
		})
		require.Error(t, err)
	})
}
