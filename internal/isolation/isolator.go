// Package isolation confines the external tools that shell.run launches.
// On Linux it places the child in a dedicated cgroup v2 group and detaches
// it into PID/network namespaces; everywhere else it degrades to plain
// timeout enforcement. Filesystem access is checked up front against the
// configured path lists rather than enforced by the kernel.
package isolation

import (
	"context"
	"os/exec"
	"time"
)

// Caps reports which constraints the active isolator can actually enforce.
// Callers treat a false field as "limit silently ignored".
type Caps struct {
	Memory  bool `json:"memory"`
	CPU     bool `json:"cpu"`
	Network bool `json:"network"`
	PID     bool `json:"pid"`
}

// Isolator prepares a command for confined execution. Wrap returns a new
// *exec.Cmd that must be used in place of the original, plus a cleanup
// function the caller runs after the process exits. Implementations never
// start the process themselves.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error)
	Capabilities() Caps
}

// killWaitDelay bounds how long Wait blocks on pipe drain after a kill.
const killWaitDelay = 5 * time.Second

// rebind clones cmd onto exec.CommandContext so context cancellation
// reliably kills the child. exec.Cmd honors Cancel only for commands
// created through CommandContext, so mutating the original is not enough.
func rebind(ctx context.Context, cmd *exec.Cmd) *exec.Cmd {
	next := exec.CommandContext(ctx, cmd.Path, cmd.Args[1:]...)
	next.Args = cmd.Args
	next.Dir = cmd.Dir
	next.Env = cmd.Env
	next.Stdin = cmd.Stdin
	next.Stdout = cmd.Stdout
	next.Stderr = cmd.Stderr
	next.Cancel = func() error {
		if next.Process != nil {
			return next.Process.Kill()
		}
		return nil
	}
	next.WaitDelay = killWaitDelay
	return next
}
