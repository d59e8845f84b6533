//go:build linux

package isolation

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	cgroupMount = "/sys/fs/cgroup"
	groupParent = "chainkit"

	// cpu.max period in microseconds (the kernel default).
	cpuPeriodUS = 100000

	removeAttempts = 10
	removeInterval = 50 * time.Millisecond
)

var _ Isolator = (*LinuxIsolator)(nil)

// LinuxIsolator confines each child in its own cgroup v2 group under
// /sys/fs/cgroup/chainkit and, where the kernel allows, fresh PID and
// network namespaces.
type LinuxIsolator struct {
	base string
	caps Caps
}

// NewLinuxIsolator probes cgroup v2 availability, creates the parent group
// and delegates the memory/cpu/pids controllers to it. Fails when the
// unified hierarchy is not mounted or not writable.
func NewLinuxIsolator() (*LinuxIsolator, error) {
	data, err := os.ReadFile(filepath.Join(cgroupMount, "cgroup.controllers"))
	if err != nil {
		return nil, fmt.Errorf("cgroups v2 not available: %w", err)
	}
	controllers := map[string]bool{}
	for _, name := range strings.Fields(string(data)) {
		controllers[name] = true
	}

	base := filepath.Join(cgroupMount, groupParent)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", base, err)
	}
	if err := delegateControllers(base, controllers); err != nil {
		return nil, fmt.Errorf("delegate cgroup controllers: %w", err)
	}

	return &LinuxIsolator{
		base: base,
		caps: Caps{
			Memory:  controllers["memory"],
			CPU:     controllers["cpu"],
			Network: true, // CLONE_NEWNET needs no controller
			PID:     controllers["pids"],
		},
	}, nil
}

func (l *LinuxIsolator) Capabilities() Caps {
	return l.caps
}

func (l *LinuxIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	group, err := l.newGroup(limits)
	if err != nil {
		return nil, nil, err
	}

	cancel := func() {}
	if limits.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	wrapped := rebind(ctx, cmd)

	var flags uintptr
	if l.caps.PID {
		flags |= syscall.CLONE_NEWPID
	}
	if !limits.AllowNetwork && l.caps.Network {
		flags |= syscall.CLONE_NEWNET
	}
	wrapped.SysProcAttr = &syscall.SysProcAttr{
		UseCgroupFD: true,
		CgroupFD:    group.fd,
		Cloneflags:  flags,
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			cancel()
			group.destroy()
		})
	}
	return wrapped, cleanup, nil
}

// taskGroup is one per-process cgroup directory plus the open FD handed to
// the kernel via SysProcAttr.CgroupFD.
type taskGroup struct {
	path string
	fd   int
}

func (l *LinuxIsolator) newGroup(limits ResourceLimits) (*taskGroup, error) {
	path := filepath.Join(l.base, uuid.New().String())
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", path, err)
	}
	g := &taskGroup{path: path, fd: -1}

	if err := l.applyLimits(g, limits); err != nil {
		g.destroy()
		return nil, err
	}

	fd, err := syscall.Open(path, syscall.O_DIRECTORY|syscall.O_RDONLY, 0)
	if err != nil {
		g.destroy()
		return nil, fmt.Errorf("open cgroup fd: %w", err)
	}
	g.fd = fd
	return g, nil
}

func (l *LinuxIsolator) applyLimits(g *taskGroup, limits ResourceLimits) error {
	if limits.MaxMemoryBytes > 0 && l.caps.Memory {
		if err := g.set("memory.max", strconv.FormatInt(limits.MaxMemoryBytes, 10)); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
		// Without this the child spills into swap instead of hitting the
		// OOM killer, and memory.max stops being a hard ceiling.
		_ = g.set("memory.swap.max", "0")
	}
	if limits.MaxCPUPercent > 0 && l.caps.CPU {
		if err := g.set("cpu.max", cpuMax(limits.MaxCPUPercent)); err != nil {
			return fmt.Errorf("set cpu.max: %w", err)
		}
	}
	return nil
}

func (g *taskGroup) set(file, value string) error {
	return os.WriteFile(filepath.Join(g.path, file), []byte(value), 0o644)
}

// destroy kills whatever still runs in the group and removes it. Removal is
// retried because the kernel keeps the directory busy until the last member
// is reaped.
func (g *taskGroup) destroy() {
	if g.fd >= 0 {
		syscall.Close(g.fd)
		g.fd = -1
	}

	if err := g.set("cgroup.kill", "1"); err != nil {
		killMembers(g.path)
	}
	for range removeAttempts {
		if err := os.Remove(g.path); err == nil {
			return
		}
		time.Sleep(removeInterval)
	}
	slog.Warn("isolation: cgroup removal failed", "path", g.path)
}

// killMembers is the pre-5.14 fallback when cgroup.kill is missing: SIGKILL
// every pid listed in cgroup.procs.
func killMembers(path string) {
	f, err := os.Open(filepath.Join(path, "cgroup.procs"))
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil || pid <= 0 {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			slog.Warn("isolation: kill failed", "pid", pid, "error", err)
		}
	}
}

// cpuMax renders a percentage as the cgroup v2 "QUOTA PERIOD" pair. Values
// outside 1..100 mean unlimited.
func cpuMax(percent int) string {
	if percent <= 0 || percent > 100 {
		return fmt.Sprintf("max %d", cpuPeriodUS)
	}
	return fmt.Sprintf("%d %d", cpuPeriodUS*percent/100, cpuPeriodUS)
}

// delegateControllers enables the controllers we use for child groups.
func delegateControllers(base string, available map[string]bool) error {
	var enable []string
	for _, name := range []string{"memory", "cpu", "pids"} {
		if available[name] {
			enable = append(enable, "+"+name)
		}
	}
	if len(enable) == 0 {
		return nil
	}
	return os.WriteFile(
		filepath.Join(base, "cgroup.subtree_control"),
		[]byte(strings.Join(enable, " ")),
		0o644,
	)
}
