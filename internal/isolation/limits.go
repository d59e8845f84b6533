package isolation

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tessaro/chainkit/pkg/schema"
)

// ResourceLimits describes the constraints applied to one confined process.
// Zero values mean unconstrained. Path lists apply to the pre-flight checks
// in ValidatePath; when all three lists are empty, every path is allowed.
type ResourceLimits struct {
	MaxMemoryBytes int64         `json:"max_memory_bytes,omitempty"`
	MaxCPUPercent  int           `json:"max_cpu_percent,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	AllowNetwork   bool          `json:"allow_network"`
	ReadOnlyPaths  []string      `json:"read_only_paths,omitempty"`
	WritablePaths  []string      `json:"writable_paths,omitempty"`
	DenyPaths      []string      `json:"deny_paths,omitempty"`
}

// PathAccessMode distinguishes read from write access in path checks.
type PathAccessMode int

const (
	PathAccessRead PathAccessMode = iota
	PathAccessWrite
)

// ValidatePath reports whether path may be accessed under these limits.
// DenyPaths always wins, including over an otherwise matching writable
// prefix. Writable paths are implicitly readable. A malformed deny entry
// denies the access (fail closed); a malformed allow entry simply never
// matches.
func (r ResourceLimits) ValidatePath(path string, mode PathAccessMode) error {
	target, err := canonical(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "invalid path %q: %v", path, err)
	}

	for _, entry := range r.DenyPaths {
		deny, err := canonical(entry)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodePathDenied,
				"path %q denied: bad deny entry %q: %v", path, entry, err)
		}
		if underDir(target, deny) {
			return schema.NewErrorf(schema.ErrCodePathDenied, "path %q is denied", path)
		}
	}

	if len(r.ReadOnlyPaths) == 0 && len(r.WritablePaths) == 0 {
		return nil
	}

	allowed := r.WritablePaths
	if mode == PathAccessRead {
		allowed = append(append([]string{}, r.ReadOnlyPaths...), r.WritablePaths...)
	}
	for _, entry := range allowed {
		base, err := canonical(entry)
		if err != nil {
			continue
		}
		if underDir(target, base) {
			return nil
		}
	}

	verb := "read"
	if mode == PathAccessWrite {
		verb = "write"
	}
	return schema.NewErrorf(schema.ErrCodePathDenied,
		"%s access to %q denied: not under any allowed path", verb, path)
}

// canonical makes the path absolute and resolves symlinks. For paths that do
// not exist yet, symlinks are resolved on the nearest existing ancestor so a
// link into a denied tree cannot dodge the check.
func canonical(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("contains null byte")
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	dir := abs
	for range 256 {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, err := filepath.Rel(parent, abs)
			if err != nil {
				return abs, nil
			}
			return filepath.Join(resolved, rel), nil
		}
		dir = parent
	}
	return abs, nil
}

// underDir reports whether path equals base or lives inside it. Comparison
// goes through filepath.Rel so /tmpevil is not mistaken for a child of /tmp.
func underDir(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
