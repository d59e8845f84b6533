//go:build linux

package isolation

import "log/slog"

// NewIsolator picks the strongest isolator the host supports: cgroups v2
// when available, otherwise the timeout-only fallback.
func NewIsolator() (Isolator, error) {
	iso, err := NewLinuxIsolator()
	if err != nil {
		slog.Warn("isolation: cgroups v2 unavailable, falling back to timeout-only confinement", "error", err)
		return NewFallbackIsolator(), nil
	}
	return iso, nil
}
