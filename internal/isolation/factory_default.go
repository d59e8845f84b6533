//go:build !linux

package isolation

import "log/slog"

// NewIsolator returns the timeout-only fallback; kernel confinement is
// implemented for Linux only.
func NewIsolator() (Isolator, error) {
	slog.Warn("isolation: no kernel confinement on this platform, timeouts only")
	return NewFallbackIsolator(), nil
}
