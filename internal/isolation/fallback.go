package isolation

import (
	"context"
	"os/exec"
)

var _ Isolator = (*FallbackIsolator)(nil)

// FallbackIsolator is the portable isolator: it enforces the timeout and
// nothing else. It keeps shell.run usable on hosts without cgroups v2 while
// the capability report tells callers no hard limits apply.
type FallbackIsolator struct{}

func NewFallbackIsolator() *FallbackIsolator {
	return &FallbackIsolator{}
}

func (f *FallbackIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	cancel := func() {}
	if limits.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}
	return rebind(ctx, cmd), cancel, nil
}

func (f *FallbackIsolator) Capabilities() Caps {
	return Caps{}
}
