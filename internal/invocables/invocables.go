// Package invocables provides the built-in step handlers: HTTP probing,
// shelling out to external tools, delays and jq-based data transforms.
// Operation-specific handlers (payload generation, exploit delivery) are
// registered by the embedding application.
package invocables

import (
	"encoding/json"
	"time"

	"github.com/tessaro/chainkit/internal/engine"
)

// Config bundles the per-handler configuration for the built-ins.
type Config struct {
	HTTP  HTTPConfig
	Shell ShellConfig
}

// RegisterBuiltins adds the built-in handlers to the registry.
func RegisterBuiltins(reg *engine.Registry, cfg Config) error {
	builtins := []engine.Invocable{
		NewHTTPProbe(cfg.HTTP),
		NewShell(cfg.Shell),
		&Delay{},
		NewTransform(),
	}
	for _, h := range builtins {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// Param helpers used by all handler files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func durationParam(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return defaultVal
		}
		return parsed
	case float64:
		return time.Duration(d * float64(time.Second))
	case int:
		return time.Duration(d) * time.Second
	case json.Number:
		f, err := d.Float64()
		if err != nil {
			return defaultVal
		}
		return time.Duration(f * float64(time.Second))
	default:
		return defaultVal
	}
}
