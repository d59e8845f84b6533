package secrets

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tessaro/chainkit/pkg/schema"
)

// refPattern matches ${{secrets.KEY}} with a word-character key.
var refPattern = regexp.MustCompile(`\$\{\{\s*secrets\.([A-Za-z0-9_.-]+)\s*\}\}`)

// Interpolate resolves every ${{secrets.KEY}} reference in the definition's
// chain params and step params, replacing them in place. The definition is
// mutated; callers hand it straight to the executor so resolved values stay
// in memory only. An unknown key is an error rather than a silent passthrough.
func Interpolate(ctx context.Context, vault Vault, def *schema.ChainDefinition) error {
	if vault == nil {
		return nil
	}

	resolved, err := interpolateValue(ctx, vault, def.Params)
	if err != nil {
		return err
	}
	if resolved != nil {
		def.Params = resolved.(map[string]any)
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		if len(step.Params) == 0 {
			continue
		}
		var params any
		if err := json.Unmarshal(step.Params, &params); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %s: invalid params: %v", step.ID, err).WithStep(step.ID)
		}
		out, err := interpolateValue(ctx, vault, params)
		if err != nil {
			if chainErr, ok := err.(*schema.ChainError); ok {
				return chainErr.WithStep(step.ID)
			}
			return err
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return err
		}
		step.Params = raw
	}
	return nil
}

// interpolateValue walks maps, slices and strings, substituting references.
func interpolateValue(ctx context.Context, vault Vault, v any) (any, error) {
	switch val := v.(type) {
	case string:
		return interpolateString(ctx, vault, val)
	case map[string]any:
		for k, item := range val {
			out, err := interpolateValue(ctx, vault, item)
			if err != nil {
				return nil, err
			}
			val[k] = out
		}
		return val, nil
	case []any:
		for i, item := range val {
			out, err := interpolateValue(ctx, vault, item)
			if err != nil {
				return nil, err
			}
			val[i] = out
		}
		return val, nil
	default:
		return v, nil
	}
}

func interpolateString(ctx context.Context, vault Vault, s string) (string, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		key := s[m[2]:m[3]]
		value, err := vault.Resolve(ctx, key)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeVault,
				"resolve secret %q: %v", key, err).WithCause(err)
		}
		b.WriteString(s[last:m[0]])
		b.Write(value)
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}
