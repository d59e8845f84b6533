package validation

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/itchyny/gojq"

	"github.com/tessaro/chainkit/pkg/schema"
)

// validateSemantic performs semantic analysis on the chain definition.
// Checks: handler names registered, depends_on refs valid, guard and
// output_map expression syntax, retry policy sanity.
func validateSemantic(def *schema.ChainDefinition, lookup HandlerLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// Build step ID set.
	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(&def.Steps[i], path, stepIDs, lookup, result)
	}

	return result
}

// validateStepSemantic checks a single step.
func validateStepSemantic(step *schema.StepDefinition, path string, stepIDs map[string]bool, lookup HandlerLookup, result *schema.ValidationResult) {
	// Handler existence.
	if step.Handler != "" && lookup != nil {
		if !lookup.Has(step.Handler) {
			result.AddError(path+".handler", schema.ErrCodeNotFound,
				fmt.Sprintf("handler %q not registered", step.Handler))
		}
	}

	// depends_on references.
	for j, dep := range step.DependsOn {
		if dep == step.ID {
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j),
				schema.ErrCodeCycleDetected,
				fmt.Sprintf("step %q depends on itself", step.ID))
			continue
		}
		if !stepIDs[dep] {
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j),
				schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", dep))
		}
	}

	// Guard expression syntax. AllowUndefinedVariables matches runtime
	// evaluation, so only genuine syntax errors surface here.
	if step.When != "" {
		if _, err := expr.Compile(step.When, expr.AllowUndefinedVariables()); err != nil {
			result.AddError(path+".when", schema.ErrCodeValidation,
				fmt.Sprintf("invalid guard expression: %v", err))
		}
	}

	// output_map jq syntax.
	for name, jqExpr := range step.OutputMap {
		if _, err := gojq.Parse(jqExpr); err != nil {
			result.AddError(fmt.Sprintf("%s.output_map[%s]", path, name),
				schema.ErrCodeValidation,
				fmt.Sprintf("invalid jq expression: %v", err))
		}
	}

	// Retry policy sanity.
	if step.Retry != nil {
		validateRetryPolicy(step.Retry, path+".retry", result)
	}
}

// validateRetryPolicy checks delay strings parse and flags excessive retries.
func validateRetryPolicy(p *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	var base, max time.Duration
	var err error

	if p.BaseDelay != "" {
		if base, err = time.ParseDuration(p.BaseDelay); err != nil {
			result.AddError(path+".base_delay", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", p.BaseDelay))
		}
	}
	if p.MaxDelay != "" {
		if max, err = time.ParseDuration(p.MaxDelay); err != nil {
			result.AddError(path+".max_delay", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", p.MaxDelay))
		}
	}
	if base > 0 && max > 0 && max < base {
		result.AddError(path+".max_delay", schema.ErrCodeValidation,
			fmt.Sprintf("max_delay (%s) is shorter than base_delay (%s)", p.MaxDelay, p.BaseDelay))
	}

	if p.MaxRetries > 10 {
		result.AddWarning(path+".max_retries", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", p.MaxRetries))
	}
}
