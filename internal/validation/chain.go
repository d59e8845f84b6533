package validation

import "github.com/tessaro/chainkit/pkg/schema"

// ChainValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (handler refs, dependency refs, expression syntax)
// 3. DAG (cycles, reachability)
type ChainValidator struct {
	jsonSchema *JSONSchemaValidator
	handlers   HandlerLookup
}

// NewChainValidator creates a ChainValidator.
// lookup may be nil to skip handler existence checks.
func NewChainValidator(lookup HandlerLookup) (*ChainValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &ChainValidator{
		jsonSchema: jsv,
		handlers:   lookup,
	}, nil
}

// Validate runs the full 3-stage pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (cv *ChainValidator) Validate(def *schema.ChainDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "chain definition is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(cv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(def, cv.handlers))

	// Stage 3: DAG (skip if semantic errors — graph may be invalid).
	if result.Valid() {
		result.Merge(validateDAG(def))
	}

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (cv *ChainValidator) ValidateDefinition(def *schema.ChainDefinition) error {
	return cv.Validate(def).ToError()
}

// ValidateParams delegates to the underlying JSONSchemaValidator.
func (cv *ChainValidator) ValidateParams(params map[string]any, paramsSchema []byte) error {
	return cv.jsonSchema.ValidateParams(params, paramsSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.ChainDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	chainErr, ok := err.(*schema.ChainError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if chainErr.Details != nil {
		if violations, ok := chainErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, chainErr.Message)
	return result
}
