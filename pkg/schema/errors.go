package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeAuthDenied        = "AUTH_DENIED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeHandlerFailed     = "HANDLER_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeServiceDown       = "SERVICE_DOWN"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeIsolation         = "ISOLATION_ERROR"
	ErrCodePathDenied        = "PATH_DENIED"
	ErrCodeVault             = "VAULT_ERROR"
)

// ChainError is the structured error type for all chainkit operations.
type ChainError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ChainError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ChainError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code permits another attempt.
// Authorization denials, cancellations and open circuits are final; the
// breaker itself decides when a trial call is allowed again.
func (e *ChainError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeAuthDenied, ErrCodeCancelled, ErrCodeCircuitOpen,
		ErrCodeValidation, ErrCodeCycleDetected, ErrCodeInvalidTransition,
		ErrCodeRetryExhausted, ErrCodePathDenied, ErrCodeVault:
		return false
	}
	return true
}

// NewError creates a new ChainError.
func NewError(code, message string) *ChainError {
	return &ChainError{Code: code, Message: message}
}

// NewErrorf creates a new ChainError with a formatted message.
func NewErrorf(code, format string, args ...any) *ChainError {
	return &ChainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *ChainError) WithStep(stepID string) *ChainError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *ChainError) WithCause(err error) *ChainError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ChainError) WithDetails(details map[string]any) *ChainError {
	e.Details = details
	return e
}
