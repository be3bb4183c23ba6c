package playbook

import (
	"errors"
	"fmt"
)

// Error codes for specific failure types
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeCircularDependency = "CIRCULAR_DEPENDENCY"
	ErrCodeHandlerNotFound    = "HANDLER_NOT_FOUND"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeCancelled          = "EXECUTION_CANCELLED"
	ErrCodeTimeout            = "EXECUTION_TIMEOUT"
	ErrCodeDependencyFailed   = "DEPENDENCY_FAILED"
	ErrCodeStorage            = "STORAGE_ERROR"
	ErrCodeConfiguration      = "CONFIGURATION_ERROR"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// EngineError is the custom error type for engine-specific failures.
type EngineError struct {
	Code    string // A machine-readable error code (e.g., ErrCodeCircuitOpen)
	Message string // A human-readable message
	Stage   string // The stage where the error occurred (e.g., "planning", "execution")
	Cause   error  // The underlying error, if any
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, stage, message string, cause error) *EngineError {
	return &EngineError{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// IsEngineError reports whether err is (or wraps) an EngineError.
func IsEngineError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}

// HasCode reports whether err is an EngineError carrying the given code.
func HasCode(err error, code string) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// Specific error constructors

func NewValidationError(stage, message string, cause error) *EngineError {
	return NewError(ErrCodeValidation, stage, message, cause)
}

func NewCircularDependencyError(stage string, nodeIDs []string) *EngineError {
	msg := "playbook contains a dependency cycle"
	if len(nodeIDs) > 0 {
		msg = fmt.Sprintf("playbook contains a dependency cycle involving nodes %v", nodeIDs)
	}
	return NewError(ErrCodeCircularDependency, stage, msg, nil)
}

func NewHandlerNotFoundError(stage, toolType string) *EngineError {
	return NewError(ErrCodeHandlerNotFound, stage, fmt.Sprintf("no handler registered for tool type '%s'", toolType), nil)
}

func NewCircuitOpenError(stage, endpoint string) *EngineError {
	return NewError(ErrCodeCircuitOpen, stage, fmt.Sprintf("circuit breaker open for '%s', failing fast", endpoint), nil)
}

func NewCancelledError(stage string, cause error) *EngineError {
	msg := "execution cancelled"
	if cause != nil && cause.Error() != "" && cause.Error() != "context canceled" {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewTimeoutError(stage string, cause error) *EngineError {
	return NewError(ErrCodeTimeout, stage, "execution timed out", cause)
}

func NewDependencyFailedError(stage, nodeID, depID string) *EngineError {
	msg := fmt.Sprintf("node '%s' skipped because dependency '%s' did not complete", nodeID, depID)
	return NewError(ErrCodeDependencyFailed, stage, msg, nil)
}

func NewStorageError(stage, message string, cause error) *EngineError {
	return NewError(ErrCodeStorage, stage, message, cause)
}

func NewConfigurationError(message string, cause error) *EngineError {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewInternalError(stage, message string, cause error) *EngineError {
	return NewError(ErrCodeInternal, stage, message, cause)
}
