package pipeline

import (
	"errors"
	"fmt"
)

// PipelineError represents errors raised while running a backup or
// restore pipeline.
type PipelineError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// ErrorType classifies a pipeline failure.
type ErrorType string

const (
	ErrorTypeConnection    ErrorType = "CONNECTION_ERROR"
	ErrorTypeConfiguration ErrorType = "CONFIGURATION_ERROR"
	ErrorTypeIntegrity     ErrorType = "INTEGRITY_ERROR"
	ErrorTypeBackup        ErrorType = "BACKUP_ERROR"
	ErrorTypeRestore       ErrorType = "RESTORE_ERROR"
	ErrorTypeEncryption    ErrorType = "ENCRYPTION_ERROR"
	ErrorTypeQueue         ErrorType = "QUEUE_ERROR"
	ErrorTypeStorage       ErrorType = "STORAGE_ERROR"
	ErrorTypeNotFound      ErrorType = "NOT_FOUND_ERROR"
)

// NewPipelineError creates a new PipelineError
func NewPipelineError(errorType ErrorType, message string, cause error) *PipelineError {
	return &PipelineError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *PipelineError) WithContext(key string, value interface{}) *PipelineError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Common error constructors
func NewConnectionError(message string, cause error) *PipelineError {
	return NewPipelineError(ErrorTypeConnection, message, cause)
}

func NewConfigurationError(message string, cause error) *PipelineError {
	return NewPipelineError(ErrorTypeConfiguration, message, cause)
}

func NewIntegrityError(message string, cause error) *PipelineError {
	return NewPipelineError(ErrorTypeIntegrity, message, cause)
}

func NewBackupError(message string, cause error) *PipelineError {
	return NewPipelineError(ErrorTypeBackup, message, cause)
}

func NewRestoreError(message string, cause error) *PipelineError {
	return NewPipelineError(ErrorTypeRestore, message, cause)
}

func NewEncryptionError(message string, cause error) *PipelineError {
	return NewPipelineError(ErrorTypeEncryption, message, cause)
}

func NewQueueError(message string, cause error) *PipelineError {
	return NewPipelineError(ErrorTypeQueue, message, cause)
}

func NewStorageError(message string, cause error) *PipelineError {
	return NewPipelineError(ErrorTypeStorage, message, cause)
}

func NewNotFoundError(message string, cause error) *PipelineError {
	return NewPipelineError(ErrorTypeNotFound, message, cause)
}

// ErrorTypeOf extracts the classification from err, or empty when err
// is not a PipelineError.
func ErrorTypeOf(err error) ErrorType {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Type
	}
	return ""
}

// IsRetryable reports whether the error class may be retried a small
// fixed number of times. Only connection probes qualify; integrity
// failures are always fatal and dump/upload/restore stages require an
// explicit re-trigger.
func IsRetryable(err error) bool {
	return ErrorTypeOf(err) == ErrorTypeConnection
}

// IsIntegrity reports whether the error is a tamper or corruption
// detection, which must never be silently retried.
func IsIntegrity(err error) bool {
	return ErrorTypeOf(err) == ErrorTypeIntegrity
}
