package model

import (
	"errors"
	"fmt"
)

// Stable error codes reported to callers.
const (
	CodeInvalidJobID             = "INVALID_JOB_ID"
	CodeInvalidArtifactCount     = "INVALID_ARTIFACT_COUNT"
	CodeJobNotFound              = "JOB_NOT_FOUND"
	CodeResourceExhausted        = "RESOURCE_EXHAUSTED"
	CodeSequenceValidationFailed = "SEQUENCE_VALIDATION_FAILED"

	CodeJobAlreadyActive       = "JOB_ALREADY_ACTIVE"
	CodeJobAlreadyTerminal     = "JOB_ALREADY_TERMINAL"
	CodeJobFailed              = "JOB_FAILED"
	CodeSequenceAlreadyRunning = "SEQUENCE_ALREADY_RUNNING"
	CodeSequenceCancelled      = "SEQUENCE_CANCELLED"
	CodeSequenceStepFailed     = "SEQUENCE_STEP_FAILED"
	CodeSequenceStepTimeout    = "SEQUENCE_STEP_TIMEOUT"
	CodeInvalidPayload         = "INVALID_PAYLOAD"
)

// Error is a caller-facing failure with a stable code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FieldError builds an *Error attributed to a request field.
func FieldError(code, field, message string) *Error {
	return &Error{Code: code, Message: message, Field: field}
}

// CodeOf returns the stable code carried by err, or "" when err has none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AsError returns err as an *Error, wrapping uncoded errors under fallback.
func AsError(err error, fallback string) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: fallback, Message: err.Error()}
}
