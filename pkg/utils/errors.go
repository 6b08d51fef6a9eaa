package utils

import (
	"fmt"
	"runtime"
)

// AppError represents an application error with context
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	File       string `json:"file,omitempty"`
	Line       int    `json:"line,omitempty"`
	StackTrace string `json:"stack_trace,omitempty"`
	Cause      error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another AppError by code, so sentinel errors below work with errors.Is
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewAppError creates a new application error
func NewAppError(code, message string, details ...string) *AppError {
	_, file, line, _ := runtime.Caller(1)

	err := &AppError{
		Code:    code,
		Message: message,
		File:    file,
		Line:    line,
	}

	if len(details) > 0 {
		err.Details = details[0]
	}

	return err
}

// WrapError creates an application error that keeps cause in its chain
func WrapError(code, message string, cause error) *AppError {
	_, file, line, _ := runtime.Caller(1)

	err := &AppError{
		Code:    code,
		Message: message,
		File:    file,
		Line:    line,
		Cause:   cause,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// WithStackTrace adds stack trace to the error
func (e *AppError) WithStackTrace() *AppError {
	buf := make([]byte, 1024)
	n := runtime.Stack(buf, false)
	e.StackTrace = string(buf[:n])
	return e
}

// Common error codes
const (
	ErrCodeConnection    = "CONNECTION_ERROR"
	ErrCodeDatabase      = "DATABASE_ERROR"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternal      = "INTERNAL_ERROR"
	ErrCodeBlockchain    = "BLOCKCHAIN_ERROR"
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	ErrCodeProcessing    = "PROCESSING_ERROR"
	ErrCodeExternal      = "EXTERNAL_ERROR"

	ErrCodeChainUnavailable = "CHAIN_UNAVAILABLE"
	ErrCodeUnsupportedChain = "UNSUPPORTED_CHAIN"
	ErrCodeEvaluation       = "EVALUATION_ERROR"
	ErrCodePersistence      = "PERSISTENCE_ERROR"
	ErrCodeNotification     = "NOTIFICATION_ERROR"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeBlockNotFound    = "BLOCK_NOT_FOUND"
	ErrCodeReceiptPending   = "RECEIPT_PENDING"
)

// Sentinels for errors.Is
var (
	ErrChainUnavailable = &AppError{Code: ErrCodeChainUnavailable}
	ErrUnsupportedChain = &AppError{Code: ErrCodeUnsupportedChain}
	ErrEvaluation       = &AppError{Code: ErrCodeEvaluation}
	ErrPersistence      = &AppError{Code: ErrCodePersistence}
	ErrNotification     = &AppError{Code: ErrCodeNotification}
	ErrAlreadyExists    = &AppError{Code: ErrCodeAlreadyExists}
	ErrNotFound         = &AppError{Code: ErrCodeNotFound}
	ErrBlockNotFound    = &AppError{Code: ErrCodeBlockNotFound}
	ErrReceiptPending   = &AppError{Code: ErrCodeReceiptPending}
	ErrValidation       = &AppError{Code: ErrCodeValidation}
)
