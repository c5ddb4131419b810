// Package errors provides structured error types for forge.
package errors

import (
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for forge.
const (
	// Command errors
	CodeInvalidCommand Code = "INVALID_COMMAND"

	// Session errors
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeSessionBusy     Code = "SESSION_BUSY"
	CodeStorage         Code = "STORAGE_ERROR"

	// Provider errors
	CodeProvider        Code = "PROVIDER_ERROR"
	CodeProviderUnknown Code = "PROVIDER_UNKNOWN"

	// Configuration errors
	CodeConfigInvalid     Code = "CONFIG_INVALID"
	CodeContextInvalid    Code = "CONTEXT_INVALID"
	CodeProfileUnknown    Code = "PROFILE_UNKNOWN"
	CodeInternalInvariant Code = "INTERNAL_INVARIANT"
)

// Exit codes when forge runs as a process.
const (
	ExitOK            = 0
	ExitWorkflowError = 1
	ExitInvalid       = 2
	ExitConfig        = 3
	ExitNotFound      = 4
)

// codeExits maps error codes to process exit codes.
var codeExits = map[Code]int{
	CodeInvalidCommand:    ExitInvalid,
	CodeSessionNotFound:   ExitNotFound,
	CodeSessionBusy:       ExitInvalid,
	CodeStorage:           ExitWorkflowError,
	CodeProvider:          ExitWorkflowError,
	CodeProviderUnknown:   ExitConfig,
	CodeConfigInvalid:     ExitConfig,
	CodeContextInvalid:    ExitConfig,
	CodeProfileUnknown:    ExitConfig,
	CodeInternalInvariant: ExitWorkflowError,
}

// ForgeError is the structured error type for forge.
type ForgeError struct {
	Code  Code
	What  string
	Fix   string
	Cause error
}

// Error implements the error interface.
func (e *ForgeError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *ForgeError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-facing message for CLI output.
func (e *ForgeError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.Error())
	if e.Fix != "" {
		b.WriteString("\n")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// ExitCode returns the process exit code for this error.
func (e *ForgeError) ExitCode() int {
	if code, ok := codeExits[e.Code]; ok {
		return code
	}
	return ExitWorkflowError
}

// Is reports whether target is a ForgeError with the same code.
func (e *ForgeError) Is(target error) bool {
	t, ok := target.(*ForgeError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}
