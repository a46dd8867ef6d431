package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// Session errors (SESSION-001 to SESSION-099)
	ErrCodeSessionNotFound       ErrorCode = "SESSION-001"
	ErrCodeSessionExpired        ErrorCode = "SESSION-002"
	ErrCodeSessionRefreshFailed  ErrorCode = "SESSION-003"
	ErrCodeSessionNotInitialized ErrorCode = "SESSION-004"
	ErrCodeSessionSuspended      ErrorCode = "SESSION-005"

	// Profile errors (PROFILE-001 to PROFILE-099)
	ErrCodeProfileNotFound    ErrorCode = "PROFILE-001"
	ErrCodeProfileFetchFailed ErrorCode = "PROFILE-002"
	ErrCodeProfileSource      ErrorCode = "PROFILE-003"

	// Backend errors (BACKEND-001 to BACKEND-099)
	ErrCodeBackendUnreachable ErrorCode = "BACKEND-001"
	ErrCodeBackendAuth        ErrorCode = "BACKEND-002"
	ErrCodeBackendResponse    ErrorCode = "BACKEND-003"

	// Configuration errors (CONFIG-001 to CONFIG-099)
	ErrCodeConfigLoad    ErrorCode = "CONFIG-001"
	ErrCodeConfigInvalid ErrorCode = "CONFIG-002"
	ErrCodeConfigWrite   ErrorCode = "CONFIG-003"

	// File I/O errors (IO-001 to IO-099)
	ErrCodeFileNotFound    ErrorCode = "IO-001"
	ErrCodeFileReadFailed  ErrorCode = "IO-002"
	ErrCodeFileWriteFailed ErrorCode = "IO-003"
	ErrCodeDirectoryFailed ErrorCode = "IO-004"
	ErrCodeFileUnmarshal   ErrorCode = "IO-005"
	ErrCodeFileMarshal     ErrorCode = "IO-006"
)

const docsBase = "https://github.com/felixgeelhaar/crust"

// CrustError represents an enhanced error with code, suggestions, and documentation
type CrustError struct {
	Code        ErrorCode
	Message     string
	Suggestions []string
	DocsURL     string
	Cause       error
}

// Error implements the error interface
func (e *CrustError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	if e.DocsURL != "" {
		b.WriteString(fmt.Sprintf("\n\nDocumentation: %s", e.DocsURL))
	}

	return b.String()
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *CrustError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the code as a plain string so loggers can pick it up
// without importing this package.
func (e *CrustError) ErrorCode() string {
	return string(e.Code)
}

// New creates a new CrustError
func New(code ErrorCode, message string) *CrustError {
	return &CrustError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CrustError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *CrustError {
	return &CrustError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithSuggestion adds a suggestion to the error
func (e *CrustError) WithSuggestion(suggestion string) *CrustError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithSuggestions adds multiple suggestions to the error
func (e *CrustError) WithSuggestions(suggestions ...string) *CrustError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithDocs adds a documentation URL to the error
func (e *CrustError) WithDocs(url string) *CrustError {
	e.DocsURL = url
	return e
}

// Common error constructors for frequently used errors

// NewSessionNotFoundError is returned by commands that need a signed-in user.
func NewSessionNotFoundError() *CrustError {
	return New(ErrCodeSessionNotFound, "no active session").
		WithSuggestion("Run 'crust auth login' to sign in").
		WithDocs(docsBase + "#authentication")
}

// NewSessionExpiredError creates a session expired error
func NewSessionExpiredError(cause error) *CrustError {
	return Wrap(ErrCodeSessionExpired, "session expired", cause).
		WithSuggestion("Run 'crust auth login' to sign in again").
		WithDocs(docsBase + "#authentication")
}

// NewSessionSuspendedError is returned when the profile is suspended.
func NewSessionSuspendedError(username string) *CrustError {
	msg := "account is suspended"
	if username != "" {
		msg = fmt.Sprintf("account %q is suspended", username)
	}
	return New(ErrCodeSessionSuspended, msg).
		WithSuggestion("Contact the site moderators to have the suspension reviewed")
}

// NewBackendUnreachableError creates a backend connectivity error
func NewBackendUnreachableError(url string, cause error) *CrustError {
	return Wrap(ErrCodeBackendUnreachable, fmt.Sprintf("backend unreachable: %s", url), cause).
		WithSuggestion("Check the backend.url setting or the CRUST_BACKEND_URL environment variable").
		WithSuggestion("Run 'crust serve' and query /health/ready to see backend status").
		WithDocs(docsBase + "#configuration")
}

// NewBackendAuthError creates an error for a rejected anon key or token
func NewBackendAuthError(cause error) *CrustError {
	return Wrap(ErrCodeBackendAuth, "backend rejected credentials", cause).
		WithSuggestion("Set the CRUST_BACKEND_ANON_KEY environment variable").
		WithSuggestion("Check that your anon key belongs to the configured project")
}

// NewProfileSourceError creates an unknown profile source error
func NewProfileSourceError(source string) *CrustError {
	return New(ErrCodeProfileSource, fmt.Sprintf("unknown profile source: %s", source)).
		WithSuggestion("Use one of: rest, postgres")
}

// NewConfigInvalidError creates a configuration validation error
func NewConfigInvalidError(details string) *CrustError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", details)).
		WithSuggestion("Run 'crust config show' to inspect the effective configuration").
		WithSuggestion("Run 'crust config init' to write a fresh config file").
		WithDocs(docsBase + "#configuration")
}

// NewFileNotFoundError creates a file not found error
func NewFileNotFoundError(path string) *CrustError {
	return New(ErrCodeFileNotFound, fmt.Sprintf("file not found: %s", path)).
		WithSuggestion("Check if the file path is correct").
		WithSuggestion("Verify the file exists and you have read permissions")
}

// NewFileUnmarshalError creates an unmarshal error
func NewFileUnmarshalError(path string, format string, cause error) *CrustError {
	return Wrap(ErrCodeFileUnmarshal, fmt.Sprintf("failed to parse %s file: %s", format, path), cause).
		WithSuggestion("Check the file syntax and format").
		WithSuggestion(fmt.Sprintf("Ensure the file is valid %s", format))
}

// HasCode reports whether err (or anything it wraps) is a CrustError with the given code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if ce, ok := err.(*CrustError); ok && ce.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
