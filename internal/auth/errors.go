package auth

import (
	"errors"
	"fmt"
)

// Error codes for authentication failures
const (
	// Provider errors
	ErrInvalidCredentials  = "AUTH_INVALID_CREDENTIALS"
	ErrProviderUnavailable = "AUTH_PROVIDER_UNAVAILABLE"
	ErrProviderResponse    = "AUTH_PROVIDER_RESPONSE"

	// Session errors
	ErrSessionExpired = "AUTH_SESSION_EXPIRED"
	ErrSessionInvalid = "AUTH_SESSION_INVALID"
	ErrRefreshFailed  = "AUTH_REFRESH_FAILED"
	ErrNoRefreshToken = "AUTH_NO_REFRESH_TOKEN"

	// Artifact errors
	ErrArtifactStoreFailed = "AUTH_ARTIFACT_STORE_FAILED"
	ErrArtifactCorrupt     = "AUTH_ARTIFACT_CORRUPT"

	// Profile errors
	ErrProfileMissing     = "AUTH_PROFILE_NOT_FOUND"
	ErrProfileFetchFailed = "AUTH_PROFILE_FETCH_FAILED"
)

// ErrProfileNotFound is returned by ProfileFetcher implementations when the
// store has no row for the user.
var ErrProfileNotFound = NewError(ErrProfileMissing, "profile not found", nil)

// AuthError represents an authentication error with code and context.
type AuthError struct {
	// Code is the error code (e.g., AUTH_SESSION_EXPIRED)
	Code string

	// Message is a human-readable error message
	Message string

	// Context provides additional details about the error
	Context map[string]any

	// Cause is the underlying error that caused this error
	Cause error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *AuthError) ErrorCode() string {
	return e.Code
}

// Is matches on code so sentinel values like ErrProfileNotFound work with errors.Is.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Code == e.Code
}

// NewError creates a new AuthError.
func NewError(code, message string, context map[string]any) *AuthError {
	return &AuthError{
		Code:    code,
		Message: message,
		Context: context,
	}
}

// WrapError wraps an existing error with an AuthError.
func WrapError(code, message string, cause error, context map[string]any) *AuthError {
	return &AuthError{
		Code:    code,
		Message: message,
		Context: context,
		Cause:   cause,
	}
}

// IsAuthError checks if an error is, or wraps, an AuthError with the given code.
func IsAuthError(err error, code string) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Code == code
	}
	return false
}
