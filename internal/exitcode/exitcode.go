package exitcode

import (
	"errors"
	"os"
	"strings"

	"github.com/felixgeelhaar/crust/internal/auth"
	crusterrors "github.com/felixgeelhaar/crust/internal/errors"
)

// Exit codes for consistent error handling across the CLI
const (
	// Success indicates successful execution
	Success = 0

	// GeneralError indicates a general error condition
	GeneralError = 1

	// UsageError indicates invalid command usage (bad flags, missing args, etc.)
	UsageError = 2

	// ConfigError indicates a missing or invalid configuration
	ConfigError = 3

	// Suspended indicates the signed-in account is suspended
	Suspended = 4

	// AuthError indicates an authentication failure or a missing session
	AuthError = 5

	// NetworkError indicates the backend could not be reached
	NetworkError = 6

	// Interrupted indicates the user cancelled with Ctrl+C
	Interrupted = 130
)

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError exits with an appropriate code based on error type
func ExitWithError(err error) {
	Exit(DetermineExitCode(err))
}

// DetermineExitCode maps structured error codes first and falls back to
// matching the message for errors that carry none (cobra usage errors).
func DetermineExitCode(err error) int {
	if err == nil {
		return Success
	}

	var ce *crusterrors.CrustError
	if errors.As(err, &ce) {
		switch {
		case ce.Code == crusterrors.ErrCodeSessionSuspended:
			return Suspended
		case ce.Code == crusterrors.ErrCodeBackendUnreachable:
			return NetworkError
		case strings.HasPrefix(string(ce.Code), "SESSION-"), ce.Code == crusterrors.ErrCodeBackendAuth:
			return AuthError
		case strings.HasPrefix(string(ce.Code), "CONFIG-"), ce.Code == crusterrors.ErrCodeProfileSource:
			return ConfigError
		}
	}

	var ae *auth.AuthError
	if errors.As(err, &ae) {
		switch ae.Code {
		case auth.ErrProviderUnavailable:
			return NetworkError
		case auth.ErrProviderResponse, auth.ErrArtifactStoreFailed, auth.ErrProfileFetchFailed:
			return GeneralError
		default:
			return AuthError
		}
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "connection refused"), strings.Contains(errMsg, "no such host"),
		strings.Contains(errMsg, "timeout"), strings.Contains(errMsg, "unreachable"):
		return NetworkError
	case strings.Contains(errMsg, "unknown flag"), strings.Contains(errMsg, "invalid flag"),
		strings.Contains(errMsg, "unknown command"), strings.Contains(errMsg, "required flag"),
		strings.Contains(errMsg, "accepts "), strings.Contains(errMsg, "missing argument"):
		return UsageError
	}

	return GeneralError
}

// GetExitCodeDescription returns a human-readable description of an exit code
func GetExitCodeDescription(code int) string {
	switch code {
	case Success:
		return "Success"
	case GeneralError:
		return "General error"
	case UsageError:
		return "Usage error (invalid flags or arguments)"
	case ConfigError:
		return "Configuration error"
	case Suspended:
		return "Account suspended"
	case AuthError:
		return "Authentication error"
	case NetworkError:
		return "Network error"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown error"
	}
}
