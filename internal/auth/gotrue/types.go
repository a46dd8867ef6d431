package gotrue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/felixgeelhaar/crust/internal/auth"
)

// User is the auth API's user record.
type User struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	Role             string         `json:"role"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	LastSignInAt     *time.Time     `json:"last_sign_in_at,omitempty"`
	AppMetadata      map[string]any `json:"app_metadata,omitempty"`
	UserMetadata     map[string]any `json:"user_metadata,omitempty"`
}

// tokenResponse is returned by both token grants.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

// session converts the response into an auth.Session. The access token is
// decoded without verification; the auth API is the authority on its own tokens.
func (r *tokenResponse) session(now time.Time) (*auth.Session, error) {
	if r.AccessToken == "" {
		return nil, auth.NewError(auth.ErrProviderResponse, "token response has no access token", nil)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(r.AccessToken, claims); err != nil {
		return nil, auth.WrapError(auth.ErrProviderResponse, "access token is not a JWT", err, nil)
	}

	userID := r.User.ID
	if userID == "" {
		userID, _ = claims.GetSubject()
	}
	if userID == "" {
		return nil, auth.NewError(auth.ErrProviderResponse, "token response has no user id", nil)
	}

	var expiresAt time.Time
	switch {
	case r.ExpiresAt > 0:
		expiresAt = time.Unix(r.ExpiresAt, 0)
	case r.ExpiresIn > 0:
		expiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	default:
		exp, err := claims.GetExpirationTime()
		if err != nil || exp == nil {
			return nil, auth.NewError(auth.ErrProviderResponse, "token response has no expiry", nil)
		}
		expiresAt = exp.Time
	}

	if _, ok := claims["email"]; !ok && r.User.Email != "" {
		claims["email"] = r.User.Email
	}

	return &auth.Session{
		UserID:       userID,
		ExpiresAt:    expiresAt.UTC(),
		RawClaims:    map[string]any(claims),
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
	}, nil
}

// errorResponse covers both error shapes the auth API uses.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"msg"`
	Code             any    `json:"code"`
}

func (e errorResponse) text() string {
	switch {
	case e.ErrorDescription != "":
		return e.ErrorDescription
	case e.Message != "":
		return e.Message
	default:
		return e.Error
	}
}

// APIError is a non-2xx response from the auth API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth API returned %d: %s", e.Status, e.Message)
}

// isRejected reports whether the API refused the request (4xx) rather than failing.
func isRejected(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500
	}
	return false
}

// parseResponse parses the response body into the target struct
func parseResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

		msg := string(body)
		var errResp errorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.text() != "" {
			msg = errResp.text()
		}

		apiErr := &APIError{Status: resp.StatusCode, Message: msg}
		code := auth.ErrProviderResponse
		switch {
		case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
			code = auth.ErrInvalidCredentials
		case resp.StatusCode >= 500:
			code = auth.ErrProviderUnavailable
		}
		return auth.WrapError(code, "auth API request failed", apiErr, map[string]any{"status": resp.StatusCode})
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return auth.WrapError(auth.ErrProviderResponse, "failed to decode response", err, nil)
		}
	}

	return nil
}
