package anio

import "fmt"

// APIError is the generic error for unexpected API responses (4xx/5xx
// that don't map to a more specific type).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("anio api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("anio api error: %s", e.Message)
}

// AuthError indicates failed authentication: bad credentials, an
// expired refresh token, or a 401 from any authenticated endpoint.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("anio auth error: %s", e.Message)
}

// OTPRequiredError is returned when login requires a 2FA code that
// was not supplied.
type OTPRequiredError struct{}

func (e *OTPRequiredError) Error() string {
	return "anio login requires an OTP code"
}

// RateLimitError indicates the rate-limit retry ceiling was exceeded.
type RateLimitError struct {
	RetryAfter int // seconds, 0 if the server did not say
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("anio rate limit exceeded, retry after %ds", e.RetryAfter)
	}
	return "anio rate limit exceeded"
}

// NotFoundError is returned for 404 responses. Some callers treat it
// as an empty result (geofence list, last location).
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("anio resource not found: %s", e.Resource)
}

// ConnectionError wraps a transport-level failure.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("anio connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// MessageTooLongError is raised before any network call when a chat
// message exceeds the device's maximum length.
type MessageTooLongError struct {
	Length    int
	MaxLength int
}

func (e *MessageTooLongError) Error() string {
	return fmt.Sprintf("message too long: %d characters (max %d)", e.Length, e.MaxLength)
}
