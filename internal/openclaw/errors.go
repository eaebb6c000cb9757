package openclaw

import (
	"fmt"
)

// AuthError reports a 401/403 from the gateway: the gateway token or the
// Cloudflare Access service token was rejected.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gateway rejected credentials (HTTP %d)", e.Status)
}

// UnavailableError reports that the gateway could not be reached or did
// not answer in time: connection failures, timeouts, and 5xx responses.
// Transient; the caller surfaces it without retrying.
type UnavailableError struct {
	Status int   // 0 for connection-level failures
	Err    error // underlying transport error, if any
	Body   string
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway unreachable: %v", e.Err)
	}
	return fmt.Sprintf("gateway unavailable (HTTP %d)", e.Status)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// UpstreamError reports any other non-2xx response, carrying the status
// and a body excerpt for diagnostics.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("gateway error (HTTP %d): %s", e.Status, e.Body)
}

// TokenLimitError reports that the gateway stopped generation because the
// response hit the token limit (finish_reason "length").
type TokenLimitError struct {
	Tokens int
}

func (e *TokenLimitError) Error() string {
	return fmt.Sprintf("token length (%d) exceeded; raise the gateway's maximum tokens", e.Tokens)
}

// statusError maps a non-2xx response to a typed error.
func statusError(status int, body string) error {
	switch {
	case status == 401 || status == 403:
		return &AuthError{Status: status, Body: body}
	case status >= 500:
		return &UnavailableError{Status: status, Body: body}
	default:
		return &UpstreamError{Status: status, Body: body}
	}
}
