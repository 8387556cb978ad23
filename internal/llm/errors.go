package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx reply from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("llm API error (status %d): %s", e.StatusCode, body)
}

// StatusCode extracts the HTTP status from err, or 0 when err is not an APIError.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsBadRequest reports whether the provider rejected the request shape.
// These are not retried; the caller may fall back to a tool-less request.
func IsBadRequest(err error) bool {
	code := StatusCode(err)
	return code == http.StatusBadRequest || code == http.StatusUnprocessableEntity
}

// IsTransient reports whether err is worth retrying: transport failures,
// rate limiting and server-side errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	code := StatusCode(err)
	switch {
	case code == 0:
		return true
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 500:
		return true
	}
	return false
}
