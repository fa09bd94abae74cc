package errs

import (
	"fmt"
	"net/http"

	"github.com/Gthulhu/fleet/domain"
	"github.com/pkg/errors"
)

type HTTPStatusError struct {
	StatusCode  int
	Message     string
	OriginalErr error
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("(status %d) %s: %v", e.StatusCode, e.Message, e.OriginalErr)
}

func NewHTTPStatusError(statusCode int, message string, originalErr error) *HTTPStatusError {
	return &HTTPStatusError{
		StatusCode:  statusCode,
		Message:     message,
		OriginalErr: originalErr,
	}
}

func IsHTTPStatusError(err error) (*HTTPStatusError, bool) {
	if err == nil {
		return nil, false
	}
	err = errors.Cause(err)
	httpErr, ok := err.(*HTTPStatusError)
	return httpErr, ok
}

// StatusFor maps a domain error to its HTTP status code. Errors outside the
// taxonomy map to 500.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRegistration):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownContainer), errors.Is(err, domain.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNoCapacity):
		return http.StatusConflict
	case errors.Is(err, domain.ErrExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
