package terminal

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes the controllers react to specifically.
const (
	CodeAlreadyExists = "already_exists"
	CodeNotFound      = "not_found"
)

// APIError is a non-2xx response from the coffee service.
type APIError struct {
	// Status is the HTTP status code of the response.
	Status int

	// Code is the machine-readable error code, when the service provided
	// one.
	Code string

	// Message is the human-readable error description.
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("terminal: %d %s: %s", e.Status, e.Code, e.Message)
	}

	return fmt.Sprintf("terminal: %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 response or carries the not_found
// code.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	return apiErr.Status == http.StatusNotFound || apiErr.Code == CodeNotFound
}

// IsAlreadyExists reports whether err carries the already_exists code.
func IsAlreadyExists(err error) bool {
	var apiErr *APIError

	return errors.As(err, &apiErr) && apiErr.Code == CodeAlreadyExists
}

// IsClientError reports whether err is a 4xx response.
func IsClientError(err error) bool {
	var apiErr *APIError

	return errors.As(err, &apiErr) && apiErr.Status >= http.StatusBadRequest && apiErr.Status < http.StatusInternalServerError
}
