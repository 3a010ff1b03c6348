package http

import (
	"errors"
	"net/http"
	"strings"

	"parcelgate/internal/mrs"
)

type httpError struct {
	status  int
	message string
}

// errorPayload is the body of every error response.
type errorPayload struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

func (e *httpError) payload() errorPayload {
	p := errorPayload{StatusCode: e.status, Error: http.StatusText(e.status), Message: e.message}
	if p.Message == "" {
		p.Message = p.Error
	}
	return p
}

// classify maps core errors to HTTP statuses. Only validation and not found
// messages reach the client; server side failures are reported generically.
func classify(err error) *httpError {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return &httpError{status: http.StatusRequestEntityTooLarge, message: "request body too large"}
	case errors.Is(err, mrs.ErrValidation):
		return &httpError{status: http.StatusBadRequest, message: clientMessage(err)}
	case errors.Is(err, mrs.ErrPolicyDenied):
		return &httpError{status: http.StatusForbidden}
	case errors.Is(err, mrs.ErrNotFound):
		return &httpError{status: http.StatusNotFound, message: clientMessage(err)}
	case errors.Is(err, mrs.ErrUpstream):
		return &httpError{status: http.StatusBadGateway, message: "cadastre service unavailable"}
	default:
		return &httpError{status: http.StatusInternalServerError, message: "an internal server error occurred"}
	}
}

func clientMessage(err error) string {
	return strings.TrimPrefix(err.Error(), "mrs: ")
}
