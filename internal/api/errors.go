package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotFound is matched by a 404 on a single-resource lookup.
	ErrNotFound = errors.New("resource not found")
	// ErrUnauthorized is matched by a 401 that survived one token refresh.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTimeout wraps context.DeadlineExceeded for a request that ran past its bound.
	ErrTimeout = errors.New("request timed out")
	// ErrCircuitOpen is returned without a network call while the breaker is open.
	ErrCircuitOpen = errors.New("service temporarily unavailable")
)

// ErrorKind classifies an APIError for callers that render it.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindConflict     ErrorKind = "conflict"
	KindUnauthorized ErrorKind = "unauthorized"
	KindNotFound     ErrorKind = "not_found"
	KindServer       ErrorKind = "server"
	KindOther        ErrorKind = "other"
)

// APIError is returned when the FitSync API returns an error response.
// Message is the server's own message, suitable for showing to the user as is.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Is lets errors.Is match the sentinel errors by status code.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// Kind classifies the error by status code.
func (e *APIError) Kind() ErrorKind {
	switch {
	case e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity:
		return KindValidation
	case e.StatusCode == http.StatusConflict:
		return KindConflict
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return KindUnauthorized
	case e.StatusCode == http.StatusNotFound:
		return KindNotFound
	case e.StatusCode >= 500:
		return KindServer
	default:
		return KindOther
	}
}

// NewAPIError builds an APIError from a response, extracting the server's
// message from a {"message": ...} or {"error": ...} body when present.
func NewAPIError(status int, body []byte) *APIError {
	return &APIError{
		StatusCode: status,
		Message:    errorMessage(status, body),
		Body:       body,
	}
}

func errorMessage(status int, body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return http.StatusText(status)
}

// UserMessage returns the text to show for err: the server's message for an
// APIError, a fixed phrase for the sentinels, and err.Error() otherwise.
func UserMessage(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &apiErr):
		return apiErr.Message
	case errors.Is(err, ErrTimeout):
		return "The request timed out. Please try again."
	case errors.Is(err, ErrCircuitOpen):
		return "The service is temporarily unavailable. Please try again shortly."
	case errors.Is(err, ErrUnauthorized):
		return "Your session has expired. Please log in again."
	default:
		return err.Error()
	}
}
