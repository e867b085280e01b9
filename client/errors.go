package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when emitting without an open live channel.
	ErrNotConnected = errors.New("client: live channel not connected")
	// ErrUnresolvedIdentity is returned when an operation needs the user id
	// but the session only holds the placeholder.
	ErrUnresolvedIdentity = errors.New("client: user id is unresolved")
	// ErrInvalidKind is returned by SendMedia for kinds other than IMAGE and AUDIO.
	ErrInvalidKind = errors.New("client: media kind must be IMAGE or AUDIO")
	// ErrViewClosed is returned by operations on a closed HistoryView.
	ErrViewClosed = errors.New("client: history view is closed")
	// ErrNoSession is returned when an operation needs a session and there is none.
	ErrNoSession = errors.New("client: not logged in")
	// ErrResponseTooLarge is returned when a response body exceeds the read limit.
	ErrResponseTooLarge = errors.New("client: response too large")
)

// APIError is a non-2xx response from the messaging backend.
// Callers can use errors.As to extract it:
//
//	var apiErr *APIError
//	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized { ... }
type APIError struct {
	// Code is the backend's machine-readable error code, if any.
	Code string `json:"code"`
	// Message is the human-readable error description.
	Message string `json:"error"`
	// StatusCode is the HTTP status code of the response.
	StatusCode int `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("backend: %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsAPIError checks whether err is an *APIError with the given code.
func IsAPIError(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// IsStatus checks whether err is an *APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == status
	}
	return false
}
