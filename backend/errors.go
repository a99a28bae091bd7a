package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// NetworkError wraps a transport or serialization failure. The request may
// never have reached the backend, so callers are free to retry.
type NetworkError struct {
	Cause error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Cause)
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// Error is a structured error returned by the backend itself.
type Error struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend error %d (http %d): %s", e.Code, e.StatusCode, e.Message)
}

// Finishable reports whether the platform transaction that triggered the
// failing request should be finished anyway. Server-side failures may
// succeed on a retry, so the transaction is kept pending; client errors
// will fail the same way every time, and an unfinishable transaction would
// stay stuck in the queue forever.
func (e *Error) Finishable() bool {
	return e.StatusCode < http.StatusInternalServerError
}

// ShouldFinishTransaction reports whether the platform transaction behind
// a failed receipt post should be finished despite the failure. Transport
// failures and malformed responses keep the transaction pending for retry.
func ShouldFinishTransaction(err error) bool {
	var backendErr *Error
	if errors.As(err, &backendErr) {
		return backendErr.Finishable()
	}
	return false
}

// UnexpectedResponseError marks a well-formed HTTP success whose body did
// not match the documented shape. Retrying won't help; the mismatch is
// logged and surfaced as-is.
type UnexpectedResponseError struct {
	Cause error
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("unexpected backend response: %v", e.Cause)
}

func (e *UnexpectedResponseError) Unwrap() error {
	return e.Cause
}
