// Package errs defines the error taxonomy shared by the REST client,
// the transport, and the control API.
package errs

import (
	"errors"
	"fmt"
)

// NetworkError indicates the backend was unreachable. Retry-eligible.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthenticationError indicates an expired or invalid credential.
// Not recoverable by retry; the caller must re-authenticate.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return "authentication failed"
	}
	return "authentication failed: " + e.Message
}

// ValidationError indicates bad input that must be corrected by the user
// (empty message, oversized file). Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ApiError carries a non-2xx response and the server's message.
type ApiError struct {
	StatusCode int
	Message    string
}

func (e *ApiError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

// Permanent reports whether the condition will not clear on retry.
func (e *ApiError) Permanent() bool {
	switch e.StatusCode {
	case 400, 403, 404, 409, 410, 422:
		return true
	}
	return false
}

// UploadError indicates an attachment transfer failed after it started.
type UploadError struct {
	Message string
	Err     error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upload failed: %s: %v", e.Message, e.Err)
	}
	return "upload failed: " + e.Message
}

func (e *UploadError) Unwrap() error { return e.Err }

// CancelledError indicates the caller aborted an upload mid-transfer.
type CancelledError struct {
	Op string
}

func (e *CancelledError) Error() string {
	return e.Op + " cancelled"
}

// IsRetryable reports whether a send guarded by err should be retried
// automatically. Validation, authentication, and permanent API errors
// are excluded from the automatic-retry path.
func IsRetryable(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var ae *AuthenticationError
	if errors.As(err, &ae) {
		return false
	}
	var ce *CancelledError
	if errors.As(err, &ce) {
		return false
	}
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return !apiErr.Permanent()
	}
	return true
}
