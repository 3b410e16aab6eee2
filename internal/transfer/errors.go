package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransientError represents retryable transport failures: timeouts,
// connection resets, 5xx responses and overload rejections.
type TransientError struct {
	Operation string // The operation that failed (e.g. "fetch_file", "resolve_location")
	Err       error  // Underlying error, if any
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Operation, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RejectedError represents a deliberate upstream refusal: authentication or
// authorization failures and availability restrictions. Never retried.
type RejectedError struct {
	Operation  string // The operation the upstream refused
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP rejections)
	APIMessage string // Error message from the API, if any
	Err        error  // Underlying error, if any
}

func (e *RejectedError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream rejected %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("upstream rejected %s: %s", e.Operation, e.APIMessage)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// IntegrityError represents a file that transferred fully but failed
// post-transfer validation. The temp file is discarded by the caller.
type IntegrityError struct {
	Path   string // The file that failed validation
	Reason string // Human-readable explanation
	Err    error  // Underlying error, if any
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: %s", e.Path, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying: an explicit
// TransientError, a network timeout, or a deadline expiry.
func IsTransient(err error) bool {
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}
