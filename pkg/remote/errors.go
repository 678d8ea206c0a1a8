package remote

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoPublisher is returned by Select when no hosting service is usable
var ErrNoPublisher = errors.New("no remote publisher available")

// RemoteAPIError is a failed call to the hosting service or its CLI.
// Transient errors (network failures, 5xx, rate limits) are retried with
// backoff; everything else is returned to the caller straight away.
type RemoteAPIError struct {
	Op         string
	StatusCode int
	Message    string
	Transient  bool
	Err        error
}

func (e *RemoteAPIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "remote %s failed", e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *RemoteAPIError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	var apiErr *RemoteAPIError
	return errors.As(err, &apiErr) && apiErr.Transient
}

// IsUnauthorized reports whether the hosting service rejected the credentials
func IsUnauthorized(err error) bool {
	var apiErr *RemoteAPIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 401
}

// transientStatus reports whether an HTTP status is worth retrying
func transientStatus(status int, message string) bool {
	switch {
	case status >= 500, status == 429:
		return true
	case status == 403:
		lower := strings.ToLower(message)
		return strings.Contains(lower, "rate limit") || strings.Contains(lower, "abuse detection")
	default:
		return false
	}
}
