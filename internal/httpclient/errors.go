package httpclient

import (
	"errors"
	"fmt"
)

// Failure classes reported by Client. Callers match them with errors.Is.
var (
	ErrNetwork = errors.New("network failure")
	ErrDecode  = errors.New("decode failure")
)

// NetworkError reports a connection, timeout or HTTP status failure after
// the retry budget is spent.
type NetworkError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s: status %d after %d attempt(s)", e.URL, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("GET %s: %v after %d attempt(s)", e.URL, e.Err, e.Attempts)
}

// Unwrap exposes the underlying transport error.
func (e *NetworkError) Unwrap() error { return e.Err }

// Is matches ErrNetwork.
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// DecodeError reports a body that is not valid JSON for the requested shape.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.URL, e.Err)
}

// Unwrap exposes the JSON error.
func (e *DecodeError) Unwrap() error { return e.Err }

// Is matches ErrDecode.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// statusError carries a non-2xx response code between attempts.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}
