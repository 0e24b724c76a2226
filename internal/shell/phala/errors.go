package phala

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedPayload is returned when a response body does not have the expected shape.
	ErrUnexpectedPayload = errors.New("unexpected control plane payload")

	// ErrMissingField is returned when a required response field is absent or empty.
	ErrMissingField = errors.New("required field missing from response")
)

// TransportError means no HTTP response was obtained: DNS, connect, TLS,
// timeout, or a body that could not be read.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// PayloadError describes a body that could not be decoded into the expected shape.
type PayloadError struct {
	Field string
	Err   error
}

func (e *PayloadError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return e.Err.Error()
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}
