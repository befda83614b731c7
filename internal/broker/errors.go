package broker

import "errors"

// Domain-specific errors for broker control-plane operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrUnreachable indicates the control plane could not be reached.
	ErrUnreachable = errors.New("broker: control plane unreachable")

	// ErrUnauthorized indicates login failed or a token was rejected
	// even after one refresh.
	ErrUnauthorized = errors.New("broker: control plane rejected credentials")

	// ErrMalformedResponse indicates the control plane answered with a
	// body we could not interpret.
	ErrMalformedResponse = errors.New("broker: malformed control plane response")

	// ErrRequestFailed indicates an unexpected control-plane status code.
	ErrRequestFailed = errors.New("broker: control plane request failed")
)
