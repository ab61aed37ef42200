package client

import (
	"errors"
	"fmt"

	"github.com/morezero/porthos/pkg/pending"
)

var (
	// ErrTimeout is returned when no response arrives within the wait budget.
	ErrTimeout = pending.ErrTimeout
	// ErrCanceled is returned when a call is cancelled before it completes.
	ErrCanceled = pending.ErrCanceled
	// ErrExhausted is returned by sends when every correlation id is in use.
	ErrExhausted = pending.ErrExhausted
	// ErrClosed is returned by sends on a closed client.
	ErrClosed = errors.New("client: closed")
)

// TransportSetupError reports that the client could not attach to its
// transport: bad arguments or a failure to consume the reply destination.
type TransportSetupError struct {
	Service string
	Err     error
}

func (e *TransportSetupError) Error() string {
	return fmt.Sprintf("client: transport setup for %q failed: %v", e.Service, e.Err)
}

func (e *TransportSetupError) Unwrap() error { return e.Err }

// TransportIOError reports a failed publish.
type TransportIOError struct {
	Method      string
	Destination string
	Err         error
}

func (e *TransportIOError) Error() string {
	return fmt.Sprintf("client: publish %s to %s failed: %v", e.Method, e.Destination, e.Err)
}

func (e *TransportIOError) Unwrap() error { return e.Err }

// ContentTypeMismatchError is returned when a structured decode is requested
// on a response of another content type.
type ContentTypeMismatchError struct {
	Want string
	Got  string
}

func (e *ContentTypeMismatchError) Error() string {
	return fmt.Sprintf("client: response content type is %q, not %s", e.Got, e.Want)
}

// ServiceVersionError is returned by Response.CheckServiceVersion when the
// responder's version does not satisfy the constraint.
type ServiceVersionError struct {
	Version    string
	Constraint string
}

func (e *ServiceVersionError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("client: response carries no service version, want %s", e.Constraint)
	}
	return fmt.Sprintf("client: service version %s does not satisfy %s", e.Version, e.Constraint)
}
