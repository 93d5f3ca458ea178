package instrument

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a member name is not known to an instrument.
	ErrNotFound = errors.New("member not found")
	// ErrClosed is returned by any operation on an instrument after it was closed.
	ErrClosed = errors.New("instrument is closed")
	// ErrUsage is returned when a proxy is called with the wrong shape of arguments.
	ErrUsage = errors.New("invalid call")
)

// RemoteError is a failure raised by the server while executing a request.
// Transports return it as-is so that the kind and message survive the round trip.
type RemoteError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}
