package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection matches every ConnectionError via errors.Is.
	ErrConnection = errors.New("connection error")

	// ErrTransportClosed is recorded when the receive loop ends because the
	// transport reported the connection gone.
	ErrTransportClosed = errors.New("transport closed")

	// ErrAlreadyStreaming is returned by Start when the session is not idle.
	ErrAlreadyStreaming = errors.New("session already streaming")

	// ErrStillStopping is returned by Start when the handler of the previous
	// run stopped the session and has not returned yet.
	ErrStillStopping = errors.New("previous run still stopping")
)

// ConnectionError reports that the transport to Addr could not be established
// or the start command could not be sent.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}
