package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAddress is returned by Activate when the address is not an
	// absolute URI with a registered transport scheme.
	ErrInvalidAddress = errors.New("invalid stream address")
	// ErrNilHandler is returned by Activate when no message handler is given.
	ErrNilHandler = errors.New("message handler must not be nil")
)

// ConnectionError reports that a connection could not be established or was
// lost. It always accompanies a transition to StateClosed.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DecodeError reports a frame that could not be decoded. The frame is dropped
// and the connection stays open.
type DecodeError struct {
	FrameID string
	Source  string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.FrameID == "" {
		return fmt.Sprintf("failed to decode frame from %q: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("failed to decode frame %s from %q: %v", e.FrameID, e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
