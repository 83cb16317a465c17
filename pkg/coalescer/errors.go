package coalescer

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInterval = errors.New("flush interval must be positive")
	ErrNilHandler      = errors.New("batch handler must not be nil")
	ErrAlreadyRunning  = errors.New("coalescer is already running")
	ErrNotRunning      = errors.New("coalescer is not running")
)

// ConsumerError reports a batch handler that returned an error or panicked.
// The batch is not redelivered.
type ConsumerError struct {
	BatchSize int
	Err       error
	// Panic holds the recovered value when the handler panicked.
	Panic interface{}
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("batch handler failed on %d messages: %v", e.BatchSize, e.Err)
}

func (e *ConsumerError) Unwrap() error { return e.Err }
