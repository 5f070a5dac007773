package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCommand indicates a frame that is not an array of bulk strings
	ErrInvalidCommand = errors.New("invalid command format")

	// ErrInvalidArguments indicates a recognized command with unusable arguments
	ErrInvalidArguments = errors.New("invalid arguments")
)

// ProtocolError represents a RESP decoding failure. The stream cannot be
// resynchronized after one, so readers should be discarded.
type ProtocolError struct {
	Message string
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Message)
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}
