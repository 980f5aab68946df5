package bus

import (
	"errors"
	"fmt"
)

// ErrTransportClosed is returned by every operation after Close.
var ErrTransportClosed = errors.New("transport closed")

// TransportError wraps a connection or protocol failure talking to the log store.
type TransportError struct {
	Op     string
	Stream string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Stream, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SerializationError reports an envelope that could not be encoded, or a
// stream entry that could not be decoded. EntryID is set for reads so a
// loop can step past the bad entry.
type SerializationError struct {
	Stream  string
	EntryID string
	Err     error
}

func (e *SerializationError) Error() string {
	if e.EntryID == "" {
		return fmt.Sprintf("serialize envelope for %s: %v", e.Stream, e.Err)
	}
	return fmt.Sprintf("decode entry %s on %s: %v", e.EntryID, e.Stream, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
