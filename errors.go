package lagoon

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrHTTP is a non-2xx response from the agent backend.
type ErrHTTP struct {
	Status int
	Body   string
	// RetryAfter is the parsed Retry-After header, or zero.
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrProtocol is a malformed or contract-violating frame from the backend
// (e.g. a tool_result for an unknown execution id). The reducer logs these
// and keeps consuming the stream; it never fails a turn over one bad frame.
type ErrProtocol struct {
	Kind    EventKind
	Message string
}

func (e *ErrProtocol) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Kind, e.Message)
}

// isAbort reports whether err is a user-initiated cancellation rather than a
// genuine transport failure. Stopping is not an error: an aborted stream
// produces no Error event and no visible error message.
func isAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}
