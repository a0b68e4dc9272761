package gear

import (
	"errors"
	"fmt"
)

// Sentinel error kinds surfaced at the API boundary (spec.md §7). Use
// errors.Is to test for these; ConnectionError additionally carries the
// host/port that failed and unwraps to the underlying dial error.
var (
	// ErrNoConnectedServers is returned by operations that require at
	// least one active connection when none is currently available.
	ErrNoConnectedServers = errors.New("gear: no connected servers")

	// ErrTimeout is returned when a correlated response, an echo, or a
	// waiter did not arrive within the caller's budget.
	ErrTimeout = errors.New("gear: timed out waiting for response")

	// ErrInterrupted is returned to a blocked Worker.GetJob call that was
	// released by StopWaitingForJobs or Shutdown.
	ErrInterrupted = errors.New("gear: interrupted waiting for job")

	// ErrUnknownJob is returned when a response references a job handle
	// that is not present in the connection's related-jobs map.
	ErrUnknownJob = errors.New("gear: unknown job")

	// ErrInvalidData indicates malformed packet data: a bad magic byte or
	// a type/argument mismatch.
	ErrInvalidData = errors.New("gear: invalid protocol data")

	// ErrConfiguration indicates a caller-side configuration error: a
	// duplicate server, an invalid precedence value, or a partial TLS
	// configuration.
	ErrConfiguration = errors.New("gear: invalid configuration")

	// ErrProtocolFailure is a generic protocol-level failure, such as
	// submitJob exhausting every active connection without success.
	ErrProtocolFailure = errors.New("gear: protocol failure")
)

// ConnectionError reports a failure to open a socket to a server, after
// every resolved address candidate has been exhausted.
type ConnectionError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("gear: unable to connect to %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
