package katcp

import (
	"errors"
	"fmt"
)

// Sentinel errors for the error kinds enumerated in spec.md section 7 that
// carry no additional data. SyntaxError (codec.go) and VersionError carry
// data and are defined as their own types below.
var (
	// ErrNotConnected is returned by Send when the connection engine is
	// not in the Connected state.
	ErrNotConnected = errors.New("katcp: not connected")

	// ErrSendFailed is returned when a socket write fails; it also
	// triggers a disconnect of the owning Conn.
	ErrSendFailed = errors.New("katcp: send failed")

	// ErrTimeout is returned by BlockingClient.BlockingRequest when no
	// reply arrives within the requested window.
	ErrTimeout = errors.New("katcp: request timed out")

	// ErrStopped is delivered to outstanding async requests when the
	// client is stopped before their reply arrives.
	ErrStopped = errors.New("katcp: client stopped before reply was received")

	// ErrAlreadyStarted is returned by Start if the connection engine's
	// I/O loop is already running.
	ErrAlreadyStarted = errors.New("katcp: connection already started")

	// ErrNotStarted is returned by Stop/Join if Start was never called.
	ErrNotStarted = errors.New("katcp: connection not started")

	// ErrJoinTimeout is returned by Stop/Join when the I/O loop and its
	// workers do not exit within the requested deadline.
	ErrJoinTimeout = errors.New("katcp: timed out waiting for shutdown")
)

// VersionError is returned when a caller requests a message identifier
// (MID) on a connection whose server has not advertised MID support.
type VersionError struct {
	Reason string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("katcp: version error: %s", e.Reason)
}

// CallbackError wraps a panic the Dispatcher recovered from a
// reply/inform/request handler. It is logged, not propagated. A panic in
// the on-connected upcall is recovered and logged by Conn without a
// CallbackError, and also triggers a disconnect.
type CallbackError struct {
	Handler string
	Message Message
	Cause   any
	Stack   []byte
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("katcp: callback %q panicked: %v", e.Handler, e.Cause)
}
