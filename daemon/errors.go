package daemon

import (
	"errors"
	"fmt"
)

// ErrDownlinkUnavailable is the distinct sentinel for the NAMED -> SERVING transition when a
// tunnel's Downlink() is nil, kept separate from a generic "connection closed" error.
var ErrDownlinkUnavailable = errors.New("daemon: tunnel has no downlink")

// ErrAuthRefused marks an AuthenticationHandler's refusal by the remote peer. Lifecycle-wise it
// is equivalent to ErrAuthHandlingFailed: the tunnel is dropped silently, without emitting
// authenticated or disconnected-with-name events.
var ErrAuthRefused = errors.New("daemon: authentication refused by peer")

// ErrAuthHandlingFailed marks a local authentication failure (our side's handling of the
// handshake broke), as distinct from the peer actively refusing. Logged at warn rather than
// debug; otherwise handled identically to ErrAuthRefused.
var ErrAuthHandlingFailed = errors.New("daemon: authentication handling failed")

// FatalError is the one error kind that escapes a tunnel's lifecycle and propagates to the
// Daemon's Run loop, terminating it. Every other error a lifecycle stage returns is absorbed and
// only logged.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("daemon: fatal error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError. AuthenticationHandler, Router and Service implementations
// return Fatal(err) to signal a server-wide fault rather than a tunnel- or sub-stream-local one.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err (or anything it wraps) is a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
