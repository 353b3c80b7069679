package kernel

import (
	"errors"
	"fmt"

	"github.com/hkuds/cellbox/internal/correlate"
)

var (
	// ErrClosed is returned by operations on a closed handle or client.
	ErrClosed = errors.New("kernel handle closed")

	// ErrStartup marks failures to bring a kernel or client online.
	ErrStartup = errors.New("kernel startup failed")

	// ErrKernelReplaced is the startup cause when the kernel a client was
	// attaching to was dropped by the other mode before the client was ready.
	ErrKernelReplaced = errors.New("kernel replaced during startup")

	// ErrPollTimeout is returned by Pending.Next when a poll slice elapsed
	// without a message.
	ErrPollTimeout = correlate.ErrPollTimeout

	// ErrStreamClosed is returned by Pending.Next once the connection is
	// gone and buffered messages are exhausted.
	ErrStreamClosed = correlate.ErrClosed
)

// StartupError reports a kernel or client that did not become ready.
// It matches both ErrStartup and the underlying cause with errors.Is.
type StartupError struct {
	SessionID string
	Mode      Mode
	Err       error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("session %s: %s client not ready: %v", e.SessionID, e.Mode, e.Err)
}

func (e *StartupError) Unwrap() []error {
	return []error{ErrStartup, e.Err}
}
