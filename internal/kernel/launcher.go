package kernel

import (
	"context"

	"github.com/hkuds/cellbox/internal/protocol"
)

// Launcher starts kernel processes. Implementations live in the gateway and
// sandbox packages.
type Launcher interface {
	// Launch starts a kernel for sessionID and returns once the process
	// accepts connections.
	Launch(ctx context.Context, sessionID string) (Kernel, error)
}

// Kernel is a running kernel process.
type Kernel interface {
	// ID identifies the kernel within its backend.
	ID() string

	// Alive reports whether the process is still running.
	Alive(ctx context.Context) bool

	// Dial attaches a new connection. Every connection observes the full
	// iopub broadcast of the kernel.
	Dial(ctx context.Context) (Conn, error)

	// Interrupt asks the kernel to abort the running cell.
	Interrupt(ctx context.Context) error

	// Shutdown stops the process and releases backend resources.
	Shutdown(ctx context.Context) error
}

// Conn is one connection to a kernel carrying all channels.
type Conn interface {
	Send(ctx context.Context, msg protocol.Message) error

	// Recv blocks until the next message arrives or the connection is
	// closed.
	Recv() (protocol.Message, error)

	Close() error
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, sessionID string) (Kernel, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, sessionID string) (Kernel, error) {
	return f(ctx, sessionID)
}
