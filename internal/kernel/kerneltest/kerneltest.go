// Package kerneltest provides an in-memory kernel backend for tests.
package kerneltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hkuds/cellbox/internal/kernel"
	"github.com/hkuds/cellbox/internal/protocol"
)

// ErrConnClosed is returned by a closed fake connection.
var ErrConnClosed = errors.New("kerneltest: connection closed")

// Handler executes one cell. ctx is cancelled when the kernel is interrupted
// or shut down.
type Handler func(ctx context.Context, code string, out *Out)

// Launcher starts fake kernels.
type Launcher struct {
	// Handler runs every execute_request. Nil produces no output.
	Handler Handler

	// LaunchDelay is slept before each launch returns.
	LaunchDelay time.Duration

	// LaunchErr fails every launch while set.
	LaunchErr error

	// FailLaunches fails the first n launches.
	FailLaunches int

	// Unresponsive kernels never answer kernel_info probes.
	Unresponsive bool

	mu       sync.Mutex
	launches int
	kernels  []*Kernel
}

var _ kernel.Launcher = (*Launcher)(nil)

// Launch starts a new fake kernel.
func (l *Launcher) Launch(ctx context.Context, sessionID string) (kernel.Kernel, error) {
	l.mu.Lock()
	l.launches++
	n := l.launches
	launchErr := l.LaunchErr
	fail := n <= l.FailLaunches
	l.mu.Unlock()

	if l.LaunchDelay > 0 {
		select {
		case <-time.After(l.LaunchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if launchErr != nil {
		return nil, launchErr
	}
	if fail {
		return nil, fmt.Errorf("kerneltest: launch %d failed", n)
	}

	k := NewKernel(fmt.Sprintf("%s-%d", sessionID, n), l.Handler)
	k.unresponsive = l.Unresponsive

	l.mu.Lock()
	l.kernels = append(l.kernels, k)
	l.mu.Unlock()
	return k, nil
}

// Launches returns how many launches were attempted.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Kernels returns the kernels launched successfully, oldest first.
func (l *Launcher) Kernels() []*Kernel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Kernel(nil), l.kernels...)
}

// Last returns the most recently launched kernel, or nil.
func (l *Launcher) Last() *Kernel {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.kernels) == 0 {
		return nil
	}
	return l.kernels[len(l.kernels)-1]
}

// Kernel is a fake kernel process. Like a real kernel it broadcasts iopub
// to every connection, answers shell requests on the sending connection and
// runs one cell at a time.
type Kernel struct {
	id           string
	handler      Handler
	unresponsive bool

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	dead     bool
	stopped  bool
	executed []string
	cancel   context.CancelFunc

	execMu     sync.Mutex
	interrupts atomic.Int32
	shutdowns  atomic.Int32
}

var _ kernel.Kernel = (*Kernel)(nil)

// NewKernel creates a standalone fake kernel.
func NewKernel(id string, handler Handler) *Kernel {
	return &Kernel{id: id, handler: handler, conns: make(map[*Conn]struct{})}
}

func (k *Kernel) ID() string { return k.id }

func (k *Kernel) Alive(context.Context) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return !k.dead && !k.stopped
}

func (k *Kernel) Dial(context.Context) (kernel.Conn, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.dead || k.stopped {
		return nil, fmt.Errorf("kerneltest: kernel %s is not running", k.id)
	}
	c := newConn(k)
	k.conns[c] = struct{}{}
	return c, nil
}

func (k *Kernel) Interrupt(context.Context) error {
	k.interrupts.Add(1)
	k.mu.Lock()
	cancel := k.cancel
	k.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (k *Kernel) Shutdown(context.Context) error {
	k.shutdowns.Add(1)
	k.stop(func() { k.stopped = true })
	return nil
}

// Kill simulates a crash: connections drop and Alive turns false.
func (k *Kernel) Kill() {
	k.stop(func() { k.dead = true })
}

func (k *Kernel) stop(mark func()) {
	k.mu.Lock()
	mark()
	conns := k.conns
	k.conns = make(map[*Conn]struct{})
	cancel := k.cancel
	k.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for c := range conns {
		c.close()
	}
}

// Executed returns the code of every cell run so far, in order.
func (k *Kernel) Executed() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.executed...)
}

// Interrupts returns how many interrupts were received.
func (k *Kernel) Interrupts() int { return int(k.interrupts.Load()) }

// Shutdowns returns how many times Shutdown was called.
func (k *Kernel) Shutdowns() int { return int(k.shutdowns.Load()) }

// Conns returns the number of attached connections.
func (k *Kernel) Conns() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.conns)
}

// Inject broadcasts msg to every connection as if the kernel emitted it.
func (k *Kernel) Inject(msg protocol.Message) {
	k.broadcast(msg)
}

func (k *Kernel) broadcast(msg protocol.Message) {
	k.mu.Lock()
	conns := make([]*Conn, 0, len(k.conns))
	for c := range k.conns {
		conns = append(conns, c)
	}
	k.mu.Unlock()
	for _, c := range conns {
		c.deliver(msg)
	}
}

func (k *Kernel) handle(from *Conn, msg protocol.Message) {
	switch msg.Type() {
	case protocol.MsgKernelInfoRequest:
		if k.unresponsive {
			return
		}
		reply, err := protocol.Reply(msg, protocol.MsgKernelInfoReply, protocol.ChannelShell, map[string]any{
			"status":           "ok",
			"protocol_version": protocol.Version,
			"implementation":   "kerneltest",
		})
		if err == nil {
			from.deliver(reply)
		}
	case protocol.MsgExecuteRequest:
		go k.execute(from, msg)
	}
}

func (k *Kernel) execute(from *Conn, req protocol.Message) {
	k.execMu.Lock()
	defer k.execMu.Unlock()

	content, err := protocol.Decode[protocol.ExecuteRequestContent](req)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	k.mu.Lock()
	if k.dead || k.stopped {
		k.mu.Unlock()
		cancel()
		return
	}
	k.executed = append(k.executed, content.Code)
	k.cancel = cancel
	k.mu.Unlock()

	out := &Out{kernel: k, parent: req}
	out.status(protocol.StateBusy)
	if k.handler != nil {
		k.handler(ctx, content.Code, out)
	}

	k.mu.Lock()
	k.cancel = nil
	k.mu.Unlock()
	cancel()

	status := "ok"
	if out.failed {
		status = "error"
	}
	if reply, err := protocol.Reply(req, protocol.MsgExecuteReply, protocol.ChannelShell, map[string]any{
		"status": status,
	}); err == nil {
		from.deliver(reply)
	}
	out.status(protocol.StateIdle)
}

// Out emits iopub messages for the running cell.
type Out struct {
	kernel *Kernel
	parent protocol.Message
	failed bool
}

func (o *Out) emit(msgType string, content any) {
	msg, err := protocol.Reply(o.parent, msgType, protocol.ChannelIOPub, content)
	if err != nil {
		return
	}
	o.kernel.broadcast(msg)
}

func (o *Out) status(state string) {
	o.emit(protocol.MsgStatus, protocol.StatusContent{ExecutionState: state})
}

// Stream writes text to stdout.
func (o *Out) Stream(text string) {
	o.emit(protocol.MsgStream, protocol.StreamContent{Name: "stdout", Text: text})
}

// Result publishes an execute_result with a text/plain representation.
func (o *Out) Result(text string) {
	o.emit(protocol.MsgExecuteResult, protocol.DataContent{
		Data:     map[string]any{"text/plain": text},
		Metadata: map[string]any{},
	})
}

// Display publishes a display_data bundle.
func (o *Out) Display(data map[string]any) {
	o.emit(protocol.MsgDisplayData, protocol.DataContent{Data: data, Metadata: map[string]any{}})
}

// Error publishes an error and marks the cell failed.
func (o *Out) Error(ename, evalue string, traceback ...string) {
	o.failed = true
	o.emit(protocol.MsgError, protocol.ErrorContent{EName: ename, EValue: evalue, Traceback: traceback})
}

// Conn is a fake kernel connection with an unbounded inbound queue.
type Conn struct {
	kernel *Kernel

	mu     sync.Mutex
	queue  []protocol.Message
	closed bool
	notify chan struct{}
}

var _ kernel.Conn = (*Conn)(nil)

func newConn(k *Kernel) *Conn {
	return &Conn{kernel: k, notify: make(chan struct{}, 1)}
}

func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnClosed
	}
	c.kernel.handle(c, msg)
	return nil
}

func (c *Conn) Recv() (protocol.Message, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			msg := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return msg, nil
		}
		if c.closed {
			c.mu.Unlock()
			return protocol.Message{}, ErrConnClosed
		}
		c.mu.Unlock()
		<-c.notify
	}
}

func (c *Conn) Close() error {
	c.kernel.mu.Lock()
	delete(c.kernel.conns, c)
	c.kernel.mu.Unlock()
	c.close()
	return nil
}

func (c *Conn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wake()
}

func (c *Conn) deliver(msg protocol.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	c.wake()
}

func (c *Conn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Sleep returns a handler that waits d or until interrupted, then streams
// done.
func Sleep(d time.Duration, done string) Handler {
	return func(ctx context.Context, _ string, out *Out) {
		select {
		case <-time.After(d):
			out.Stream(done)
		case <-ctx.Done():
			out.Error("KeyboardInterrupt", "", "KeyboardInterrupt")
		}
	}
}

// Script dispatches on the exact cell code. Unknown code produces no output.
func Script(cells map[string]Handler) Handler {
	return func(ctx context.Context, code string, out *Out) {
		if h, ok := cells[code]; ok {
			h(ctx, code, out)
		}
	}
}
