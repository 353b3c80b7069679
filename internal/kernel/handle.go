package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/hkuds/cellbox/internal/metrics"
)

const (
	DefaultReadyTimeout  = 60 * time.Second
	DefaultLaunchTimeout = 2 * time.Minute
)

// Bootstrapper runs the one-time setup of a freshly started kernel.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, client *Client) BootstrapOutcome
}

// BootstrapFunc adapts a function to the Bootstrapper interface.
type BootstrapFunc func(ctx context.Context, client *Client) BootstrapOutcome

// Bootstrap calls f.
func (f BootstrapFunc) Bootstrap(ctx context.Context, client *Client) BootstrapOutcome {
	return f(ctx, client)
}

// Options tunes a Handle.
type Options struct {
	// ReadyTimeout bounds how long a new client may take to answer its
	// first kernel_info probe.
	ReadyTimeout time.Duration

	// LaunchTimeout bounds a kernel launch. Launches are shared between
	// callers, so a caller abandoning its wait does not cancel them.
	LaunchTimeout time.Duration

	// Bootstrapper runs once per handle. Nil skips bootstrap.
	Bootstrapper Bootstrapper

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.LaunchTimeout <= 0 {
		o.LaunchTimeout = DefaultLaunchTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Handle owns the kernel of one session and the clients attached to it.
// All methods are safe for concurrent use.
type Handle struct {
	sessionID string
	launcher  Launcher
	opts      Options
	logger    *slog.Logger

	state  atomic.Int32
	closed atomic.Bool
	launch singleflight.Group

	// Guards serializing client creation per mode.
	blockMu sync.Mutex
	coopSem *semaphore.Weighted

	bootSem      *semaphore.Weighted
	bootstrapped atomic.Bool
	outcome      atomic.Value

	mu      sync.Mutex
	kernel  Kernel
	clients [2]*Client
}

// New creates an unstarted handle. No process is launched until the first
// EnsureReady.
func New(sessionID string, launcher Launcher, opts Options) *Handle {
	opts = opts.withDefaults()
	h := &Handle{
		sessionID: sessionID,
		launcher:  launcher,
		opts:      opts,
		logger:    opts.Logger.With("session", sessionID),
		coopSem:   semaphore.NewWeighted(1),
		bootSem:   semaphore.NewWeighted(1),
	}
	h.outcome.Store(BootstrapPending)
	return h
}

// SessionID returns the session the handle belongs to.
func (h *Handle) SessionID() string {
	return h.sessionID
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// KernelID returns the backend id of the running kernel, or "".
func (h *Handle) KernelID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.kernel == nil {
		return ""
	}
	return h.kernel.ID()
}

// Client returns the attached client for mode, or nil.
func (h *Handle) Client(mode Mode) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[mode]
}

// Bootstrapped reports whether bootstrap has completed.
func (h *Handle) Bootstrapped() bool {
	return h.bootstrapped.Load()
}

// BootstrapOutcome returns the result of the bootstrap run.
func (h *Handle) BootstrapOutcome() BootstrapOutcome {
	return h.outcome.Load().(BootstrapOutcome)
}

// EnsureReady returns a ready client for mode, starting the kernel and
// attaching the client on first use. A kernel found dead is relaunched.
// Failures are reported as *StartupError and leave the handle retryable.
func (h *Handle) EnsureReady(ctx context.Context, mode Mode) (*Client, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	if c := h.healthyClient(ctx, mode); c != nil {
		return c, nil
	}

	unlock, err := h.lockMode(ctx, mode)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if h.closed.Load() {
		return nil, ErrClosed
	}
	if c := h.healthyClient(ctx, mode); c != nil {
		return c, nil
	}

	k, err := h.sharedLaunch(ctx, mode)
	if err != nil {
		return nil, h.startupFailed(mode, err)
	}

	c, err := h.attach(ctx, mode, k)
	if err != nil {
		return nil, h.startupFailed(mode, err)
	}
	return c, nil
}

func (h *Handle) lockMode(ctx context.Context, mode Mode) (func(), error) {
	if mode == ModeCooperative {
		if err := h.coopSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		return func() { h.coopSem.Release(1) }, nil
	}
	h.blockMu.Lock()
	return h.blockMu.Unlock, nil
}

func (h *Handle) healthyClient(ctx context.Context, mode Mode) *Client {
	h.mu.Lock()
	c, k := h.clients[mode], h.kernel
	h.mu.Unlock()

	if c == nil || k == nil || c.detached() {
		return nil
	}
	if !k.Alive(ctx) {
		return nil
	}
	return c
}

// sharedLaunch returns the live kernel, launching one if needed. Concurrent
// callers of both modes share a single launch.
func (h *Handle) sharedLaunch(ctx context.Context, mode Mode) (Kernel, error) {
	do := func() (any, error) {
		launchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.LaunchTimeout)
		defer cancel()
		return h.launchKernel(launchCtx)
	}

	if mode == ModeBlocking {
		v, err, _ := h.launch.Do("launch", do)
		if err != nil {
			return nil, err
		}
		return v.(Kernel), nil
	}

	select {
	case res := <-h.launch.DoChan("launch", do):
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Kernel), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) launchKernel(ctx context.Context) (Kernel, error) {
	h.mu.Lock()
	k := h.kernel
	h.mu.Unlock()

	if k != nil {
		if k.Alive(ctx) {
			return k, nil
		}
		h.logger.Warn("kernel died, relaunching", "kernel", k.ID())
		h.dropKernel(ctx, k)
	}
	if h.closed.Load() {
		return nil, ErrClosed
	}

	h.state.Store(int32(StateStarting))
	start := time.Now()
	k, err := h.launcher.Launch(ctx, h.sessionID)
	if err != nil {
		h.state.CompareAndSwap(int32(StateStarting), int32(StateUnstarted))
		return nil, fmt.Errorf("failed to launch kernel: %w", err)
	}
	metrics.KernelStartDuration.Observe(time.Since(start).Seconds())

	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		h.state.Store(int32(StateClosed))
		h.logger.Info("handle closed during launch, shutting kernel down", "kernel", k.ID())
		if err := k.Shutdown(ctx); err != nil {
			h.logger.Warn("failed to shut down kernel", "kernel", k.ID(), "error", err)
		}
		return nil, ErrClosed
	}
	h.kernel = k
	h.mu.Unlock()

	h.logger.Info("kernel launched", "kernel", k.ID(), "elapsed", time.Since(start))
	return k, nil
}

// dropKernel forgets a dead kernel and detaches its clients.
func (h *Handle) dropKernel(ctx context.Context, k Kernel) {
	h.mu.Lock()
	if h.kernel != k {
		h.mu.Unlock()
		return
	}
	h.kernel = nil
	clients := h.clients
	h.clients = [2]*Client{}
	h.mu.Unlock()

	for _, c := range clients {
		if c != nil {
			c.Close()
		}
	}
	if err := k.Shutdown(ctx); err != nil {
		h.logger.Debug("dead kernel shutdown", "kernel", k.ID(), "error", err)
	}
}

func (h *Handle) attach(ctx context.Context, mode Mode, k Kernel) (*Client, error) {
	h.mu.Lock()
	stale := h.clients[mode]
	h.clients[mode] = nil
	h.mu.Unlock()
	if stale != nil {
		stale.Close()
	}

	conn, err := k.Dial(ctx)
	if err != nil {
		h.abandonKernel(ctx, k)
		return nil, fmt.Errorf("failed to connect to kernel: %w", err)
	}
	c := newClient(mode, conn, h.logger)
	if err := c.WaitForReady(ctx, h.opts.ReadyTimeout); err != nil {
		c.Close()
		h.abandonKernel(ctx, k)
		return nil, err
	}

	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		c.Close()
		return nil, ErrClosed
	}
	if h.kernel != k {
		h.mu.Unlock()
		c.Close()
		return nil, ErrKernelReplaced
	}
	h.clients[mode] = c
	h.mu.Unlock()

	if h.bootstrapped.Load() {
		h.state.Store(int32(StateBootstrapped))
	} else {
		h.state.Store(int32(StateClientReady))
	}
	h.logger.Debug("client ready", "mode", mode.String(), "kernel", k.ID())
	return c, nil
}

// abandonKernel tears down a kernel no client could attach to, unless the
// other mode still uses it.
func (h *Handle) abandonKernel(ctx context.Context, k Kernel) {
	h.mu.Lock()
	inUse := h.clients[ModeBlocking] != nil || h.clients[ModeCooperative] != nil
	h.mu.Unlock()
	if inUse {
		return
	}
	h.dropKernel(context.WithoutCancel(ctx), k)
	h.state.CompareAndSwap(int32(StateStarting), int32(StateUnstarted))
	h.state.CompareAndSwap(int32(StateClientReady), int32(StateUnstarted))
}

func (h *Handle) startupFailed(mode Mode, err error) error {
	if errors.Is(err, ErrClosed) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	metrics.StartupFailuresTotal.WithLabelValues(mode.String()).Inc()
	h.logger.Error("kernel startup failed", "mode", mode.String(), "error", err)
	return &StartupError{SessionID: h.sessionID, Mode: mode, Err: err}
}

// RunBootstrap runs the bootstrapper with client at most once per handle.
// Concurrent callers wait for the single run and share its outcome. A run
// abandoned through ctx is not recorded and will be retried.
func (h *Handle) RunBootstrap(ctx context.Context, client *Client) (BootstrapOutcome, error) {
	if h.bootstrapped.Load() {
		return h.BootstrapOutcome(), nil
	}
	if err := h.bootSem.Acquire(ctx, 1); err != nil {
		return BootstrapPending, err
	}
	defer h.bootSem.Release(1)

	if h.bootstrapped.Load() {
		return h.BootstrapOutcome(), nil
	}
	if h.closed.Load() {
		return BootstrapPending, ErrClosed
	}

	outcome := BootstrapSkipped
	if h.opts.Bootstrapper != nil {
		outcome = h.opts.Bootstrapper.Bootstrap(ctx, client)
		if err := ctx.Err(); err != nil {
			return BootstrapPending, err
		}
	}

	h.outcome.Store(outcome)
	h.bootstrapped.Store(true)
	h.state.CompareAndSwap(int32(StateClientReady), int32(StateBootstrapped))
	metrics.BootstrapTotal.WithLabelValues(string(outcome)).Inc()
	h.logger.Info("bootstrap finished", "outcome", string(outcome))
	return outcome, nil
}

// Interrupt asks the running kernel to abort its current cell.
func (h *Handle) Interrupt(ctx context.Context) error {
	h.mu.Lock()
	k := h.kernel
	h.mu.Unlock()
	if k == nil {
		return nil
	}
	return k.Interrupt(ctx)
}

// Close detaches all clients and shuts the kernel down. It is idempotent and
// safe to call while a launch is in flight.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return nil
	}
	h.closed.Store(true)
	h.state.Store(int32(StateClosing))
	clients := h.clients
	h.clients = [2]*Client{}
	k := h.kernel
	h.kernel = nil
	h.mu.Unlock()

	for _, c := range clients {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			h.logger.Debug("client close", "mode", c.Mode().String(), "error", err)
		}
	}

	var err error
	if k != nil {
		if err = k.Shutdown(ctx); err != nil {
			err = fmt.Errorf("failed to shut down kernel %s: %w", k.ID(), err)
		}
	}
	h.state.Store(int32(StateClosed))
	h.logger.Info("session closed")
	return err
}
