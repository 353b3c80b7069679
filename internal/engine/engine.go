// Package engine executes code in session kernels and turns the kernel's
// replies into output events, either collected (Execute) or produced as
// they arrive (Stream).
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hkuds/cellbox/internal/kernel"
	"github.com/hkuds/cellbox/internal/metrics"
	"github.com/hkuds/cellbox/internal/output"
	"github.com/hkuds/cellbox/internal/session"
)

const (
	DefaultTimeout      = 120 * time.Second
	DefaultPollInterval = time.Second

	interruptTimeout = 5 * time.Second
	codePreviewLen   = 120
)

// ErrInvalidRequest is returned for requests that cannot be executed.
var ErrInvalidRequest = errors.New("invalid execution request")

// Request is one cell to execute.
type Request struct {
	SessionID string
	// CellID is stamped on every produced event. A random id is used when
	// empty.
	CellID   string
	Code     string
	Language Language
	// Timeout overrides the engine default when positive.
	Timeout time.Duration
}

// Guard vets code before it is submitted. A non-nil error blocks the cell.
type Guard func(code string) error

// Options tunes an Engine.
type Options struct {
	Timeout            time.Duration
	PollInterval       time.Duration
	InterruptOnTimeout bool
	Guard              Guard
	// History records every executed cell when set.
	History *session.History
	Logger  *slog.Logger
}

// Engine runs cells on sessions of a registry.
type Engine struct {
	registry *session.Registry
	opts     Options
	logger   *slog.Logger
}

// New creates an Engine over registry.
func New(registry *session.Registry, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{registry: registry, opts: opts, logger: opts.Logger}
}

// Registry returns the registry the engine executes on.
func (e *Engine) Registry() *session.Registry {
	return e.registry
}

// Execute runs req on the blocking client of its session and returns every
// output event in arrival order. Execution problems (timeouts, kernel
// errors, submit failures) are reported as events; only startup failures,
// invalid requests and ctx cancellation are returned as errors.
func (e *Engine) Execute(ctx context.Context, req Request) ([]output.Event, error) {
	req, err := e.normalize(req)
	if err != nil {
		return nil, err
	}
	var events []output.Event
	err = e.run(ctx, req, kernel.ModeBlocking, func(ev output.Event) bool {
		events = append(events, ev)
		return true
	})
	return events, err
}

// Stream starts req on the cooperative client of its session. The session
// is made ready before Stream returns, so startup failures surface here.
// The returned sequence yields events as they arrive and may be consumed
// once; abandoning it early releases the request without disturbing the
// kernel.
func (e *Engine) Stream(ctx context.Context, req Request) (iter.Seq[output.Event], error) {
	req, err := e.normalize(req)
	if err != nil {
		return nil, err
	}

	if blocked, ok := e.blocked(req); ok {
		return e.single(req, kernel.ModeCooperative, blocked), nil
	}

	// Bring the session up now so startup failures reach the caller. The
	// lease is taken again when the sequence runs, so a sequence that is
	// never consumed holds nothing.
	lease, err := e.registry.Acquire(ctx, req.SessionID, kernel.ModeCooperative)
	if err != nil {
		return nil, err
	}
	lease.Release()

	var used atomic.Bool
	return func(yield func(output.Event) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}
		err := e.run(ctx, req, kernel.ModeCooperative, yield)
		if err != nil {
			e.logger.Debug("stream ended early", "session", req.SessionID, "cell", req.CellID, "error", err)
		}
		var startup *kernel.StartupError
		if errors.As(err, &startup) {
			yield(output.Text("Execution failed: "+err.Error()).Stamp("", req.CellID, req.SessionID))
		}
	}, nil
}

func (e *Engine) normalize(req Request) (Request, error) {
	if req.SessionID == "" {
		return req, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}
	if req.CellID == "" {
		req.CellID = uuid.NewString()
	}
	lang, err := ParseLanguage(string(req.Language))
	if err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Language = lang
	if req.Timeout <= 0 {
		req.Timeout = e.opts.Timeout
	}
	return req, nil
}

func (e *Engine) blocked(req Request) (output.Event, bool) {
	if e.opts.Guard == nil {
		return output.Event{}, false
	}
	if err := e.opts.Guard(req.Code); err != nil {
		e.logger.Warn("cell blocked", "session", req.SessionID, "cell", req.CellID, "error", err)
		return output.Text("Execution blocked: " + err.Error()), true
	}
	return output.Event{}, false
}

// single yields one engine-produced event without touching the kernel.
func (e *Engine) single(req Request, mode kernel.Mode, ev output.Event) iter.Seq[output.Event] {
	return func(yield func(output.Event) bool) {
		rec := e.newRecorder(req, mode)
		ev = ev.Stamp("", req.CellID, req.SessionID)
		rec.add(ev)
		yield(ev)
		rec.finish(session.StatusBlocked)
	}
}

func (e *Engine) run(ctx context.Context, req Request, mode kernel.Mode, yield func(output.Event) bool) error {
	if ev, ok := e.blocked(req); ok {
		e.single(req, mode, ev)(yield)
		return nil
	}

	lease, err := e.registry.Acquire(ctx, req.SessionID, mode)
	if err != nil {
		return err
	}
	defer lease.Release()
	return e.submit(ctx, req, lease, mode, yield)
}

// submit sends the cell and drains its replies until idle, timeout or the
// connection closes.
func (e *Engine) submit(ctx context.Context, req Request, lease *session.Lease, mode kernel.Mode, yield func(output.Event) bool) error {
	rec := e.newRecorder(req, mode)
	emit := func(requestID string, ev output.Event) bool {
		ev = ev.Stamp(requestID, req.CellID, req.SessionID)
		rec.add(ev)
		return yield(ev)
	}

	e.logger.Info("executing cell",
		"session", req.SessionID,
		"cell", req.CellID,
		"mode", mode.String(),
		"language", string(req.Language),
		"code", preview(req.Code),
	)

	deadline := time.Now().Add(req.Timeout)
	pending, err := lease.Client.Submit(ctx, req.Language.Wrap(req.Code))
	if err != nil {
		emit("", output.Text("Execution failed: "+err.Error()))
		rec.finish(session.StatusFailed)
		return nil
	}
	defer pending.Close()
	rec.requestID = pending.ID

	res, err := kernel.Drain(ctx, pending, deadline, e.opts.PollInterval, func(ev output.Event) bool {
		return emit(pending.ID, ev)
	})

	switch {
	case err != nil:
		rec.finish(session.StatusFailed)
		return err
	case res.Stopped:
		rec.finish(session.StatusAbandoned)
		return nil
	case res.TimedOut:
		e.logger.Warn("cell timed out", "session", req.SessionID, "cell", req.CellID, "timeout", req.Timeout)
		emit(pending.ID, output.Text(fmt.Sprintf("Execution timeout after %g seconds", req.Timeout.Seconds())))
		if e.opts.InterruptOnTimeout {
			e.interrupt(ctx, lease.Handle)
		}
		rec.finish(session.StatusTimeout)
	case res.Closed:
		e.logger.Warn("kernel connection lost during cell", "session", req.SessionID, "cell", req.CellID)
		emit(pending.ID, output.Text("Execution failed: kernel connection lost"))
		rec.finish(session.StatusFailed)
	case res.Errors > 0:
		rec.finish(session.StatusError)
	default:
		rec.finish(session.StatusOK)
	}
	return nil
}

func (e *Engine) interrupt(ctx context.Context, h *kernel.Handle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interruptTimeout)
	defer cancel()
	if err := h.Interrupt(ctx); err != nil {
		e.logger.Warn("failed to interrupt kernel", "session", h.SessionID(), "error", err)
	}
}

// recorder accumulates metrics and history for one cell.
type recorder struct {
	engine    *Engine
	req       Request
	mode      kernel.Mode
	requestID string
	start     time.Time
	events    []output.Event
}

func (e *Engine) newRecorder(req Request, mode kernel.Mode) *recorder {
	return &recorder{engine: e, req: req, mode: mode, start: time.Now()}
}

func (r *recorder) add(ev output.Event) {
	metrics.OutputEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	if r.engine.opts.History != nil {
		r.events = append(r.events, ev)
	}
}

func (r *recorder) finish(status string) {
	elapsed := time.Since(r.start)
	mode := r.mode.String()
	metrics.ExecutionsTotal.WithLabelValues(mode, status).Inc()
	metrics.ExecutionDuration.WithLabelValues(mode).Observe(elapsed.Seconds())

	r.engine.logger.Debug("cell finished",
		"session", r.req.SessionID,
		"cell", r.req.CellID,
		"status", status,
		"elapsed", elapsed,
	)

	h := r.engine.opts.History
	if h == nil {
		return
	}
	err := h.Record(r.req.SessionID, session.Cell{
		CellID:    r.req.CellID,
		RequestID: r.requestID,
		Language:  string(r.req.Language),
		Mode:      mode,
		Code:      r.req.Code,
		Status:    status,
		Outputs:   r.events,
		StartedAt: r.start,
		Duration:  elapsed,
	})
	if err != nil {
		r.engine.logger.Warn("failed to record history", "session", r.req.SessionID, "error", err)
	}
}

func preview(code string) string {
	if len(code) <= codePreviewLen {
		return code
	}
	return code[:codePreviewLen] + "..."
}
