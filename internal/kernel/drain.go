package kernel

import (
	"context"
	"errors"
	"time"

	"github.com/hkuds/cellbox/internal/correlate"
	"github.com/hkuds/cellbox/internal/output"
)

// DrainResult describes how draining a request ended.
type DrainResult struct {
	// Idle is set when the kernel reported the request finished.
	Idle bool
	// TimedOut is set when the deadline passed before idle.
	TimedOut bool
	// Closed is set when the connection went away before idle.
	Closed bool
	// Stopped is set when yield asked to stop.
	Stopped bool
	// Errors counts error events yielded.
	Errors int
}

// Drain reads the messages of p until the kernel reports idle, the deadline
// passes, the connection closes or yield returns false. Each wait is capped
// at poll so the deadline is checked at least that often. Only context
// errors are returned.
func Drain(ctx context.Context, p *Pending, deadline time.Time, poll time.Duration, yield func(output.Event) bool) (DrainResult, error) {
	var res DrainResult
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			res.TimedOut = true
			return res, nil
		}

		msg, err := p.Next(ctx, min(poll, remaining))
		switch {
		case errors.Is(err, ErrPollTimeout):
			continue
		case errors.Is(err, ErrStreamClosed):
			res.Closed = true
			return res, nil
		case err != nil:
			return res, err
		}

		if !correlate.Belongs(msg, p.ID) {
			continue
		}
		events, idle := correlate.Classify(msg)
		for _, ev := range events {
			if ev.Kind == output.KindError {
				res.Errors++
			}
			if !yield(ev) {
				res.Stopped = true
				return res, nil
			}
		}
		if idle {
			res.Idle = true
			return res, nil
		}
	}
}
