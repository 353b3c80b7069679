package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hkuds/cellbox/internal/correlate"
	"github.com/hkuds/cellbox/internal/metrics"
	"github.com/hkuds/cellbox/internal/protocol"
)

// readyProbeInterval is how long one kernel_info probe waits before a new
// probe is sent.
const readyProbeInterval = time.Second

// Client is one attached connection to a kernel in a given access mode.
type Client struct {
	mode    Mode
	conn    Conn
	session string
	demux   *correlate.Demux
	logger  *slog.Logger

	sendMu    sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(mode Mode, conn Conn, logger *slog.Logger) *Client {
	c := &Client{
		mode:    mode,
		conn:    conn,
		session: protocol.NewSessionID(),
		demux:   correlate.NewDemux(),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		msg, err := c.conn.Recv()
		if err != nil {
			c.demux.Close(fmt.Errorf("%w: %v", correlate.ErrClosed, err))
			return
		}
		if !c.demux.Dispatch(msg) {
			metrics.DroppedMessagesTotal.Inc()
			c.logger.Debug("dropped uncorrelated message",
				"mode", c.mode.String(),
				"msg_type", msg.Type(),
				"parent_id", msg.ParentID(),
			)
		}
	}
}

// Mode returns the access mode the client was attached for.
func (c *Client) Mode() Mode {
	return c.mode
}

// Dropped returns how many messages this client discarded as uncorrelated.
func (c *Client) Dropped() uint64 {
	return c.demux.Dropped()
}

// Submit sends code for execution and returns the pending request. The
// caller must Close the pending request when done with it.
func (c *Client) Submit(ctx context.Context, code string) (*Pending, error) {
	msg, err := protocol.NewExecuteRequest(c.session, code)
	if err != nil {
		return nil, err
	}
	return c.request(ctx, msg)
}

func (c *Client) request(ctx context.Context, msg protocol.Message) (*Pending, error) {
	id := msg.Header.MsgID
	box := c.demux.Register(id)

	c.sendMu.Lock()
	err := c.conn.Send(ctx, msg)
	c.sendMu.Unlock()
	if err != nil {
		c.demux.Unregister(id)
		return nil, fmt.Errorf("failed to send %s: %w", msg.Type(), err)
	}
	return &Pending{ID: id, box: box, demux: c.demux}, nil
}

// WaitForReady probes the kernel with kernel_info requests until one is
// answered or timeout elapses.
func (c *Client) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		probe, err := protocol.NewKernelInfoRequest(c.session)
		if err != nil {
			return err
		}
		pending, err := c.request(ctx, probe)
		if err != nil {
			return err
		}

		answered, err := awaitReply(ctx, pending, protocol.MsgKernelInfoReply)
		pending.Close()
		switch {
		case answered:
			return nil
		case errors.Is(err, ErrPollTimeout):
			continue
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("kernel did not answer within %v", timeout)
		default:
			return err
		}
	}
}

func awaitReply(ctx context.Context, p *Pending, msgType string) (bool, error) {
	for {
		msg, err := p.Next(ctx, readyProbeInterval)
		if err != nil {
			return false, err
		}
		if msg.Type() == msgType {
			return true, nil
		}
	}
}

func (c *Client) detached() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close detaches the client and waits for its reader to stop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		<-c.done
	})
	return err
}

// Pending is one request in flight on a client.
type Pending struct {
	ID    string
	box   *correlate.Mailbox
	demux *correlate.Demux
}

// Next returns the next message correlated with the request. It returns
// ErrPollTimeout when wait elapses first; that is not a failure.
func (p *Pending) Next(ctx context.Context, wait time.Duration) (protocol.Message, error) {
	return p.box.Next(ctx, wait)
}

// Close stops routing messages to the request. Messages that arrive later
// for it are dropped.
func (p *Pending) Close() {
	p.demux.Unregister(p.ID)
}
