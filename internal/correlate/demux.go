package correlate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hkuds/cellbox/internal/protocol"
)

var (
	// ErrPollTimeout is returned by Mailbox.Next when no message arrived
	// within the poll slice. It is not a failure.
	ErrPollTimeout = errors.New("no message within poll interval")

	// ErrClosed is returned once the connection feeding a mailbox is gone
	// and every buffered message has been consumed.
	ErrClosed = errors.New("message stream closed")
)

// Demux routes messages from one connection to per-request mailboxes keyed
// by correlation id. Messages for unregistered ids are dropped.
type Demux struct {
	mu      sync.Mutex
	boxes   map[string]*Mailbox
	closed  bool
	err     error
	dropped atomic.Uint64
}

// NewDemux creates an empty Demux.
func NewDemux() *Demux {
	return &Demux{boxes: make(map[string]*Mailbox)}
}

// Register opens a mailbox for requestID. It must be called before the
// request is sent so no reply can race past it.
func (d *Demux) Register(requestID string) *Mailbox {
	box := newMailbox()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		box.close(d.err)
		return box
	}
	d.boxes[requestID] = box
	return box
}

// Unregister removes the mailbox for requestID. Later messages for it are
// dropped.
func (d *Demux) Unregister(requestID string) {
	d.mu.Lock()
	box, ok := d.boxes[requestID]
	delete(d.boxes, requestID)
	d.mu.Unlock()

	if ok {
		box.close(ErrClosed)
	}
}

// Dispatch delivers msg to the mailbox of its parent request. It reports
// whether a mailbox accepted the message.
func (d *Demux) Dispatch(msg protocol.Message) bool {
	d.mu.Lock()
	box, ok := d.boxes[msg.ParentID()]
	d.mu.Unlock()

	if !ok {
		d.dropped.Add(1)
		return false
	}
	box.push(msg)
	return true
}

// Close closes every mailbox with err (ErrClosed when nil). Buffered
// messages remain readable.
func (d *Demux) Close(err error) {
	if err == nil {
		err = ErrClosed
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.err = err
	boxes := d.boxes
	d.boxes = make(map[string]*Mailbox)
	d.mu.Unlock()

	for _, box := range boxes {
		box.close(err)
	}
}

// Pending returns the number of registered mailboxes.
func (d *Demux) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.boxes)
}

// Dropped returns how many messages matched no registered request.
func (d *Demux) Dropped() uint64 {
	return d.dropped.Load()
}

// Mailbox is an unbounded FIFO of messages for one request.
type Mailbox struct {
	mu     sync.Mutex
	items  []protocol.Message
	closed bool
	err    error
	notify chan struct{}
}

func newMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

func (b *Mailbox) push(msg protocol.Message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.items = append(b.items, msg)
	b.mu.Unlock()
	b.wake()
}

func (b *Mailbox) close(err error) {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.err = err
	}
	b.mu.Unlock()
	b.wake()
}

func (b *Mailbox) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Next returns the oldest buffered message, waiting at most wait for one
// to arrive. It returns ErrPollTimeout when the slice elapses, the close
// error once the mailbox is closed and drained, or ctx.Err().
func (b *Mailbox) Next(ctx context.Context, wait time.Duration) (protocol.Message, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			msg := b.items[0]
			b.items[0] = protocol.Message{}
			b.items = b.items[1:]
			b.mu.Unlock()
			return msg, nil
		}
		if b.closed {
			err := b.err
			b.mu.Unlock()
			return protocol.Message{}, err
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-timer.C:
			return protocol.Message{}, ErrPollTimeout
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		}
	}
}
