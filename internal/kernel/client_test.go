package kernel_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkuds/cellbox/internal/kernel"
	"github.com/hkuds/cellbox/internal/kernel/kerneltest"
	"github.com/hkuds/cellbox/internal/protocol"
)

func drain(t *testing.T, p *kernel.Pending) []protocol.Message {
	t.Helper()
	var msgs []protocol.Message
	for {
		msg, err := p.Next(context.Background(), 2*time.Second)
		require.NoError(t, err)
		msgs = append(msgs, msg)
		if msg.Type() == protocol.MsgStatus {
			st, _ := protocol.Decode[protocol.StatusContent](msg)
			if st.ExecutionState == protocol.StateIdle {
				return msgs
			}
		}
	}
}

func TestSubmitReceivesOnlyOwnMessages(t *testing.T) {
	l := &kerneltest.Launcher{Handler: func(_ context.Context, code string, out *kerneltest.Out) {
		out.Stream(code)
	}}
	h := newHandle(t, l, kernel.Options{})
	ctx := context.Background()

	c, err := h.EnsureReady(ctx, kernel.ModeBlocking)
	require.NoError(t, err)

	stale, err := protocol.Reply(protocol.Message{Header: protocol.Header{MsgID: "old"}},
		protocol.MsgStream, protocol.ChannelIOPub, protocol.StreamContent{Name: "stdout", Text: "leak"})
	require.NoError(t, err)
	l.Last().Inject(stale)

	p, err := c.Submit(ctx, "hello")
	require.NoError(t, err)
	defer p.Close()

	for _, msg := range drain(t, p) {
		assert.Equal(t, p.ID, msg.ParentID())
	}
	assert.Eventually(t, func() bool { return c.Dropped() >= 1 }, time.Second, 10*time.Millisecond)
}

func TestPendingNextPollTimeout(t *testing.T) {
	l := &kerneltest.Launcher{Handler: kerneltest.Sleep(time.Second, "late")}
	h := newHandle(t, l, kernel.Options{})
	ctx := context.Background()

	c, err := h.EnsureReady(ctx, kernel.ModeCooperative)
	require.NoError(t, err)
	p, err := c.Submit(ctx, "sleep")
	require.NoError(t, err)
	defer p.Close()

	// busy status arrives first, then nothing for a while
	_, err = p.Next(ctx, time.Second)
	require.NoError(t, err)
	_, err = p.Next(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, kernel.ErrPollTimeout)
}

func TestPendingSeesStreamClosedOnKernelDeath(t *testing.T) {
	l := &kerneltest.Launcher{Handler: kerneltest.Sleep(5*time.Second, "never")}
	h := newHandle(t, l, kernel.Options{})
	ctx := context.Background()

	c, err := h.EnsureReady(ctx, kernel.ModeBlocking)
	require.NoError(t, err)
	p, err := c.Submit(ctx, "sleep")
	require.NoError(t, err)
	defer p.Close()

	l.Last().Kill()
	for {
		_, err = p.Next(ctx, time.Second)
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, kernel.ErrStreamClosed)
}

func TestStartupErrorMatchesCause(t *testing.T) {
	cause := assert.AnError
	err := &kernel.StartupError{SessionID: "s", Mode: kernel.ModeCooperative, Err: cause}

	assert.ErrorIs(t, err, kernel.ErrStartup)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "cooperative")
}
