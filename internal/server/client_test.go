package server_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkuds/cellbox/internal/kernel/kerneltest"
	"github.com/hkuds/cellbox/internal/output"
	"github.com/hkuds/cellbox/internal/server"
)

func newClient(t *testing.T, l *kerneltest.Launcher) (*server.Client, *fixture) {
	f := newFixture(t, l)
	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)
	return server.NewClient(ts.URL + "/"), f
}

func TestClientRoundTrip(t *testing.T) {
	c, _ := newClient(t, &kerneltest.Launcher{Handler: cells})
	ctx := context.Background()

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)

	events, err := c.Execute(ctx, "s1", server.ExecuteParams{Code: "1+1", CellID: "c1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "2", events[0].Text)

	var streamed []string
	err = c.Stream(ctx, "s1", server.ExecuteParams{Code: "count"}, func(ev output.Event) error {
		streamed = append(streamed, ev.Text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n", strings.Join(streamed, ""))

	infos, err := c.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "s1", infos[0].ID)

	hist, err := c.History(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	summaries, err := c.Histories(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "s1", summaries[0].SessionID)

	evicted, err := c.Evict(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, evicted)

	require.NoError(t, c.CloseSession(ctx, "s1"))
	infos, err = c.Sessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestClientErrors(t *testing.T) {
	c, _ := newClient(t, &kerneltest.Launcher{LaunchErr: errors.New("no capacity")})
	ctx := context.Background()

	_, err := c.Execute(ctx, "s1", server.ExecuteParams{Code: "1+1"})
	var se *server.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Contains(t, se.Message, "no capacity")

	require.NoError(t, c.CloseSession(ctx, "missing"))

	err = c.Interrupt(ctx, "missing")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)

	err = c.Stream(ctx, "s1", server.ExecuteParams{Code: "count"}, func(output.Event) error { return nil })
	require.ErrorAs(t, err, &se)
}

func TestClientStreamCallbackError(t *testing.T) {
	c, _ := newClient(t, &kerneltest.Launcher{Handler: cells})
	stop := errors.New("stop")

	calls := 0
	err := server.NewClient(c.BaseURL()).Stream(context.Background(), "s1", server.ExecuteParams{Code: "count"}, func(output.Event) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
