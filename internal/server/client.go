package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hkuds/cellbox/internal/output"
	"github.com/hkuds/cellbox/internal/session"
)

// ExecuteParams describes a cell sent to a running server.
type ExecuteParams struct {
	Code           string  `json:"code"`
	CellID         string  `json:"cellId,omitempty"`
	Language       string  `json:"language,omitempty"`
	TimeoutSeconds float64 `json:"timeoutSeconds,omitempty"`
}

// Health is the body of GET /health.
type Health struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
	Uptime   string `json:"uptime"`
}

// Client calls a running cellbox server.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{},
	}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.base
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	return h, err
}

// Execute runs a cell and returns its events.
func (c *Client) Execute(ctx context.Context, sessionID string, p ExecuteParams) ([]output.Event, error) {
	var resp executeResponse
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "execute"), p, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Stream runs a cell and calls fn for every event as it arrives.
func (c *Client) Stream(ctx context.Context, sessionID string, p ExecuteParams, fn func(output.Event) error) error {
	resp, err := c.send(ctx, http.MethodPost, sessionPath(sessionID, "stream"), p)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var event string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 32*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if event != "output" {
				continue
			}
			var ev output.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &ev); err != nil {
				return fmt.Errorf("failed to decode event: %w", err)
			}
			if err := fn(ev); err != nil {
				return err
			}
		case line == "":
			event = ""
		}
	}
	return sc.Err()
}

// Sessions lists the server's sessions.
func (c *Client) Sessions(ctx context.Context) ([]session.Info, error) {
	var resp struct {
		Sessions []session.Info `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &resp)
	return resp.Sessions, err
}

// CloseSession closes one session.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil)
}

// CloseAll closes every session.
func (c *Client) CloseAll(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions", nil, nil)
}

// Interrupt interrupts the running cell of a session.
func (c *Client) Interrupt(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, sessionPath(sessionID, "interrupt"), nil, nil)
}

// Evict closes sessions idle for longer than maxIdle.
func (c *Client) Evict(ctx context.Context, maxIdle time.Duration) ([]string, error) {
	var resp struct {
		Evicted []string `json:"evicted"`
	}
	path := "/v1/sessions/evict?max_idle_seconds=" + strconv.FormatFloat(maxIdle.Seconds(), 'f', -1, 64)
	err := c.do(ctx, http.MethodPost, path, nil, &resp)
	return resp.Evicted, err
}

// History returns the last n recorded cells of a session, or all when n is 0.
func (c *Client) History(ctx context.Context, sessionID string, n int) ([]session.Cell, error) {
	var resp struct {
		Cells []session.Cell `json:"cells"`
	}
	path := sessionPath(sessionID, "history") + "?last=" + strconv.Itoa(n)
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Cells, err
}

// Histories summarizes every stored session history.
func (c *Client) Histories(ctx context.Context) ([]session.HistoryInfo, error) {
	var resp struct {
		Histories []session.HistoryInfo `json:"histories"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/history", nil, &resp)
	return resp.Histories, err
}

// DeleteHistory forgets the recorded cells of a session. It reports whether
// there was anything to delete.
func (c *Client) DeleteHistory(ctx context.Context, sessionID string) (bool, error) {
	var resp struct {
		Deleted bool `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, sessionPath(sessionID, "history"), nil, &resp)
	return resp.Deleted, err
}

func sessionPath(id, action string) string {
	return "/v1/sessions/" + url.PathEscape(id) + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// send performs a request and turns non-2xx replies into errors carrying
// the server's message.
func (c *Client) send(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server request failed: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var apiErr struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
		return nil, &StatusError{Code: resp.StatusCode, Message: apiErr.Error}
	}
	return nil, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}

// StatusError is a non-2xx server reply.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}
