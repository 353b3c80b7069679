// Package gateway talks to a Jupyter Kernel Gateway: kernels are managed
// through its REST API and driven over the channels websocket.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hkuds/cellbox/internal/kernel"
)

// DefaultKernelName is the kernel spec started when none is configured.
const DefaultKernelName = "python3"

// ErrKernelNotFound is returned when the gateway does not know a kernel id.
var ErrKernelNotFound = errors.New("kernel not found")

// Config locates a gateway.
type Config struct {
	// URL is the gateway base URL, e.g. http://127.0.0.1:8888.
	URL        string
	Token      string
	KernelName string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

// KernelModel is the gateway's description of a kernel.
type KernelModel struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	LastActivity   time.Time `json:"last_activity"`
	ExecutionState string    `json:"execution_state"`
	Connections    int       `json:"connections"`
}

// Client is a gateway REST client. It implements kernel.Launcher.
type Client struct {
	base       *url.URL
	token      string
	kernelName string
	http       *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
}

var _ kernel.Launcher = (*Client)(nil)

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("gateway url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid gateway url scheme %q", base.Scheme)
	}

	c := &Client{
		base:       base,
		token:      cfg.Token,
		kernelName: cfg.KernelName,
		http:       cfg.HTTPClient,
		dialer:     cfg.Dialer,
		logger:     cfg.Logger,
	}
	if c.kernelName == "" {
		c.kernelName = DefaultKernelName
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 60 * time.Second}
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// URL returns the gateway base URL.
func (c *Client) URL() string {
	return c.base.String()
}

// Launch starts a kernel on the gateway.
func (c *Client) Launch(ctx context.Context, sessionID string) (kernel.Kernel, error) {
	model, err := c.StartKernel(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("gateway kernel started", "session", sessionID, "kernel", model.ID, "name", model.Name)
	return &Kernel{client: c, model: model}, nil
}

// StartKernel creates a kernel of the configured kernel spec.
func (c *Client) StartKernel(ctx context.Context) (KernelModel, error) {
	var model KernelModel
	body := map[string]string{"name": c.kernelName}
	if err := c.do(ctx, http.MethodPost, "/api/kernels", body, &model, http.StatusCreated, http.StatusOK); err != nil {
		return KernelModel{}, fmt.Errorf("failed to start kernel: %w", err)
	}
	if model.ID == "" {
		return KernelModel{}, errors.New("failed to start kernel: gateway returned no kernel id")
	}
	return model, nil
}

// GetKernel returns the model of kernel id.
func (c *Client) GetKernel(ctx context.Context, id string) (KernelModel, error) {
	var model KernelModel
	err := c.do(ctx, http.MethodGet, "/api/kernels/"+url.PathEscape(id), nil, &model, http.StatusOK)
	return model, err
}

// ListKernels returns every kernel known to the gateway.
func (c *Client) ListKernels(ctx context.Context) ([]KernelModel, error) {
	var models []KernelModel
	err := c.do(ctx, http.MethodGet, "/api/kernels", nil, &models, http.StatusOK)
	return models, err
}

// DeleteKernel shuts kernel id down. Unknown ids are not an error.
func (c *Client) DeleteKernel(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/api/kernels/"+url.PathEscape(id), nil, nil, http.StatusNoContent, http.StatusOK)
	if errors.Is(err, ErrKernelNotFound) {
		return nil
	}
	return err
}

// InterruptKernel interrupts the cell running on kernel id.
func (c *Client) InterruptKernel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/kernels/"+url.PathEscape(id)+"/interrupt", nil, nil, http.StatusNoContent, http.StatusOK)
}

// Ping checks that the gateway answers API requests.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api", nil, nil, http.StatusOK)
}

// Dial opens the channels websocket of kernel id.
func (c *Client) Dial(ctx context.Context, id string) (*Conn, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/kernels/" + url.PathEscape(id) + "/channels"

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), c.header())
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("failed to connect to kernel %s: %w", id, ErrKernelNotFound)
		}
		return nil, fmt.Errorf("failed to connect to kernel %s: %w", id, err)
	}
	return newConn(ws, c.logger.With("kernel", id)), nil
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "token "+c.token)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, expect ...int) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = c.header()
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrKernelNotFound
	}
	ok := false
	for _, code := range expect {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}

// Kernel is a kernel running on a gateway.
type Kernel struct {
	client *Client
	model  KernelModel
}

var _ kernel.Kernel = (*Kernel)(nil)

func (k *Kernel) ID() string { return k.model.ID }

// Model returns the gateway description captured at start.
func (k *Kernel) Model() KernelModel { return k.model }

func (k *Kernel) Alive(ctx context.Context) bool {
	model, err := k.client.GetKernel(ctx, k.model.ID)
	if err != nil {
		return false
	}
	return model.ExecutionState != "dead"
}

func (k *Kernel) Dial(ctx context.Context) (kernel.Conn, error) {
	return k.client.Dial(ctx, k.model.ID)
}

func (k *Kernel) Interrupt(ctx context.Context) error {
	return k.client.InterruptKernel(ctx, k.model.ID)
}

func (k *Kernel) Shutdown(ctx context.Context) error {
	return k.client.DeleteKernel(ctx, k.model.ID)
}
