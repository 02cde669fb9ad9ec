// Package gateway implements kernel.Kernel for kernels hosted by a remote
// Jupyter kernel gateway, reached through its REST API and the per-kernel
// channels websocket.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/t9md/hydrogen/internal/common/config"
	apperrors "github.com/t9md/hydrogen/internal/common/errors"
	"github.com/t9md/hydrogen/internal/kernel/kernelspec"
)

// Model is the gateway's description of a running kernel.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ExecutionState string `json:"execution_state,omitempty"`
}

// Client talks to the gateway REST API.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	dialer *websocket.Dialer
}

// NewClient creates a client for cfg.URL.
func NewClient(cfg config.GatewayConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("gateway url must be http or https, got %q", cfg.URL)
	}
	return &Client{
		base:  base,
		token: cfg.Token,
		http:  &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		},
	}, nil
}

func (c *Client) endpoint(parts ...string) string {
	return c.base.JoinPath(append([]string{"api"}, parts...)...).String()
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "token "+c.token)
	}
	return h
}

func (c *Client) do(ctx context.Context, method, target string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header = c.header()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, target, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type specsResponse struct {
	Default     string `json:"default"`
	Kernelspecs map[string]struct {
		Name string          `json:"name"`
		Spec kernelspec.Spec `json:"spec"`
	} `json:"kernelspecs"`
}

// KernelSpecs lists the specs the gateway can start, sorted by name.
func (c *Client) KernelSpecs(ctx context.Context) ([]kernelspec.Spec, error) {
	var resp specsResponse
	if err := c.do(ctx, http.MethodGet, c.endpoint("kernelspecs"), nil, &resp); err != nil {
		return nil, err
	}
	specs := make([]kernelspec.Spec, 0, len(resp.Kernelspecs))
	for name, ks := range resp.Kernelspecs {
		spec := ks.Spec
		spec.Name = name
		if ks.Name != "" {
			spec.Name = ks.Name
		}
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}

// StartKernel starts a kernel from the named spec.
func (c *Client) StartKernel(ctx context.Context, name, cwd string) (Model, error) {
	body := map[string]string{"name": name}
	if cwd != "" {
		body["path"] = cwd
	}
	var m Model
	if err := c.do(ctx, http.MethodPost, c.endpoint("kernels"), body, &m); err != nil {
		return Model{}, apperrors.Launch("start gateway kernel", err)
	}
	if m.ID == "" {
		return Model{}, apperrors.Launch("start gateway kernel", fmt.Errorf("gateway returned no kernel id"))
	}
	return m, nil
}

// InterruptKernel interrupts kernel id.
func (c *Client) InterruptKernel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, c.endpoint("kernels", id, "interrupt"), nil, nil)
}

// RestartKernel restarts kernel id. The channels websocket stays open.
func (c *Client) RestartKernel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, c.endpoint("kernels", id, "restart"), nil, nil)
}

// DeleteKernel shuts kernel id down.
func (c *Client) DeleteKernel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.endpoint("kernels", id), nil, nil)
}

// ChannelsURL returns the websocket address for kernel id.
func (c *Client) ChannelsURL(id, sessionID string) string {
	u, _ := url.Parse(c.endpoint("kernels", id, "channels"))
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

// DialChannels opens the channels websocket for kernel id.
func (c *Client) DialChannels(ctx context.Context, id, sessionID string) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.ChannelsURL(id, sessionID), c.header())
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
