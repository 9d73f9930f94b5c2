package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ToolTransport is the slice of the daemon API the manager and service
// layers depend on. It exists so tests can stub the in-container daemon.
type ToolTransport interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
	SetMCPServers(ctx context.Context, servers MCPServers) error
	FlushWorkspace(ctx context.Context) error
	Healthy(ctx context.Context) bool
}

// Client talks to the sandbox daemon inside a container.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient constructs a daemon client for the given endpoint.
func NewClient(endpoint Endpoint) *Client {
	return &Client{
		baseURL: endpoint.BaseURL,
		token:   endpoint.Token,
		httpClient: &http.Client{
			Timeout:   120 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

var _ ToolTransport = (*Client)(nil)

type toolCallPayload struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// CallTool invokes a named tool through the daemon's dispatcher.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	var res ToolResult
	err := c.doJSON(ctx, http.MethodPost, "/tool/call", toolCallPayload{Name: name, Args: args}, &res)
	if err != nil {
		return nil, &ToolExecutionError{Tool: name, Err: err}
	}
	return &res, nil
}

type mcpServersPayload struct {
	MCPServers MCPServers `json:"mcpServers"`
}

// SetMCPServers replaces the daemon's configured MCP tool servers.
// Replacement, not merging, so a pooled sandbox never leaks the previous
// session's servers.
func (c *Client) SetMCPServers(ctx context.Context, servers MCPServers) error {
	return c.doJSON(ctx, http.MethodPut, "/mcp/servers", mcpServersPayload{MCPServers: servers}, nil)
}

// FlushWorkspace clears per-session state from the sandbox workspace.
func (c *Client) FlushWorkspace(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/workspace/flush", nil, nil)
}

// Healthy probes the daemon health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// doJSON sends a JSON request and decodes a JSON response (if out is non-nil).
func (c *Client) doJSON(ctx context.Context, method, p string, in any, out any) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	u.Path = path.Join(u.Path, p)

	var body io.Reader
	if in != nil {
		buf, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("daemon error: status=%d body=%s", resp.StatusCode, string(b))
	}

	if out == nil {
		return nil
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := sonic.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
