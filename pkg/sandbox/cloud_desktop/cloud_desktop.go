// Package cloud_desktop backs the cloud_desktop sandbox type with a
// remote desktop control-plane API. Desktops are long-lived resources:
// connect wakes one up, release hibernates it, nothing here ever
// destroys the desktop itself.
package cloud_desktop

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

	"github.com/curaious/runbox/pkg/sandbox"
)

const providerName = "cloud_desktop"

// Config carries the control-plane credentials and target.
type Config struct {
	APIBase   string
	APIKey    string
	DesktopID string
	// Timeout bounds a single control-plane operation, wakeup polling
	// included.
	Timeout time.Duration
}

// toolActions maps generic tool names onto control-plane action names.
// Unknown tools are rejected before any request is made.
var toolActions = map[string]string{
	"run_shell_command": "shell",
	"screenshot":        "screenshot",
	"tap":               "click",
	"click":             "click",
	"type_text":         "type",
	"key_press":         "key",
	"scroll":            "scroll",
}

// Provider implements sandbox.CloudProvider over the desktop API.
type Provider struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) (*Provider, error) {
	if cfg.DesktopID == "" {
		return nil, &sandbox.ConfigurationError{Backend: providerName, Reason: "desktop id is required"}
	}
	if cfg.APIKey == "" {
		return nil, &sandbox.ConfigurationError{Backend: providerName, Reason: "api key is required"}
	}
	if cfg.APIBase == "" {
		return nil, &sandbox.ConfigurationError{Backend: providerName, Reason: "api base url is required"}
	}
	if _, err := url.Parse(cfg.APIBase); err != nil {
		return nil, &sandbox.ConfigurationError{Backend: providerName, Reason: fmt.Sprintf("invalid api base url: %v", err)}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = sandbox.DefaultDeployTimeout
	}
	return &Provider{
		cfg: cfg,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   120 * time.Second,
		},
	}, nil
}

var _ sandbox.CloudProvider = (*Provider)(nil)

func (p *Provider) Name() string { return providerName }

// CreateSession wakes the desktop and polls until it reports running.
// Already-running desktops pass straight through the poll.
func (p *Provider) CreateSession(ctx context.Context) (string, error) {
	if err := p.post(ctx, fmt.Sprintf("desktops/%s/wakeup", p.cfg.DesktopID), nil, nil); err != nil {
		return "", fmt.Errorf("wakeup desktop: %w", err)
	}
	if err := p.waitRunning(ctx); err != nil {
		return "", err
	}
	return p.cfg.DesktopID, nil
}

// DeleteSession hibernates the desktop.
func (p *Provider) DeleteSession(ctx context.Context, id string) error {
	if err := p.post(ctx, fmt.Sprintf("desktops/%s/hibernate", id), nil, nil); err != nil {
		return fmt.Errorf("hibernate desktop: %w", err)
	}
	return nil
}

type actionResponse struct {
	Success bool           `json:"success"`
	Output  string         `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func (p *Provider) CallTool(ctx context.Context, name string, args map[string]any) (*sandbox.ToolResult, error) {
	action, ok := toolActions[name]
	if !ok {
		return nil, fmt.Errorf("tool %q is not supported by %s", name, providerName)
	}

	var out actionResponse
	if err := p.post(ctx, fmt.Sprintf("desktops/%s/actions/%s", p.cfg.DesktopID, action), args, &out); err != nil {
		return nil, err
	}
	return &sandbox.ToolResult{
		Success: out.Success,
		Output:  out.Output,
		Error:   out.Error,
		Meta:    out.Meta,
	}, nil
}

type desktopStatus struct {
	Status string `json:"status"`
}

func (p *Provider) waitRunning(ctx context.Context) error {
	deadline := time.Now().Add(p.cfg.Timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		var st desktopStatus
		if err := p.get(ctx, fmt.Sprintf("desktops/%s", p.cfg.DesktopID), &st); err == nil && st.Status == "running" {
			return nil
		}
		if time.Now().After(deadline) {
			return &sandbox.StartTimeoutError{Type: sandbox.TypeCloudDesktop, Timeout: p.cfg.Timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Provider) post(ctx context.Context, endpoint string, body any, out any) error {
	return p.do(ctx, http.MethodPost, endpoint, body, out)
}

func (p *Provider) get(ctx context.Context, endpoint string, out any) error {
	return p.do(ctx, http.MethodGet, endpoint, nil, out)
}

func (p *Provider) do(ctx context.Context, method, endpoint string, body, out any) error {
	u, err := url.Parse(p.cfg.APIBase)
	if err != nil {
		return fmt.Errorf("parse api base url: %w", err)
	}
	u.Path = path.Join(u.Path, endpoint)

	var reader io.Reader
	if body != nil {
		raw, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, string(raw))
	}
	if out != nil && len(raw) > 0 {
		if err := sonic.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Register binds the cloud_desktop type to this provider in the given
// registry. Credentials are validated lazily, when a session first asks
// for the type, so deployments without cloud access still boot.
func Register(registry *sandbox.Registry, cfg Config) error {
	return registry.Register(sandbox.Registration{
		Type:          sandbox.TypeCloudDesktop,
		Kind:          sandbox.KindCloud,
		SecurityLevel: "high",
		Timeout:       cfg.Timeout,
		Description:   "remote cloud desktop with GUI automation tools",
		NewCloud: func(ctx context.Context) (sandbox.Sandbox, error) {
			p, err := New(cfg)
			if err != nil {
				return nil, err
			}
			return sandbox.NewCloudSandbox(sandbox.TypeCloudDesktop, p, cfg.Timeout), nil
		},
	})
}
