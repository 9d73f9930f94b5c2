// Package cloud_phone backs the cloud_phone sandbox type with a remote
// phone-farm control plane. Instances can optionally be auto-started on
// connect; release stops them.
package cloud_phone

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

const providerName = "cloud_phone"

type Config struct {
	APIBase    string
	APIKey     string
	InstanceID string
	// AutoStart boots a stopped instance on connect instead of failing.
	AutoStart bool
	Timeout   time.Duration
}

var toolActions = map[string]string{
	"run_shell_command": "adb_shell",
	"screenshot":        "screenshot",
	"tap":               "tap",
	"swipe":             "swipe",
	"type_text":         "input_text",
	"key_press":         "key_event",
	"launch_app":        "launch_app",
}

type Provider struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) (*Provider, error) {
	if cfg.InstanceID == "" {
		return nil, &sandbox.ConfigurationError{Backend: providerName, Reason: "instance id is required"}
	}
	if cfg.APIKey == "" {
		return nil, &sandbox.ConfigurationError{Backend: providerName, Reason: "api key is required"}
	}
	if cfg.APIBase == "" {
		return nil, &sandbox.ConfigurationError{Backend: providerName, Reason: "api base url is required"}
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

type instanceStatus struct {
	Status string `json:"status"`
}

// CreateSession verifies the instance is running, starting it first
// when AutoStart is set.
func (p *Provider) CreateSession(ctx context.Context) (string, error) {
	var st instanceStatus
	if err := p.get(ctx, fmt.Sprintf("instances/%s", p.cfg.InstanceID), &st); err != nil {
		return "", fmt.Errorf("inspect instance: %w", err)
	}
	if st.Status != "running" {
		if !p.cfg.AutoStart {
			return "", fmt.Errorf("instance %s is %s and auto-start is disabled", p.cfg.InstanceID, st.Status)
		}
		if err := p.post(ctx, fmt.Sprintf("instances/%s/start", p.cfg.InstanceID), nil, nil); err != nil {
			return "", fmt.Errorf("start instance: %w", err)
		}
		if err := p.waitRunning(ctx); err != nil {
			return "", err
		}
	}
	return p.cfg.InstanceID, nil
}

func (p *Provider) DeleteSession(ctx context.Context, id string) error {
	if err := p.post(ctx, fmt.Sprintf("instances/%s/stop", id), nil, nil); err != nil {
		return fmt.Errorf("stop instance: %w", err)
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
	if err := p.post(ctx, fmt.Sprintf("instances/%s/actions/%s", p.cfg.InstanceID, action), args, &out); err != nil {
		return nil, err
	}
	return &sandbox.ToolResult{
		Success: out.Success,
		Output:  out.Output,
		Error:   out.Error,
		Meta:    out.Meta,
	}, nil
}

func (p *Provider) waitRunning(ctx context.Context) error {
	deadline := time.Now().Add(p.cfg.Timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		var st instanceStatus
		if err := p.get(ctx, fmt.Sprintf("instances/%s", p.cfg.InstanceID), &st); err == nil && st.Status == "running" {
			return nil
		}
		if time.Now().After(deadline) {
			return &sandbox.StartTimeoutError{Type: sandbox.TypeCloudPhone, Timeout: p.cfg.Timeout}
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

// Register binds the cloud_phone type to this provider in the given
// registry.
func Register(registry *sandbox.Registry, cfg Config) error {
	return registry.Register(sandbox.Registration{
		Type:          sandbox.TypeCloudPhone,
		Kind:          sandbox.KindCloud,
		SecurityLevel: "high",
		Timeout:       cfg.Timeout,
		Description:   "remote cloud phone with UI automation tools",
		NewCloud: func(ctx context.Context) (sandbox.Sandbox, error) {
			p, err := New(cfg)
			if err != nil {
				return nil, err
			}
			return sandbox.NewCloudSandbox(sandbox.TypeCloudPhone, p, cfg.Timeout), nil
		},
	})
}
