package sandbox

// Package sandbox provides primitives for managing isolated tool-execution
// environments. A Sandbox is one live environment exposing a uniform
// CallTool interface; the concrete backend (Docker container, Kubernetes
// pod, or a remote cloud API) is hidden behind it.

import (
	"context"
	"time"
)

// Type identifies a sandbox flavor. It is an open, string-keyed set:
// new values are introduced by registering them (see Registry), not by
// extending a closed enum.
type Type string

const (
	TypeBase         Type = "base"
	TypeFilesystem   Type = "filesystem"
	TypeBrowser      Type = "browser"
	TypeCloudDesktop Type = "cloud_desktop"
	TypeCloudPhone   Type = "cloud_phone"
)

func (t Type) String() string { return string(t) }

// State is the lifecycle state of a sandbox instance.
type State string

const (
	StateCreated    State = "CREATED"
	StateRunning    State = "RUNNING"
	StateIdleInPool State = "IDLE_IN_POOL"
	StateReleased   State = "RELEASED"
	StateFailed     State = "FAILED"
)

// Kind distinguishes how a sandbox type is backed.
type Kind string

const (
	// KindContainer types are provisioned through a ContainerClient and
	// pooled by the manager.
	KindContainer Kind = "container"
	// KindCloud types talk directly to a provider control-plane API.
	KindCloud Kind = "cloud"
)

// Endpoint is how callers reach a running sandbox.
type Endpoint struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
}

// ToolResult is the normalized result of a tool call. Container- and
// cloud-backed sandboxes return the same shape so calling code cannot
// distinguish the backend from the response alone.
type ToolResult struct {
	Success bool           `json:"success"`
	Output  string         `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Sandbox is one isolated execution environment.
type Sandbox interface {
	// ID returns the backend-assigned or generated instance identifier.
	ID() string
	// Type returns the registered sandbox type.
	Type() Type
	// State returns the current lifecycle state.
	State() State
	// Endpoint returns the connection endpoint. Cloud sandboxes may
	// return a zero Endpoint.
	Endpoint() Endpoint
	// CallTool executes a named tool with the given arguments and
	// returns a normalized result.
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
}

// MCPServerConfig describes one auxiliary MCP tool server a sandbox
// should proxy to the calling agent. The wire shape matches the
// conventional {"mcpServers": {name: {...}}} layout.
type MCPServerConfig struct {
	Endpoint string            `json:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// MCPServers maps server name to its config.
type MCPServers map[string]MCPServerConfig

// MergeMCPServers unions the given config sets; later sets win on name
// conflicts.
func MergeMCPServers(sets ...MCPServers) MCPServers {
	out := MCPServers{}
	for _, set := range sets {
		for name, cfg := range set {
			out[name] = cfg
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// DefaultDeployTimeout bounds container creation plus readiness polling.
// Slow environments (image pulls, browser startup) need minutes.
const DefaultDeployTimeout = 3 * time.Minute

// DefaultCommandTimeout bounds a single tool execution inside a running
// sandbox.
const DefaultCommandTimeout = 60 * time.Second
