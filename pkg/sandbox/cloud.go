package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CloudProvider is the control-plane surface a cloud backend must
// implement. Each provider owns its own client, credentials, and
// tool-name mapping; nothing above this interface knows about them.
type CloudProvider interface {
	Name() string
	// CreateSession provisions or wakes the remote resource and returns
	// its session/resource identifier.
	CreateSession(ctx context.Context) (string, error)
	// DeleteSession releases the remote resource. Providers decide what
	// release means (destroy, hibernate, stop streaming).
	DeleteSession(ctx context.Context, id string) error
	// CallTool translates a generic tool name and arguments into the
	// provider-specific call and normalizes the result.
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
}

// Connector is implemented by sandboxes whose remote resources are
// provisioned lazily, after construction.
type Connector interface {
	Connect(ctx context.Context) error
}

// CloudSandbox adapts a CloudProvider to the Sandbox contract. There is
// no container runtime underneath: every operation is a direct call to
// the provider's API, bounded by the provider's operation timeout
// (cloud cold starts are slower than container starts, so this timeout
// is independent of the container deploy timeout).
type CloudSandbox struct {
	typ      Type
	provider CloudProvider
	timeout  time.Duration

	mu    sync.Mutex
	id    string
	state State
}

func NewCloudSandbox(typ Type, provider CloudProvider, timeout time.Duration) *CloudSandbox {
	if timeout <= 0 {
		timeout = DefaultDeployTimeout
	}
	return &CloudSandbox{
		typ:      typ,
		provider: provider,
		timeout:  timeout,
		state:    StateCreated,
	}
}

var _ Sandbox = (*CloudSandbox)(nil)

func (s *CloudSandbox) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *CloudSandbox) Type() Type { return s.typ }

func (s *CloudSandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoint is zero for cloud sandboxes; callers reach them only through
// CallTool.
func (s *CloudSandbox) Endpoint() Endpoint { return Endpoint{} }

// Connect provisions the remote session.
func (s *CloudSandbox) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id, err := s.provider.CreateSession(ctx)
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("%s create session: %w", s.provider.Name(), err)
	}

	s.mu.Lock()
	s.id = id
	s.state = StateRunning
	s.mu.Unlock()
	return nil
}

// CallTool dispatches to the provider, normalizing failures into the
// same taxonomy as container-backed sandboxes.
func (s *CloudSandbox) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if s.State() != StateRunning {
		return nil, &ToolExecutionError{Tool: name, Err: ErrReleased}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.provider.CallTool(ctx, name, args)
	if err != nil {
		return nil, &ToolExecutionError{Tool: name, Err: err}
	}
	if res == nil {
		res = &ToolResult{Success: false, Error: "provider returned no result"}
	}
	return res, nil
}

// Release tears down the remote session. Safe to call more than once.
func (s *CloudSandbox) Release(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateReleased {
		s.mu.Unlock()
		return nil
	}
	id := s.id
	s.state = StateReleased
	s.mu.Unlock()

	if id == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.provider.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("%s delete session: %w", s.provider.Name(), err)
	}
	return nil
}

func (s *CloudSandbox) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
