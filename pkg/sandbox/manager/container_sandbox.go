package manager

import (
	"context"
	"sync"
	"time"

	"github.com/curaious/runbox/pkg/sandbox"
)

// ContainerSandbox is a live container-backed sandbox. It is owned by
// the manager that created it until released; while pooled it belongs
// to the pool, not to any session.
type ContainerSandbox struct {
	id             string
	typ            sandbox.Type
	endpoint       sandbox.Endpoint
	handle         sandbox.ContainerHandle
	port           int
	volumes        []sandbox.VolumeBinding
	commandTimeout time.Duration
	transport      sandbox.ToolTransport

	mu    sync.Mutex
	state sandbox.State
}

var _ sandbox.Sandbox = (*ContainerSandbox)(nil)

func (s *ContainerSandbox) ID() string { return s.id }

func (s *ContainerSandbox) Type() sandbox.Type { return s.typ }

func (s *ContainerSandbox) State() sandbox.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ContainerSandbox) Endpoint() sandbox.Endpoint { return s.endpoint }

// Port returns the allocated host port.
func (s *ContainerSandbox) Port() int { return s.port }

// CallTool dispatches a tool call to the in-container daemon, bounded
// by the command timeout. Timeouts surface directly and are never
// retried here: tool side effects may not be idempotent.
func (s *ContainerSandbox) CallTool(ctx context.Context, name string, args map[string]any) (*sandbox.ToolResult, error) {
	if s.State() != sandbox.StateRunning {
		return nil, &sandbox.ToolExecutionError{Tool: name, Err: sandbox.ErrReleased}
	}

	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()
	return s.transport.CallTool(ctx, name, args)
}

func (s *ContainerSandbox) setState(st sandbox.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
