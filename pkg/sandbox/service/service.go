package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/curaious/runbox/pkg/sandbox"
	"github.com/curaious/runbox/pkg/sandbox/manager"
)

// Service resolves session-level sandbox requests: container types go
// through the pool manager, cloud types through their registered
// factories. Everything issued to a session key is tracked so Release
// can tear it all down.
type Service struct {
	mgr         *manager.Manager
	registry    *sandbox.Registry
	workdirRoot string

	mu        sync.RWMutex
	bySession map[string][]sandbox.Sandbox
}

// Option configures the service.
type Option func(*Service)

// WithWorkdirRoot enables per-session working-directory mounts under
// the given host root.
func WithWorkdirRoot(root string) Option {
	return func(s *Service) { s.workdirRoot = root }
}

func New(mgr *manager.Manager, registry *sandbox.Registry, opts ...Option) *Service {
	if registry == nil {
		registry = sandbox.DefaultRegistry
	}
	s := &Service{
		mgr:       mgr,
		registry:  registry,
		bySession: make(map[string][]sandbox.Sandbox),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConnectOptions carry the per-session inputs supplied by an adapter.
type ConnectOptions struct {
	// SessionVolumes are dynamic bindings, highest priority in the
	// volume merge.
	SessionVolumes []sandbox.VolumeBinding
	// MCPServers are injected into every acquired sandbox type that
	// accepts MCP configs.
	MCPServers sandbox.MCPServers
}

// Connect acquires one sandbox per requested type for the session key.
// Reconnecting with the same key returns the already-tracked handles
// instead of creating duplicates. A failure part-way through releases
// whatever was already acquired for the call.
func (s *Service) Connect(ctx context.Context, sessionID, userID string, types []sandbox.Type, opts ConnectOptions) ([]sandbox.Sandbox, error) {
	if sessionID == "" || userID == "" {
		return nil, fmt.Errorf("session_id and user_id are required")
	}
	key := sessionKey(sessionID, userID)

	s.mu.RLock()
	existing, ok := s.bySession[key]
	s.mu.RUnlock()
	if ok {
		return existing, nil
	}

	var acquired []sandbox.Sandbox
	for _, typ := range types {
		sb, err := s.acquireOne(ctx, key, typ, opts)
		if err != nil {
			s.releaseAll(ctx, acquired)
			return nil, fmt.Errorf("connect %s: %w", typ, err)
		}
		acquired = append(acquired, sb)
	}

	s.mu.Lock()
	// A concurrent Connect for the same key may have won; keep the first
	// set and release ours so the prior handle never silently leaks.
	if prior, ok := s.bySession[key]; ok {
		s.mu.Unlock()
		s.releaseAll(ctx, acquired)
		return prior, nil
	}
	s.bySession[key] = acquired
	s.mu.Unlock()

	ids := make([]string, len(acquired))
	for i, sb := range acquired {
		ids[i] = sb.ID()
	}
	if err := s.mgr.Store().SetSession(ctx, key, ids); err != nil {
		slog.Warn("session bookkeeping failed", slog.String("session_key", key), slog.Any("error", err))
	}

	slog.Info("session connected",
		slog.String("session_key", key),
		slog.Int("sandboxes", len(acquired)))
	return acquired, nil
}

// Release tears down everything tracked under the session key. Calling
// it again, or for an unknown key, is a no-op.
func (s *Service) Release(ctx context.Context, sessionID, userID string) error {
	key := sessionKey(sessionID, userID)

	s.mu.Lock()
	sandboxes, ok := s.bySession[key]
	if ok {
		delete(s.bySession, key)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	s.releaseAll(ctx, sandboxes)
	if err := s.mgr.Store().DeleteSession(ctx, key); err != nil {
		slog.Warn("session bookkeeping cleanup failed", slog.String("session_key", key), slog.Any("error", err))
	}

	slog.Info("session released", slog.String("session_key", key))
	return nil
}

// Shutdown releases every tracked session and then drains the manager.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	all := s.bySession
	s.bySession = make(map[string][]sandbox.Sandbox)
	s.mu.Unlock()

	for key, sandboxes := range all {
		s.releaseAll(ctx, sandboxes)
		if err := s.mgr.Store().DeleteSession(ctx, key); err != nil {
			slog.Warn("session bookkeeping cleanup failed", slog.String("session_key", key), slog.Any("error", err))
		}
	}
	s.mgr.Shutdown(ctx)
}

// Tracked reports how many sandboxes are held for a session key.
func (s *Service) Tracked(sessionID, userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySession[sessionKey(sessionID, userID)])
}

func (s *Service) acquireOne(ctx context.Context, key string, typ sandbox.Type, opts ConnectOptions) (sandbox.Sandbox, error) {
	reg, err := s.registry.Get(typ)
	if err != nil {
		return nil, err
	}

	if reg.Kind == sandbox.KindCloud {
		sb, err := reg.NewCloud(ctx)
		if err != nil {
			return nil, err
		}
		if c, ok := sb.(sandbox.Connector); ok {
			if err := c.Connect(ctx); err != nil {
				return nil, err
			}
		}
		return sb, nil
	}

	acquireOpts := manager.AcquireOptions{
		SessionVolumes: opts.SessionVolumes,
		MCPServers:     opts.MCPServers,
	}
	if s.workdirRoot != "" {
		acquireOpts.Workdir = filepath.Join(s.workdirRoot, key)
	}
	return s.mgr.Acquire(ctx, typ, acquireOpts)
}

// releaseAll sends each sandbox down its own teardown path. Failures
// are logged so one bad instance cannot block the rest.
func (s *Service) releaseAll(ctx context.Context, sandboxes []sandbox.Sandbox) {
	for _, sb := range sandboxes {
		var err error
		switch v := sb.(type) {
		case *manager.ContainerSandbox:
			err = s.mgr.Release(ctx, v)
		case *sandbox.CloudSandbox:
			err = v.Release(ctx)
		default:
			if r, ok := sb.(interface{ Release(context.Context) error }); ok {
				err = r.Release(ctx)
			}
		}
		if err != nil {
			slog.Warn("sandbox release failed",
				slog.String("sandbox_id", sb.ID()),
				slog.String("sandbox_type", sb.Type().String()),
				slog.Any("error", err))
		}
	}
}

func sessionKey(sessionID, userID string) string {
	return sessionID + "_" + userID
}
