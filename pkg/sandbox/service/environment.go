package service

import (
	"context"
	"fmt"

	"github.com/curaious/runbox/pkg/sandbox"
)

// EnvironmentManager is the coarse facade agent adapters talk to. It
// hides sandbox handles entirely: callers connect a session, invoke
// tools by type, and release, all by session identity.
type EnvironmentManager struct {
	svc *Service
}

func NewEnvironmentManager(svc *Service) *EnvironmentManager {
	return &EnvironmentManager{svc: svc}
}

// ConnectSession provisions (or re-resolves) the sandbox set for a
// session. It is safe to call repeatedly with the same identity.
func (em *EnvironmentManager) ConnectSession(ctx context.Context, sessionID, userID string, types []sandbox.Type, opts ConnectOptions) ([]sandbox.Sandbox, error) {
	return em.svc.Connect(ctx, sessionID, userID, types, opts)
}

// CallTool routes a tool call to the session's sandbox of the given
// type.
func (em *EnvironmentManager) CallTool(ctx context.Context, sessionID, userID string, typ sandbox.Type, name string, args map[string]any) (*sandbox.ToolResult, error) {
	key := sessionKey(sessionID, userID)

	em.svc.mu.RLock()
	sandboxes := em.svc.bySession[key]
	em.svc.mu.RUnlock()

	for _, sb := range sandboxes {
		if sb.Type() == typ {
			return sb.CallTool(ctx, name, args)
		}
	}
	return nil, fmt.Errorf("session %s has no %s sandbox", key, typ)
}

// ReleaseSession tears down everything held for the session.
func (em *EnvironmentManager) ReleaseSession(ctx context.Context, sessionID, userID string) error {
	return em.svc.Release(ctx, sessionID, userID)
}

// Shutdown drains every session and the underlying manager.
func (em *EnvironmentManager) Shutdown(ctx context.Context) {
	em.svc.Shutdown(ctx)
}
