package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/curaious/runbox/pkg/sandbox"
)

// Config tunes the manager. Zero values fall back to workable defaults.
type Config struct {
	// PoolSize bounds the warm pool per sandbox type.
	PoolSize int
	// PortRangeStart/End is the inclusive host-port range for container
	// daemon bindings.
	PortRangeStart int
	PortRangeEnd   int
	// DeployTimeout bounds creation plus readiness polling.
	DeployTimeout time.Duration
	// CommandTimeout bounds one tool call inside a running sandbox.
	CommandTimeout time.Duration
	// AutoCleanup drains every tracked sandbox on Shutdown.
	AutoCleanup bool
	// TokenSecret signs per-sandbox runtime tokens; empty disables auth.
	TokenSecret string
	TokenTTL    time.Duration
	// DaemonPort is the in-container port the sandbox daemon listens on.
	DaemonPort int
	// GlobalVolumes are the lowest-priority mount defaults.
	GlobalVolumes []sandbox.VolumeBinding
	// ReusePooledWithVolumes permits serving a session that requested
	// extra volumes from a pooled instance whose mounts already cover
	// them. A pooled instance can never gain mounts without a recreate,
	// so uncovered requests always fall back to fresh creation.
	ReusePooledWithVolumes bool
	// Transport overrides how the daemon API client is built for an
	// endpoint. Nil means the default HTTP client.
	Transport func(sandbox.Endpoint) sandbox.ToolTransport
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 2
	}
	if c.PortRangeStart <= 0 {
		c.PortRangeStart = 32000
	}
	if c.PortRangeEnd < c.PortRangeStart {
		c.PortRangeEnd = c.PortRangeStart + 999
	}
	if c.DeployTimeout <= 0 {
		c.DeployTimeout = sandbox.DefaultDeployTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = sandbox.DefaultCommandTimeout
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.DaemonPort <= 0 {
		c.DaemonPort = 8080
	}
	return c
}

// AcquireOptions carry per-session inputs into Acquire.
type AcquireOptions struct {
	// Workdir is the host path of the session's primary working
	// directory, mounted read-write at the sandbox workspace.
	Workdir string
	// SessionVolumes are the highest-priority dynamic bindings.
	SessionVolumes []sandbox.VolumeBinding
	// MCPServers are injected into any sandbox type that accepts them.
	MCPServers sandbox.MCPServers
}

const workspaceMount = "/sandbox/workspace"

// Manager owns the warm pool and the lifecycle of every
// container-backed sandbox.
type Manager struct {
	cfg      Config
	registry *sandbox.Registry
	client   sandbox.ContainerClient
	store    Store

	// transport builds the daemon API for an endpoint; replaceable in
	// tests.
	transport func(sandbox.Endpoint) sandbox.ToolTransport

	mu      sync.Mutex
	tracked map[string]*ContainerSandbox
}

func New(cfg Config, registry *sandbox.Registry, client sandbox.ContainerClient, store Store) *Manager {
	if registry == nil {
		registry = sandbox.DefaultRegistry
	}
	if store == nil {
		store = NewMemoryStore()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = func(ep sandbox.Endpoint) sandbox.ToolTransport { return sandbox.NewClient(ep) }
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		registry:  registry,
		client:    client,
		store:     store,
		transport: transport,
		tracked:   make(map[string]*ContainerSandbox),
	}
}

// Store exposes the coordination store for the service layer's session
// bookkeeping.
func (m *Manager) Store() Store { return m.store }

// Acquire returns a running sandbox of the given type, reusing a pooled
// instance when possible and creating a fresh one otherwise. The
// pool-miss path is a normal branch, not a failure.
func (m *Manager) Acquire(ctx context.Context, typ sandbox.Type, opts AcquireOptions) (*ContainerSandbox, error) {
	reg, err := m.registry.Get(typ)
	if err != nil {
		return nil, err
	}
	if reg.Kind != sandbox.KindContainer {
		return nil, &sandbox.ConfigurationError{
			Backend: "manager",
			Reason:  fmt.Sprintf("type %q is %s-backed, not container-backed", typ, reg.Kind),
		}
	}

	if sb, ok := m.acquireFromPool(ctx, reg, opts); ok {
		return sb, nil
	}

	sb, err := m.createFresh(ctx, reg, opts)
	var timeoutErr *sandbox.StartTimeoutError
	if err != nil && errors.As(err, &timeoutErr) {
		// One retry with a fresh port: the common cause is a stale or
		// contended binding, and creation is side-effect free once the
		// partial container is gone.
		slog.Warn("sandbox start timed out, retrying with a fresh port",
			slog.String("sandbox_type", typ.String()))
		sb, err = m.createFresh(ctx, reg, opts)
	}
	if err != nil {
		return nil, err
	}
	return sb, nil
}

// acquireFromPool pops an idle instance and revives it. Returns false on
// pool miss, on an incompatible volume overlay, or when the popped
// instance fails its health check (it is destroyed, not returned).
func (m *Manager) acquireFromPool(ctx context.Context, reg sandbox.Registration, opts AcquireOptions) (*ContainerSandbox, bool) {
	for {
		entry, ok, err := m.store.PopIdle(ctx, reg.Type)
		if err != nil {
			slog.Error("pool pop failed, falling back to fresh creation",
				slog.String("sandbox_type", reg.Type.String()), slog.Any("error", err))
			return nil, false
		}
		if !ok {
			return nil, false
		}

		requested := opts.SessionVolumes
		if opts.Workdir != "" {
			requested = append(requested, sandbox.VolumeBinding{
				HostPath: opts.Workdir, ContainerPath: workspaceMount,
			})
		}
		if len(requested) > 0 {
			if !m.cfg.ReusePooledWithVolumes || !sandbox.VolumesCoveredBy(requested, entry.Volumes) {
				// Cannot remount a live container; return the entry and
				// let the caller get a fresh one.
				if _, err := m.store.PushIdle(ctx, reg.Type, *entry, m.cfg.PoolSize); err != nil {
					slog.Error("pool push-back failed", slog.Any("error", err))
					m.destroyEntry(ctx, entry)
				}
				return nil, false
			}
		}

		tr := m.transport(entry.Endpoint)
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		healthy := tr.Healthy(healthCtx)
		cancel()
		if !healthy {
			slog.Warn("pooled sandbox failed health check, destroying",
				slog.String("sandbox_id", entry.SandboxID))
			m.destroyEntry(ctx, entry)
			continue
		}

		if len(opts.MCPServers) > 0 && reg.AcceptsMCP {
			if err := tr.SetMCPServers(ctx, opts.MCPServers); err != nil {
				slog.Warn("mcp injection on pooled sandbox failed",
					slog.String("sandbox_id", entry.SandboxID), slog.Any("error", err))
			}
		}

		sb := &ContainerSandbox{
			id:             entry.SandboxID,
			typ:            reg.Type,
			endpoint:       entry.Endpoint,
			handle:         entry.Handle,
			port:           entry.Port,
			volumes:        entry.Volumes,
			commandTimeout: m.cfg.CommandTimeout,
			transport:      tr,
			state:          sandbox.StateRunning,
		}
		m.track(sb)
		slog.Debug("pool hit", slog.String("sandbox_type", reg.Type.String()),
			slog.String("sandbox_id", sb.id))
		return sb, true
	}
}

func (m *Manager) createFresh(ctx context.Context, reg sandbox.Registration, opts AcquireOptions) (*ContainerSandbox, error) {
	port, err := m.allocatePort(ctx)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	name := fmt.Sprintf("runbox-%s-%s", reg.Type, id[:8])

	token, err := sandbox.MintRuntimeToken(m.cfg.TokenSecret, id, m.cfg.TokenTTL)
	if err != nil {
		m.freePort(ctx, port)
		return nil, err
	}

	var workdirLayer []sandbox.VolumeBinding
	if opts.Workdir != "" {
		workdirLayer = []sandbox.VolumeBinding{
			{HostPath: opts.Workdir, ContainerPath: workspaceMount},
		}
	}
	volumes := sandbox.MergeVolumes(sandbox.VolumeLayers{
		Global:  m.cfg.GlobalVolumes,
		Static:  reg.StaticVolumes,
		Workdir: workdirLayer,
		Session: opts.SessionVolumes,
	})

	env := make(map[string]string, len(reg.Environment)+2)
	for k, v := range reg.Environment {
		env[k] = v
	}
	env["SANDBOX_PORT"] = fmt.Sprintf("%d", m.cfg.DaemonPort)
	if m.cfg.TokenSecret != "" {
		env["RUNTIME_TOKEN_SECRET"] = m.cfg.TokenSecret
	}

	spec := sandbox.ContainerSpec{
		Image:         reg.Image,
		Name:          name,
		Env:           env,
		Volumes:       volumes,
		HostPort:      port,
		ContainerPort: m.cfg.DaemonPort,
		Labels:        sandbox.ManagedLabels(reg.Type),
	}

	handle, err := m.client.Create(ctx, spec)
	if err != nil {
		m.freePort(ctx, port)
		return nil, err
	}
	if err := m.client.Start(ctx, handle); err != nil {
		m.teardown(ctx, handle, port)
		return nil, err
	}

	deployTimeout := m.cfg.DeployTimeout
	if reg.Timeout > deployTimeout {
		deployTimeout = reg.Timeout
	}
	if !m.client.WaitReady(ctx, handle, deployTimeout) {
		m.teardown(ctx, handle, port)
		return nil, &sandbox.StartTimeoutError{Type: reg.Type, Timeout: deployTimeout}
	}

	addr, err := m.client.Address(ctx, handle)
	if err != nil {
		m.teardown(ctx, handle, port)
		return nil, err
	}
	handle.Address = addr
	endpoint := sandbox.Endpoint{BaseURL: "http://" + addr, Token: token}

	tr := m.transport(endpoint)
	if len(opts.MCPServers) > 0 && reg.AcceptsMCP {
		if err := tr.SetMCPServers(ctx, opts.MCPServers); err != nil {
			slog.Warn("mcp injection failed", slog.String("sandbox_id", id), slog.Any("error", err))
		}
	}

	sb := &ContainerSandbox{
		id:             id,
		typ:            reg.Type,
		endpoint:       endpoint,
		handle:         handle,
		port:           port,
		volumes:        volumes,
		commandTimeout: m.cfg.CommandTimeout,
		transport:      tr,
		state:          sandbox.StateRunning,
	}
	m.track(sb)
	slog.Info("sandbox created",
		slog.String("sandbox_type", reg.Type.String()),
		slog.String("sandbox_id", id),
		slog.Int("port", port))
	return sb, nil
}

// Release returns a sandbox to the pool when there is room and it is
// healthy, and destroys it otherwise. Safe to call more than once.
func (m *Manager) Release(ctx context.Context, sb *ContainerSandbox) error {
	if sb == nil {
		return nil
	}
	sb.mu.Lock()
	if sb.state == sandbox.StateReleased || sb.state == sandbox.StateIdleInPool {
		sb.mu.Unlock()
		return nil
	}
	sb.mu.Unlock()

	m.untrack(sb.id)

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	healthy := sb.transport.Healthy(healthCtx)
	cancel()

	if healthy {
		// Scrub per-session state before the instance can serve anyone
		// else.
		if err := sb.transport.FlushWorkspace(ctx); err != nil {
			slog.Warn("workspace flush failed", slog.String("sandbox_id", sb.id), slog.Any("error", err))
			healthy = false
		}
		if healthy {
			if err := sb.transport.SetMCPServers(ctx, nil); err != nil {
				slog.Warn("mcp reset failed", slog.String("sandbox_id", sb.id), slog.Any("error", err))
			}
		}
	}

	if healthy {
		entry := PoolEntry{
			SandboxID: sb.id,
			Type:      sb.typ,
			Handle:    sb.handle,
			Port:      sb.port,
			Endpoint:  sb.endpoint,
			Volumes:   sb.volumes,
		}
		pushed, err := m.store.PushIdle(ctx, sb.typ, entry, m.cfg.PoolSize)
		if err != nil {
			slog.Error("pool push failed, destroying sandbox",
				slog.String("sandbox_id", sb.id), slog.Any("error", err))
		} else if pushed {
			sb.setState(sandbox.StateIdleInPool)
			slog.Debug("sandbox returned to pool", slog.String("sandbox_id", sb.id))
			return nil
		}
	}

	m.teardown(ctx, sb.handle, sb.port)
	sb.setState(sandbox.StateReleased)
	return nil
}

// Shutdown drains the pool and destroys every tracked sandbox when auto
// cleanup is enabled. Individual failures are logged, never raised, so
// shutdown always completes.
func (m *Manager) Shutdown(ctx context.Context) {
	if !m.cfg.AutoCleanup {
		return
	}

	m.mu.Lock()
	inUse := make([]*ContainerSandbox, 0, len(m.tracked))
	for _, sb := range m.tracked {
		inUse = append(inUse, sb)
	}
	m.tracked = make(map[string]*ContainerSandbox)
	m.mu.Unlock()

	for _, sb := range inUse {
		m.teardown(ctx, sb.handle, sb.port)
		sb.setState(sandbox.StateReleased)
	}

	for _, typ := range m.registry.Types() {
		for {
			entry, ok, err := m.store.PopIdle(ctx, typ)
			if err != nil {
				slog.Error("pool drain failed", slog.String("sandbox_type", typ.String()), slog.Any("error", err))
				break
			}
			if !ok {
				break
			}
			m.destroyEntry(ctx, entry)
		}
	}
	slog.Info("sandbox manager shut down", slog.Int("destroyed_in_use", len(inUse)))
}

// Orphans lists backend containers carrying the managed labels. Used by
// the cleanup command to find leftovers from crashed workers.
func (m *Manager) Orphans(ctx context.Context) ([]sandbox.ContainerHandle, error) {
	return m.client.List(ctx, map[string]string{"managed": "runbox"})
}

// DestroyHandle force-removes a backend container.
func (m *Manager) DestroyHandle(ctx context.Context, handle sandbox.ContainerHandle) error {
	if err := m.client.Stop(ctx, handle); err != nil {
		slog.Warn("stop during destroy failed", slog.String("container", handle.ID), slog.Any("error", err))
	}
	return m.client.Remove(ctx, handle)
}

func (m *Manager) track(sb *ContainerSandbox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[sb.id] = sb
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, id)
}

// teardown is the single cleanup path for a partially- or fully-created
// container. Errors are logged only: cleanup must never mask the
// original failure.
func (m *Manager) teardown(ctx context.Context, handle sandbox.ContainerHandle, port int) {
	if err := m.client.Stop(ctx, handle); err != nil {
		slog.Warn("container stop failed", slog.String("container", handle.ID), slog.Any("error", err))
	}
	if err := m.client.Remove(ctx, handle); err != nil {
		slog.Warn("container remove failed", slog.String("container", handle.ID), slog.Any("error", err))
	}
	m.freePort(ctx, port)
}

func (m *Manager) destroyEntry(ctx context.Context, entry *PoolEntry) {
	m.teardown(ctx, entry.Handle, entry.Port)
}

func (m *Manager) freePort(ctx context.Context, port int) {
	if port <= 0 {
		return
	}
	if err := m.store.ReleasePort(ctx, port); err != nil {
		slog.Warn("port release failed", slog.Int("port", port), slog.Any("error", err))
	}
}
