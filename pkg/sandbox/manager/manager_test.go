package manager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curaious/runbox/pkg/sandbox"
)

// fakeClient is an in-memory ContainerClient. Every created container
// is "ready" immediately unless neverReady is set.
type fakeClient struct {
	mu         sync.Mutex
	seq        int
	created    map[string]sandbox.ContainerSpec
	removed    []string
	neverReady bool
	createErr  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{created: make(map[string]sandbox.ContainerSpec)}
}

func (f *fakeClient) Create(ctx context.Context, spec sandbox.ContainerSpec) (sandbox.ContainerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return sandbox.ContainerHandle{}, f.createErr
	}
	f.seq++
	id := fmt.Sprintf("ctr-%d", f.seq)
	f.created[id] = spec
	return sandbox.ContainerHandle{
		ID:      id,
		Name:    spec.Name,
		Address: fmt.Sprintf("127.0.0.1:%d", spec.HostPort),
	}, nil
}

func (f *fakeClient) Start(ctx context.Context, h sandbox.ContainerHandle) error { return nil }
func (f *fakeClient) Stop(ctx context.Context, h sandbox.ContainerHandle) error  { return nil }

func (f *fakeClient) Remove(ctx context.Context, h sandbox.ContainerHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.created, h.ID)
	f.removed = append(f.removed, h.ID)
	return nil
}

func (f *fakeClient) Exec(ctx context.Context, h sandbox.ContainerHandle, cmd []string) (sandbox.ExecOutput, error) {
	return sandbox.ExecOutput{}, nil
}

func (f *fakeClient) WaitReady(ctx context.Context, h sandbox.ContainerHandle, timeout time.Duration) bool {
	return !f.neverReady
}

func (f *fakeClient) Address(ctx context.Context, h sandbox.ContainerHandle) (string, error) {
	return h.Address, nil
}

func (f *fakeClient) List(ctx context.Context, labels map[string]string) ([]sandbox.ContainerHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sandbox.ContainerHandle
	for id, spec := range f.created {
		match := true
		for k, v := range labels {
			if spec.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, sandbox.ContainerHandle{ID: id, Name: spec.Name})
		}
	}
	return out, nil
}

func (f *fakeClient) Backend() string { return "fake" }
func (f *fakeClient) Close() error    { return nil }

func (f *fakeClient) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// stubTransport stands in for the in-container daemon.
type stubTransport struct {
	mu        sync.Mutex
	healthy   bool
	flushed   int
	mcpCalls  []sandbox.MCPServers
	callCount int
}

func (s *stubTransport) CallTool(ctx context.Context, name string, args map[string]any) (*sandbox.ToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callCount++
	return &sandbox.ToolResult{Success: true, Output: "ok"}, nil
}

func (s *stubTransport) SetMCPServers(ctx context.Context, servers sandbox.MCPServers) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mcpCalls = append(s.mcpCalls, servers)
	return nil
}

func (s *stubTransport) FlushWorkspace(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed++
	return nil
}

func (s *stubTransport) Healthy(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func testRegistry(t *testing.T) *sandbox.Registry {
	t.Helper()
	r := sandbox.NewRegistry()
	require.NoError(t, r.Register(sandbox.Registration{
		Type:       sandbox.TypeBase,
		Kind:       sandbox.KindContainer,
		Image:      "example/base:latest",
		AcceptsMCP: true,
	}))
	return r
}

func newTestManager(t *testing.T, cfg Config, client *fakeClient, tr *stubTransport) *Manager {
	t.Helper()
	m := New(cfg, testRegistry(t), client, nil)
	m.transport = func(sandbox.Endpoint) sandbox.ToolTransport { return tr }
	return m
}

func TestAcquireCreatesFresh(t *testing.T) {
	client := newFakeClient()
	tr := &stubTransport{healthy: true}
	m := newTestManager(t, Config{PoolSize: 2}, client, tr)

	sb, err := m.Acquire(context.Background(), sandbox.TypeBase, AcquireOptions{})
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateRunning, sb.State())
	assert.NotEmpty(t, sb.ID())
	assert.Equal(t, 1, client.liveCount())
	assert.Contains(t, sb.Endpoint().BaseURL, "http://127.0.0.1:")
}

func TestAcquireUnknownType(t *testing.T) {
	m := newTestManager(t, Config{}, newFakeClient(), &stubTransport{healthy: true})

	_, err := m.Acquire(context.Background(), sandbox.Type("nope"), AcquireOptions{})
	var unknownErr *sandbox.UnknownTypeError
	require.ErrorAs(t, err, &unknownErr)
}

func TestReleaseReturnsToPoolAndReuses(t *testing.T) {
	client := newFakeClient()
	tr := &stubTransport{healthy: true}
	m := newTestManager(t, Config{PoolSize: 2}, client, tr)
	ctx := context.Background()

	sb, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
	require.NoError(t, err)
	firstID := sb.ID()

	require.NoError(t, m.Release(ctx, sb))
	assert.Equal(t, sandbox.StateIdleInPool, sb.State())
	assert.Equal(t, 1, tr.flushed, "workspace must be scrubbed before pooling")
	assert.Equal(t, 1, client.liveCount(), "pooled container stays alive")

	// Next acquire reuses the pooled instance, no second creation.
	again, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
	require.NoError(t, err)
	assert.Equal(t, firstID, again.ID())
	assert.Equal(t, 1, client.liveCount())
}

func TestReleaseIdempotent(t *testing.T) {
	client := newFakeClient()
	tr := &stubTransport{healthy: true}
	m := newTestManager(t, Config{PoolSize: 1}, client, tr)
	ctx := context.Background()

	sb, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, sb))
	require.NoError(t, m.Release(ctx, sb))
	require.NoError(t, m.Release(ctx, sb))

	count, err := m.store.IdleCount(ctx, sandbox.TypeBase)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "double release must not duplicate the pool entry")
}

func TestPoolBound(t *testing.T) {
	client := newFakeClient()
	tr := &stubTransport{healthy: true}
	m := newTestManager(t, Config{PoolSize: 2}, client, tr)
	ctx := context.Background()

	var sandboxes []*ContainerSandbox
	for i := 0; i < 4; i++ {
		sb, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
		require.NoError(t, err)
		sandboxes = append(sandboxes, sb)
	}

	for _, sb := range sandboxes {
		require.NoError(t, m.Release(ctx, sb))
	}

	count, err := m.store.IdleCount(ctx, sandbox.TypeBase)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "pool never exceeds PoolSize")
	assert.Equal(t, 2, client.liveCount(), "overflow releases destroy the container")
}

func TestUnhealthyReleaseDestroys(t *testing.T) {
	client := newFakeClient()
	tr := &stubTransport{healthy: false}
	m := newTestManager(t, Config{PoolSize: 2}, client, tr)
	ctx := context.Background()

	sb, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, sb))
	assert.Equal(t, sandbox.StateReleased, sb.State())
	assert.Equal(t, 0, client.liveCount())
	assert.Equal(t, 0, tr.flushed, "unhealthy instances are not flushed")
}

func TestStartTimeoutTearsDownAndFails(t *testing.T) {
	client := newFakeClient()
	client.neverReady = true
	tr := &stubTransport{healthy: true}
	m := newTestManager(t, Config{PoolSize: 1, DeployTimeout: 50 * time.Millisecond}, client, tr)

	_, err := m.Acquire(context.Background(), sandbox.TypeBase, AcquireOptions{})
	var timeoutErr *sandbox.StartTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, sandbox.TypeBase, timeoutErr.Type)

	// Both the original attempt and the retry must be cleaned up.
	assert.Equal(t, 0, client.liveCount())
}

func TestConcurrentAcquireDistinctPorts(t *testing.T) {
	client := newFakeClient()
	tr := &stubTransport{healthy: true}
	m := newTestManager(t, Config{PoolSize: 2, PortRangeStart: 40000, PortRangeEnd: 40099}, client, tr)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	results := make([]*ContainerSandbox, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
		}(i)
	}
	wg.Wait()

	ports := make(map[int]bool)
	ids := make(map[string]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, ports[results[i].Port()], "port %d assigned twice", results[i].Port())
		assert.False(t, ids[results[i].ID()], "sandbox id assigned twice")
		ports[results[i].Port()] = true
		ids[results[i].ID()] = true
	}
}

func TestPortExhaustion(t *testing.T) {
	client := newFakeClient()
	tr := &stubTransport{healthy: true}
	m := newTestManager(t, Config{PoolSize: 1, PortRangeStart: 41000, PortRangeEnd: 41001}, client, tr)
	ctx := context.Background()

	_, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
	require.NoError(t, err)

	_, err = m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no free port")
}

func TestPortFreedOnTeardown(t *testing.T) {
	client := newFakeClient()
	tr := &stubTransport{healthy: false}
	m := newTestManager(t, Config{PoolSize: 0, PortRangeStart: 42000, PortRangeEnd: 42000}, client, tr)
	ctx := context.Background()

	// PoolSize 0 falls back to default, so use an unhealthy transport to
	// force destruction on release and free the single port.
	sb, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, sb))

	sb2, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
	require.NoError(t, err)
	assert.Equal(t, 42000, sb2.Port())
}

func TestVolumeRequestSkipsPool(t *testing.T) {
	client := newFakeClient()
	tr := &stubTransport{healthy: true}
	m := newTestManager(t, Config{PoolSize: 2}, client, tr)
	ctx := context.Background()

	sb, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, sb))

	// A session needing its own mount cannot reuse the pooled instance.
	withVol, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{
		SessionVolumes: []sandbox.VolumeBinding{{HostPath: "/host/data", ContainerPath: "/data"}},
	})
	require.NoError(t, err)
	assert.NotEqual(t, sb.ID(), withVol.ID())

	// The pooled instance is still there for plain requests.
	count, err := m.store.IdleCount(ctx, sandbox.TypeBase)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMCPInjectionOnAcquire(t *testing.T) {
	client := newFakeClient()
	tr := &stubTransport{healthy: true}
	m := newTestManager(t, Config{PoolSize: 2}, client, tr)
	ctx := context.Background()

	servers := sandbox.MCPServers{"search": {Endpoint: "http://mcp.local/sse"}}
	_, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{MCPServers: servers})
	require.NoError(t, err)

	require.Len(t, tr.mcpCalls, 1)
	assert.Equal(t, servers, tr.mcpCalls[0])
}

func TestMCPResetOnRelease(t *testing.T) {
	client := newFakeClient()
	tr := &stubTransport{healthy: true}
	m := newTestManager(t, Config{PoolSize: 2}, client, tr)
	ctx := context.Background()

	sb, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{
		MCPServers: sandbox.MCPServers{"search": {Endpoint: "http://mcp.local/sse"}},
	})
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, sb))

	require.Len(t, tr.mcpCalls, 2)
	assert.Nil(t, tr.mcpCalls[1], "release must clear the MCP config")
}

func TestCallToolAfterRelease(t *testing.T) {
	client := newFakeClient()
	tr := &stubTransport{healthy: true}
	m := newTestManager(t, Config{PoolSize: 1}, client, tr)
	ctx := context.Background()

	sb, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
	require.NoError(t, err)

	res, err := sb.CallTool(ctx, "run_shell_command", map[string]any{"command": "true"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.NoError(t, m.Release(ctx, sb))

	_, err = sb.CallTool(ctx, "run_shell_command", nil)
	var toolErr *sandbox.ToolExecutionError
	require.ErrorAs(t, err, &toolErr)
	assert.ErrorIs(t, toolErr.Err, sandbox.ErrReleased)
}

func TestShutdownDrainsEverything(t *testing.T) {
	client := newFakeClient()
	tr := &stubTransport{healthy: true}
	m := newTestManager(t, Config{PoolSize: 2, AutoCleanup: true}, client, tr)
	ctx := context.Background()

	pooled, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, pooled))

	inUse, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
	require.NoError(t, err)
	_ = inUse

	m.Shutdown(ctx)
	assert.Equal(t, 0, client.liveCount())
}

func TestShutdownRespectsAutoCleanup(t *testing.T) {
	client := newFakeClient()
	tr := &stubTransport{healthy: true}
	m := newTestManager(t, Config{PoolSize: 2, AutoCleanup: false}, client, tr)
	ctx := context.Background()

	_, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
	require.NoError(t, err)

	m.Shutdown(ctx)
	assert.Equal(t, 1, client.liveCount(), "containers survive shutdown when auto cleanup is off")
}

func TestOrphansListsManagedContainers(t *testing.T) {
	client := newFakeClient()
	tr := &stubTransport{healthy: true}
	m := newTestManager(t, Config{PoolSize: 1}, client, tr)
	ctx := context.Background()

	_, err := m.Acquire(ctx, sandbox.TypeBase, AcquireOptions{})
	require.NoError(t, err)

	orphans, err := m.Orphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	require.NoError(t, m.DestroyHandle(ctx, orphans[0]))
	assert.Equal(t, 0, client.liveCount())
}
