package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	created    int
	deleted    []string
	createErr  error
	callErr    error
	callResult *ToolResult
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) CreateSession(ctx context.Context) (string, error) {
	if p.createErr != nil {
		return "", p.createErr
	}
	p.created++
	return "session-1", nil
}

func (p *fakeProvider) DeleteSession(ctx context.Context, id string) error {
	p.deleted = append(p.deleted, id)
	return nil
}

func (p *fakeProvider) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if p.callErr != nil {
		return nil, p.callErr
	}
	return p.callResult, nil
}

func TestCloudSandboxConnect(t *testing.T) {
	p := &fakeProvider{}
	sb := NewCloudSandbox(Type("fake"), p, time.Second)

	assert.Equal(t, StateCreated, sb.State())
	require.NoError(t, sb.Connect(context.Background()))
	assert.Equal(t, StateRunning, sb.State())
	assert.Equal(t, "session-1", sb.ID())
	assert.Equal(t, Endpoint{}, sb.Endpoint())
}

func TestCloudSandboxConnectFailure(t *testing.T) {
	p := &fakeProvider{createErr: errors.New("quota exceeded")}
	sb := NewCloudSandbox(Type("fake"), p, time.Second)

	err := sb.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, sb.State())
}

func TestCloudSandboxCallToolResultShape(t *testing.T) {
	// The result shape must be indistinguishable from a container-backed
	// tool call.
	p := &fakeProvider{callResult: &ToolResult{Success: true, Output: "done", Meta: map[string]any{"k": "v"}}}
	sb := NewCloudSandbox(Type("fake"), p, time.Second)
	require.NoError(t, sb.Connect(context.Background()))

	res, err := sb.CallTool(context.Background(), "screenshot", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, "v", res.Meta["k"])
}

func TestCloudSandboxCallToolErrorWrapped(t *testing.T) {
	p := &fakeProvider{callErr: errors.New("api down")}
	sb := NewCloudSandbox(Type("fake"), p, time.Second)
	require.NoError(t, sb.Connect(context.Background()))

	_, err := sb.CallTool(context.Background(), "tap", nil)
	var toolErr *ToolExecutionError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "tap", toolErr.Tool)
}

func TestCloudSandboxCallToolAfterRelease(t *testing.T) {
	p := &fakeProvider{callResult: &ToolResult{Success: true}}
	sb := NewCloudSandbox(Type("fake"), p, time.Second)
	require.NoError(t, sb.Connect(context.Background()))
	require.NoError(t, sb.Release(context.Background()))

	_, err := sb.CallTool(context.Background(), "tap", nil)
	var toolErr *ToolExecutionError
	require.ErrorAs(t, err, &toolErr)
	assert.ErrorIs(t, toolErr.Err, ErrReleased)
}

func TestCloudSandboxReleaseIdempotent(t *testing.T) {
	p := &fakeProvider{}
	sb := NewCloudSandbox(Type("fake"), p, time.Second)
	require.NoError(t, sb.Connect(context.Background()))

	require.NoError(t, sb.Release(context.Background()))
	require.NoError(t, sb.Release(context.Background()))
	require.NoError(t, sb.Release(context.Background()))

	assert.Equal(t, []string{"session-1"}, p.deleted)
	assert.Equal(t, StateReleased, sb.State())
}

func TestCloudSandboxReleaseBeforeConnect(t *testing.T) {
	p := &fakeProvider{}
	sb := NewCloudSandbox(Type("fake"), p, time.Second)

	// Nothing was provisioned, so nothing should be deleted.
	require.NoError(t, sb.Release(context.Background()))
	assert.Empty(t, p.deleted)
}

func TestCloudSandboxNilResultNormalized(t *testing.T) {
	p := &fakeProvider{callResult: nil}
	sb := NewCloudSandbox(Type("fake"), p, time.Second)
	require.NoError(t, sb.Connect(context.Background()))

	res, err := sb.CallTool(context.Background(), "screenshot", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}
