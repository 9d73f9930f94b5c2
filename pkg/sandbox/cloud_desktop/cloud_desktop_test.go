package cloud_desktop

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curaious/runbox/pkg/sandbox"
)

// fakeControlPlane mimics the desktop API: wakeup transitions the
// desktop to running after a couple of status polls.
type fakeControlPlane struct {
	mu         sync.Mutex
	status     string
	polls      int
	pollsToRun int
	hibernated bool
	lastAction string
	lastArgs   map[string]any
	gotAPIKey  string
}

func (f *fakeControlPlane) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /desktops/desk-1/wakeup", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.status = "starting"
		f.gotAPIKey = r.Header.Get("Authorization")
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /desktops/desk-1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.polls++
		if f.polls >= f.pollsToRun {
			f.status = "running"
		}
		status := f.status
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	mux.HandleFunc("POST /desktops/desk-1/hibernate", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hibernated = true
		f.status = "hibernated"
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /desktops/desk-1/actions/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lastAction = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&f.lastArgs)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "output": "clicked"})
	})

	return mux
}

func setup(t *testing.T) (*fakeControlPlane, *Provider) {
	t.Helper()
	f := &fakeControlPlane{status: "hibernated", pollsToRun: 2}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	p, err := New(Config{
		APIBase:   srv.URL,
		APIKey:    "key-123",
		DesktopID: "desk-1",
		Timeout:   30 * time.Second,
	})
	require.NoError(t, err)
	return f, p
}

func TestNewValidatesConfig(t *testing.T) {
	var confErr *sandbox.ConfigurationError

	_, err := New(Config{APIBase: "http://x", APIKey: "k"})
	require.ErrorAs(t, err, &confErr)

	_, err = New(Config{APIBase: "http://x", DesktopID: "d"})
	require.ErrorAs(t, err, &confErr)

	_, err = New(Config{APIKey: "k", DesktopID: "d"})
	require.ErrorAs(t, err, &confErr)
}

func TestCreateSessionWakesAndPolls(t *testing.T) {
	f, p := setup(t)

	id, err := p.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "desk-1", id)
	assert.Equal(t, "Bearer key-123", f.gotAPIKey)
	assert.GreaterOrEqual(t, f.polls, 2, "must poll until running")
}

func TestDeleteSessionHibernates(t *testing.T) {
	f, p := setup(t)

	_, err := p.CreateSession(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.DeleteSession(context.Background(), "desk-1"))
	assert.True(t, f.hibernated, "release hibernates, never destroys")
}

func TestCallToolMapsGenericNames(t *testing.T) {
	f, p := setup(t)

	res, err := p.CallTool(context.Background(), "tap", map[string]any{"x": 10, "y": 20})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "clicked", res.Output)
	assert.Equal(t, "/desktops/desk-1/actions/click", f.lastAction)
	assert.EqualValues(t, 10, f.lastArgs["x"])
}

func TestCallToolUnknownName(t *testing.T) {
	_, p := setup(t)

	_, err := p.CallTool(context.Background(), "teleport", nil)
	require.Error(t, err)
}

func TestCloudDesktopSandboxLifecycle(t *testing.T) {
	f, p := setup(t)

	sb := sandbox.NewCloudSandbox(sandbox.TypeCloudDesktop, p, 30*time.Second)
	require.NoError(t, sb.Connect(context.Background()))
	assert.Equal(t, sandbox.StateRunning, sb.State())

	res, err := sb.CallTool(context.Background(), "screenshot", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.NoError(t, sb.Release(context.Background()))
	assert.True(t, f.hibernated)
}
