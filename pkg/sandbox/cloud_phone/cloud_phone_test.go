package cloud_phone

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

type fakePhoneFarm struct {
	mu         sync.Mutex
	status     string
	started    bool
	stopped    bool
	lastAction string
}

func (f *fakePhoneFarm) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /instances/phone-1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := f.status
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	mux.HandleFunc("POST /instances/phone-1/start", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.started = true
		f.status = "running"
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /instances/phone-1/stop", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.stopped = true
		f.status = "stopped"
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /instances/phone-1/actions/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lastAction = r.URL.Path
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "output": "tapped"})
	})

	return mux
}

func setup(t *testing.T, status string, autoStart bool) (*fakePhoneFarm, *Provider) {
	t.Helper()
	f := &fakePhoneFarm{status: status}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	p, err := New(Config{
		APIBase:    srv.URL,
		APIKey:     "key-123",
		InstanceID: "phone-1",
		AutoStart:  autoStart,
		Timeout:    30 * time.Second,
	})
	require.NoError(t, err)
	return f, p
}

func TestNewValidatesConfig(t *testing.T) {
	var confErr *sandbox.ConfigurationError

	_, err := New(Config{APIBase: "http://x", APIKey: "k"})
	require.ErrorAs(t, err, &confErr)

	_, err = New(Config{APIBase: "http://x", InstanceID: "i"})
	require.ErrorAs(t, err, &confErr)
}

func TestCreateSessionRunningInstance(t *testing.T) {
	f, p := setup(t, "running", false)

	id, err := p.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "phone-1", id)
	assert.False(t, f.started, "running instance needs no start")
}

func TestCreateSessionAutoStart(t *testing.T) {
	f, p := setup(t, "stopped", true)

	id, err := p.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "phone-1", id)
	assert.True(t, f.started)
}

func TestCreateSessionStoppedWithoutAutoStart(t *testing.T) {
	f, p := setup(t, "stopped", false)

	_, err := p.CreateSession(context.Background())
	require.Error(t, err)
	assert.False(t, f.started)
}

func TestDeleteSessionStops(t *testing.T) {
	f, p := setup(t, "running", false)

	require.NoError(t, p.DeleteSession(context.Background(), "phone-1"))
	assert.True(t, f.stopped)
}

func TestCallToolMapping(t *testing.T) {
	f, p := setup(t, "running", false)

	res, err := p.CallTool(context.Background(), "type_text", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "/instances/phone-1/actions/input_text", f.lastAction)

	_, err = p.CallTool(context.Background(), "fly", nil)
	require.Error(t, err)
}
