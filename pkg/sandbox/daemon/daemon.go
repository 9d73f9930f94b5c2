// Package daemon is the tool server that runs inside every container
// sandbox. It exposes shell and python execution, workspace file
// access, and an MCP proxy over plain HTTP on the container's daemon
// port; the manager reaches it through the published host port.
package daemon

import (
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/curaious/runbox/pkg/sandbox"
)

const (
	defaultPort          = "8080"
	defaultWorkspaceRoot = "/sandbox/workspace"
)

// Server holds the daemon's runtime state. One instance serves the
// whole container lifetime.
type Server struct {
	root   string
	secret string
	mcp    *mcpProxy
}

func NewServer(root, secret string) *Server {
	if root == "" {
		root = defaultWorkspaceRoot
	}
	return &Server{
		root:   filepath.Clean(root),
		secret: secret,
		mcp:    newMCPProxy(),
	}
}

// Handler builds the daemon's route table. Everything except /health
// sits behind bearer-token auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/exec/bash", s.handleExecBash)
	mux.HandleFunc("/exec/python", s.handleExecPython)
	mux.HandleFunc("/files/", s.handleFiles)
	mux.HandleFunc("/mcp/servers", s.handleMCPServers)
	mux.HandleFunc("/mcp/tools", s.handleMCPTools)
	mux.HandleFunc("/mcp/call", s.handleMCPCall)
	mux.HandleFunc("/workspace/flush", s.handleWorkspaceFlush)
	mux.HandleFunc("/tool/call", s.handleToolCall)

	authed := s.withAuth(mux)

	outer := http.NewServeMux()
	outer.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	outer.Handle("/", authed)
	return outer
}

// withAuth rejects requests without a valid runtime token. An empty
// secret disables auth, which only happens in local development.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := sandbox.VerifyRuntimeToken(s.secret, auth[len(prefix):]); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid runtime token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run blocks serving the daemon API. Configuration comes from the
// environment injected at container creation.
func Run() {
	port := getenv("SANDBOX_PORT", defaultPort)
	root := getenv("SANDBOX_ROOT", defaultWorkspaceRoot)
	secret := os.Getenv("RUNTIME_TOKEN_SECRET")

	srv := NewServer(root, secret)

	addr := ":" + port
	log.Printf("sandbox daemon listening on %s (root=%s auth=%v)", addr, srv.root, secret != "")

	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatalf("sandbox daemon server error: %v", err)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
