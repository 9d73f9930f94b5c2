package daemon

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/curaious/runbox/pkg/sandbox"
)

// mcpProxy holds live connections to the MCP servers configured for the
// current session. The server set is replaced wholesale on PUT so a
// pooled container never carries a previous session's servers.
type mcpProxy struct {
	mu      sync.RWMutex
	clients map[string]*client.Client
	tools   map[string]string // tool name -> server name
}

func newMCPProxy() *mcpProxy {
	return &mcpProxy{
		clients: make(map[string]*client.Client),
		tools:   make(map[string]string),
	}
}

// SetServers connects to the given servers and swaps out the previous
// set. Passing an empty config just disconnects everything.
func (p *mcpProxy) SetServers(ctx context.Context, servers sandbox.MCPServers) error {
	next := make(map[string]*client.Client, len(servers))
	nextTools := make(map[string]string)

	for name, cfg := range servers {
		cli, tools, err := connectMCP(ctx, cfg)
		if err != nil {
			for _, c := range next {
				_ = c.Close()
			}
			return fmt.Errorf("connect mcp server %s: %w", name, err)
		}
		next[name] = cli
		for _, t := range tools {
			nextTools[t.Name] = name
		}
	}

	p.mu.Lock()
	prev := p.clients
	p.clients = next
	p.tools = nextTools
	p.mu.Unlock()

	for _, c := range prev {
		_ = c.Close()
	}
	return nil
}

// Reset drops all configured servers.
func (p *mcpProxy) Reset() {
	p.mu.Lock()
	prev := p.clients
	p.clients = make(map[string]*client.Client)
	p.tools = make(map[string]string)
	p.mu.Unlock()

	for _, c := range prev {
		_ = c.Close()
	}
}

// ToolNames lists the proxied tool names, sorted.
func (p *mcpProxy) ToolNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.tools))
	for name := range p.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a tool name is served by a configured server.
func (p *mcpProxy) Has(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.tools[name]
	return ok
}

// CallTool proxies a tool call to the server that advertised it.
func (p *mcpProxy) CallTool(ctx context.Context, name string, args map[string]any) (*sandbox.ToolResult, error) {
	p.mu.RLock()
	serverName, ok := p.tools[name]
	cli := p.clients[serverName]
	p.mu.RUnlock()
	if !ok || cli == nil {
		return nil, fmt.Errorf("no mcp server provides tool %q", name)
	}

	res, err := cli.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mcp call %s via %s: %w", name, serverName, err)
	}

	out := &sandbox.ToolResult{Success: !res.IsError}
	for _, c := range res.Content {
		if text, ok := c.(mcp.TextContent); ok {
			out.Output = text.Text
			break
		}
	}
	if res.IsError {
		out.Error = out.Output
		out.Output = ""
	}
	return out, nil
}

func connectMCP(ctx context.Context, cfg sandbox.MCPServerConfig) (*client.Client, []mcp.Tool, error) {
	cli, err := client.NewSSEMCPClient(cfg.Endpoint, client.WithHeaders(cfg.Headers))
	if err != nil {
		return nil, nil, err
	}

	if err := cli.Start(ctx); err != nil {
		return nil, nil, err
	}
	if _, err := cli.Initialize(ctx, mcp.InitializeRequest{}); err != nil {
		_ = cli.Close()
		return nil, nil, err
	}
	tools, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = cli.Close()
		return nil, nil, err
	}
	return cli, tools.Tools, nil
}

type mcpServersBody struct {
	MCPServers sandbox.MCPServers `json:"mcpServers"`
}

func (s *Server) handleMCPServers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body mcpServersBody
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	if err := s.mcp.SetServers(r.Context(), body.MCPServers); err != nil {
		writeError(w, http.StatusBadGateway, "%v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMCPTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.mcp.ToolNames()})
}

type mcpCallBody struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

func (s *Server) handleMCPCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body mcpCallBody
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	res, err := s.mcp.CallTool(r.Context(), body.Name, body.Args)
	if err != nil {
		writeError(w, http.StatusBadGateway, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
