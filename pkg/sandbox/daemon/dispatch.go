package daemon

import (
	"fmt"
	"net/http"

	"github.com/curaious/runbox/pkg/sandbox"
)

type toolCallBody struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// handleToolCall is the container-side half of Sandbox.CallTool: one
// generic entry point mapping well-known tool names onto the daemon's
// own capabilities, and everything else onto the MCP proxy.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body toolCallBody
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	res, err := s.dispatch(r, body.Name, body.Args)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) dispatch(r *http.Request, name string, args map[string]any) (*sandbox.ToolResult, error) {
	switch name {
	case "run_shell_command":
		return s.toolShell(r, args)
	case "run_ipython_cell":
		return s.toolPython(r, args)
	case "read_file":
		return s.toolReadFile(args)
	case "write_file":
		return s.toolWriteFile(args)
	case "delete_file":
		return s.toolDeleteFile(args)
	}

	if s.mcp.Has(name) {
		return s.mcp.CallTool(r.Context(), name, args)
	}
	return nil, fmt.Errorf("unknown tool %q", name)
}

func (s *Server) toolShell(r *http.Request, args map[string]any) (*sandbox.ToolResult, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}

	req := &execRequest{Command: command}
	if t, ok := args["timeout_seconds"].(float64); ok {
		req.TimeoutSeconds = int(t)
	}
	if wd, ok := args["workdir"].(string); ok {
		req.Workdir = wd
	}

	res, err := s.execBash(r.Context(), req)
	if err != nil {
		return nil, err
	}
	return execToolResult(res), nil
}

func (s *Server) toolPython(r *http.Request, args map[string]any) (*sandbox.ToolResult, error) {
	script, _ := args["code"].(string)
	if script == "" {
		script, _ = args["script"].(string)
	}
	if script == "" {
		return nil, fmt.Errorf("code is required")
	}

	req := &execRequest{Script: script}
	if t, ok := args["timeout_seconds"].(float64); ok {
		req.TimeoutSeconds = int(t)
	}

	res, err := s.execPython(r.Context(), req)
	if err != nil {
		return nil, err
	}
	return execToolResult(res), nil
}

func execToolResult(res *execResult) *sandbox.ToolResult {
	out := &sandbox.ToolResult{
		Success: res.ExitCode == 0 && !res.timedOut,
		Output:  res.Stdout,
		Meta: map[string]any{
			"exit_code":   res.ExitCode,
			"duration_ms": res.DurationMilli,
		},
	}
	if res.timedOut {
		out.Error = "execution timed out"
	} else if res.ExitCode != 0 {
		out.Error = res.Stderr
	} else if res.Stderr != "" {
		out.Meta["stderr"] = res.Stderr
	}
	return out
}

func (s *Server) toolReadFile(args map[string]any) (*sandbox.ToolResult, error) {
	rel, _ := args["path"].(string)
	if rel == "" {
		return nil, fmt.Errorf("path is required")
	}
	target, err := s.resolvePath(rel)
	if err != nil {
		return nil, err
	}
	data, err := readWorkspaceFile(target)
	if err != nil {
		return &sandbox.ToolResult{Success: false, Error: err.Error()}, nil
	}
	return &sandbox.ToolResult{Success: true, Output: data}, nil
}

func (s *Server) toolWriteFile(args map[string]any) (*sandbox.ToolResult, error) {
	rel, _ := args["path"].(string)
	if rel == "" {
		return nil, fmt.Errorf("path is required")
	}
	content, _ := args["content"].(string)
	target, err := s.resolvePath(rel)
	if err != nil {
		return nil, err
	}
	if err := writeWorkspaceFile(target, content); err != nil {
		return &sandbox.ToolResult{Success: false, Error: err.Error()}, nil
	}
	return &sandbox.ToolResult{Success: true, Output: rel}, nil
}

func (s *Server) toolDeleteFile(args map[string]any) (*sandbox.ToolResult, error) {
	rel, _ := args["path"].(string)
	if rel == "" {
		return nil, fmt.Errorf("path is required")
	}
	target, err := s.resolvePath(rel)
	if err != nil {
		return nil, err
	}
	if err := deleteWorkspaceFile(target); err != nil {
		return &sandbox.ToolResult{Success: false, Error: err.Error()}, nil
	}
	return &sandbox.ToolResult{Success: true, Output: rel}, nil
}
