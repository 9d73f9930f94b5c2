package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const defaultExecTimeout = 60 * time.Second

type execRequest struct {
	Command        string            `json:"command,omitempty"`
	Script         string            `json:"script,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Workdir        string            `json:"workdir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

func (req *execRequest) timeout() time.Duration {
	if req.TimeoutSeconds > 0 {
		return time.Duration(req.TimeoutSeconds) * time.Second
	}
	return defaultExecTimeout
}

type execResponse struct {
	Stdout        string `json:"stdout"`
	Stderr        string `json:"stderr"`
	ExitCode      int    `json:"exit_code"`
	DurationMilli int64  `json:"duration_ms"`
}

func (s *Server) handleExecBash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req execRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	res, err := s.execBash(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}

	status := http.StatusOK
	if res.timedOut {
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, res.execResponse)
}

func (s *Server) handleExecPython(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req execRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		writeError(w, http.StatusBadRequest, "script is required")
		return
	}

	res, err := s.execPython(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}

	status := http.StatusOK
	if res.timedOut {
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, res.execResponse)
}

type execResult struct {
	execResponse
	timedOut bool
}

// execBash runs a shell command line through /bin/sh so pipes, quoting
// and redirection behave as a user expects.
func (s *Server) execBash(ctx context.Context, req *execRequest) (*execResult, error) {
	workdir, err := s.resolvePath(req.Workdir)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, req.timeout(), "/bin/sh", []string{"-c", req.Command}, workdir, req.Env)
}

// execPython writes the script to a temp file under the workspace and
// runs it with python3.
func (s *Server) execPython(ctx context.Context, req *execRequest) (*execResult, error) {
	workdir, err := s.resolvePath(req.Workdir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	tmp, err := os.CreateTemp(workdir, "cell-*.py")
	if err != nil {
		return nil, fmt.Errorf("create script file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.WriteString(req.Script); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("flush script: %w", err)
	}

	return s.run(ctx, req.timeout(), "python3", []string{tmp.Name()}, workdir, req.Env)
}

func (s *Server) run(ctx context.Context, timeout time.Duration, name string, args []string, workdir string, env map[string]string) (*execResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	res := &execResult{execResponse: execResponse{
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		DurationMilli: elapsed,
	}}

	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.timedOut = true
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			slog.Error("exec failed", slog.String("cmd", name), slog.Any("error", err))
			return nil, fmt.Errorf("run %s: %w", name, err)
		}
	}
	return res, nil
}

// resolvePath maps a request-relative path into the workspace root and
// rejects anything that would escape it.
func (s *Server) resolvePath(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return s.root, nil
	}
	target := filepath.Clean(filepath.Join(s.root, rel))
	if target != s.root && !strings.HasPrefix(target, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace root")
	}
	return target, nil
}
