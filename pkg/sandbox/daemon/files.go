package daemon

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

type fileBody struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/files")
	rel = strings.TrimPrefix(rel, "/")

	target, err := s.resolvePath(rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.readFile(w, target, rel)
	case http.MethodPost, http.MethodPut:
		s.writeFile(w, r, target, rel)
	case http.MethodDelete:
		s.deleteFile(w, target)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) readFile(w http.ResponseWriter, target, rel string) {
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "read failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, fileBody{Path: rel, Content: string(data)})
}

func (s *Server) writeFile(w http.ResponseWriter, r *http.Request, target, rel string) {
	var body fileBody
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "mkdir failed: %v", err)
		return
	}
	if err := os.WriteFile(target, []byte(body.Content), 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, "write failed: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, fileBody{Path: rel, Content: body.Content})
}

func (s *Server) deleteFile(w http.ResponseWriter, target string) {
	if err := os.Remove(target); err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete failed: %v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readWorkspaceFile(target string) (string, error) {
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found")
		}
		return "", fmt.Errorf("read failed: %w", err)
	}
	return string(data), nil
}

func writeWorkspaceFile(target, content string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir failed: %w", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

func deleteWorkspaceFile(target string) error {
	if err := os.Remove(target); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file not found")
		}
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}

// handleWorkspaceFlush clears all session state from the workspace so
// the container can be returned to the pool. The root itself stays in
// place since it is usually a mount point.
func (s *Server) handleWorkspaceFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read workspace: %v", err)
		return
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			writeError(w, http.StatusInternalServerError, "flush %s: %v", e.Name(), err)
			return
		}
	}

	s.mcp.Reset()
	w.WriteHeader(http.StatusNoContent)
}
