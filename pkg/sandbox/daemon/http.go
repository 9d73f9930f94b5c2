package daemon

import (
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	raw, _ := sonic.Marshal(errorBody{Error: fmt.Sprintf(format, args...)})
	_, _ = w.Write(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	raw, err := sonic.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.Write(raw)
}

func readJSON(r *http.Request, v any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
