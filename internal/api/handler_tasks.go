package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/local/parsemd/internal/core"
	"github.com/local/parsemd/internal/task"
)

// handleTask reports a task; ?wait=30s (or plain seconds) blocks until it is terminal.
// Wait timeouts still return the current snapshot. Unknown ids are reported with
// the not_found status, not as an error.
func (h *Handler) handleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")

	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	wait = min(wait, h.cfg.MaxWait)

	var v task.View
	if wait > 0 {
		v, err = h.svc.AwaitTask(r.Context(), id, wait, h.cfg.PollInterval)
		if err != nil && !errors.Is(err, core.ErrTimeout) && !errors.Is(err, core.ErrNotFound) {
			writeFailure(w, err)
			return
		}
	} else {
		v = h.svc.TaskStatus(r.Context(), id)
	}

	writeData(w, v)
}

func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("wait must not be negative")
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid wait %q", raw)
	}
	return d, nil
}
