package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/brewpoints/internal/jobs"
)

type JobHandler struct {
	runner *jobs.Runner
	logger *slog.Logger
}

func NewJobHandler(runner *jobs.Runner, logger *slog.Logger) *JobHandler {
	return &JobHandler{runner: runner, logger: logger}
}

func (h *JobHandler) Run(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	res, err := h.runner.Run(r.Context(), name)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "result": res})
}
