package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/brewpoints/internal/auth"
	"github.com/dukerupert/brewpoints/internal/leaderboard"
)

type LeaderboardHandler struct {
	ranker *leaderboard.Ranker
	logger *slog.Logger
}

func NewLeaderboardHandler(ranker *leaderboard.Ranker, logger *slog.Logger) *LeaderboardHandler {
	return &LeaderboardHandler{ranker: ranker, logger: logger}
}

func (h *LeaderboardHandler) Get(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "n", leaderboard.DefaultSize)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	st, err := h.ranker.Top(r.Context(), n, auth.AccountID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
