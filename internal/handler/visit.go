package handler

import (
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/brewpoints/internal/visit"
)

type VisitHandler struct {
	proc   *visit.Processor
	logger *slog.Logger
}

func NewVisitHandler(proc *visit.Processor, logger *slog.Logger) *VisitHandler {
	return &VisitHandler{proc: proc, logger: logger}
}

type visitRequest struct {
	AccountID   int64           `json:"account_id"`
	CafeID      int64           `json:"cafe_id"`
	AmountSpent decimal.Decimal `json:"amount_spent"`
}

// Log credits a visit reported by cafe staff.
func (h *VisitHandler) Log(w http.ResponseWriter, r *http.Request) {
	var req visitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.proc.LogVisit(r.Context(), visit.Request{
		AccountID:   req.AccountID,
		CafeID:      req.CafeID,
		AmountSpent: req.AmountSpent,
		Source:      "http",
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
