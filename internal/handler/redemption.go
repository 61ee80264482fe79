package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/brewpoints/internal/auth"
	"github.com/dukerupert/brewpoints/internal/redemption"
)

type RedemptionHandler struct {
	coord  *redemption.Coordinator
	logger *slog.Logger
}

func NewRedemptionHandler(coord *redemption.Coordinator, logger *slog.Logger) *RedemptionHandler {
	return &RedemptionHandler{coord: coord, logger: logger}
}

type initiateRequest struct {
	CafeID int64 `json:"cafe_id"`
	Points int64 `json:"points"`
}

func (h *RedemptionHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pending, err := h.coord.Initiate(r.Context(), auth.AccountID(r.Context()), req.CafeID, req.Points)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, pending)
}

type verifyRequest struct {
	Code string `json:"code"`
}

func (h *RedemptionHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	receipt, err := h.coord.Verify(r.Context(), auth.AccountID(r.Context()), req.Code)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
