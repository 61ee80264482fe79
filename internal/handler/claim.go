package handler

import (
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/brewpoints/internal/auth"
	"github.com/dukerupert/brewpoints/internal/claim"
	"github.com/dukerupert/brewpoints/internal/model"
)

type ClaimHandler struct {
	wf     *claim.Workflow
	logger *slog.Logger
}

func NewClaimHandler(wf *claim.Workflow, logger *slog.Logger) *ClaimHandler {
	return &ClaimHandler{wf: wf, logger: logger}
}

type submitClaimRequest struct {
	CafeID     int64           `json:"cafe_id"`
	Amount     decimal.Decimal `json:"amount"`
	InvoiceRef string          `json:"invoice_ref"`
}

func (h *ClaimHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitClaimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := h.wf.Submit(r.Context(), auth.AccountID(r.Context()), req.CafeID, req.Amount, req.InvoiceRef)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *ClaimHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	claims, err := h.wf.ListByAccount(r.Context(), auth.AccountID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeClaims(w, claims)
}

func (h *ClaimHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.wf.Get(r.Context(), r.PathValue("id"), auth.AccountID(r.Context()), auth.IsAdmin(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// List is the admin review queue, filtered by ?status=.
func (h *ClaimHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, err := h.wf.List(r.Context(), model.ClaimStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeClaims(w, claims)
}

func (h *ClaimHandler) Approve(w http.ResponseWriter, r *http.Request) {
	res, err := h.wf.Approve(r.Context(), r.PathValue("id"), auth.AccountID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type rejectRequest struct {
	Note string `json:"note"`
}

func (h *ClaimHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := h.wf.Reject(r.Context(), id, auth.AccountID(r.Context()), req.Note); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(model.ClaimStatusRejected)})
}

func writeClaims(w http.ResponseWriter, claims []model.RewardClaim) {
	if claims == nil {
		claims = []model.RewardClaim{}
	}
	writeJSON(w, http.StatusOK, claims)
}
