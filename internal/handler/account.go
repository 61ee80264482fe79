package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/brewpoints/internal/auth"
	"github.com/dukerupert/brewpoints/internal/ledger"
	"github.com/dukerupert/brewpoints/internal/model"
	"github.com/dukerupert/brewpoints/internal/referral"
	"github.com/dukerupert/brewpoints/internal/store"
)

const (
	defaultTxLimit = 50
	maxTxLimit     = 500
)

type AccountHandler struct {
	registrar *referral.Registrar
	accounts  *store.AccountStore
	ledger    ledger.Store
	logger    *slog.Logger
}

func NewAccountHandler(registrar *referral.Registrar, accounts *store.AccountStore, ls ledger.Store, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{registrar: registrar, accounts: accounts, ledger: ls, logger: logger}
}

type startRegistrationRequest struct {
	Phone string `json:"phone"`
	Email string `json:"email"`
}

func (h *AccountHandler) StartRegistration(w http.ResponseWriter, r *http.Request) {
	var req startRegistrationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.registrar.StartRegistration(r.Context(), model.Contact{Phone: req.Phone, Email: req.Email}); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "code_sent"})
}

type registerRequest struct {
	Code string `json:"code"`
	referral.Registration
}

func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.registrar.CompleteRegistration(r.Context(), req.Code, req.Registration)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type meResponse struct {
	Account  *model.Account      `json:"account"`
	Balances []model.CafeBalance `json:"balances"`
}

func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	id := auth.AccountID(r.Context())
	acct, err := h.accounts.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if acct == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "account not found"})
		return
	}
	balances, err := h.ledger.ListBalances(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if balances == nil {
		balances = []model.CafeBalance{}
	}
	writeJSON(w, http.StatusOK, meResponse{Account: acct, Balances: balances})
}

func (h *AccountHandler) Referrals(w http.ResponseWriter, r *http.Request) {
	children, err := h.registrar.Children(r.Context(), auth.AccountID(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if children == nil {
		children = []model.Account{}
	}
	writeJSON(w, http.StatusOK, children)
}

func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	cafeID, err := parseIDParam(r, "cafe_id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	bal, err := h.ledger.GetBalance(r.Context(), auth.AccountID(r.Context()), cafeID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, model.CafeBalance{CafeID: cafeID, TotalPoints: bal})
}

// Transactions lists the caller's ledger history, newest first, optionally
// filtered by cafe_id.
func (h *AccountHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	cafeID, err := queryInt(r, "cafe_id", 0)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultTxLimit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if limit <= 0 || limit > maxTxLimit {
		limit = maxTxLimit
	}

	txs, err := h.ledger.ListTransactions(r.Context(), auth.AccountID(r.Context()), int64(cafeID), limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}
