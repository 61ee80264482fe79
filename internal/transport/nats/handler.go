// Package nats consumes visit commands published by point-of-sale systems.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/brewpoints/internal/ledger"
	"github.com/dukerupert/brewpoints/internal/visit"
)

const (
	VisitSubject = "brewpoints.commands.visit"
	QueueGroup   = "brewpoints_ledger"
)

type VisitLogger interface {
	LogVisit(ctx context.Context, req visit.Request) (*visit.Result, error)
}

// VisitCommand is the payload on VisitSubject. CommandID is optional; a
// client retrying after a reply timeout resends the same one and gets the
// original result back.
type VisitCommand struct {
	CommandID   string          `json:"command_id,omitempty"`
	AccountID   int64           `json:"account_id"`
	CafeID      int64           `json:"cafe_id"`
	AmountSpent decimal.Decimal `json:"amount_spent"`
}

// Reply is sent back when the command carries a reply subject.
type Reply struct {
	Result *visit.Result `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
	Code   string        `json:"code,omitempty"`
}

// Handler queue-subscribes to visit commands so that only one replica
// processes each message.
type Handler struct {
	visits VisitLogger
	nc     *nats.Conn
	logger *slog.Logger
	subs   []*nats.Subscription
}

func NewHandler(visits VisitLogger, nc *nats.Conn, logger *slog.Logger) *Handler {
	return &Handler{visits: visits, nc: nc, logger: logger.With("component", "nats")}
}

// Start subscribes and blocks until ctx is cancelled, then drains.
func (h *Handler) Start(ctx context.Context) error {
	sub, err := h.nc.QueueSubscribe(VisitSubject, QueueGroup, func(m *nats.Msg) {
		reply := h.handle(ctx, m.Data)
		if m.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			h.logger.Error("marshal visit reply", "error", err)
			return
		}
		if err := m.Respond(data); err != nil {
			h.logger.Warn("respond to visit command", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", VisitSubject, err)
	}
	h.subs = append(h.subs, sub)

	h.logger.Info("visit command consumer running", "subject", VisitSubject, "queue", QueueGroup)

	<-ctx.Done()
	h.logger.Info("visit command consumer draining")
	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop() error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}

func (h *Handler) handle(ctx context.Context, data []byte) Reply {
	var cmd VisitCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		h.logger.Error("unmarshal visit command", "error", err)
		return Reply{Error: "invalid payload", Code: "invalid_request"}
	}

	res, err := h.visits.LogVisit(ctx, visit.Request{
		AccountID:   cmd.AccountID,
		CafeID:      cmd.CafeID,
		AmountSpent: cmd.AmountSpent,
		Source:      "nats",
		ExternalID:  cmd.CommandID,
	})
	if err != nil {
		code := errorCode(err)
		if code == "internal" {
			h.logger.Error("visit command failed", "account_id", cmd.AccountID, "cafe_id", cmd.CafeID, "error", err)
			return Reply{Error: "internal error", Code: code}
		}
		h.logger.Warn("visit command rejected", "account_id", cmd.AccountID, "cafe_id", cmd.CafeID, "error", err)
		return Reply{Error: err.Error(), Code: code}
	}
	return Reply{Result: res}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		return "already_processed"
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return "conflict"
	default:
		return "internal"
	}
}
