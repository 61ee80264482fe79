// Package visit turns spend at a cafe into points and XP.
package visit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/brewpoints/internal/events"
	"github.com/dukerupert/brewpoints/internal/ledger"
	"github.com/dukerupert/brewpoints/internal/metrics"
	"github.com/dukerupert/brewpoints/internal/model"
)

var ten = decimal.NewFromInt(10)

// MaxAmountSpent caps a single visit. Points and XP for any spend up to it
// fit comfortably in an int64.
var MaxAmountSpent = decimal.NewFromInt(1_000_000)

// ValidateAmount rejects a spend that is not positive or exceeds
// MaxAmountSpent.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount %s: %w", amount, ledger.ErrInvalidAmount)
	}
	if amount.GreaterThan(MaxAmountSpent) {
		return fmt.Errorf("amount %s exceeds %s: %w", amount, MaxAmountSpent, ledger.ErrInvalidAmount)
	}
	return nil
}

// Points returns the points earned for amount. One point per full 10 spent;
// the weekly multiplier scales that by 1.5, rounded down. amount must have
// passed ValidateAmount.
func Points(amount decimal.Decimal, multiplier bool) int64 {
	base := amount.Div(ten).Floor().IntPart()
	if multiplier {
		return base * 3 / 2
	}
	return base
}

// XP returns the XP earned alongside points.
func XP(points int64) int64 {
	return points * 2
}

type AccountGetter interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
}

type CafeGetter interface {
	GetByID(ctx context.Context, id int64) (*model.Cafe, error)
}

type Request struct {
	AccountID   int64
	CafeID      int64
	AmountSpent decimal.Decimal

	// FromAdmin marks a visit credited by claim approval. It changes the
	// transaction description only.
	FromAdmin bool
	ClaimID   string
	AdminID   int64

	// Source labels the entry point for metrics ("http", "nats", "claim").
	Source string

	// ExternalID is an optional idempotency key. A repeated key credits
	// nothing and returns the original visit with Duplicate set.
	ExternalID string
}

type Result struct {
	VisitID           string `json:"visit_id"`
	TransactionID     string `json:"transaction_id"`
	PointsEarned      int64  `json:"points_earned"`
	XPEarned          int64  `json:"xp_earned"`
	NewBalance        int64  `json:"new_balance"`
	NewXP             int64  `json:"new_xp"`
	MultiplierApplied bool   `json:"multiplier_applied"`
	Duplicate         bool   `json:"duplicate,omitempty"`
}

type Processor struct {
	accounts AccountGetter
	cafes    CafeGetter
	ledger   ledger.Store
	events   events.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewProcessor(accounts AccountGetter, cafes CafeGetter, ls ledger.Store, pub events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Processor {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Processor{
		accounts: accounts,
		cafes:    cafes,
		ledger:   ls,
		events:   pub,
		metrics:  m,
		logger:   logger.With("component", "visit"),
		now:      time.Now,
	}
}

// LogVisit credits the account for a visit. The earn transaction, XP,
// visit record and (for claim approvals) the claim transition commit
// together.
func (p *Processor) LogVisit(ctx context.Context, req Request) (*Result, error) {
	if err := ValidateAmount(req.AmountSpent); err != nil {
		return nil, fmt.Errorf("log visit: %w", err)
	}

	acct, err := p.accounts.GetByID(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("log visit: %w", err)
	}
	if acct == nil {
		return nil, fmt.Errorf("log visit: account %d: %w", req.AccountID, ledger.ErrNotFound)
	}
	cafe, err := p.cafes.GetByID(ctx, req.CafeID)
	if err != nil {
		return nil, fmt.Errorf("log visit: %w", err)
	}
	if cafe == nil || !cafe.Active {
		return nil, fmt.Errorf("log visit: cafe %d: %w", req.CafeID, ledger.ErrNotFound)
	}

	multiplier := acct.MultiplierActive(p.now())
	points := Points(req.AmountSpent, multiplier)
	xp := XP(points)

	desc := "Visit at " + cafe.Name
	if req.FromAdmin {
		desc = "Approved claim at " + cafe.Name
	}

	receipt, err := p.ledger.ApplyTransaction(ctx, ledger.Posting{
		AccountID:   acct.ID,
		CafeID:      cafe.ID,
		Kind:        model.KindEarn,
		Points:      points,
		Description: desc,
		XP:          xp,
		XPReason:    model.XPReasonVisit,
		Visit: &model.VisitEvent{
			AmountSpent:  req.AmountSpent,
			PointsEarned: points,
			XPEarned:     xp,
			ExternalID:   req.ExternalID,
		},
		ClaimID: req.ClaimID,
		AdminID: req.AdminID,
	})
	if err != nil {
		if req.ExternalID != "" && req.ClaimID == "" && errors.Is(err, ledger.ErrAlreadyProcessed) {
			return p.replay(ctx, req)
		}
		return nil, fmt.Errorf("log visit: %w", err)
	}

	res := &Result{
		TransactionID:     receipt.Transaction.ID,
		PointsEarned:      points,
		XPEarned:          xp,
		NewBalance:        receipt.Balance,
		NewXP:             receipt.XP,
		MultiplierApplied: multiplier,
	}
	if receipt.Visit != nil {
		res.VisitID = receipt.Visit.ID
	}

	source := req.Source
	if source == "" {
		source = "direct"
	}
	p.metrics.VisitLogged(source, points, multiplier)
	p.logger.Info("visit logged",
		"account_id", acct.ID, "cafe_id", cafe.ID, "amount", req.AmountSpent.String(),
		"points", points, "xp", xp, "multiplier", multiplier, "source", source,
	)

	if err := p.events.Publish(ctx, events.New(events.TypeVisitLogged, acct.ID, cafe.ID, map[string]any{
		"points":     points,
		"xp":         xp,
		"balance":    receipt.Balance,
		"from_admin": req.FromAdmin,
	})); err != nil {
		p.logger.Warn("publish visit event", "error", err)
	}

	return res, nil
}

// replay answers a repeated idempotency key with the visit it first
// recorded and the account's current balance and XP.
func (p *Processor) replay(ctx context.Context, req Request) (*Result, error) {
	v, err := p.ledger.VisitByExternalID(ctx, req.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("log visit: %w", err)
	}
	if v == nil || v.AccountID != req.AccountID || v.CafeID != req.CafeID || !v.AmountSpent.Equal(req.AmountSpent) {
		return nil, fmt.Errorf("log visit: external id %q reused for a different visit: %w", req.ExternalID, ledger.ErrAlreadyProcessed)
	}

	balance, err := p.ledger.GetBalance(ctx, v.AccountID, v.CafeID)
	if err != nil {
		return nil, fmt.Errorf("log visit: %w", err)
	}
	xp, err := p.ledger.GetXP(ctx, v.AccountID)
	if err != nil {
		return nil, fmt.Errorf("log visit: %w", err)
	}

	p.logger.Info("duplicate visit ignored", "external_id", req.ExternalID, "visit_id", v.ID, "account_id", v.AccountID)
	return &Result{
		VisitID:           v.ID,
		TransactionID:     v.TransactionID,
		PointsEarned:      v.PointsEarned,
		XPEarned:          v.XPEarned,
		NewBalance:        balance,
		NewXP:             xp,
		MultiplierApplied: v.PointsEarned != Points(v.AmountSpent, false),
		Duplicate:         true,
	}, nil
}
