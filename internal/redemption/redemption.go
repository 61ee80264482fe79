// Package redemption debits points in two steps: Initiate sends a one-time
// code to the member, Verify consumes it and debits the balance.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/brewpoints/internal/events"
	"github.com/dukerupert/brewpoints/internal/ledger"
	"github.com/dukerupert/brewpoints/internal/metrics"
	"github.com/dukerupert/brewpoints/internal/model"
	"github.com/dukerupert/brewpoints/internal/notify"
	"github.com/dukerupert/brewpoints/internal/otp"
)

type AccountGetter interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
}

type CafeGetter interface {
	GetByID(ctx context.Context, id int64) (*model.Cafe, error)
}

type Coordinator struct {
	accounts AccountGetter
	cafes    CafeGetter
	ledger   ledger.Store
	otps     *otp.Manager
	notifier notify.Notifier
	events   events.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewCoordinator(accounts AccountGetter, cafes CafeGetter, ls ledger.Store, otps *otp.Manager, notifier notify.Notifier, pub events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Coordinator{
		accounts: accounts,
		cafes:    cafes,
		ledger:   ls,
		otps:     otps,
		notifier: notifier,
		events:   pub,
		metrics:  m,
		logger:   logger.With("component", "redemption"),
	}
}

// Pending describes an issued redemption code. The code itself only
// travels through the notifier.
type Pending struct {
	CafeID    int64     `json:"cafe_id"`
	Points    int64     `json:"points"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Initiate checks the balance and sends a redemption code, replacing any
// code still outstanding for the account. It never changes the balance.
func (c *Coordinator) Initiate(ctx context.Context, accountID, cafeID, points int64) (*Pending, error) {
	p, err := c.initiate(ctx, accountID, cafeID, points)
	c.metrics.Redemption("initiate", resultLabel(err), points)
	return p, err
}

func (c *Coordinator) initiate(ctx context.Context, accountID, cafeID, points int64) (*Pending, error) {
	if points <= 0 {
		return nil, fmt.Errorf("initiate redemption: points %d: %w", points, ledger.ErrInvalidAmount)
	}

	acct, err := c.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("initiate redemption: %w", err)
	}
	if acct == nil {
		return nil, fmt.Errorf("initiate redemption: account %d: %w", accountID, ledger.ErrNotFound)
	}
	cafe, err := c.cafes.GetByID(ctx, cafeID)
	if err != nil {
		return nil, fmt.Errorf("initiate redemption: %w", err)
	}
	if cafe == nil {
		return nil, fmt.Errorf("initiate redemption: cafe %d: %w", cafeID, ledger.ErrNotFound)
	}

	balance, err := c.ledger.GetBalance(ctx, accountID, cafeID)
	if err != nil {
		return nil, fmt.Errorf("initiate redemption: %w", err)
	}
	if balance < points {
		return nil, &ledger.InsufficientBalanceError{Have: balance, Want: points}
	}

	code, issued, err := c.otps.Issue(ctx, model.RedemptionOTP{
		Identity:  acct.Phone,
		Purpose:   model.OTPPurposeRedemption,
		AccountID: accountID,
		CafeID:    cafeID,
		Points:    points,
	})
	if err != nil {
		return nil, fmt.Errorf("initiate redemption: %w", err)
	}

	if err := c.notifier.Send(ctx, acct.Contact(), code, model.OTPPurposeRedemption); err != nil {
		if rerr := c.otps.Revoke(ctx, acct.Phone, model.OTPPurposeRedemption); rerr != nil {
			c.logger.Error("revoke undelivered code", "account_id", accountID, "error", rerr)
		}
		return nil, fmt.Errorf("deliver redemption code: %w", err)
	}
	c.metrics.OTPIssued(string(model.OTPPurposeRedemption))

	c.logger.Info("redemption initiated", "account_id", accountID, "cafe_id", cafeID, "points", points)
	return &Pending{CafeID: cafeID, Points: points, ExpiresAt: issued.ExpiresAt}, nil
}

// Verify consumes the account's redemption code and debits the points it
// was issued for. The code is spent even when the debit then fails for lack
// of balance.
func (c *Coordinator) Verify(ctx context.Context, accountID int64, code string) (*ledger.Receipt, error) {
	r, points, err := c.verify(ctx, accountID, code)
	c.metrics.Redemption("verify", resultLabel(err), points)
	return r, err
}

func (c *Coordinator) verify(ctx context.Context, accountID int64, code string) (*ledger.Receipt, int64, error) {
	acct, err := c.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, 0, fmt.Errorf("verify redemption: %w", err)
	}
	if acct == nil {
		return nil, 0, fmt.Errorf("verify redemption: account %d: %w", accountID, ledger.ErrNotFound)
	}

	o, err := c.otps.Consume(ctx, acct.Phone, model.OTPPurposeRedemption, code)
	if err != nil {
		return nil, 0, fmt.Errorf("verify redemption: %w", err)
	}
	if o.AccountID != accountID {
		c.logger.Warn("redemption code issued to another account", "account_id", accountID, "issued_to", o.AccountID)
		return nil, 0, fmt.Errorf("verify redemption: %w", ledger.ErrUnauthorized)
	}

	receipt, err := c.ledger.ApplyTransaction(ctx, ledger.Posting{
		AccountID:   accountID,
		CafeID:      o.CafeID,
		Kind:        model.KindRedeem,
		Points:      -o.Points,
		Description: fmt.Sprintf("Redeemed %d points", o.Points),
	})
	if err != nil {
		if !errors.Is(err, ledger.ErrInsufficientBalance) {
			c.logger.Error("debit after consumed code failed", "account_id", accountID, "cafe_id", o.CafeID, "points", o.Points, "error", err)
		}
		return nil, o.Points, fmt.Errorf("verify redemption: %w", err)
	}

	c.logger.Info("redemption verified", "account_id", accountID, "cafe_id", o.CafeID, "points", o.Points, "balance", receipt.Balance)
	if err := c.events.Publish(ctx, events.New(events.TypeRedemptionVerified, accountID, o.CafeID, map[string]any{
		"points":  o.Points,
		"balance": receipt.Balance,
	})); err != nil {
		c.logger.Warn("publish redemption event", "error", err)
	}
	return receipt, o.Points, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrInvalidOrExpiredOTP):
		return "invalid_code"
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrNotFound):
		return "rejected"
	default:
		return "error"
	}
}
