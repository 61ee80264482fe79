// Package claim reviews member-submitted invoices and credits approved ones
// as visits.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/brewpoints/internal/events"
	"github.com/dukerupert/brewpoints/internal/ledger"
	"github.com/dukerupert/brewpoints/internal/metrics"
	"github.com/dukerupert/brewpoints/internal/model"
	"github.com/dukerupert/brewpoints/internal/visit"
)

const (
	DefaultTTL  = 30 * 24 * time.Hour
	expiredNote = "expired"
)

type Store interface {
	Create(ctx context.Context, accountID, cafeID int64, amount string, invoiceRef string) (*model.RewardClaim, error)
	GetByID(ctx context.Context, id string) (*model.RewardClaim, error)
	List(ctx context.Context, status model.ClaimStatus) ([]model.RewardClaim, error)
	ListByAccount(ctx context.Context, accountID int64) ([]model.RewardClaim, error)
	Reject(ctx context.Context, id string, adminID int64, note string) error
	ExpireStale(ctx context.Context, cutoff time.Time, note string) (int64, error)
}

type AccountGetter interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
}

type CafeGetter interface {
	GetByID(ctx context.Context, id int64) (*model.Cafe, error)
}

type VisitLogger interface {
	LogVisit(ctx context.Context, req visit.Request) (*visit.Result, error)
}

type Workflow struct {
	claims   Store
	accounts AccountGetter
	cafes    CafeGetter
	visits   VisitLogger
	events   events.Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewWorkflow(claims Store, accounts AccountGetter, cafes CafeGetter, visits VisitLogger, pub events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Workflow {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Workflow{
		claims:   claims,
		accounts: accounts,
		cafes:    cafes,
		visits:   visits,
		events:   pub,
		metrics:  m,
		logger:   logger.With("component", "claim"),
		now:      time.Now,
	}
}

// Submit records a pending claim for an off-platform purchase.
func (w *Workflow) Submit(ctx context.Context, accountID, cafeID int64, amount decimal.Decimal, invoiceRef string) (*model.RewardClaim, error) {
	if err := visit.ValidateAmount(amount); err != nil {
		return nil, fmt.Errorf("submit claim: %w", err)
	}
	if invoiceRef != "" {
		if u, err := url.Parse(invoiceRef); err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("submit claim: invoice_ref must be an absolute URL: %w", ledger.ErrInvalidRequest)
		}
	}

	acct, err := w.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("submit claim: %w", err)
	}
	if acct == nil {
		return nil, fmt.Errorf("submit claim: account %d: %w", accountID, ledger.ErrNotFound)
	}
	cafe, err := w.cafes.GetByID(ctx, cafeID)
	if err != nil {
		return nil, fmt.Errorf("submit claim: %w", err)
	}
	if cafe == nil || !cafe.Active {
		return nil, fmt.Errorf("submit claim: cafe %d: %w", cafeID, ledger.ErrNotFound)
	}

	c, err := w.claims.Create(ctx, accountID, cafeID, amount.String(), invoiceRef)
	if err != nil {
		return nil, fmt.Errorf("submit claim: %w", err)
	}
	w.metrics.ClaimTransition(string(model.ClaimStatusPending))
	w.logger.Info("claim submitted", "claim_id", c.ID, "account_id", accountID, "cafe_id", cafeID, "amount", amount.String())
	return c, nil
}

// Get returns a claim. A non-admin caller may only see their own claims.
func (w *Workflow) Get(ctx context.Context, id string, callerID int64, admin bool) (*model.RewardClaim, error) {
	c, err := w.claims.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("claim %s: %w", id, ledger.ErrNotFound)
	}
	if !admin && c.AccountID != callerID {
		return nil, fmt.Errorf("claim %s: %w", id, ledger.ErrUnauthorized)
	}
	return c, nil
}

// Approve credits the claim as a visit. The pending-to-approved transition
// commits in the same ledger transaction as the credit, so a claim is
// credited at most once.
func (w *Workflow) Approve(ctx context.Context, claimID string, adminID int64) (*visit.Result, error) {
	c, err := w.claims.GetByID(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("approve claim: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("approve claim %s: %w", claimID, ledger.ErrNotFound)
	}
	if c.Status != model.ClaimStatusPending {
		return nil, fmt.Errorf("approve claim %s is %s: %w", claimID, c.Status, ledger.ErrAlreadyProcessed)
	}

	res, err := w.visits.LogVisit(ctx, visit.Request{
		AccountID:   c.AccountID,
		CafeID:      c.CafeID,
		AmountSpent: c.Amount,
		FromAdmin:   true,
		ClaimID:     c.ID,
		AdminID:     adminID,
		Source:      "claim",
	})
	if err != nil {
		if !isDomainError(err) {
			w.logger.Error("claim approval failed", "claim_id", claimID, "admin_id", adminID, "reconcile", true, "error", err)
		}
		return nil, fmt.Errorf("approve claim: %w", err)
	}

	w.metrics.ClaimTransition(string(model.ClaimStatusApproved))
	w.logger.Info("claim approved", "claim_id", claimID, "admin_id", adminID, "points", res.PointsEarned)
	if err := w.events.Publish(ctx, events.New(events.TypeClaimApproved, c.AccountID, c.CafeID, map[string]any{
		"claim_id": c.ID,
		"points":   res.PointsEarned,
	})); err != nil {
		w.logger.Warn("publish claim event", "error", err)
	}
	return res, nil
}

// Reject closes a pending claim without touching the ledger.
func (w *Workflow) Reject(ctx context.Context, claimID string, adminID int64, note string) error {
	if err := w.claims.Reject(ctx, claimID, adminID, note); err != nil {
		return fmt.Errorf("reject claim: %w", err)
	}
	c, err := w.claims.GetByID(ctx, claimID)
	if err != nil || c == nil {
		// Rejected already; the lookup only feeds the event.
		w.logger.Warn("reload rejected claim", "claim_id", claimID, "error", err)
		return nil
	}

	w.metrics.ClaimTransition(string(model.ClaimStatusRejected))
	w.logger.Info("claim rejected", "claim_id", claimID, "admin_id", adminID)
	if err := w.events.Publish(ctx, events.New(events.TypeClaimRejected, c.AccountID, c.CafeID, map[string]any{
		"claim_id": c.ID,
		"note":     note,
	})); err != nil {
		w.logger.Warn("publish claim event", "error", err)
	}
	return nil
}

func (w *Workflow) List(ctx context.Context, status model.ClaimStatus) ([]model.RewardClaim, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("list claims: status %q: %w", status, ledger.ErrInvalidRequest)
	}
	return w.claims.List(ctx, status)
}

func (w *Workflow) ListByAccount(ctx context.Context, accountID int64) ([]model.RewardClaim, error) {
	return w.claims.ListByAccount(ctx, accountID)
}

// ExpireStale rejects claims left pending for longer than ttl.
func (w *Workflow) ExpireStale(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	n, err := w.claims.ExpireStale(ctx, w.now().Add(-ttl), expiredNote)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.logger.Info("expired stale claims", "count", n, "ttl", ttl)
	}
	return n, nil
}

func isDomainError(err error) bool {
	for _, target := range []error{
		ledger.ErrNotFound, ledger.ErrInvalidAmount, ledger.ErrAlreadyProcessed,
		ledger.ErrInsufficientBalance, ledger.ErrConcurrencyConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
