// Package ledger defines the persistence contract for points balances,
// the append-only transaction log, and account XP.
package ledger

import (
	"context"

	"github.com/dukerupert/brewpoints/internal/model"
)

// Posting is one atomic ledger write. Points is signed; a negative value
// debits the balance and fails with InsufficientBalanceError if the result
// would drop below zero. XP, Visit and ClaimID are optional riders that
// commit in the same transaction.
type Posting struct {
	AccountID   int64
	CafeID      int64
	Kind        model.TransactionKind
	Points      int64
	Description string

	XP       int64
	XPReason model.XPReason

	// Visit is recorded with the posting. A Visit whose ExternalID is already
	// recorded fails with ErrAlreadyProcessed and writes nothing.
	Visit *model.VisitEvent

	// ClaimID, when set, moves the claim from pending to approved.
	ClaimID string
	AdminID int64
}

type Receipt struct {
	Transaction model.Transaction `json:"transaction"`
	Balance     int64             `json:"balance"`
	XP          int64             `json:"xp"`
	Visit       *model.VisitEvent `json:"visit,omitempty"`
}

// Discrepancy is an (account, cafe) pair whose cached balance disagrees with
// the sum of its transactions.
type Discrepancy struct {
	AccountID int64 `json:"account_id"`
	CafeID    int64 `json:"cafe_id"`
	Balance   int64 `json:"balance"`
	Sum       int64 `json:"sum"`
}

type Store interface {
	GetBalance(ctx context.Context, accountID, cafeID int64) (int64, error)
	ListBalances(ctx context.Context, accountID int64) ([]model.CafeBalance, error)
	ApplyTransaction(ctx context.Context, p Posting) (*Receipt, error)
	GetXP(ctx context.Context, accountID int64) (int64, error)
	AddXP(ctx context.Context, accountID, delta int64, reason model.XPReason) (int64, error)
	ListTransactions(ctx context.Context, accountID, cafeID int64, limit int) ([]model.Transaction, error)
	Discrepancies(ctx context.Context) ([]Discrepancy, error)
	// VisitByExternalID returns nil when no visit carries the key.
	VisitByExternalID(ctx context.Context, externalID string) (*model.VisitEvent, error)
}
