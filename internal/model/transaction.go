package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	KindEarn              TransactionKind = "earn"
	KindRedeem            TransactionKind = "redeem"
	KindReferralBonus     TransactionKind = "referral_bonus"
	KindLeaderboardReward TransactionKind = "leaderboard_reward"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindEarn, KindRedeem, KindReferralBonus, KindLeaderboardReward:
		return true
	}
	return false
}

type Transaction struct {
	ID          string          `json:"id"`
	AccountID   int64           `json:"account_id"`
	CafeID      int64           `json:"cafe_id"`
	Kind        TransactionKind `json:"kind"`
	Points      int64           `json:"points"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
}

type VisitEvent struct {
	ID            string          `json:"id"`
	AccountID     int64           `json:"account_id"`
	CafeID        int64           `json:"cafe_id"`
	AmountSpent   decimal.Decimal `json:"amount_spent"`
	PointsEarned  int64           `json:"points_earned"`
	XPEarned      int64           `json:"xp_earned"`
	TransactionID string          `json:"transaction_id"`
	ClaimID       string          `json:"claim_id,omitempty"`
	// ExternalID is the caller's idempotency key, unique across visits.
	ExternalID    string          `json:"external_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type XPReason string

const (
	XPReasonRegistration  XPReason = "registration"
	XPReasonVisit         XPReason = "visit"
	XPReasonReferralBonus XPReason = "referral_bonus"
)

type XPEvent struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"account_id"`
	Delta     int64     `json:"delta"`
	Reason    XPReason  `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
