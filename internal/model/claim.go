package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ClaimStatus string

const (
	ClaimStatusPending  ClaimStatus = "pending"
	ClaimStatusApproved ClaimStatus = "approved"
	ClaimStatusRejected ClaimStatus = "rejected"
)

func (s ClaimStatus) Valid() bool {
	switch s {
	case ClaimStatusPending, ClaimStatusApproved, ClaimStatusRejected:
		return true
	}
	return false
}

type RewardClaim struct {
	ID         string          `json:"id"`
	AccountID  int64           `json:"account_id"`
	CafeID     int64           `json:"cafe_id"`
	Amount     decimal.Decimal `json:"amount"`
	InvoiceRef string          `json:"invoice_ref"`
	Status     ClaimStatus     `json:"status"`
	DecidedBy  *int64          `json:"decided_by,omitempty"`
	DecidedAt  *time.Time      `json:"decided_at,omitempty"`
	Note       string          `json:"note,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
