package model

import "time"

type OTPPurpose string

const (
	OTPPurposeRegistration OTPPurpose = "registration"
	OTPPurposeRedemption   OTPPurpose = "redemption"
)

// RedemptionOTP is a single-use code keyed by (Identity, Purpose). The code
// itself is never stored, only its hash.
type RedemptionOTP struct {
	Identity  string     `json:"identity"`
	Purpose   OTPPurpose `json:"purpose"`
	AccountID int64      `json:"account_id,omitempty"`
	CafeID    int64      `json:"cafe_id,omitempty"`
	Points    int64      `json:"points,omitempty"`
	CodeHash  string     `json:"-"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

func (o *RedemptionOTP) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}
