package model

import "time"

type Account struct {
	ID               int64      `json:"id"`
	Phone            string     `json:"phone"`
	Name             string     `json:"name"`
	Email            string     `json:"email,omitempty"`
	XP               int64      `json:"xp"`
	ReferralCode     string     `json:"referral_code"`
	ReferredBy       string     `json:"referred_by,omitempty"`
	HasMultiplier    bool       `json:"has_multiplier"`
	MultiplierExpiry *time.Time `json:"multiplier_expiry,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// MultiplierActive reports whether the weekly multiplier applies at now.
func (a *Account) MultiplierActive(now time.Time) bool {
	if !a.HasMultiplier || a.MultiplierExpiry == nil {
		return false
	}
	return now.Before(*a.MultiplierExpiry)
}

// Contact returns the delivery addresses for one-time codes.
func (a *Account) Contact() Contact {
	return Contact{Phone: a.Phone, Email: a.Email}
}

type Contact struct {
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

type CafeBalance struct {
	CafeID      int64 `json:"cafe_id"`
	TotalPoints int64 `json:"total_points"`
}

type Cafe struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
