// Package events publishes ledger activity to downstream consumers.
package events

import (
	"context"
	"errors"
	"time"
)

const (
	TypeVisitLogged        = "visit.logged"
	TypeRedemptionVerified = "redemption.verified"
	TypeClaimApproved      = "claim.approved"
	TypeClaimRejected      = "claim.rejected"
	TypeMultiplierAwarded  = "multiplier.awarded"
)

type Event struct {
	Type       string         `json:"type"`
	AccountID  int64          `json:"account_id,omitempty"`
	CafeID     int64          `json:"cafe_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func New(typ string, accountID, cafeID int64, data map[string]any) Event {
	return Event{
		Type:       typ,
		AccountID:  accountID,
		CafeID:     cafeID,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
