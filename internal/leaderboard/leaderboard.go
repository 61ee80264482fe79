// Package leaderboard ranks members by lifetime XP and hands out the weekly
// earning multiplier.
package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/brewpoints/internal/events"
	"github.com/dukerupert/brewpoints/internal/ledger"
	"github.com/dukerupert/brewpoints/internal/model"
)

const (
	DefaultSize = 10
	MaxSize     = 100

	MultiplierWinners  = 3
	MultiplierDuration = 7 * 24 * time.Hour
)

type AccountStore interface {
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	ListByXP(ctx context.Context, n int) ([]model.Account, error)
	Rank(ctx context.Context, id int64) (int, error)
	AwardMultipliers(ctx context.Context, n int, expiry time.Time) ([]int64, error)
}

type Entry struct {
	Rank          int    `json:"rank"`
	AccountID     int64  `json:"account_id"`
	Name          string `json:"name"`
	XP            int64  `json:"xp"`
	HasMultiplier bool   `json:"has_multiplier"`
}

// Standing is the top of the board plus, when requested, the caller's own
// row. Caller is set even when the caller is already in Entries.
type Standing struct {
	Entries []Entry `json:"entries"`
	Caller  *Entry  `json:"caller,omitempty"`
}

type Award struct {
	AccountIDs []int64   `json:"account_ids"`
	Expiry     time.Time `json:"expiry"`
}

type Ranker struct {
	accounts AccountStore
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

func NewRanker(accounts AccountStore, pub events.Publisher, logger *slog.Logger) *Ranker {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Ranker{
		accounts: accounts,
		events:   pub,
		logger:   logger.With("component", "leaderboard"),
		now:      time.Now,
	}
}

func entryFor(rank int, a model.Account, now time.Time) Entry {
	return Entry{
		Rank:          rank,
		AccountID:     a.ID,
		Name:          a.Name,
		XP:            a.XP,
		HasMultiplier: a.MultiplierActive(now),
	}
}

// Top returns the n highest-XP accounts. Ties break by registration time,
// then account ID. A callerID of 0 skips the caller lookup.
func (r *Ranker) Top(ctx context.Context, n int, callerID int64) (*Standing, error) {
	if n <= 0 {
		n = DefaultSize
	}
	if n > MaxSize {
		n = MaxSize
	}

	accounts, err := r.accounts.ListByXP(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	now := r.now()
	st := &Standing{Entries: make([]Entry, 0, len(accounts))}
	for i, a := range accounts {
		e := entryFor(i+1, a, now)
		st.Entries = append(st.Entries, e)
		if a.ID == callerID {
			st.Caller = &e
		}
	}

	if callerID == 0 || st.Caller != nil {
		return st, nil
	}
	acct, err := r.accounts.GetByID(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("leaderboard caller: %w", err)
	}
	if acct == nil {
		return nil, fmt.Errorf("leaderboard caller %d: %w", callerID, ledger.ErrNotFound)
	}
	rank, err := r.accounts.Rank(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("leaderboard caller: %w", err)
	}
	e := entryFor(rank, *acct, now)
	st.Caller = &e
	return st, nil
}

// RunWeeklyMultiplierJob resets every multiplier and grants a fresh one to
// the current top three. Running it twice in a week just re-grants with a
// later expiry.
func (r *Ranker) RunWeeklyMultiplierJob(ctx context.Context) (*Award, error) {
	expiry := r.now().Add(MultiplierDuration).UTC()
	ids, err := r.accounts.AwardMultipliers(ctx, MultiplierWinners, expiry)
	if err != nil {
		return nil, fmt.Errorf("weekly multiplier: %w", err)
	}

	r.logger.Info("weekly multiplier awarded", "account_ids", ids, "expiry", expiry)
	for i, id := range ids {
		if err := r.events.Publish(ctx, events.New(events.TypeMultiplierAwarded, id, 0, map[string]any{
			"rank":   i + 1,
			"expiry": expiry,
		})); err != nil {
			r.logger.Warn("publish multiplier event", "account_id", id, "error", err)
		}
	}
	return &Award{AccountIDs: ids, Expiry: expiry}, nil
}
