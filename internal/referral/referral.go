// Package referral registers members and applies the one-time referral
// bonuses.
package referral

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukerupert/brewpoints/internal/ledger"
	"github.com/dukerupert/brewpoints/internal/metrics"
	"github.com/dukerupert/brewpoints/internal/model"
	"github.com/dukerupert/brewpoints/internal/notify"
	"github.com/dukerupert/brewpoints/internal/otp"
	"github.com/dukerupert/brewpoints/internal/store"
)

const (
	BaseRegistrationXP = 10
	NewUserReferralXP  = 50
	ReferralBonusXP    = 100
)

type AccountStore interface {
	Register(ctx context.Context, na store.NewAccount) (*store.Registration, error)
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	GetByPhone(ctx context.Context, phone string) (*model.Account, error)
	ListReferred(ctx context.Context, referrerID int64) ([]model.Account, error)
}

type Registration struct {
	Phone        string `json:"phone"`
	Name         string `json:"name"`
	Email        string `json:"email,omitempty"`
	ReferralCode string `json:"referral_code,omitempty"`
}

type Result struct {
	Account    *model.Account `json:"account"`
	ReferrerID *int64         `json:"referrer_id,omitempty"`
}

type Registrar struct {
	accounts AccountStore
	otps     *otp.Manager
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewRegistrar(accounts AccountStore, otps *otp.Manager, notifier notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *Registrar {
	return &Registrar{
		accounts: accounts,
		otps:     otps,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With("component", "referral"),
	}
}

func normalize(r Registration) (Registration, error) {
	r.Phone = strings.TrimSpace(r.Phone)
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.TrimSpace(r.Email)
	// Codes are issued in upper case; members often type them otherwise.
	r.ReferralCode = strings.ToUpper(strings.TrimSpace(r.ReferralCode))
	if r.Phone == "" {
		return r, fmt.Errorf("phone is required: %w", ledger.ErrInvalidRequest)
	}
	if r.Name == "" {
		return r, fmt.Errorf("name is required: %w", ledger.ErrInvalidRequest)
	}
	return r, nil
}

// Register creates the account. A referral code that resolves credits the
// referrer and seeds the new account with the referred XP; an unknown code
// is kept (upper-cased) and seeds the base XP. Codes match case-insensitively.
func (r *Registrar) Register(ctx context.Context, reg Registration) (*Result, error) {
	reg, err := normalize(reg)
	if err != nil {
		return nil, err
	}

	out, err := r.accounts.Register(ctx, store.NewAccount{
		Phone:           reg.Phone,
		Name:            reg.Name,
		Email:           reg.Email,
		ReferredBy:      reg.ReferralCode,
		SeedXP:          BaseRegistrationXP,
		ReferredXP:      NewUserReferralXP,
		ReferrerBonusXP: ReferralBonusXP,
	})
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	attrs := []any{"account_id", out.Account.ID, "xp", out.Account.XP}
	if out.ReferrerID != nil {
		attrs = append(attrs, "referrer_id", *out.ReferrerID)
	} else if reg.ReferralCode != "" {
		attrs = append(attrs, "unresolved_code", reg.ReferralCode)
	}
	r.logger.Info("account registered", attrs...)

	return &Result{Account: out.Account, ReferrerID: out.ReferrerID}, nil
}

// StartRegistration sends a signup code to the phone (and email, if the
// notifier delivers by email). A phone that already has an account fails
// with ledger.ErrAlreadyExists.
func (r *Registrar) StartRegistration(ctx context.Context, contact model.Contact) error {
	contact.Phone = strings.TrimSpace(contact.Phone)
	if contact.Phone == "" {
		return fmt.Errorf("phone is required: %w", ledger.ErrInvalidRequest)
	}

	existing, err := r.accounts.GetByPhone(ctx, contact.Phone)
	if err != nil {
		return fmt.Errorf("start registration: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("start registration: %w", ledger.ErrAlreadyExists)
	}

	code, _, err := r.otps.Issue(ctx, model.RedemptionOTP{Identity: contact.Phone, Purpose: model.OTPPurposeRegistration})
	if err != nil {
		return fmt.Errorf("start registration: %w", err)
	}
	if err := r.notifier.Send(ctx, contact, code, model.OTPPurposeRegistration); err != nil {
		if rerr := r.otps.Revoke(ctx, contact.Phone, model.OTPPurposeRegistration); rerr != nil {
			r.logger.Error("revoke undelivered code", "error", rerr)
		}
		return fmt.Errorf("deliver registration code: %w", err)
	}
	r.metrics.OTPIssued(string(model.OTPPurposeRegistration))
	return nil
}

// CompleteRegistration consumes the signup code for the phone and then
// registers the account.
func (r *Registrar) CompleteRegistration(ctx context.Context, code string, reg Registration) (*Result, error) {
	reg, err := normalize(reg)
	if err != nil {
		return nil, err
	}
	if _, err := r.otps.Consume(ctx, reg.Phone, model.OTPPurposeRegistration, code); err != nil {
		return nil, fmt.Errorf("complete registration: %w", err)
	}
	return r.Register(ctx, reg)
}

// Children returns the accounts referred by accountID.
func (r *Registrar) Children(ctx context.Context, accountID int64) ([]model.Account, error) {
	acct, err := r.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("account %d: %w", accountID, ledger.ErrNotFound)
	}
	return r.accounts.ListReferred(ctx, accountID)
}
