// Package otp issues and consumes single-use numeric codes keyed by
// (identity, purpose).
package otp

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/brewpoints/internal/ledger"
	"github.com/dukerupert/brewpoints/internal/model"
)

const DefaultTTL = 10 * time.Minute

// Store persists issued codes. Put replaces any code already held for the
// same (identity, purpose). Consume atomically removes and returns the code
// matching the plaintext; when several callers race with the same code at
// most one succeeds. Anything else fails with ledger.ErrInvalidOrExpiredOTP.
type Store interface {
	Put(ctx context.Context, o *model.RedemptionOTP) error
	Consume(ctx context.Context, identity string, purpose model.OTPPurpose, code string, now time.Time) (*model.RedemptionOTP, error)
	Delete(ctx context.Context, identity string, purpose model.OTPPurpose) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// GenerateCode returns a 6-digit numeric code (100000–999999).
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

func HashCode(code string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}
	return string(h), nil
}

func Matches(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}

// Manager wraps a Store with code generation and the clock.
type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

type Option func(*Manager)

func WithTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, ttl: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Issue generates a code for the template and stores its hash, replacing
// any earlier code for the same identity and purpose. The plaintext code is
// returned for delivery and never persisted.
func (m *Manager) Issue(ctx context.Context, tmpl model.RedemptionOTP) (string, *model.RedemptionOTP, error) {
	code, err := GenerateCode()
	if err != nil {
		return "", nil, err
	}
	hash, err := HashCode(code)
	if err != nil {
		return "", nil, err
	}

	now := m.now().UTC()
	o := tmpl
	o.CodeHash = hash
	o.IssuedAt = now
	o.ExpiresAt = now.Add(m.ttl)

	if err := m.store.Put(ctx, &o); err != nil {
		return "", nil, fmt.Errorf("store code: %w", err)
	}
	return code, &o, nil
}

// Consume redeems a code. Expiry is judged against the clock, not against
// whether a sweep has removed the row.
func (m *Manager) Consume(ctx context.Context, identity string, purpose model.OTPPurpose, code string) (*model.RedemptionOTP, error) {
	if code == "" {
		return nil, ledger.ErrInvalidOrExpiredOTP
	}
	return m.store.Consume(ctx, identity, purpose, code, m.now().UTC())
}

func (m *Manager) Revoke(ctx context.Context, identity string, purpose model.OTPPurpose) error {
	return m.store.Delete(ctx, identity, purpose)
}

func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	return m.store.DeleteExpired(ctx, m.now().UTC())
}
