package otp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/brewpoints/internal/ledger"
	"github.com/dukerupert/brewpoints/internal/model"
)

// memStore is a minimal in-memory Store for exercising Manager.
type memStore struct {
	mu   sync.Mutex
	rows map[string]model.RedemptionOTP
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]model.RedemptionOTP)}
}

func (m *memStore) Put(_ context.Context, o *model.RedemptionOTP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[redisKey(o.Identity, o.Purpose)] = *o
	return nil
}

func (m *memStore) Consume(_ context.Context, identity string, purpose model.OTPPurpose, code string, now time.Time) (*model.RedemptionOTP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := redisKey(identity, purpose)
	o, ok := m.rows[k]
	if !ok || o.Expired(now) || !Matches(o.CodeHash, code) {
		return nil, ledger.ErrInvalidOrExpiredOTP
	}
	delete(m.rows, k)
	return &o, nil
}

func (m *memStore) Delete(_ context.Context, identity string, purpose model.OTPPurpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, redisKey(identity, purpose))
	return nil
}

func (m *memStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, o := range m.rows {
		if o.Expired(now) {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

func TestGenerateCode(t *testing.T) {
	for range 50 {
		code, err := GenerateCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("code = %q, want 6 digits", code)
		}
		if code[0] == '0' {
			t.Fatalf("code = %q, want no leading zero", code)
		}
	}
}

func TestHashAndMatch(t *testing.T) {
	hash, err := HashCode("482913")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "482913" {
		t.Fatal("hash must not equal the plaintext")
	}
	if !Matches(hash, "482913") {
		t.Error("expected match")
	}
	if Matches(hash, "482914") {
		t.Error("expected mismatch")
	}
}

func TestManagerIssueAndConsume(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(newMemStore(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	code, o, err := m.Issue(ctx, model.RedemptionOTP{Identity: "+15554440001", Purpose: model.OTPPurposeRedemption, Points: 25})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !o.ExpiresAt.Equal(now.Add(DefaultTTL)) {
		t.Errorf("expires_at = %v, want %v", o.ExpiresAt, now.Add(DefaultTTL))
	}

	got, err := m.Consume(ctx, "+15554440001", model.OTPPurposeRedemption, code)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got.Points != 25 {
		t.Errorf("points = %d, want 25", got.Points)
	}
	if _, err := m.Consume(ctx, "+15554440001", model.OTPPurposeRedemption, code); !errors.Is(err, ledger.ErrInvalidOrExpiredOTP) {
		t.Errorf("reuse err = %v, want ErrInvalidOrExpiredOTP", err)
	}
}

func TestManagerPurposesAreIndependent(t *testing.T) {
	m := NewManager(newMemStore())
	ctx := context.Background()

	regCode, _, _ := m.Issue(ctx, model.RedemptionOTP{Identity: "+15554440002", Purpose: model.OTPPurposeRegistration})
	redCode, _, _ := m.Issue(ctx, model.RedemptionOTP{Identity: "+15554440002", Purpose: model.OTPPurposeRedemption})

	if _, err := m.Consume(ctx, "+15554440002", model.OTPPurposeRegistration, regCode); err != nil {
		t.Errorf("registration code: %v", err)
	}
	if _, err := m.Consume(ctx, "+15554440002", model.OTPPurposeRedemption, redCode); err != nil {
		t.Errorf("redemption code: %v", err)
	}
}

func TestManagerExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(newMemStore(), WithTTL(time.Minute), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	code, _, _ := m.Issue(ctx, model.RedemptionOTP{Identity: "+15554440003", Purpose: model.OTPPurposeRedemption})
	now = now.Add(time.Minute)

	if _, err := m.Consume(ctx, "+15554440003", model.OTPPurposeRedemption, code); !errors.Is(err, ledger.ErrInvalidOrExpiredOTP) {
		t.Errorf("err = %v, want ErrInvalidOrExpiredOTP", err)
	}
	n, _ := m.Sweep(ctx)
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
}

func TestManagerEmptyCode(t *testing.T) {
	m := NewManager(newMemStore())
	if _, err := m.Consume(context.Background(), "+1", model.OTPPurposeRedemption, ""); !errors.Is(err, ledger.ErrInvalidOrExpiredOTP) {
		t.Errorf("err = %v, want ErrInvalidOrExpiredOTP", err)
	}
}
