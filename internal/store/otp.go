package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/brewpoints/internal/ledger"
	"github.com/dukerupert/brewpoints/internal/model"
	"github.com/dukerupert/brewpoints/internal/otp"
)

// OTPStore is the SQLite otp.Store. One row per (identity, purpose).
type OTPStore struct {
	db *sql.DB
}

func NewOTPStore(db *sql.DB) *OTPStore {
	return &OTPStore{db: db}
}

var _ otp.Store = (*OTPStore)(nil)

func scanOTP(scanner interface{ Scan(...any) error }) (int64, *model.RedemptionOTP, error) {
	var id int64
	var o model.RedemptionOTP
	err := scanner.Scan(&id, &o.Identity, &o.Purpose, &o.AccountID, &o.CafeID, &o.Points, &o.CodeHash, &o.IssuedAt, &o.ExpiresAt)
	if err != nil {
		return 0, nil, err
	}
	return id, &o, nil
}

const otpCols = `id, identity, purpose, account_id, cafe_id, points, code_hash, issued_at, expires_at`

func (s *OTPStore) Put(ctx context.Context, o *model.RedemptionOTP) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO otps (identity, purpose, account_id, cafe_id, points, code_hash, issued_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (identity, purpose) DO UPDATE SET
		   account_id = excluded.account_id,
		   cafe_id = excluded.cafe_id,
		   points = excluded.points,
		   code_hash = excluded.code_hash,
		   issued_at = excluded.issued_at,
		   expires_at = excluded.expires_at`,
		o.Identity, o.Purpose, o.AccountID, o.CafeID, o.Points, o.CodeHash, o.IssuedAt.UTC(), o.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert otp: %w", err)
	}
	return nil
}

// Consume deletes the row only if it still holds the hash that was checked;
// the affected-row count picks the single winner among concurrent callers.
func (s *OTPStore) Consume(ctx context.Context, identity string, purpose model.OTPPurpose, code string, now time.Time) (*model.RedemptionOTP, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+otpCols+` FROM otps WHERE identity = ? AND purpose = ?`, identity, purpose,
	)
	id, o, err := scanOTP(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrInvalidOrExpiredOTP
	}
	if err != nil {
		return nil, fmt.Errorf("get otp: %w", err)
	}

	if o.Expired(now) || !otp.Matches(o.CodeHash, code) {
		return nil, ledger.ErrInvalidOrExpiredOTP
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM otps WHERE id = ? AND code_hash = ?`, id, o.CodeHash)
	if err != nil {
		return nil, fmt.Errorf("consume otp: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return nil, ledger.ErrInvalidOrExpiredOTP
	}
	return o, nil
}

func (s *OTPStore) Delete(ctx context.Context, identity string, purpose model.OTPPurpose) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM otps WHERE identity = ? AND purpose = ?`, identity, purpose)
	if err != nil {
		return fmt.Errorf("delete otp: %w", err)
	}
	return nil
}

// DeleteExpired removes codes whose expiry is at or before now.
func (s *OTPStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM otps WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired otps: %w", err)
	}
	return res.RowsAffected()
}
