package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/dukerupert/brewpoints/internal/ledger"
	"github.com/dukerupert/brewpoints/internal/model"
)

type AccountStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db, now: time.Now}
}

func scanAccount(scanner interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var hasMultiplier int
	var expiry sql.NullTime

	err := scanner.Scan(
		&a.ID, &a.Phone, &a.Name, &a.Email, &a.XP, &a.ReferralCode, &a.ReferredBy,
		&hasMultiplier, &expiry, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.HasMultiplier = hasMultiplier != 0
	if expiry.Valid {
		a.MultiplierExpiry = &expiry.Time
	}
	return &a, nil
}

const accountCols = `id, phone, name, email, xp, referral_code, referred_by, has_multiplier, multiplier_expiry, created_at`

const referralCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// generateReferralCode returns an 8-character code without the easily
// confused 0/O and 1/I.
func generateReferralCode() (string, error) {
	b := make([]byte, 8)
	max := big.NewInt(int64(len(referralCodeAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate referral code: %w", err)
		}
		b[i] = referralCodeAlphabet[n.Int64()]
	}
	return string(b), nil
}

// NewAccount describes a registration. SeedXP is granted to the new account
// when ReferredBy does not resolve; ReferredXP and ReferrerBonusXP apply
// when it does.
type NewAccount struct {
	Phone      string
	Name       string
	Email      string
	ReferredBy string

	SeedXP          int64
	ReferredXP      int64
	ReferrerBonusXP int64
}

// Registration is the outcome of Register. ReferrerID is nil when the
// supplied referral code matched nobody.
type Registration struct {
	Account    *model.Account
	ReferrerID *int64
}

// Register creates the account, its referral edge, and both XP grants in a
// single transaction. A taken phone number fails with ledger.ErrAlreadyExists.
func (s *AccountStore) Register(ctx context.Context, na NewAccount) (*Registration, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE phone = ?`, na.Phone).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check phone: %w", err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("register %s: %w", na.Phone, ledger.ErrAlreadyExists)
	}

	code, err := uniqueReferralCode(ctx, tx)
	if err != nil {
		return nil, err
	}

	var referrerID *int64
	if na.ReferredBy != "" {
		var id int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM accounts WHERE referral_code = ?`, na.ReferredBy).Scan(&id)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return nil, fmt.Errorf("resolve referral code: %w", err)
		default:
			referrerID = &id
		}
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (phone, name, email, referral_code, referred_by, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		na.Phone, na.Name, na.Email, code, na.ReferredBy, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	seed := na.SeedXP
	if referrerID != nil {
		seed = na.ReferredXP

		_, err = tx.ExecContext(ctx,
			`INSERT INTO referrals (referrer_id, referred_id, created_at) VALUES (?, ?, ?)`,
			*referrerID, id, now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert referral: %w", err)
		}
		if na.ReferrerBonusXP > 0 {
			if _, err := addXP(ctx, tx, *referrerID, na.ReferrerBonusXP, model.XPReasonReferralBonus, now); err != nil {
				return nil, err
			}
		}
	}
	if seed > 0 {
		if _, err := addXP(ctx, tx, id, seed, model.XPReasonRegistration, now); err != nil {
			return nil, err
		}
	}

	acct, err := scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &Registration{Account: acct, ReferrerID: referrerID}, nil
}

func uniqueReferralCode(ctx context.Context, q querier) (string, error) {
	for range 5 {
		code, err := generateReferralCode()
		if err != nil {
			return "", err
		}
		var n int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE referral_code = ?`, code).Scan(&n); err != nil {
			return "", fmt.Errorf("check referral code: %w", err)
		}
		if n == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("generate referral code: exhausted attempts")
}

func (s *AccountStore) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *AccountStore) GetByPhone(ctx context.Context, phone string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE phone = ?`, phone)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by phone: %w", err)
	}
	return a, nil
}

func (s *AccountStore) GetByReferralCode(ctx context.Context, code string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE referral_code = ?`, code)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by referral code: %w", err)
	}
	return a, nil
}

// ListReferred returns the accounts that registered with referrerID's code,
// oldest first.
func (s *AccountStore) ListReferred(ctx context.Context, referrerID int64) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.phone, a.name, a.email, a.xp, a.referral_code, a.referred_by, a.has_multiplier, a.multiplier_expiry, a.created_at
		 FROM referrals r JOIN accounts a ON a.id = r.referred_id
		 WHERE r.referrer_id = ? ORDER BY r.created_at ASC, a.id ASC`,
		referrerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list referred: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// ListByXP returns the top n accounts by XP. Ties break by registration
// time, then ID.
func (s *AccountStore) ListByXP(ctx context.Context, n int) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountCols+` FROM accounts ORDER BY xp DESC, created_at ASC, id ASC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("list by xp: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// Rank returns the 1-based leaderboard position of the account.
func (s *AccountStore) Rank(ctx context.Context, id int64) (int, error) {
	var ahead int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM accounts o, accounts a
		WHERE a.id = ?
		  AND (o.xp > a.xp
		    OR (o.xp = a.xp AND o.created_at < a.created_at)
		    OR (o.xp = a.xp AND o.created_at = a.created_at AND o.id < a.id))`,
		id,
	).Scan(&ahead)
	if err != nil {
		return 0, fmt.Errorf("rank account: %w", err)
	}
	return ahead + 1, nil
}

// AwardMultipliers clears every multiplier and grants a fresh one, expiring
// at expiry, to the top n accounts by XP. It returns the awarded IDs in rank
// order.
func (s *AccountStore) AwardMultipliers(ctx context.Context, n int, expiry time.Time) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET has_multiplier = 0, multiplier_expiry = NULL WHERE has_multiplier = 1 OR multiplier_expiry IS NOT NULL`,
	); err != nil {
		return nil, fmt.Errorf("clear multipliers: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM accounts ORDER BY xp DESC, created_at ASC, id ASC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("select top accounts: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top accounts: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET has_multiplier = 1, multiplier_expiry = ? WHERE id = ?`,
			expiry.UTC(), id,
		); err != nil {
			return nil, fmt.Errorf("award multiplier: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

func collectAccounts(rows *sql.Rows) ([]model.Account, error) {
	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}
