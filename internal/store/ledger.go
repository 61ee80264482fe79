package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dukerupert/brewpoints/internal/ledger"
	"github.com/dukerupert/brewpoints/internal/model"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var errVersionConflict = errors.New("balance version changed")

const (
	casMaxRetries = 4
	casBaseDelay  = 10 * time.Millisecond
)

// LedgerStore is the SQLite implementation of ledger.Store. Balance rows
// carry a version that every write compares-and-swaps. A lost race, or a
// write lock still held by another connection after the busy timeout, is
// retried with exponential backoff.
type LedgerStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db, now: time.Now}
}

var _ ledger.Store = (*LedgerStore)(nil)

func scanTransaction(scanner interface{ Scan(...any) error }) (*model.Transaction, error) {
	var t model.Transaction
	err := scanner.Scan(&t.ID, &t.AccountID, &t.CafeID, &t.Kind, &t.Points, &t.Description, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const transactionCols = `id, account_id, cafe_id, kind, points, description, created_at`

func (s *LedgerStore) GetBalance(ctx context.Context, accountID, cafeID int64) (int64, error) {
	var points int64
	err := s.db.QueryRowContext(ctx,
		`SELECT total_points FROM balances WHERE account_id = ? AND cafe_id = ?`,
		accountID, cafeID,
	).Scan(&points)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return points, nil
}

// ListBalances returns every cafe balance the account holds, by cafe ID.
func (s *LedgerStore) ListBalances(ctx context.Context, accountID int64) ([]model.CafeBalance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cafe_id, total_points FROM balances WHERE account_id = ? ORDER BY cafe_id ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var balances []model.CafeBalance
	for rows.Next() {
		var b model.CafeBalance
		if err := rows.Scan(&b.CafeID, &b.TotalPoints); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// ApplyTransaction commits the posting atomically. It returns an
// *ledger.InsufficientBalanceError when a debit exceeds the balance,
// ledger.ErrAlreadyProcessed when the posting's claim is no longer pending,
// and ledger.ErrConcurrencyConflict when the balance kept changing under it.
func (s *LedgerStore) ApplyTransaction(ctx context.Context, p ledger.Posting) (*ledger.Receipt, error) {
	if !p.Kind.Valid() {
		return nil, fmt.Errorf("apply transaction: unknown kind %q", p.Kind)
	}
	if p.XP < 0 {
		return nil, fmt.Errorf("apply transaction: negative xp: %w", ledger.ErrInvalidAmount)
	}

	backoff := retry.WithMaxRetries(casMaxRetries, retry.NewExponential(casBaseDelay))
	receipt, err := retry.DoValue(ctx, backoff, func(ctx context.Context) (*ledger.Receipt, error) {
		r, err := s.apply(ctx, p)
		if contended(err) {
			return nil, retry.RetryableError(err)
		}
		return r, err
	})
	if contended(err) {
		return nil, fmt.Errorf("apply transaction: %w: %v", ledger.ErrConcurrencyConflict, err)
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// contended reports whether err came from another writer: a lost version
// compare-and-swap or SQLITE_BUSY once the busy timeout ran out.
func contended(err error) bool {
	if errors.Is(err, errVersionConflict) {
		return true
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func (s *LedgerStore) apply(ctx context.Context, p ledger.Posting) (*ledger.Receipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()

	if p.Visit != nil && p.Visit.ExternalID != "" {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM visits WHERE external_id = ?`, p.Visit.ExternalID).Scan(&existing)
		switch {
		case err == nil:
			return nil, fmt.Errorf("visit %s already recorded as %s: %w", p.Visit.ExternalID, existing, ledger.ErrAlreadyProcessed)
		case err != sql.ErrNoRows:
			return nil, fmt.Errorf("check external id: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO balances (account_id, cafe_id) VALUES (?, ?) ON CONFLICT (account_id, cafe_id) DO NOTHING`,
		p.AccountID, p.CafeID,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure balance: %w", err)
	}

	var balance, version int64
	err = tx.QueryRowContext(ctx,
		`SELECT total_points, version FROM balances WHERE account_id = ? AND cafe_id = ?`,
		p.AccountID, p.CafeID,
	).Scan(&balance, &version)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	next := balance + p.Points
	if next < 0 {
		return nil, &ledger.InsufficientBalanceError{Have: balance, Want: -p.Points}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE balances SET total_points = ?, version = version + 1
		 WHERE account_id = ? AND cafe_id = ? AND version = ?`,
		next, p.AccountID, p.CafeID, version,
	)
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return nil, errVersionConflict
	}

	txn := model.Transaction{
		ID:          uuid.NewString(),
		AccountID:   p.AccountID,
		CafeID:      p.CafeID,
		Kind:        p.Kind,
		Points:      p.Points,
		Description: p.Description,
		CreatedAt:   now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.AccountID, txn.CafeID, txn.Kind, txn.Points, txn.Description, txn.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	var xp int64
	if p.XP > 0 {
		xp, err = addXP(ctx, tx, p.AccountID, p.XP, p.XPReason, now)
	} else {
		xp, err = getXP(ctx, tx, p.AccountID)
	}
	if err != nil {
		return nil, err
	}

	if p.ClaimID != "" {
		if err := approveClaim(ctx, tx, p.ClaimID, p.AdminID, now); err != nil {
			return nil, err
		}
	}

	var visit *model.VisitEvent
	if p.Visit != nil {
		v := *p.Visit
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		v.AccountID = p.AccountID
		v.CafeID = p.CafeID
		v.TransactionID = txn.ID
		v.ClaimID = p.ClaimID
		v.CreatedAt = now

		_, err = tx.ExecContext(ctx,
			`INSERT INTO visits (`+visitCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.AccountID, v.CafeID, v.AmountSpent.String(), v.PointsEarned, v.XPEarned, v.TransactionID,
			nullString(v.ClaimID), nullString(v.ExternalID), v.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert visit: %w", err)
		}
		visit = &v
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger transaction: %w", err)
	}

	return &ledger.Receipt{Transaction: txn, Balance: next, XP: xp, Visit: visit}, nil
}

const visitCols = `id, account_id, cafe_id, amount_spent, points_earned, xp_earned, transaction_id, claim_id, external_id, created_at`

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// VisitByExternalID returns the visit recorded under the caller's
// idempotency key, or nil if there is none.
func (s *LedgerStore) VisitByExternalID(ctx context.Context, externalID string) (*model.VisitEvent, error) {
	var v model.VisitEvent
	var claimID, extID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT `+visitCols+` FROM visits WHERE external_id = ?`, externalID,
	).Scan(&v.ID, &v.AccountID, &v.CafeID, &v.AmountSpent, &v.PointsEarned, &v.XPEarned, &v.TransactionID, &claimID, &extID, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get visit by external id: %w", err)
	}
	v.ClaimID = claimID.String
	v.ExternalID = extID.String
	return &v, nil
}

func (s *LedgerStore) GetXP(ctx context.Context, accountID int64) (int64, error) {
	return getXP(ctx, s.db, accountID)
}

// AddXP atomically increments the account's XP and records the audit row.
func (s *LedgerStore) AddXP(ctx context.Context, accountID, delta int64, reason model.XPReason) (int64, error) {
	if delta < 0 {
		return 0, fmt.Errorf("add xp: %w", ledger.ErrInvalidAmount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	xp, err := addXP(ctx, tx, accountID, delta, reason, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return xp, nil
}

// ListTransactions returns the account's transactions newest first. A zero
// cafeID spans every cafe; a non-positive limit returns everything.
func (s *LedgerStore) ListTransactions(ctx context.Context, accountID, cafeID int64, limit int) ([]model.Transaction, error) {
	query := `SELECT ` + transactionCols + ` FROM transactions WHERE account_id = ?`
	args := []any{accountID}
	if cafeID != 0 {
		query += ` AND cafe_id = ?`
		args = append(args, cafeID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

// Discrepancies returns every balance whose cached total differs from the
// sum of its transactions.
func (s *LedgerStore) Discrepancies(ctx context.Context) ([]ledger.Discrepancy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.account_id, b.cafe_id, b.total_points, COALESCE(SUM(t.points), 0) AS total
		FROM balances b
		LEFT JOIN transactions t ON t.account_id = b.account_id AND t.cafe_id = b.cafe_id
		GROUP BY b.account_id, b.cafe_id, b.total_points
		HAVING b.total_points != total
		ORDER BY b.account_id, b.cafe_id`)
	if err != nil {
		return nil, fmt.Errorf("find discrepancies: %w", err)
	}
	defer rows.Close()

	var out []ledger.Discrepancy
	for rows.Next() {
		var d ledger.Discrepancy
		if err := rows.Scan(&d.AccountID, &d.CafeID, &d.Balance, &d.Sum); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func getXP(ctx context.Context, q querier, accountID int64) (int64, error) {
	var xp int64
	err := q.QueryRowContext(ctx, `SELECT xp FROM accounts WHERE id = ?`, accountID).Scan(&xp)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("get xp: account %d: %w", accountID, ledger.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get xp: %w", err)
	}
	return xp, nil
}

func addXP(ctx context.Context, q querier, accountID, delta int64, reason model.XPReason, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `UPDATE accounts SET xp = xp + ? WHERE id = ?`, delta, accountID)
	if err != nil {
		return 0, fmt.Errorf("add xp: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return 0, fmt.Errorf("add xp: account %d: %w", accountID, ledger.ErrNotFound)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO xp_events (account_id, delta, reason, created_at) VALUES (?, ?, ?, ?)`,
		accountID, delta, reason, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert xp event: %w", err)
	}
	return getXP(ctx, q, accountID)
}
