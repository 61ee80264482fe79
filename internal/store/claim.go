package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/brewpoints/internal/ledger"
	"github.com/dukerupert/brewpoints/internal/model"
)

type ClaimStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewClaimStore(db *sql.DB) *ClaimStore {
	return &ClaimStore{db: db, now: time.Now}
}

func scanClaim(scanner interface{ Scan(...any) error }) (*model.RewardClaim, error) {
	var c model.RewardClaim
	var decidedBy sql.NullInt64
	var decidedAt sql.NullTime

	err := scanner.Scan(
		&c.ID, &c.AccountID, &c.CafeID, &c.Amount, &c.InvoiceRef, &c.Status,
		&decidedBy, &decidedAt, &c.Note, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if decidedBy.Valid {
		c.DecidedBy = &decidedBy.Int64
	}
	if decidedAt.Valid {
		c.DecidedAt = &decidedAt.Time
	}
	return &c, nil
}

const claimCols = `id, account_id, cafe_id, amount, invoice_ref, status, decided_by, decided_at, note, created_at`

// Create inserts a pending claim.
func (s *ClaimStore) Create(ctx context.Context, accountID, cafeID int64, amount string, invoiceRef string) (*model.RewardClaim, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO claims (id, account_id, cafe_id, amount, invoice_ref, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, accountID, cafeID, amount, invoiceRef, model.ClaimStatusPending, s.now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert claim: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *ClaimStore) GetByID(ctx context.Context, id string) (*model.RewardClaim, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+claimCols+` FROM claims WHERE id = ?`, id)
	c, err := scanClaim(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return c, nil
}

// List returns claims with the given status, oldest first. An empty status
// lists every claim.
func (s *ClaimStore) List(ctx context.Context, status model.ClaimStatus) ([]model.RewardClaim, error) {
	query := `SELECT ` + claimCols + ` FROM claims`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()
	return collectClaims(rows)
}

// ListByAccount returns the account's claims, newest first.
func (s *ClaimStore) ListByAccount(ctx context.Context, accountID int64) ([]model.RewardClaim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+claimCols+` FROM claims WHERE account_id = ? ORDER BY created_at DESC, id DESC`, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list claims by account: %w", err)
	}
	defer rows.Close()
	return collectClaims(rows)
}

// Reject moves a pending claim to rejected. It fails with
// ledger.ErrAlreadyProcessed if the claim has already been decided.
func (s *ClaimStore) Reject(ctx context.Context, id string, adminID int64, note string) error {
	return decideClaim(ctx, s.db, id, model.ClaimStatusRejected, sql.NullInt64{Int64: adminID, Valid: adminID != 0}, note, s.now().UTC())
}

// ExpireStale rejects every claim still pending since before cutoff.
func (s *ClaimStore) ExpireStale(ctx context.Context, cutoff time.Time, note string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE claims SET status = ?, decided_at = ?, note = ? WHERE status = ? AND created_at < ?`,
		model.ClaimStatusRejected, s.now().UTC(), note, model.ClaimStatusPending, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale claims: %w", err)
	}
	return res.RowsAffected()
}

func approveClaim(ctx context.Context, q querier, id string, adminID int64, now time.Time) error {
	return decideClaim(ctx, q, id, model.ClaimStatusApproved, sql.NullInt64{Int64: adminID, Valid: adminID != 0}, "", now)
}

func decideClaim(ctx context.Context, q querier, id string, to model.ClaimStatus, by sql.NullInt64, note string, now time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE claims SET status = ?, decided_by = ?, decided_at = ?, note = ? WHERE id = ? AND status = ?`,
		to, by, now, note, id, model.ClaimStatusPending,
	)
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var status model.ClaimStatus
	err = q.QueryRowContext(ctx, `SELECT status FROM claims WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("claim %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get claim status: %w", err)
	}
	return fmt.Errorf("claim %s is %s: %w", id, status, ledger.ErrAlreadyProcessed)
}

func collectClaims(rows *sql.Rows) ([]model.RewardClaim, error) {
	var claims []model.RewardClaim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, *c)
	}
	return claims, rows.Err()
}
