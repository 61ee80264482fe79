package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/brewpoints/internal/model"
)

type CafeStore struct {
	db *sql.DB
}

func NewCafeStore(db *sql.DB) *CafeStore {
	return &CafeStore{db: db}
}

func scanCafe(scanner interface{ Scan(...any) error }) (*model.Cafe, error) {
	var c model.Cafe
	var active int

	err := scanner.Scan(&c.ID, &c.Name, &active, &c.CreatedAt)
	if err != nil {
		return nil, err
	}

	c.Active = active != 0
	return &c, nil
}

const cafeCols = `id, name, active, created_at`

func (s *CafeStore) Create(ctx context.Context, name string, active bool) (*model.Cafe, error) {
	var a int
	if active {
		a = 1
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO cafes (name, active, created_at) VALUES (?, ?, ?)`,
		name, a, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert cafe: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *CafeStore) GetByID(ctx context.Context, id int64) (*model.Cafe, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cafeCols+` FROM cafes WHERE id = ?`, id)
	c, err := scanCafe(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cafe: %w", err)
	}
	return c, nil
}

// List returns all cafes, active first, then by name.
func (s *CafeStore) List(ctx context.Context) ([]model.Cafe, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cafeCols+` FROM cafes ORDER BY active DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list cafes: %w", err)
	}
	defer rows.Close()

	var cafes []model.Cafe
	for rows.Next() {
		c, err := scanCafe(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cafe: %w", err)
		}
		cafes = append(cafes, *c)
	}
	return cafes, rows.Err()
}
