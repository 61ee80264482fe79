package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidOrExpiredOTP = errors.New("invalid or expired code")
	ErrAlreadyProcessed    = errors.New("already processed")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidRequest      = errors.New("invalid request")
)

// InsufficientBalanceError carries the balance observed and the points
// requested. It matches ErrInsufficientBalance under errors.Is.
type InsufficientBalanceError struct {
	Have int64
	Want int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: have %d points, want %d", e.Have, e.Want)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
