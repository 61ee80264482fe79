package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukerupert/brewpoints/internal/jobs"
	"github.com/dukerupert/brewpoints/internal/ledger"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", ledger.ErrNotFound), http.StatusNotFound},
		{jobs.ErrUnknownJob, http.StatusNotFound},
		{ledger.ErrUnauthorized, http.StatusForbidden},
		{ledger.ErrInvalidAmount, http.StatusBadRequest},
		{ledger.ErrInvalidRequest, http.StatusBadRequest},
		{&ledger.InsufficientBalanceError{Have: 1, Want: 2}, http.StatusUnprocessableEntity},
		{ledger.ErrInvalidOrExpiredOTP, http.StatusUnauthorized},
		{ledger.ErrAlreadyProcessed, http.StatusConflict},
		{ledger.ErrAlreadyExists, http.StatusConflict},
		{ledger.ErrConcurrencyConflict, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteErrorHidesInternalErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := httptest.NewRecorder()
	writeError(rec, logger, errors.New("query accounts: database is locked"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "locked") {
		t.Errorf("internal detail leaked: %s", rec.Body.String())
	}
}

func TestWriteErrorConflictSetsRetryAfter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := httptest.NewRecorder()
	writeError(rec, logger, fmt.Errorf("apply: %w", ledger.ErrConcurrencyConflict))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header not set")
	}
}

func TestWriteErrorShortfall(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := httptest.NewRecorder()
	writeError(rec, logger, fmt.Errorf("redeem: %w", &ledger.InsufficientBalanceError{Have: 3, Want: 8}))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["have"] != float64(3) || body["want"] != float64(8) {
		t.Errorf("body = %v, want have 3 want 8", body)
	}
}

func TestDecodeJSONRejectsGarbage(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	var v struct{}
	if decodeJSON(rec, req, &v) {
		t.Fatal("decodeJSON accepted malformed body")
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
