package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/brewpoints/internal/auth"
	"github.com/dukerupert/brewpoints/internal/database"
	"github.com/dukerupert/brewpoints/internal/metrics"
	"github.com/dukerupert/brewpoints/internal/model"
	"github.com/dukerupert/brewpoints/internal/store"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type codeCatcher struct {
	mu    sync.Mutex
	codes map[string]string
}

func (c *codeCatcher) Send(_ context.Context, to model.Contact, code string, purpose model.OTPPurpose) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[string(purpose)+":"+to.Phone] = code
	return nil
}

func (c *codeCatcher) code(purpose model.OTPPurpose, phone string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[string(purpose)+":"+phone]
}

type fixture struct {
	handler http.Handler
	codes   *codeCatcher
	cafe    *model.Cafe

	// ip pins the client address; empty gives every request its own.
	ip  string
	seq int
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cafe, err := store.NewCafeStore(db).Create(context.Background(), "Blue Door", true)
	if err != nil {
		t.Fatalf("create cafe: %v", err)
	}

	codes := &codeCatcher{codes: make(map[string]string)}
	srv := New(Config{JWTSecret: testSecret, JobToken: "job-token", ClaimTTL: time.Hour}, db, Deps{
		Notifier: codes,
		Metrics:  metrics.New(),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	return &fixture{handler: srv.Router(), codes: codes, cafe: cafe}
}

func token(t *testing.T, id int64, role string) string {
	t.Helper()
	tok, err := auth.Sign(testSecret, auth.AuthContext{AccountID: id, Role: role}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, tok string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	f.seq++
	req.RemoteAddr = "192.0.2." + strconv.Itoa(f.seq%250+1) + ":4000"
	if f.ip != "" {
		req.RemoteAddr = f.ip + ":4000"
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expect(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func (f *fixture) register(t *testing.T, phone, name, referral string) *model.Account {
	t.Helper()
	expect(t, f.do(t, "POST", "/api/register/start", "", map[string]string{"phone": phone}), http.StatusAccepted)
	code := f.codes.code(model.OTPPurposeRegistration, phone)
	rec := f.do(t, "POST", "/api/register", "", map[string]string{
		"code": code, "phone": phone, "name": name, "referral_code": referral,
	})
	expect(t, rec, http.StatusCreated)
	return decode[struct {
		Account *model.Account `json:"account"`
	}](t, rec).Account
}

func TestRegistrationFlow(t *testing.T) {
	f := setup(t)

	rec := f.do(t, "POST", "/api/register", "", map[string]string{"code": "000000", "phone": "+15557770001", "name": "Ada"})
	expect(t, rec, http.StatusUnauthorized)

	referrer := f.register(t, "+15557770001", "Ada", "")
	if referrer.XP != 10 {
		t.Errorf("XP = %d, want 10", referrer.XP)
	}

	referred := f.register(t, "+15557770002", "Bo", referrer.ReferralCode)
	if referred.XP != 50 {
		t.Errorf("referred XP = %d, want 50", referred.XP)
	}

	expect(t, f.do(t, "POST", "/api/register/start", "", map[string]string{"phone": "+15557770001"}), http.StatusConflict)

	rec = f.do(t, "GET", "/api/me/referrals", token(t, referrer.ID, auth.RoleMember), nil)
	expect(t, rec, http.StatusOK)
	children := decode[[]model.Account](t, rec)
	if len(children) != 1 || children[0].ID != referred.ID {
		t.Errorf("referrals = %+v, want [%d]", children, referred.ID)
	}

	rec = f.do(t, "GET", "/api/me", token(t, referrer.ID, auth.RoleMember), nil)
	expect(t, rec, http.StatusOK)
	me := decode[struct {
		Account model.Account `json:"account"`
	}](t, rec)
	if me.Account.XP != 110 {
		t.Errorf("referrer XP = %d, want 110", me.Account.XP)
	}
}

func TestVisitAndRedemption(t *testing.T) {
	f := setup(t)
	acct := f.register(t, "+15557770003", "Cy", "")
	member := token(t, acct.ID, auth.RoleMember)
	staff := token(t, 900, auth.RoleAdmin)

	visit := map[string]any{"account_id": acct.ID, "cafe_id": f.cafe.ID, "amount_spent": "100.00"}
	expect(t, f.do(t, "POST", "/api/visits", member, visit), http.StatusForbidden)
	rec := f.do(t, "POST", "/api/visits", staff, visit)
	expect(t, rec, http.StatusCreated)
	res := decode[map[string]any](t, rec)
	if res["points_earned"] != float64(10) || res["xp_earned"] != float64(20) {
		t.Errorf("visit = %v, want 10 points / 20 xp", res)
	}

	expect(t, f.do(t, "POST", "/api/visits", staff, map[string]any{"account_id": acct.ID, "cafe_id": f.cafe.ID, "amount_spent": "0"}), http.StatusBadRequest)
	expect(t, f.do(t, "POST", "/api/visits", staff, map[string]any{"account_id": acct.ID, "cafe_id": 999, "amount_spent": "5"}), http.StatusNotFound)

	rec = f.do(t, "POST", "/api/redemptions", member, map[string]any{"cafe_id": f.cafe.ID, "points": 50})
	expect(t, rec, http.StatusUnprocessableEntity)
	short := decode[map[string]any](t, rec)
	if short["have"] != float64(10) || short["want"] != float64(50) {
		t.Errorf("shortfall body = %v, want have 10 want 50", short)
	}

	expect(t, f.do(t, "POST", "/api/redemptions", member, map[string]any{"cafe_id": f.cafe.ID, "points": 4}), http.StatusAccepted)
	code := f.codes.code(model.OTPPurposeRedemption, acct.Phone)

	expect(t, f.do(t, "POST", "/api/redemptions/verify", member, map[string]string{"code": "wrong!"}), http.StatusUnauthorized)
	rec = f.do(t, "POST", "/api/redemptions/verify", member, map[string]string{"code": code})
	expect(t, rec, http.StatusOK)
	receipt := decode[map[string]any](t, rec)
	if receipt["balance"] != float64(6) {
		t.Errorf("receipt = %v, want balance 6", receipt)
	}
	expect(t, f.do(t, "POST", "/api/redemptions/verify", member, map[string]string{"code": code}), http.StatusUnauthorized)

	rec = f.do(t, "GET", "/api/balances/"+itoa(f.cafe.ID), member, nil)
	expect(t, rec, http.StatusOK)
	if bal := decode[model.CafeBalance](t, rec); bal.TotalPoints != 6 {
		t.Errorf("balance = %d, want 6", bal.TotalPoints)
	}
	expect(t, f.do(t, "GET", "/api/balances/abc", member, nil), http.StatusBadRequest)

	rec = f.do(t, "GET", "/api/transactions?limit=10", member, nil)
	expect(t, rec, http.StatusOK)
	txs := decode[[]model.Transaction](t, rec)
	if len(txs) != 2 || txs[0].Kind != model.KindRedeem || txs[0].Points != -4 {
		t.Errorf("transactions = %+v, want redeem first", txs)
	}
}

func TestClaimReview(t *testing.T) {
	f := setup(t)
	acct := f.register(t, "+15557770004", "Di", "")
	other := f.register(t, "+15557770005", "Ed", "")
	member := token(t, acct.ID, auth.RoleMember)
	admin := token(t, 900, auth.RoleAdmin)

	rec := f.do(t, "POST", "/api/claims", member, map[string]any{"cafe_id": f.cafe.ID, "amount": "55.00", "invoice_ref": "https://cdn.example.com/i/9.jpg"})
	expect(t, rec, http.StatusCreated)
	c := decode[model.RewardClaim](t, rec)

	expect(t, f.do(t, "GET", "/api/claims/"+c.ID, member, nil), http.StatusOK)
	expect(t, f.do(t, "GET", "/api/claims/"+c.ID, token(t, other.ID, auth.RoleMember), nil), http.StatusForbidden)
	expect(t, f.do(t, "GET", "/api/admin/claims?status=pending", member, nil), http.StatusForbidden)

	rec = f.do(t, "GET", "/api/admin/claims?status=pending", admin, nil)
	expect(t, rec, http.StatusOK)
	if queue := decode[[]model.RewardClaim](t, rec); len(queue) != 1 {
		t.Errorf("queue = %d, want 1", len(queue))
	}

	rec = f.do(t, "POST", "/api/admin/claims/"+c.ID+"/approve", admin, nil)
	expect(t, rec, http.StatusOK)
	if res := decode[map[string]any](t, rec); res["points_earned"] != float64(5) {
		t.Errorf("approve = %v, want 5 points", res)
	}
	expect(t, f.do(t, "POST", "/api/admin/claims/"+c.ID+"/approve", admin, nil), http.StatusConflict)
	expect(t, f.do(t, "POST", "/api/admin/claims/"+c.ID+"/reject", admin, map[string]string{"note": "dup"}), http.StatusConflict)
	expect(t, f.do(t, "POST", "/api/admin/claims/nope/approve", admin, nil), http.StatusNotFound)

	rec = f.do(t, "GET", "/api/claims", member, nil)
	expect(t, rec, http.StatusOK)
	mine := decode[[]model.RewardClaim](t, rec)
	if len(mine) != 1 || mine[0].Status != model.ClaimStatusApproved {
		t.Errorf("my claims = %+v, want one approved", mine)
	}
}

func TestLeaderboardAndJobs(t *testing.T) {
	f := setup(t)
	a := f.register(t, "+15557770006", "Flo", "")
	b := f.register(t, "+15557770007", "Gus", "")
	staff := token(t, 900, auth.RoleAdmin)
	expect(t, f.do(t, "POST", "/api/visits", staff, map[string]any{"account_id": b.ID, "cafe_id": f.cafe.ID, "amount_spent": "40"}), http.StatusCreated)

	rec := f.do(t, "GET", "/api/leaderboard?n=1", token(t, a.ID, auth.RoleMember), nil)
	expect(t, rec, http.StatusOK)
	st := decode[struct {
		Entries []struct {
			AccountID int64 `json:"account_id"`
		} `json:"entries"`
		Caller *struct {
			Rank int `json:"rank"`
		} `json:"caller"`
	}](t, rec)
	if len(st.Entries) != 1 || st.Entries[0].AccountID != b.ID {
		t.Errorf("entries = %+v, want [%d]", st.Entries, b.ID)
	}
	if st.Caller == nil || st.Caller.Rank != 2 {
		t.Errorf("caller = %+v, want rank 2", st.Caller)
	}
	expect(t, f.do(t, "GET", "/api/leaderboard?n=x", token(t, a.ID, auth.RoleMember), nil), http.StatusBadRequest)

	expect(t, f.do(t, "POST", "/internal/jobs/weekly-multiplier", "", nil), http.StatusUnauthorized)
	expect(t, f.do(t, "POST", "/internal/jobs/defrag", "job-token", nil), http.StatusNotFound)
	rec = f.do(t, "POST", "/internal/jobs/weekly-multiplier", "job-token", nil)
	expect(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"account_ids"`) {
		t.Errorf("job body = %s", rec.Body.String())
	}

	rec = f.do(t, "GET", "/api/me", token(t, b.ID, auth.RoleMember), nil)
	me := decode[struct {
		Account model.Account `json:"account"`
	}](t, rec)
	if !me.Account.HasMultiplier {
		t.Error("top account did not receive the multiplier")
	}
}

func TestHealthMetricsAndAuth(t *testing.T) {
	f := setup(t)

	rec := f.do(t, "GET", "/health", "", nil)
	expect(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("health = %s", rec.Body.String())
	}

	expect(t, f.do(t, "GET", "/api/me", "", nil), http.StatusUnauthorized)
	expect(t, f.do(t, "GET", "/api/me", "garbage", nil), http.StatusUnauthorized)
	expect(t, f.do(t, "GET", "/api/me", token(t, 4242, auth.RoleMember), nil), http.StatusNotFound)
	expect(t, f.do(t, "GET", "/ws", token(t, 1, auth.RoleMember), nil), http.StatusForbidden)

	rec = f.do(t, "GET", "/metrics", "", nil)
	expect(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "brewpoints_http_requests_total") {
		t.Error("metrics missing http request counter")
	}
}

func TestRegistrationRateLimited(t *testing.T) {
	f := setup(t)
	f.ip = "198.51.100.7"
	var last int
	for i := 0; i < 6; i++ {
		last = f.do(t, "POST", "/api/register/start", "", map[string]string{"phone": "+1555888000" + itoa(int64(i))}).Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("6th start status = %d, want 429", last)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
