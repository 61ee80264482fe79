package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/brewpoints/internal/ledger"
)

func TestRegisterWithoutReferral(t *testing.T) {
	db := setupTestDB(t)
	as := NewAccountStore(db)
	ctx := context.Background()

	reg, err := as.Register(ctx, NewAccount{Phone: "+15551110001", Name: "Ada", SeedXP: 10, ReferredXP: 50, ReferrerBonusXP: 100})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.ReferrerID != nil {
		t.Errorf("referrer = %d, want nil", *reg.ReferrerID)
	}
	if reg.Account.XP != 10 {
		t.Errorf("xp = %d, want 10", reg.Account.XP)
	}
	if len(reg.Account.ReferralCode) != 8 {
		t.Errorf("referral code = %q, want 8 chars", reg.Account.ReferralCode)
	}
}

func TestRegisterWithReferral(t *testing.T) {
	db := setupTestDB(t)
	as := NewAccountStore(db)
	ctx := context.Background()

	referrer, _ := as.Register(ctx, NewAccount{Phone: "+15551110002", Name: "Ref", SeedXP: 10})
	reg, err := as.Register(ctx, NewAccount{
		Phone: "+15551110003", Name: "New", ReferredBy: referrer.Account.ReferralCode,
		SeedXP: 10, ReferredXP: 50, ReferrerBonusXP: 100,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.ReferrerID == nil || *reg.ReferrerID != referrer.Account.ID {
		t.Fatalf("referrer = %v, want %d", reg.ReferrerID, referrer.Account.ID)
	}
	if reg.Account.XP != 50 {
		t.Errorf("new account xp = %d, want 50", reg.Account.XP)
	}

	got, _ := as.GetByID(ctx, referrer.Account.ID)
	if got.XP != 110 {
		t.Errorf("referrer xp = %d, want 110", got.XP)
	}

	children, err := as.ListReferred(ctx, referrer.Account.ID)
	if err != nil {
		t.Fatalf("list referred: %v", err)
	}
	if len(children) != 1 || children[0].ID != reg.Account.ID {
		t.Errorf("children = %+v, want [%d]", children, reg.Account.ID)
	}
}

func TestRegisterUnknownReferralCodeKeptVerbatim(t *testing.T) {
	db := setupTestDB(t)
	as := NewAccountStore(db)

	reg, err := as.Register(context.Background(), NewAccount{Phone: "+15551110004", Name: "X", ReferredBy: "NOPE1234", SeedXP: 10, ReferredXP: 50})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.ReferrerID != nil {
		t.Error("expected no referrer")
	}
	if reg.Account.ReferredBy != "NOPE1234" {
		t.Errorf("referred_by = %q, want %q", reg.Account.ReferredBy, "NOPE1234")
	}
	if reg.Account.XP != 10 {
		t.Errorf("xp = %d, want 10", reg.Account.XP)
	}
}

func TestRegisterDuplicatePhone(t *testing.T) {
	db := setupTestDB(t)
	as := NewAccountStore(db)
	ctx := context.Background()

	as.Register(ctx, NewAccount{Phone: "+15551110005", Name: "First"})
	_, err := as.Register(ctx, NewAccount{Phone: "+15551110005", Name: "Second"})
	if !errors.Is(err, ledger.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	db := setupTestDB(t)
	as := NewAccountStore(db)

	a, err := as.GetByID(context.Background(), 999)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a != nil {
		t.Error("expected nil for missing account")
	}
}

func TestListByXPAndRank(t *testing.T) {
	db := setupTestDB(t)
	as := NewAccountStore(db)
	ls := NewLedgerStore(db)
	ctx := context.Background()

	a := createTestAccount(t, db, "+15551110010")
	b := createTestAccount(t, db, "+15551110011")
	c := createTestAccount(t, db, "+15551110012")
	ls.AddXP(ctx, a.ID, 5, "visit")
	ls.AddXP(ctx, b.ID, 20, "visit")
	ls.AddXP(ctx, c.ID, 5, "visit")

	top, err := as.ListByXP(ctx, 10)
	if err != nil {
		t.Fatalf("list by xp: %v", err)
	}
	want := []int64{b.ID, a.ID, c.ID}
	for i, id := range want {
		if top[i].ID != id {
			t.Errorf("top[%d] = %d, want %d", i, top[i].ID, id)
		}
	}

	rank, err := as.Rank(ctx, c.ID)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if rank != 3 {
		t.Errorf("rank = %d, want 3", rank)
	}
}

func TestAwardMultipliers(t *testing.T) {
	db := setupTestDB(t)
	as := NewAccountStore(db)
	ls := NewLedgerStore(db)
	ctx := context.Background()

	var ids []int64
	for i, phone := range []string{"+15551110020", "+15551110021", "+15551110022", "+15551110023"} {
		a := createTestAccount(t, db, phone)
		ls.AddXP(ctx, a.ID, int64(10*(i+1)), "visit")
		ids = append(ids, a.ID)
	}

	expiry := time.Now().Add(7 * 24 * time.Hour)
	awarded, err := as.AwardMultipliers(ctx, 3, expiry)
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if len(awarded) != 3 || awarded[0] != ids[3] {
		t.Fatalf("awarded = %v, want top 3 starting with %d", awarded, ids[3])
	}

	lowest, _ := as.GetByID(ctx, ids[0])
	if lowest.HasMultiplier {
		t.Error("lowest account should not hold a multiplier")
	}
	top, _ := as.GetByID(ctx, ids[3])
	if !top.HasMultiplier || top.MultiplierExpiry == nil {
		t.Fatal("top account should hold a multiplier")
	}
	if !top.MultiplierActive(time.Now()) {
		t.Error("multiplier should be active now")
	}

	// A rerun after the standings change moves the multiplier.
	ls.AddXP(ctx, ids[0], 1000, "visit")
	as.AwardMultipliers(ctx, 3, expiry)
	lowest, _ = as.GetByID(ctx, ids[0])
	if !lowest.HasMultiplier {
		t.Error("new leader should hold a multiplier")
	}
	var holders int
	db.QueryRow(`SELECT COUNT(*) FROM accounts WHERE has_multiplier = 1`).Scan(&holders)
	if holders != 3 {
		t.Errorf("holders = %d, want 3", holders)
	}
}

func TestCafeStore(t *testing.T) {
	db := setupTestDB(t)
	cs := NewCafeStore(db)
	ctx := context.Background()

	c, err := cs.Create(ctx, "Blue Door", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ID == 0 || !c.Active {
		t.Errorf("cafe = %+v", c)
	}
	cs.Create(ctx, "Annex", false)

	list, err := cs.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Name != "Blue Door" {
		t.Errorf("list = %+v, want active first", list)
	}

	missing, err := cs.GetByID(ctx, 999)
	if err != nil || missing != nil {
		t.Errorf("missing = %v, %v; want nil, nil", missing, err)
	}
}
