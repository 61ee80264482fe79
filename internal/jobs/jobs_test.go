package jobs

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/brewpoints/internal/claim"
	"github.com/dukerupert/brewpoints/internal/database"
	"github.com/dukerupert/brewpoints/internal/leaderboard"
	"github.com/dukerupert/brewpoints/internal/ledger"
	"github.com/dukerupert/brewpoints/internal/metrics"
	"github.com/dukerupert/brewpoints/internal/model"
	"github.com/dukerupert/brewpoints/internal/otp"
	"github.com/dukerupert/brewpoints/internal/store"
	"github.com/dukerupert/brewpoints/internal/visit"
)

type fakeSnapshots struct {
	enabled bool
	runs    int
	err     error
}

func (f *fakeSnapshots) Enabled() bool { return f.enabled }

func (f *fakeSnapshots) Run(context.Context) (*model.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.runs++
	return &model.Snapshot{ID: int64(f.runs), Status: model.SnapshotStatusCompleted}, nil
}

func (f *fakeSnapshots) Cleanup(context.Context) (int, error) { return 2, nil }

type fixture struct {
	db        *sql.DB
	runner    *Runner
	otps      *otp.Manager
	clock     *time.Time
	claims    *claim.Workflow
	account   *model.Account
	cafe      *model.Cafe
	snapshots *fakeSnapshots
	metrics   *metrics.Metrics
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	accounts := store.NewAccountStore(db)
	cafes := store.NewCafeStore(db)
	ls := store.NewLedgerStore(db)

	reg, err := accounts.Register(ctx, store.NewAccount{Phone: "+15552220001", Name: "Ines"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	cafe, _ := cafes.Create(ctx, "Blue Door", true)

	now := time.Now()
	f := &fixture{db: db, clock: &now, account: reg.Account, cafe: cafe, snapshots: &fakeSnapshots{}, metrics: metrics.New()}
	f.otps = otp.NewManager(store.NewOTPStore(db), otp.WithClock(func() time.Time { return *f.clock }))
	proc := visit.NewProcessor(accounts, cafes, ls, nil, nil, logger)
	f.claims = claim.NewWorkflow(store.NewClaimStore(db), accounts, cafes, proc, nil, nil, logger)

	f.runner = NewRunner(Deps{
		Leaderboard: leaderboard.NewRanker(accounts, nil, logger),
		OTPs:        f.otps,
		Claims:      f.claims,
		ClaimTTL:    time.Millisecond,
		Ledger:      ls,
		Snapshots:   f.snapshots,
	}, f.metrics, logger)
	return f
}

func TestNames(t *testing.T) {
	f := setup(t)
	got := f.runner.Names()
	want := []string{Reconcile, Snapshot, Sweep, WeeklyMultiplier}
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestUnknownJob(t *testing.T) {
	f := setup(t)
	if _, err := f.runner.Run(context.Background(), "defrag"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Run() error = %v, want ErrUnknownJob", err)
	}
}

func TestWeeklyMultiplier(t *testing.T) {
	f := setup(t)
	res, err := f.runner.Run(context.Background(), WeeklyMultiplier)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	award, ok := res.(*leaderboard.Award)
	if !ok {
		t.Fatalf("result = %T, want *leaderboard.Award", res)
	}
	if len(award.AccountIDs) != 1 || award.AccountIDs[0] != f.account.ID {
		t.Errorf("awarded = %v, want [%d]", award.AccountIDs, f.account.ID)
	}
}

func TestSweep(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	f.clock = &past
	if _, _, err := f.otps.Issue(ctx, model.RedemptionOTP{Identity: f.account.Phone, Purpose: model.OTPPurposeRedemption, AccountID: f.account.ID, CafeID: f.cafe.ID, Points: 5}); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	now := time.Now()
	f.clock = &now

	if _, err := f.claims.Submit(ctx, f.account.ID, f.cafe.ID, decimal.NewFromInt(30), ""); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	res, err := f.runner.Run(ctx, Sweep)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := res.(SweepResult)
	if got.ExpiredOTPs != 1 || got.ExpiredClaims != 1 {
		t.Errorf("Sweep = %+v, want one of each", got)
	}
}

func TestReconcile(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ls := store.NewLedgerStore(f.db)

	if _, err := ls.ApplyTransaction(ctx, ledger.Posting{AccountID: f.account.ID, CafeID: f.cafe.ID, Kind: model.KindEarn, Points: 20}); err != nil {
		t.Fatalf("ApplyTransaction() error = %v", err)
	}

	res, err := f.runner.Run(ctx, Reconcile)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := len(res.(ReconcileResult).Discrepancies); n != 0 {
		t.Fatalf("discrepancies = %d, want 0", n)
	}

	if _, err := f.db.Exec(`UPDATE balances SET total_points = 99 WHERE account_id = ?`, f.account.ID); err != nil {
		t.Fatalf("corrupt balance: %v", err)
	}
	res, err = f.runner.Run(ctx, Reconcile)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	ds := res.(ReconcileResult).Discrepancies
	if len(ds) != 1 || ds[0].Balance != 99 || ds[0].Sum != 20 {
		t.Errorf("discrepancies = %+v, want balance 99 vs sum 20", ds)
	}
}

func TestSnapshot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.runner.Run(ctx, Snapshot)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.(SnapshotResult).Skipped {
		t.Errorf("result = %+v, want skipped while disabled", res)
	}

	f.snapshots.enabled = true
	res, err = f.runner.Run(ctx, Snapshot)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := res.(SnapshotResult)
	if got.Snapshot == nil || got.Pruned != 2 || f.snapshots.runs != 1 {
		t.Errorf("result = %+v, want one snapshot and two pruned", got)
	}

	f.snapshots.err = errors.New("disk full")
	if _, err := f.runner.Run(ctx, Snapshot); err == nil {
		t.Error("Run() succeeded with failing snapshot")
	}
}
