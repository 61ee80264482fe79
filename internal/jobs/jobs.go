// Package jobs exposes the scheduled maintenance tasks as named entry
// points. Nothing here runs on a timer; cron or the internal HTTP endpoint
// invokes Run.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dukerupert/brewpoints/internal/ledger"
	"github.com/dukerupert/brewpoints/internal/leaderboard"
	"github.com/dukerupert/brewpoints/internal/metrics"
	"github.com/dukerupert/brewpoints/internal/model"
)

const (
	WeeklyMultiplier = "weekly-multiplier"
	Sweep            = "sweep"
	Reconcile        = "reconcile"
	Snapshot         = "snapshot"
)

var ErrUnknownJob = errors.New("unknown job")

type MultiplierAwarder interface {
	RunWeeklyMultiplierJob(ctx context.Context) (*leaderboard.Award, error)
}

type OTPSweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

type ClaimExpirer interface {
	ExpireStale(ctx context.Context, ttl time.Duration) (int64, error)
}

type Snapshotter interface {
	Enabled() bool
	Run(ctx context.Context) (*model.Snapshot, error)
	Cleanup(ctx context.Context) (int, error)
}

type Deps struct {
	Leaderboard MultiplierAwarder
	OTPs        OTPSweeper
	Claims      ClaimExpirer
	ClaimTTL    time.Duration
	Ledger      ledger.Store
	Snapshots   Snapshotter
}

type Runner struct {
	deps    Deps
	jobs    map[string]func(context.Context) (any, error)
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewRunner(deps Deps, m *metrics.Metrics, logger *slog.Logger) *Runner {
	r := &Runner{
		deps:    deps,
		metrics: m,
		logger:  logger.With("component", "jobs"),
	}
	r.jobs = map[string]func(context.Context) (any, error){
		WeeklyMultiplier: r.weeklyMultiplier,
		Sweep:            r.sweep,
		Reconcile:        r.reconcile,
		Snapshot:         r.snapshot,
	}
	return r
}

// Names lists the registered jobs in sorted order.
func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the named job and returns its summary.
func (r *Runner) Run(ctx context.Context, name string) (any, error) {
	job, ok := r.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}

	start := time.Now()
	r.logger.Info("job started", "job", name)
	result, err := job(ctx)
	r.metrics.JobRun(name, err)
	if err != nil {
		r.logger.Error("job failed", "job", name, "duration", time.Since(start), "error", err)
		return nil, fmt.Errorf("job %s: %w", name, err)
	}
	r.logger.Info("job finished", "job", name, "duration", time.Since(start))
	return result, nil
}

func (r *Runner) weeklyMultiplier(ctx context.Context) (any, error) {
	return r.deps.Leaderboard.RunWeeklyMultiplierJob(ctx)
}

type SweepResult struct {
	ExpiredOTPs   int64 `json:"expired_otps"`
	ExpiredClaims int64 `json:"expired_claims"`
}

func (r *Runner) sweep(ctx context.Context) (any, error) {
	var res SweepResult
	otps, err := r.deps.OTPs.Sweep(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep otps: %w", err)
	}
	res.ExpiredOTPs = otps

	claims, err := r.deps.Claims.ExpireStale(ctx, r.deps.ClaimTTL)
	if err != nil {
		return nil, fmt.Errorf("expire claims: %w", err)
	}
	res.ExpiredClaims = claims
	return res, nil
}

type ReconcileResult struct {
	Discrepancies []ledger.Discrepancy `json:"discrepancies"`
}

// reconcile reports drift between cached balances and transaction sums. It
// never repairs; each discrepancy is logged at ERROR for an operator.
func (r *Runner) reconcile(ctx context.Context) (any, error) {
	ds, err := r.deps.Ledger.Discrepancies(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range ds {
		r.logger.Error("balance discrepancy",
			"account_id", d.AccountID, "cafe_id", d.CafeID,
			"balance", d.Balance, "sum", d.Sum, "reconcile", true,
		)
	}
	if ds == nil {
		ds = []ledger.Discrepancy{}
	}
	return ReconcileResult{Discrepancies: ds}, nil
}

type SnapshotResult struct {
	Snapshot *model.Snapshot `json:"snapshot,omitempty"`
	Pruned   int             `json:"pruned"`
	Skipped  bool            `json:"skipped,omitempty"`
}

func (r *Runner) snapshot(ctx context.Context) (any, error) {
	if r.deps.Snapshots == nil || !r.deps.Snapshots.Enabled() {
		r.logger.Info("snapshot storage not configured, skipping")
		return SnapshotResult{Skipped: true}, nil
	}
	sn, err := r.deps.Snapshots.Run(ctx)
	if err != nil {
		return nil, err
	}
	pruned, err := r.deps.Snapshots.Cleanup(ctx)
	if err != nil {
		return nil, err
	}
	return SnapshotResult{Snapshot: sn, Pruned: pruned}, nil
}
