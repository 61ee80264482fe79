package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/brewpoints/internal/claim"
	"github.com/dukerupert/brewpoints/internal/events"
	"github.com/dukerupert/brewpoints/internal/handler"
	"github.com/dukerupert/brewpoints/internal/jobs"
	"github.com/dukerupert/brewpoints/internal/leaderboard"
	"github.com/dukerupert/brewpoints/internal/metrics"
	"github.com/dukerupert/brewpoints/internal/middleware"
	"github.com/dukerupert/brewpoints/internal/notify"
	"github.com/dukerupert/brewpoints/internal/otp"
	"github.com/dukerupert/brewpoints/internal/redemption"
	"github.com/dukerupert/brewpoints/internal/referral"
	"github.com/dukerupert/brewpoints/internal/store"
	"github.com/dukerupert/brewpoints/internal/visit"
	ws "github.com/dukerupert/brewpoints/internal/websocket"
)

type Config struct {
	JWTSecret []byte
	JobToken  string
	ClaimTTL  time.Duration
}

// Deps are the pluggable collaborators. OTPStore defaults to the SQLite
// store, Notifier to the log notifier, and Events (published alongside the
// websocket hub) to none.
type Deps struct {
	OTPStore  otp.Store
	Notifier  notify.Notifier
	Events    events.Publisher
	Snapshots jobs.Snapshotter
	Metrics   *metrics.Metrics
}

type Server struct {
	cfg    Config
	db     *sql.DB
	hub    *ws.Hub
	logger *slog.Logger

	metrics *metrics.Metrics
	visits  *visit.Processor
	jobs    *jobs.Runner

	accountH     *handler.AccountHandler
	visitH       *handler.VisitHandler
	redemptionH  *handler.RedemptionHandler
	claimH       *handler.ClaimHandler
	leaderboardH *handler.LeaderboardHandler
	jobH         *handler.JobHandler

	registerLimiter *middleware.RateLimiter
	otpLimiter      *middleware.RateLimiter
	verifyLimiter   *middleware.RateLimiter
}

func New(cfg Config, db *sql.DB, deps Deps, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	if deps.OTPStore == nil {
		deps.OTPStore = store.NewOTPStore(db)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLog(logger)
	}
	var pub events.Publisher = hub
	if deps.Events != nil {
		pub = events.Multi{hub, deps.Events}
	}
	m := deps.Metrics

	accountStore := store.NewAccountStore(db)
	cafeStore := store.NewCafeStore(db)
	ledgerStore := store.NewLedgerStore(db)
	claimStore := store.NewClaimStore(db)
	otps := otp.NewManager(deps.OTPStore)

	visits := visit.NewProcessor(accountStore, cafeStore, ledgerStore, pub, m, logger)
	registrar := referral.NewRegistrar(accountStore, otps, deps.Notifier, m, logger)
	coord := redemption.NewCoordinator(accountStore, cafeStore, ledgerStore, otps, deps.Notifier, pub, m, logger)
	claims := claim.NewWorkflow(claimStore, accountStore, cafeStore, visits, pub, m, logger)
	ranker := leaderboard.NewRanker(accountStore, pub, logger)
	runner := jobs.NewRunner(jobs.Deps{
		Leaderboard: ranker,
		OTPs:        otps,
		Claims:      claims,
		ClaimTTL:    cfg.ClaimTTL,
		Ledger:      ledgerStore,
		Snapshots:   deps.Snapshots,
	}, m, logger)

	httpLogger := logger.With("component", "http")
	return &Server{
		cfg:     cfg,
		db:      db,
		hub:     hub,
		logger:  logger,
		metrics: m,
		visits:  visits,
		jobs:    runner,

		accountH:     handler.NewAccountHandler(registrar, accountStore, ledgerStore, httpLogger),
		visitH:       handler.NewVisitHandler(visits, httpLogger),
		redemptionH:  handler.NewRedemptionHandler(coord, httpLogger),
		claimH:       handler.NewClaimHandler(claims, httpLogger),
		leaderboardH: handler.NewLeaderboardHandler(ranker, httpLogger),
		jobH:         handler.NewJobHandler(runner, httpLogger),

		registerLimiter: middleware.NewRateLimiter(5, time.Minute, 0),
		otpLimiter:      middleware.NewRateLimiter(5, time.Minute, 0),
		verifyLimiter:   middleware.NewRateLimiter(10, time.Minute, 0),
	}
}

// Visits returns the visit processor for the NATS command consumer.
func (s *Server) Visits() *visit.Processor {
	return s.visits
}

// Jobs returns the job runner for the CLI.
func (s *Server) Jobs() *jobs.Runner {
	return s.jobs
}

// Hub returns the websocket hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// CleanupLimiters drops idle rate limiter buckets.
func (s *Server) CleanupLimiters() {
	s.registerLimiter.Cleanup()
	s.otpLimiter.Cleanup()
	s.verifyLimiter.Cleanup()
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// Public routes (no auth required)
	mux.HandleFunc("GET /health", s.healthHandler)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.Handle("POST /api/register/start", s.limited(s.registerLimiter, s.accountH.StartRegistration))
	mux.Handle("POST /api/register", s.limited(s.registerLimiter, s.accountH.Register))

	// Member routes
	mux.Handle("GET /api/me", s.authed(s.accountH.Me))
	mux.Handle("GET /api/me/referrals", s.authed(s.accountH.Referrals))
	mux.Handle("GET /api/balances/{cafe_id}", s.authed(s.accountH.Balance))
	mux.Handle("GET /api/transactions", s.authed(s.accountH.Transactions))
	mux.Handle("POST /api/redemptions", s.authed(s.limited(s.otpLimiter, s.redemptionH.Initiate).ServeHTTP))
	mux.Handle("POST /api/redemptions/verify", s.authed(s.limited(s.verifyLimiter, s.redemptionH.Verify).ServeHTTP))
	mux.Handle("POST /api/claims", s.authed(s.claimH.Submit))
	mux.Handle("GET /api/claims", s.authed(s.claimH.ListMine))
	mux.Handle("GET /api/claims/{id}", s.authed(s.claimH.Get))
	mux.Handle("GET /api/leaderboard", s.authed(s.leaderboardH.Get))

	// Staff and admin routes
	mux.Handle("POST /api/visits", s.admin(s.visitH.Log))
	mux.Handle("GET /api/admin/claims", s.admin(s.claimH.List))
	mux.Handle("POST /api/admin/claims/{id}/approve", s.admin(s.claimH.Approve))
	mux.Handle("POST /api/admin/claims/{id}/reject", s.admin(s.claimH.Reject))
	mux.Handle("GET /ws", s.admin(ws.HandleFeed(s.hub, s.logger.With("component", "websocket"))))

	mux.Handle("POST /internal/jobs/{name}", middleware.RequireJobToken(s.cfg.JobToken)(http.HandlerFunc(s.jobH.Run)))

	// Apply request logging middleware
	return middleware.RequestLogger(s.logger.With("component", "http"), s.metrics)(mux)
}

func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return middleware.RequireAuth(s.cfg.JWTSecret, s.logger)(h)
}

func (s *Server) admin(h http.HandlerFunc) http.Handler {
	return middleware.RequireAuth(s.cfg.JWTSecret, s.logger)(middleware.RequireAdmin(h))
}

func (s *Server) limited(rl *middleware.RateLimiter, h http.HandlerFunc) http.Handler {
	return middleware.RateLimit(rl, middleware.AccountOrIP)(h)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}
