package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/brewpoints/internal/auth"
	"github.com/dukerupert/brewpoints/internal/config"
	"github.com/dukerupert/brewpoints/internal/database"
	"github.com/dukerupert/brewpoints/internal/events"
	"github.com/dukerupert/brewpoints/internal/logging"
	"github.com/dukerupert/brewpoints/internal/metrics"
	"github.com/dukerupert/brewpoints/internal/notify"
	"github.com/dukerupert/brewpoints/internal/otp"
	"github.com/dukerupert/brewpoints/internal/server"
	"github.com/dukerupert/brewpoints/internal/snapshot"
	"github.com/dukerupert/brewpoints/internal/store"
	natstransport "github.com/dukerupert/brewpoints/internal/transport/nats"
)

const usage = `usage: brewpoints <command> [args]

commands:
  serve                          run the HTTP API (default)
  job <name>                     run a scheduled job once (weekly-multiplier, sweep, reconcile, snapshot)
  migrate <up|down|status|version>
  cafe add <name>                register a cafe
  token <account_id> [admin]     print a signed access token
  restore <snapshot_id> <path>   download and decrypt a snapshot to path`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, closer := logging.Setup(cfg.LogLevel, logging.Options{File: cfg.LogFile})
	defer closer.Close()
	slog.SetDefault(logger)

	switch cmd {
	case "serve":
		return serve(cfg, logger)
	case "job":
		if len(args) != 1 {
			return errors.New(usage)
		}
		return runJob(cfg, logger, args[0])
	case "migrate":
		if len(args) != 1 {
			return errors.New(usage)
		}
		return database.Migrate(cfg.DBPath, args[0])
	case "cafe":
		if len(args) != 2 || args[0] != "add" {
			return errors.New(usage)
		}
		return addCafe(cfg, args[1])
	case "token":
		return printToken(cfg, args)
	case "restore":
		if len(args) != 2 {
			return errors.New(usage)
		}
		return restore(cfg, logger, args[0], args[1])
	default:
		return errors.New(usage)
	}
}

// app holds what serve and job share.
type app struct {
	db      *sql.DB
	srv     *server.Server
	nc      *natsgo.Conn
	redis   *redis.Client
	metrics *metrics.Metrics
}

func (a *app) Close() {
	if a.nc != nil {
		a.nc.Drain()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	a.db.Close()
}

func build(cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{db: db, metrics: metrics.New()}

	deps := server.Deps{Metrics: a.metrics}

	if cfg.OTPBackend == "redis" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		deps.OTPStore = otp.NewRedisStore(a.redis)
	}

	switch cfg.Notifier {
	case "sms":
		deps.Notifier = notify.NewSMS(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom)
	case "email":
		deps.Notifier = notify.NewEmail(cfg.PostmarkToken, cfg.FromEmail)
	default:
		deps.Notifier = notify.NewLog(logger)
	}

	if cfg.NatsURL != "" {
		nc, err := natsgo.Connect(cfg.NatsURL, natsgo.Name("brewpoints"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.nc = nc
		deps.Events = events.NewNATSBus(nc, "")
	}

	deps.Snapshots = snapshot.NewManager(snapshotConfig(cfg), db, store.NewSnapshotStore(db), logger)

	a.srv = server.New(server.Config{
		JWTSecret: []byte(cfg.JWTSecret),
		JobToken:  cfg.JobToken,
		ClaimTTL:  cfg.ClaimTTL,
	}, db, deps, logger)
	return a, nil
}

func snapshotConfig(cfg *config.Config) snapshot.Config {
	return snapshot.Config{
		S3: snapshot.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		},
		Passphrase:    cfg.SnapshotPassphrase,
		RetentionDays: cfg.SnapshotRetentionDays,
	}
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	a, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("brewpoints listening", "addr", httpServer.Addr, "otp_backend", cfg.OTPBackend, "notifier", cfg.Notifier)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if a.nc != nil {
		h := natstransport.NewHandler(a.srv.Visits(), a.nc, logger)
		g.Go(func() error {
			return h.Start(ctx)
		})
	}

	// Rate limiter housekeeping
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				a.srv.CleanupLimiters()
			}
		}
	})

	return g.Wait()
}

func runJob(cfg *config.Config, logger *slog.Logger, name string) error {
	a, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := a.srv.Jobs().Run(ctx, name)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"job": name, "result": result})
}

func addCafe(cfg *config.Config, name string) error {
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cafe, err := store.NewCafeStore(db).Create(context.Background(), name, true)
	if err != nil {
		return err
	}
	fmt.Printf("cafe %d: %s\n", cafe.ID, cafe.Name)
	return nil
}

func printToken(cfg *config.Config, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New(usage)
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid account id %q", args[0])
	}
	role := auth.RoleMember
	if len(args) == 2 {
		if args[1] != auth.RoleAdmin {
			return errors.New(usage)
		}
		role = auth.RoleAdmin
	}
	tok, err := auth.Sign([]byte(cfg.JWTSecret), auth.AuthContext{AccountID: id, Role: role}, 24*time.Hour, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func restore(cfg *config.Config, logger *slog.Logger, idArg, dst string) error {
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid snapshot id %q", idArg)
	}
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	m := snapshot.NewManager(snapshotConfig(cfg), db, store.NewSnapshotStore(db), logger)
	if err := m.Restore(context.Background(), id, dst); err != nil {
		return err
	}
	logger.Info("snapshot restored", "snapshot_id", id, "path", dst)
	return nil
}
