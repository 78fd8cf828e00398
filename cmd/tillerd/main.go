// Command tillerd runs the governance core: the decision-ingress gate, the
// hash-chained event ledger, multi-classifier consensus scoring, violation
// tracking, and the consistency checker, exposed over HTTP.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tillerworks/tiller/pkg/api"
	"github.com/tillerworks/tiller/pkg/audit"
	"github.com/tillerworks/tiller/pkg/config"
	"github.com/tillerworks/tiller/pkg/consensus"
	"github.com/tillerworks/tiller/pkg/consistency"
	"github.com/tillerworks/tiller/pkg/gate"
	"github.com/tillerworks/tiller/pkg/ledger"
	"github.com/tillerworks/tiller/pkg/observability"
	"github.com/tillerworks/tiller/pkg/rulings"
	"github.com/tillerworks/tiller/pkg/violations"
)

func main() {
	if err := run(); err != nil {
		slog.Error("tillerd failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.TracesEnabled
	if cfg.OTLPEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return err
	}

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.close()

	eventLedger, err := ledger.New(ctx, stores.ledger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	guarded := consistency.GuardClassifications(stores.classifications, eventLedger)
	scorer, err := consensus.NewScorer(guarded, stores.consensus, policy)
	if err != nil {
		return err
	}
	scorer.WithObservability(obs)

	tracker := violations.NewTracker(stores.violations).WithObservability(obs)
	if cfg.WebhookURL != "" {
		tracker.WithNotifier(violations.NewWebhookNotifier(cfg.WebhookURL, 1, 5))
	}

	auditLog := audit.NewLogger()
	g := gate.New(eventLedger, scorer).
		WithViolations(tracker).
		WithAudit(auditLog).
		WithObservability(obs)

	rulingSvc := rulings.NewService(stores.rulings, eventLedger).
		WithAudit(auditLog)
	scorer.WithPrecedents(rulingSvc)

	checker := consistency.NewChecker(eventLedger).
		WithClassifications(stores.classifications, stores.consensus).
		WithRulings(stores.rulings).
		WithViolations(stores.violations).
		WithObservability(obs)

	server, err := api.NewServer(g, scorer, rulingSvc, tracker, checker, eventLedger)
	if err != nil {
		return err
	}
	if cfg.JWTSecret != "" {
		server.WithAuth(api.NewJWTValidator(cfg.JWTSecret))
	} else {
		slog.Warn("JWT_SECRET not set: ruling endpoints reject all requests")
	}

	handler := api.NewRateLimiter(50, 100).Middleware(server.Routes())
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("tillerd listening", "port", cfg.Port, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// storeSet bundles one backend's stores behind the package interfaces.
type storeSet struct {
	ledger          ledger.Store
	classifications consensus.ClassificationStore
	consensus       consensus.ConsensusStore
	violations      violations.Store
	rulings         rulings.Store
	dbs             []*sql.DB
}

func (s *storeSet) close() {
	for _, db := range s.dbs {
		_ = db.Close()
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*storeSet, error) {
	switch cfg.StoreBackend {
	case "memory":
		return &storeSet{
			ledger:          ledger.NewMemoryStore(),
			classifications: consensus.NewMemoryClassificationStore(),
			consensus:       consensus.NewMemoryConsensusStore(),
			violations:      violations.NewMemoryStore(),
			rulings:         rulings.NewMemoryStore(),
		}, nil

	case "sqlite":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %q: %w", cfg.SQLitePath, err)
		}
		ledgerStore, err := ledger.NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
		classStore, err := consensus.NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
		violationStore, err := violations.NewSQLiteStoreFromDB(db)
		if err != nil {
			return nil, err
		}
		rulingStore, err := rulings.NewSQLiteStoreFromDB(db)
		if err != nil {
			return nil, err
		}
		return &storeSet{
			ledger:          ledgerStore,
			classifications: classStore,
			consensus:       consensus.NewSQLiteConsensusStore(classStore),
			violations:      violationStore,
			rulings:         rulingStore,
			dbs:             []*sql.DB{db},
		}, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		ledgerStore, err := ledger.NewPostgresStore(db)
		if err != nil {
			return nil, err
		}
		// Only the ledger has a Postgres backing today; the satellite
		// stores ride on SQLite next to the binary.
		sdb, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %q: %w", cfg.SQLitePath, err)
		}
		classStore, err := consensus.NewSQLiteStore(sdb)
		if err != nil {
			return nil, err
		}
		violationStore, err := violations.NewSQLiteStoreFromDB(sdb)
		if err != nil {
			return nil, err
		}
		rulingStore, err := rulings.NewSQLiteStoreFromDB(sdb)
		if err != nil {
			return nil, err
		}
		return &storeSet{
			ledger:          ledgerStore,
			classifications: classStore,
			consensus:       consensus.NewSQLiteConsensusStore(classStore),
			violations:      violationStore,
			rulings:         rulingStore,
			dbs:             []*sql.DB{db, sdb},
		}, nil

	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q (memory, sqlite, postgres)", cfg.StoreBackend)
	}
}
