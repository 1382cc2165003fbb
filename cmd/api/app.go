package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"vendorflow/agreement"
	"vendorflow/auth"
	"vendorflow/bid"
	"vendorflow/config"
	"vendorflow/db"
	"vendorflow/dispute"
	"vendorflow/execution"
	"vendorflow/finalization"
	"vendorflow/notify"
	"vendorflow/outbox"
	"vendorflow/payment"
	"vendorflow/requirement"
	"vendorflow/timeline"
	"vendorflow/vendors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// app holds the wired services for one process.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	pool   *pgxpool.Pool

	auth          *auth.Service
	requirements  *requirement.Service
	bids          *bid.Service
	finalizations *finalization.Service
	agreements    *agreement.Service
	payments      *payment.Service
	executions    *execution.Service
	disputes      *dispute.Service
	vendors       *vendors.Service

	notifier outbox.Notifier
	closers  []func() error
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func loadPolicy(path string) (config.Policy, error) {
	if path == "" {
		return config.DefaultPolicy(), nil
	}
	return config.LoadPolicy(path)
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	policy, err := loadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns})
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, pool: pool}
	tl := timeline.NewWriter()
	ob := outbox.NewWriter()

	a.auth = auth.NewService(auth.NewRepository(pool), cfg.JWTSecret).WithTokenTTL(cfg.TokenTTL)

	bidRepo := bid.NewRepository()
	a.requirements = requirement.NewService(pool, nil, tl, ob).
		WithBidExpirer(bidRepo).
		WithLogger(logger)
	a.bids = bid.NewService(pool, bidRepo, nil, tl, ob).WithLogger(logger)

	a.agreements = agreement.NewService(pool, nil, policy, tl, ob).
		WithDocumentGenerator(agreement.DigestGenerator{}).
		WithLogger(logger)

	a.finalizations = finalization.NewService(pool, nil, nil, bidRepo, a.agreements, tl, ob).
		WithResponseWindow(policy.FinalizationWindow()).
		WithDocumentHook(a.agreements).
		WithLogger(logger)

	paymentRepo := payment.NewRepository()
	a.payments = payment.NewService(pool, paymentRepo, tl, ob).WithLogger(logger)

	a.disputes = dispute.NewService(pool, nil, a.agreements, paymentRepo, tl, ob).WithLogger(logger)
	a.executions = execution.NewService(pool, nil, a.agreements, a.disputes, tl, ob).WithLogger(logger)
	a.disputes.WithExecutionHook(a.executions)

	a.vendors = vendors.NewService(vendors.NewRepository(pool))

	if cfg.NATSURL != "" {
		n, err := notify.DialNATS(cfg.NATSURL)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.notifier = n
		a.closers = append(a.closers, n.Close)
	} else {
		a.notifier = notify.NewLogNotifier(logger)
	}
	return a, nil
}

func (a *app) server() *Server {
	return &Server{
		auth:          a.auth,
		requirements:  a.requirements,
		bids:          a.bids,
		finalizations: a.finalizations,
		agreements:    a.agreements,
		payments:      a.payments,
		executions:    a.executions,
		disputes:      a.disputes,
		vendors:       a.vendors,
		timeline: func(ctx context.Context, kind, id string) ([]timeline.Event, error) {
			return timeline.List(ctx, a.pool, kind, id)
		},
		gatewaySecret: []byte(a.cfg.GatewaySecret),
		logger:        a.logger,
	}
}

func (a *app) relay() *outbox.Relay {
	return outbox.NewRelay(a.pool, outbox.NewPGStore(), a.notifier).
		WithLogger(a.logger).
		WithBatchSize(a.cfg.RelayBatch).
		WithMaxAttempts(a.cfg.RelayAttempts)
}

// sweepPass is one time-driven transition, reporting how many rows it moved.
type sweepPass struct {
	name string
	run  func(context.Context) (int, error)
}

// sweep runs one pass of the time-driven transitions: stale finalization
// requests and overdue slabs.
func (a *app) sweep(ctx context.Context) error {
	return runSweep(ctx, a.logger,
		sweepPass{name: "finalizations_expired", run: a.finalizations.ExpireDue},
		sweepPass{name: "slabs_overdue", run: a.payments.MarkOverdue},
	)
}

// runSweep runs every pass even when an earlier one fails.
func runSweep(ctx context.Context, logger *slog.Logger, passes ...sweepPass) error {
	var (
		errs  []error
		attrs []any
		moved int
	)
	for _, p := range passes {
		n, err := p.run(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
			continue
		}
		moved += n
		attrs = append(attrs, p.name, n)
	}
	if moved > 0 {
		logger.Info("sweep complete", attrs...)
	}
	return errors.Join(errs...)
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("close", "error", err)
		}
	}
	a.pool.Close()
}
