package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vendorflow/config"
	"vendorflow/db"
	"vendorflow/telemetry"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("vendorflow", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vendorflow",
		Short:         "Vendor engagement lifecycle service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newSweepCmd(), newCreateAdminCmd())
	return root
}

// bootstrap loads config and wires the services for commands that need them.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	return newApp(ctx, cfg, logger)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the sweeper and the outbox relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)
			slog.SetDefault(logger)

			shutdownTracing, err := telemetry.Setup(ctx, "vendorflow", cfg.OTelEndpoint)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(sctx); err != nil {
					logger.Warn("shutdown tracing", "error", err)
				}
			}()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.server().Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := a.sweep(gctx); err != nil && gctx.Err() == nil {
					a.logger.Error("sweep failed", "error", err)
				}
			}
		}
	})
	g.Go(func() error {
		return a.relay().Run(gctx, a.cfg.RelayInterval)
	})
	return g.Wait()
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := db.Migrate(cmd.Context(), a.pool); err != nil {
				return err
			}
			version, err := db.MigrationVersion(cmd.Context(), a.pool)
			if err != nil {
				return err
			}
			a.logger.Info("migrations applied", "version", version)
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one pass of finalization expiry and overdue slab marking",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.sweep(cmd.Context())
		},
	}
}

func newCreateAdminCmd() *cobra.Command {
	var email, name, password string
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an admin account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if password == "" {
				password = os.Getenv("VENDORFLOW_ADMIN_PASSWORD")
			}
			user, err := a.auth.CreateAdmin(cmd.Context(), email, name, password)
			if err != nil {
				return err
			}
			a.logger.Info("admin created", "user_id", user.ID, "email", user.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "admin email")
	cmd.Flags().StringVar(&name, "name", "Administrator", "admin full name")
	cmd.Flags().StringVar(&password, "password", "", "admin password (defaults to VENDORFLOW_ADMIN_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
