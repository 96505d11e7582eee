package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecgard/bursar/internal/agent"
	"github.com/alecgard/bursar/internal/api"
	"github.com/alecgard/bursar/internal/auth"
	"github.com/alecgard/bursar/internal/config"
	"github.com/alecgard/bursar/internal/lease"
	"github.com/alecgard/bursar/internal/ledger"
	"github.com/alecgard/bursar/internal/metering"
	"github.com/alecgard/bursar/internal/metrics"
	"github.com/alecgard/bursar/internal/provider"
	"github.com/alecgard/bursar/internal/proxy"
	"github.com/alecgard/bursar/internal/ratelimit"
	"github.com/alecgard/bursar/internal/token"
	"github.com/alecgard/bursar/internal/user"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Bursar control plane server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	envelope, err := token.NewEnvelopeHex(cfg.Crypto.MasterKey)
	if err != nil {
		return err
	}
	signer := token.NewICSigner(cfg.Crypto.TokenSecret)

	ledgerStore := ledger.NewStore(pool)
	leaseStore := lease.NewStore(pool)
	agentStore := agent.NewStore(pool)
	requestStore := agent.NewRequestStore(pool)
	providerStore := provider.NewStore(pool, envelope)
	meterStore := metering.NewStore(pool)
	collector := metering.NewCollector(meterStore, cfg.Metering.BatchSize, cfg.Metering.FlushInterval)
	go collector.Start(ctx)

	userStore := user.NewStore(pool)
	approverStore := user.NewApproverStore(pool)

	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	approverAuth := auth.NewService(user.NewApproverAdapter(approverStore))
	sessions := user.NewSessionAdapter(userStore)

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		st := pool.Stat()
		return st.TotalConns(), st.IdleConns(), st.AcquiredConns()
	})

	proxyHandler := proxy.NewHandler(leaseStore, providerStore, collector,
		cfg.Proxy.Timeout, cfg.Proxy.MaxRequestSize, cfg.Proxy.FlatCallCost)
	proxyHandler.SetMetrics(m)

	router := api.NewRouter(api.RouterDeps{
		LedgerStore:   ledgerStore,
		LeaseStore:    leaseStore,
		AgentStore:    agentStore,
		RequestStore:  requestStore,
		ProviderStore: providerStore,
		MeterStore:    meterStore,
		Collector:     collector,
		UserStore:     userStore,
		ApproverStore: approverStore,
		ApproverAuth:  approverAuth,
		Sessions:      sessions,
		Signer:        signer,
		Sealer:        envelope,
		Limiter:       limiter,
		Metrics:       m,
		Proxy:         proxyHandler,
		Pinger:        pool,
		Limits: api.BudgetLimits{
			DefaultHandshake: cfg.Budget.DefaultHandshakeBudget,
			MaxHandshake:     cfg.Budget.MaxHandshakeBudget,
			DefaultRefresh:   cfg.Budget.DefaultRefreshBudget,
			MaxRefresh:       cfg.Budget.MaxRefreshBudget,
			LeaseTTL:         cfg.Budget.LeaseTTL,
		},
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		MetricsToken:   cfg.Metrics.BearerToken,
	})

	if cfg.Budget.SweepInterval > 0 {
		go runLeaseSweep(ctx, leaseStore, m, cfg.Budget.SweepInterval)
	}
	go runSessionCleanup(ctx, userStore)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	collector.Stop()

	return srv.Shutdown(shutdownCtx)
}

// runLeaseSweep flips overdue active leases to expired on a fixed
// interval. The reservation stays burned; return and refresh are the
// only paths that move budget back to the ledger.
func runLeaseSweep(ctx context.Context, leases *lease.Store, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := leases.ExpireOverdue(ctx)
			if err != nil {
				slog.Error("lease sweep failed", "error", err)
				continue
			}
			if n > 0 {
				m.AddLeasesSwept(n)
				slog.Info("expired overdue leases", "count", n)
			}
		}
	}
}

func runSessionCleanup(ctx context.Context, users *user.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := users.CleanExpiredSessions(ctx)
			if err != nil {
				slog.Error("session cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("removed expired sessions", "count", n)
			}
		}
	}
}
