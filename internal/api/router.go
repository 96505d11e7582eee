package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alecgard/bursar/internal/agent"
	"github.com/alecgard/bursar/internal/auth"
	"github.com/alecgard/bursar/internal/lease"
	"github.com/alecgard/bursar/internal/ledger"
	"github.com/alecgard/bursar/internal/metering"
	"github.com/alecgard/bursar/internal/metrics"
	"github.com/alecgard/bursar/internal/provider"
	"github.com/alecgard/bursar/internal/proxy"
	"github.com/alecgard/bursar/internal/ratelimit"
	"github.com/alecgard/bursar/internal/token"
	"github.com/alecgard/bursar/internal/user"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	LedgerStore   *ledger.Store
	LeaseStore    *lease.Store
	AgentStore    *agent.Store
	RequestStore  *agent.RequestStore
	ProviderStore *provider.Store
	MeterStore    *metering.Store
	Collector     *metering.Collector
	UserStore     *user.Store
	ApproverStore *user.ApproverStore

	ApproverAuth *auth.Service
	Sessions     auth.SessionLookup
	Signer       *token.ICSigner
	Sealer       *token.Envelope
	Limiter      *ratelimit.Limiter
	Metrics      *metrics.Metrics
	Proxy        *proxy.Handler

	// Pinger reports database liveness for the readiness probe.
	Pinger interface {
		Ping(ctx context.Context) error
	}

	Limits         BudgetLimits
	AllowedOrigins []string
	MetricsToken   string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(slogRequestLogger)

	// Handlers.
	var collector MeteringRecorder
	if deps.Collector != nil {
		collector = deps.Collector
	}
	var authOutcomes []auth.OutcomeRecorder
	if deps.Metrics != nil {
		authOutcomes = append(authOutcomes, deps.Metrics)
	}
	budget := newBudgetHandler(deps.LedgerStore, deps.LeaseStore, deps.ProviderStore,
		deps.Signer, deps.Sealer, collector, deps.Limiter, deps.Metrics, deps.Limits)
	agents := newAgentsHandler(deps.AgentStore, deps.LedgerStore, deps.Signer)
	providers := newProvidersHandler(deps.ProviderStore)
	leases := newLeasesHandler(deps.LeaseStore, deps.Metrics)
	usage := newUsageHandler(deps.MeterStore)
	requests := newRequestsHandler(deps.RequestStore, deps.AgentStore)
	users := newUsersHandler(deps.UserStore)
	authn := newAuthHandler(deps.UserStore, deps.ApproverStore)

	// Health and readiness.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Pinger != nil {
			if err := deps.Pinger.Ping(r.Context()); err != nil {
				writeError(w, http.StatusServiceUnavailable, "database_error", "database unreachable")
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	// Metrics summary.
	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.Handler(deps.MetricsToken))
	}

	// Well-known manifest.
	r.Get("/.well-known/bursar.json", WellKnownHandler)

	// Budget protocol surface.
	r.Route("/budget", func(br chi.Router) {
		br.Use(metricsMiddleware(deps.Metrics, "protocol"))
		if deps.Limiter != nil {
			br.Use(ratelimit.Middleware(deps.Limiter, ratelimit.RemoteHostKey, func() {
				if deps.Metrics != nil {
					deps.Metrics.IncRateLimitRejection("protocol")
				}
			}))
		}

		br.Post("/handshake", budget.Handshake)
		br.Post("/report", budget.Report)
		br.Post("/return", budget.Return)

		br.Group(func(gr chi.Router) {
			if deps.ApproverAuth != nil {
				gr.Use(auth.ApproverAuthMiddleware(deps.ApproverAuth, authOutcomes...))
			}
			gr.Post("/refresh", budget.Refresh)
		})
	})

	// Session-authenticated routes.
	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(metricsMiddleware(deps.Metrics, "admin"))

		ar.Post("/auth/login", authn.Login)

		ar.Group(func(sr chi.Router) {
			sr.Use(auth.SessionAuthMiddleware(deps.Sessions, authOutcomes...))
			sr.Get("/auth/me", authn.Me)
			sr.Post("/auth/logout", authn.Logout)

			// Read surface for any authenticated dashboard user.
			sr.Get("/agents", agents.ListAgents)
			sr.Get("/agents/{id}", agents.GetAgent)
			sr.Get("/agents/{id}/budget", agents.GetBudget)
			sr.Get("/leases", leases.ListLeases)
			sr.Get("/leases/{id}", leases.GetLease)
			sr.Get("/usage/summary", usage.GetSummary)
			sr.Get("/usage/transactions", usage.ListTransactions)
			sr.Get("/usage/providers", usage.GetProviderCallCounts)
			sr.Get("/budget-requests", requests.ListRequests)
			sr.Get("/budget-requests/{id}", requests.GetRequest)
			sr.Post("/budget-requests", requests.CreateRequest)
			sr.Post("/budget-requests/{id}/cancel", requests.Cancel)
		})

		// Admin-only mutations.
		ar.Group(func(adm chi.Router) {
			adm.Use(auth.AdminSessionMiddleware(deps.Sessions, authOutcomes...))

			adm.Post("/agents", agents.CreateAgent)
			adm.Delete("/agents/{id}", agents.DeleteAgent)
			adm.Post("/agents/{id}/budget/add", agents.AddBudget)
			adm.Post("/agents/{id}/token", agents.MintToken)

			adm.Post("/providers", providers.CreateKey)
			adm.Get("/providers", providers.ListKeys)
			adm.Patch("/providers/{id}", providers.UpdateKey)

			adm.Post("/leases/{id}/revoke", leases.RevokeLease)

			adm.Post("/budget-requests/{id}/approve", requests.Approve)
			adm.Post("/budget-requests/{id}/reject", requests.Reject)

			adm.Post("/users", users.CreateUser)
			adm.Get("/users", users.ListUsers)
			adm.Patch("/users/{id}", users.UpdateUser)
			adm.Delete("/users/{id}", users.DeleteUser)

			adm.Post("/approvers", authn.CreateApprover)
			adm.Get("/approvers", authn.ListApprovers)
			adm.Delete("/approvers/{id}", authn.DeleteApprover)
		})
	})

	// Provider proxy surface.
	if deps.Proxy != nil {
		r.Route("/proxy", func(pr chi.Router) {
			pr.Use(metricsMiddleware(deps.Metrics, "proxy"))
			pr.Handle("/{provider}/*", deps.Proxy)
			pr.Handle("/{provider}", deps.Proxy)
		})
	}

	return r
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}
