package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skridlevsky/openchaos-bounty/internal/engine"
	"github.com/skridlevsky/openchaos-bounty/internal/metrics"
)

// RouterConfig holds configuration for the router
type RouterConfig struct {
	Engine      *engine.Engine
	Health      HealthChecker
	Syncer      SyncStatus
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Version     string
	StartedAt   time.Time
	Development bool
	CORSOrigins []string
}

// RouterResult holds the router and resources that need cleanup
type RouterResult struct {
	Router       *chi.Mux
	RateLimiters *RateLimiters
}

// NewRouter creates and configures the HTTP router.
// Caller must call result.RateLimiters.Stop() on shutdown.
func NewRouter(cfg *RouterConfig) *RouterResult {
	r := chi.NewRouter()

	rateLimiters := NewRateLimiters()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(cfg.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(CORSMiddleware(cfg.CORSOrigins, cfg.Development))
	r.Use(BodyLimitMiddleware)
	r.Use(rateLimiters.Global.Middleware)

	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	h := &Handler{
		engine:    cfg.Engine,
		health:    cfg.Health,
		syncer:    cfg.Syncer,
		version:   cfg.Version,
		startedAt: startedAt,
	}

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/leaderboard", h.Leaderboard)
		r.Get("/stats", h.Stats)
		r.Get("/status/{hotkey}", h.Status)
		r.Get("/hotkey/{hotkey}", h.Hotkey)
		r.Get("/issues", h.Issues)
		r.Get("/issues/pending", h.PendingIssues)
		r.Get("/invalid", h.Invalid)
		r.Get("/get_weights", h.Weights)

		r.Get("/sync/consensus", h.SyncProposals)
		r.Get("/issue/consensus", h.IssueProposals)
		r.Get("/config/timeout", h.Timeout)
		r.Get("/proposals", h.Proposals)
		r.Get("/proposals/{id}", h.Proposal)

		// Writes: stricter per-IP limit on top of the global one
		r.Group(func(r chi.Router) {
			r.Use(WriteGuardMiddleware(rateLimiters.Write))

			r.Post("/register", h.Register)
			r.Post("/claim", h.Claim)
			r.Post("/sync/propose", h.ProposeSync)
			r.Post("/issues/sync", h.ProposeSync)
			r.Post("/sync/consensus", h.VoteSync)
			r.Post("/issue/propose", h.ProposeIssue)
			r.Post("/issue/consensus", h.VoteIssue)
			r.Post("/config/timeout", h.ProposeTimeout)
			r.Post("/proposals/{id}/vote", h.VoteProposal)
		})
	})

	return &RouterResult{
		Router:       r,
		RateLimiters: rateLimiters,
	}
}
