// Package metrics holds the Prometheus instruments of a validator node.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	proposalsSubmitted *prometheus.CounterVec
	proposalsDecided   *prometheus.CounterVec
	votes              *prometheus.CounterVec
	pendingProposals   prometheus.Gauge

	registrations prometheus.Gauge
	claims        *prometheus.GaugeVec

	syncRuns       *prometheus.CounterVec
	githubRequests *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the instruments on reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.proposalsSubmitted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bounty_proposals_submitted_total",
			Help: "proposals created on this node",
		},
		[]string{"kind"},
	)
	m.proposalsDecided = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bounty_proposals_decided_total",
			Help: "proposals reaching a terminal status",
		},
		[]string{"kind", "status"},
	)
	m.votes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bounty_votes_total",
			Help: "votes recorded, excluding duplicates",
		},
		[]string{"approve"},
	)
	m.pendingProposals = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "bounty_pending_proposals",
			Help: "proposals still collecting votes, as of the last sweep",
		},
	)
	m.registrations = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "bounty_registrations",
			Help: "registered hotkeys in the accepted ledger",
		},
	)
	m.claims = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bounty_claims",
			Help: "claims in the accepted ledger by state",
		},
		[]string{"state"},
	)
	m.syncRuns = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bounty_sync_runs_total",
			Help: "GitHub sync passes by result",
		},
		[]string{"result"},
	)
	m.githubRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bounty_github_requests_total",
			Help: "GitHub API requests by endpoint and status code",
		},
		[]string{"endpoint", "code"},
	)
	m.httpRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bounty_http_requests_total",
			Help: "API requests by route and status code",
		},
		[]string{"route", "code"},
	)
	m.httpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bounty_http_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	return m
}

func (m *Metrics) ProposalSubmitted(kind string) {
	if m == nil {
		return
	}
	m.proposalsSubmitted.WithLabelValues(kind).Inc()
}

func (m *Metrics) ProposalDecided(kind, status string) {
	if m == nil {
		return
	}
	m.proposalsDecided.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) VoteRecorded(approve bool) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(strconv.FormatBool(approve)).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingProposals.Set(float64(n))
}

// SetLedger publishes registration and claim counts after a fold
func (m *Metrics) SetLedger(registrations int, claimsByState map[string]int) {
	if m == nil {
		return
	}
	m.registrations.Set(float64(registrations))
	for state, n := range claimsByState {
		m.claims.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) SyncRun(result string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) GitHubRequest(endpoint string, code int) {
	if m == nil {
		return
	}
	m.githubRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

func (m *Metrics) HTTPRequest(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
