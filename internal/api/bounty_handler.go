package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/skridlevsky/openchaos-bounty/internal/apperr"
	"github.com/skridlevsky/openchaos-bounty/internal/consensus"
	"github.com/skridlevsky/openchaos-bounty/internal/engine"
	"github.com/skridlevsky/openchaos-bounty/internal/registry"
	"github.com/skridlevsky/openchaos-bounty/internal/scoring"
)

// ValidatorHeader optionally names the validator a proposal or vote is made
// as. A node only ever acts as its own validator id; any other value is
// refused.
const ValidatorHeader = "X-Validator-ID"

// Handler serves the bounty ledger routes
type Handler struct {
	engine    *engine.Engine
	health    HealthChecker
	syncer    SyncStatus
	version   string
	startedAt time.Time
}

// acting returns the validator id a write is made as
func (h *Handler) acting(r *http.Request) (string, error) {
	self := h.engine.Self()
	if v := r.Header.Get(ValidatorHeader); v != "" && v != self {
		return "", apperr.ErrForeignValidator.With("this node acts only as %s, not %s", self, v)
	}
	return self, nil
}

// parseAt reads the optional at query parameter, RFC3339 or unix seconds.
// Zero means now.
func parseAt(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("at")
	if raw == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperr.ErrInvalidPayload.With("invalid at %q: want RFC3339 or unix seconds", raw)
	}
	return t.UTC(), nil
}

// respondProposal answers 201 for an accepted proposal and 202 otherwise
func respondProposal(w http.ResponseWriter, p *consensus.Proposal) {
	status := http.StatusAccepted
	if p.Status == consensus.StatusAccepted {
		status = http.StatusCreated
	}
	respondJSON(w, status, p)
}

// LeaderboardResponse is the body of GET /leaderboard
type LeaderboardResponse struct {
	ComputedAt time.Time         `json:"computed_at"`
	Standings  []engine.Standing `json:"standings"`
}

// Leaderboard handles GET /leaderboard
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	at, err := parseAt(r)
	if err != nil {
		respondError(w, err)
		return
	}
	standings, err := h.engine.Leaderboard(r.Context(), at)
	if err != nil {
		respondError(w, err)
		return
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	respondJSON(w, http.StatusOK, LeaderboardResponse{ComputedAt: at, Standings: standings})
}

// Stats handles GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context(), time.Time{})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Status handles GET /status/{hotkey}
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	at, err := parseAt(r)
	if err != nil {
		respondError(w, err)
		return
	}
	status, err := h.engine.Status(r.Context(), chi.URLParam(r, "hotkey"), at)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// Hotkey handles GET /hotkey/{hotkey}
func (h *Handler) Hotkey(w http.ResponseWriter, r *http.Request) {
	details, err := h.engine.Hotkey(r.Context(), chi.URLParam(r, "hotkey"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, details)
}

// Register handles POST /register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registry.Request
	if err := parseJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	p, err := h.engine.Register(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondProposal(w, p)
}

// Claim handles POST /claim
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req engine.ClaimRequest
	if err := parseJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	result, err := h.engine.Claim(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Issues handles GET /issues
func (h *Handler) Issues(w http.ResponseWriter, r *http.Request) {
	issues, err := h.engine.Issues(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, issues)
}

// PendingIssues handles GET /issues/pending
func (h *Handler) PendingIssues(w http.ResponseWriter, r *http.Request) {
	claims, err := h.engine.PendingIssues(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, claims)
}

// Invalid handles GET /invalid
func (h *Handler) Invalid(w http.ResponseWriter, r *http.Request) {
	claims, err := h.engine.Invalid(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, claims)
}

// WeightsResponse is the body of GET /get_weights
type WeightsResponse struct {
	ComputedAt time.Time        `json:"computed_at"`
	Weights    []scoring.Weight `json:"weights"`
}

// Weights handles GET /get_weights
func (h *Handler) Weights(w http.ResponseWriter, r *http.Request) {
	at, err := parseAt(r)
	if err != nil {
		respondError(w, err)
		return
	}
	weights, err := h.engine.Weights(r.Context(), at)
	if err != nil {
		respondError(w, err)
		return
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if weights == nil {
		weights = []scoring.Weight{}
	}
	respondJSON(w, http.StatusOK, WeightsResponse{ComputedAt: at, Weights: weights})
}
