package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/skridlevsky/openchaos-bounty/internal/apperr"
	"github.com/skridlevsky/openchaos-bounty/internal/consensus"
	"github.com/skridlevsky/openchaos-bounty/internal/engine"
	"github.com/skridlevsky/openchaos-bounty/internal/ledger"
)

// VoteRequest is the body of every vote route. A nil Approve lets this node
// decide after its own fact check.
type VoteRequest struct {
	ProposalID string `json:"proposal_id"`
	Approve    *bool  `json:"approve,omitempty"`
}

// IssueProposeRequest is the body of POST /issue/propose
type IssueProposeRequest struct {
	Issue  string `json:"issue"`
	Hotkey string `json:"hotkey"`
}

// TimeoutRequest is the body of POST /config/timeout
type TimeoutRequest struct {
	Seconds int64 `json:"timeout_seconds"`
}

func parseStatus(r *http.Request) (consensus.Status, error) {
	s := consensus.Status(r.URL.Query().Get("status"))
	switch s {
	case "", consensus.StatusPending, consensus.StatusAccepted, consensus.StatusRejected, consensus.StatusExpired:
		return s, nil
	}
	return "", apperr.ErrInvalidPayload.With("unknown proposal status %q", s)
}

func (h *Handler) listKind(w http.ResponseWriter, r *http.Request, kind string) {
	status, err := parseStatus(r)
	if err != nil {
		respondError(w, err)
		return
	}
	proposals, err := h.engine.Proposals(r.Context(), kind, status)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, proposals)
}

func (h *Handler) vote(w http.ResponseWriter, r *http.Request, id string, approve *bool, kind string) {
	if id == "" {
		respondError(w, apperr.ErrInvalidPayload.With("proposal_id is required"))
		return
	}
	if kind != "" {
		p, err := h.engine.Proposal(r.Context(), id)
		if err != nil {
			respondError(w, err)
			return
		}
		if p.Kind != kind {
			respondError(w, apperr.ErrInvalidPayload.With("proposal %s is a %s proposal, not %s", id, p.Kind, kind))
			return
		}
	}

	voter, err := h.acting(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var p *consensus.Proposal
	if approve == nil {
		p, err = h.engine.VoteChecked(r.Context(), id, voter)
	} else {
		p, err = h.engine.Vote(r.Context(), id, voter, *approve)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handler) voteBody(w http.ResponseWriter, r *http.Request, kind string) {
	var req VoteRequest
	if err := parseJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	h.vote(w, r, req.ProposalID, req.Approve, kind)
}

// ProposeSync handles POST /sync/propose
func (h *Handler) ProposeSync(w http.ResponseWriter, r *http.Request) {
	var sp engine.SyncPayload
	if err := parseJSON(r, &sp); err != nil {
		respondError(w, err)
		return
	}
	proposer, err := h.acting(r)
	if err != nil {
		respondError(w, err)
		return
	}
	p, err := h.engine.ProposeSync(r.Context(), sp, proposer)
	if err != nil {
		respondError(w, err)
		return
	}
	respondProposal(w, p)
}

// SyncProposals handles GET /sync/consensus
func (h *Handler) SyncProposals(w http.ResponseWriter, r *http.Request) {
	h.listKind(w, r, engine.KindSync)
}

// VoteSync handles POST /sync/consensus
func (h *Handler) VoteSync(w http.ResponseWriter, r *http.Request) {
	h.voteBody(w, r, engine.KindSync)
}

// ProposeIssue handles POST /issue/propose
func (h *Handler) ProposeIssue(w http.ResponseWriter, r *http.Request) {
	var req IssueProposeRequest
	if err := parseJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	id, err := ledger.ParseIssueID(req.Issue)
	if err != nil {
		respondError(w, err)
		return
	}
	if req.Hotkey == "" {
		respondError(w, apperr.ErrInvalidPayload.With("hotkey is required"))
		return
	}
	proposer, err := h.acting(r)
	if err != nil {
		respondError(w, err)
		return
	}
	p, err := h.engine.ProposeResolution(r.Context(), id, req.Hotkey, proposer)
	if err != nil {
		respondError(w, err)
		return
	}
	respondProposal(w, p)
}

// IssueProposals handles GET /issue/consensus
func (h *Handler) IssueProposals(w http.ResponseWriter, r *http.Request) {
	h.listKind(w, r, engine.KindResolve)
}

// VoteIssue handles POST /issue/consensus
func (h *Handler) VoteIssue(w http.ResponseWriter, r *http.Request) {
	h.voteBody(w, r, engine.KindResolve)
}

// Timeout handles GET /config/timeout
func (h *Handler) Timeout(w http.ResponseWriter, r *http.Request) {
	settings, err := h.engine.Timeout(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, settings)
}

// ProposeTimeout handles POST /config/timeout
func (h *Handler) ProposeTimeout(w http.ResponseWriter, r *http.Request) {
	var req TimeoutRequest
	if err := parseJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	proposer, err := h.acting(r)
	if err != nil {
		respondError(w, err)
		return
	}
	p, err := h.engine.ProposeTimeout(r.Context(), req.Seconds, proposer)
	if err != nil {
		respondError(w, err)
		return
	}
	respondProposal(w, p)
}

// Proposals handles GET /proposals
func (h *Handler) Proposals(w http.ResponseWriter, r *http.Request) {
	h.listKind(w, r, r.URL.Query().Get("kind"))
}

// Proposal handles GET /proposals/{id}
func (h *Handler) Proposal(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Proposal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// VoteProposal handles POST /proposals/{id}/vote. The body may omit
// proposal_id.
func (h *Handler) VoteProposal(w http.ResponseWriter, r *http.Request) {
	var req VoteRequest
	if err := parseJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if req.ProposalID != "" && req.ProposalID != id {
		respondError(w, apperr.ErrInvalidPayload.With("proposal_id %q does not match path", req.ProposalID))
		return
	}
	h.vote(w, r, id, req.Approve, "")
}
