package engine

import (
	"context"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/apperr"
	"github.com/skridlevsky/openchaos-bounty/internal/consensus"
	"github.com/skridlevsky/openchaos-bounty/internal/ledger"
	"github.com/skridlevsky/openchaos-bounty/internal/registry"
	"github.com/skridlevsky/openchaos-bounty/internal/scoring"
)

// at resolves an optional evaluation time
func (e *Engine) at(t time.Time) time.Time {
	if t.IsZero() {
		return e.now()
	}
	return t.UTC()
}

// Leaderboard scores every registered hotkey at time at (zero means now)
func (e *Engine) Leaderboard(ctx context.Context, at time.Time) ([]Standing, error) {
	s, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return e.standings(s, e.at(at)), nil
}

// Weights returns the quantized weight vector ordered by hotkey
func (e *Engine) Weights(ctx context.Context, at time.Time) ([]scoring.Weight, error) {
	s, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return scoring.Weights(e.aggregates(s, e.at(at))), nil
}

// Stats summarizes the accepted ledger
type Stats struct {
	RegisteredHotkeys int    `json:"registered_hotkeys"`
	ActiveMiners      int    `json:"active_miners"`
	TotalClaims       int    `json:"total_claims"`
	PendingClaims     int    `json:"pending_claims"`
	ValidClaims       int    `json:"valid_claims"`
	InvalidClaims     int    `json:"invalid_claims"`
	DuplicateClaims   int    `json:"duplicate_claims"`
	ValidLast24h      int    `json:"valid_last_24h"`
	SyncedIssues      int    `json:"synced_issues"`
	TargetRepos       int    `json:"target_repos"`
	AcceptedProposals int    `json:"accepted_proposals"`
	Strategy          string `json:"strategy"`
	Quorum            int    `json:"quorum"`
	Validators        int    `json:"validators"`
}

// Stats returns ledger totals. Active miners are hotkeys with a positive
// raw weight at time at.
func (e *Engine) Stats(ctx context.Context, at time.Time) (*Stats, error) {
	s, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{
		RegisteredHotkeys: s.Registry.Len(),
		SyncedIssues:      len(syncedIssues(s)),
		TargetRepos:       len(s.Ledger.Repos()),
		AcceptedProposals: s.Accepted,
		Strategy:          e.scoring.Strategy.Name(),
		Quorum:            e.coord.Quorum(),
		Validators:        len(e.coord.Validators()),
	}
	for _, c := range s.Ledger.Claims() {
		st.TotalClaims++
		switch c.State {
		case ledger.StatePending:
			st.PendingClaims++
		case ledger.StateValid:
			st.ValidClaims++
		case ledger.StateInvalid:
			st.InvalidClaims++
		case ledger.StateDuplicate:
			st.DuplicateClaims++
		}
	}
	for _, a := range e.aggregates(s, e.at(at)) {
		st.ValidLast24h += a.Valid
		if a.RawWeight > 0 {
			st.ActiveMiners++
		}
	}
	return st, nil
}

// HotkeyStatus is the scoring position of one hotkey
type HotkeyStatus struct {
	Registration registry.Registration `json:"registration"`
	Standing     Standing              `json:"standing"`
	PendingCount int                   `json:"pending_claims"`
}

// Status returns the standing of a registered hotkey at time at
func (e *Engine) Status(ctx context.Context, hotkey string, at time.Time) (*HotkeyStatus, error) {
	s, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	reg, ok := s.Registry.Lookup(hotkey)
	if !ok {
		return nil, apperr.ErrNotRegistered.With("hotkey %s is not registered", hotkey)
	}
	out := &HotkeyStatus{Registration: reg}
	for _, st := range e.standings(s, e.at(at)) {
		if st.Hotkey == hotkey {
			out.Standing = st
			break
		}
	}
	for _, c := range s.Ledger.ClaimsFor(hotkey) {
		if c.State == ledger.StatePending {
			out.PendingCount++
		}
	}
	return out, nil
}

// HotkeyDetails is everything the ledger holds about a hotkey
type HotkeyDetails struct {
	Hotkey       string                 `json:"hotkey"`
	Registration *registry.Registration `json:"registration,omitempty"`
	Claims       []ledger.Claim         `json:"claims"`
	Stars        int                    `json:"starred_repo_count"`
}

// Hotkey returns the registration and full claim history of hotkey. An
// unregistered hotkey with claims still gets its history.
func (e *Engine) Hotkey(ctx context.Context, hotkey string) (*HotkeyDetails, error) {
	s, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := &HotkeyDetails{Hotkey: hotkey, Claims: s.Ledger.ClaimsFor(hotkey)}
	if out.Claims == nil {
		out.Claims = []ledger.Claim{}
	}
	if reg, ok := s.Registry.Lookup(hotkey); ok {
		out.Registration = &reg
		out.Stars = s.Stars[reg.Username()]
	}
	if out.Registration == nil && len(out.Claims) == 0 {
		return nil, apperr.ErrNotRegistered.With("hotkey %s is not registered", hotkey)
	}
	return out, nil
}

// Issues returns every known issue record ordered by key
func (e *Engine) Issues(ctx context.Context) ([]ledger.IssueRecord, error) {
	s, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	recs := s.Ledger.Issues()
	out := make([]ledger.IssueRecord, len(recs))
	for i, r := range recs {
		out[i] = *r
		out[i].Claims = append([]ledger.Claim{}, r.Claims...)
	}
	return out, nil
}

// PendingIssues returns every Pending claim
func (e *Engine) PendingIssues(ctx context.Context) ([]ledger.Claim, error) {
	return e.claimsIn(ctx, ledger.StatePending)
}

// Invalid returns the Invalid and Duplicate claims
func (e *Engine) Invalid(ctx context.Context) ([]ledger.Claim, error) {
	return e.claimsIn(ctx, ledger.StateInvalid, ledger.StateDuplicate)
}

func (e *Engine) claimsIn(ctx context.Context, states ...ledger.State) ([]ledger.Claim, error) {
	s, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := s.Ledger.ClaimsByState(states...)
	if out == nil {
		out = []ledger.Claim{}
	}
	return out, nil
}

// TimeoutSettings is the proposal timeout in force and its provenance
type TimeoutSettings struct {
	Seconds    int64                 `json:"timeout_seconds"`
	Source     string                `json:"source"`
	UpdatedAt  *time.Time            `json:"updated_at,omitempty"`
	ProposalID string                `json:"proposal_id,omitempty"`
	MinSeconds int64                 `json:"min_seconds"`
	MaxSeconds int64                 `json:"max_seconds"`
	Pending    []*consensus.Proposal `json:"pending"`
}

// Timeout returns the accepted timeout and pending changes to it
func (e *Engine) Timeout(ctx context.Context) (*TimeoutSettings, error) {
	s, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	d, err := e.coord.Timeout(ctx)
	if err != nil {
		return nil, err
	}
	out := &TimeoutSettings{
		Seconds:    int64(d / time.Second),
		Source:     "default",
		MinSeconds: int64(consensus.MinTimeout / time.Second),
		MaxSeconds: int64(consensus.MaxTimeout / time.Second),
	}
	if s.Timeout != nil {
		out.Source = "consensus"
		updated := s.Timeout.UpdatedAt
		out.UpdatedAt = &updated
		out.ProposalID = s.Timeout.ProposalID
	}
	out.Pending, err = e.coord.List(ctx, consensus.Filter{Kind: KindTimeoutConfig, Status: consensus.StatusPending})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Proposals lists proposals of a kind, optionally filtered by status
func (e *Engine) Proposals(ctx context.Context, kind string, status consensus.Status) ([]*consensus.Proposal, error) {
	return e.coord.List(ctx, consensus.Filter{Kind: kind, Status: status})
}

// Proposal returns a proposal by id
func (e *Engine) Proposal(ctx context.Context, id string) (*consensus.Proposal, error) {
	return e.coord.Get(ctx, id)
}
