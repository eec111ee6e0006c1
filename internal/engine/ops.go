package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/apperr"
	"github.com/skridlevsky/openchaos-bounty/internal/consensus"
	"github.com/skridlevsky/openchaos-bounty/internal/identity"
	"github.com/skridlevsky/openchaos-bounty/internal/ledger"
	"github.com/skridlevsky/openchaos-bounty/internal/registry"
)

// FactSource returns this validator's own observation of an issue and of a
// user's star count across the target repositories. It is optional;
// without one, fact checks fall back to the accepted facts.
type FactSource interface {
	IssueFacts(ctx context.Context, id ledger.IssueID) (ledger.Facts, error)
	StarCount(ctx context.Context, username string) (int, error)
}

// SetFactSource installs the source used by fact checks
func (e *Engine) SetFactSource(src FactSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.facts = src
}

func (e *Engine) factSource() FactSource {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.facts
}

func (e *Engine) proposer(p string) string {
	if p == "" {
		return e.cfg.Self
	}
	return p
}

// Register verifies a signed registration and proposes it
func (e *Engine) Register(ctx context.Context, req registry.Request) (*consensus.Proposal, error) {
	if err := registry.Verify(req, e.cfg.Verifier, e.now(), e.cfg.Skew); err != nil {
		return nil, err
	}
	payload, err := encodePayload(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode registration: %w", err)
	}
	p, err := e.coord.Submit(ctx, KindRegister, payload, e.cfg.Self)
	if err != nil {
		return p, err
	}
	slog.Info("Registration proposed",
		"hotkey", req.Hotkey,
		"github_username", req.GitHubUsername,
		"proposal_id", p.ID,
		"status", p.Status,
	)
	return p, nil
}

// ClaimRequest claims one or more issues for a hotkey. The signature
// covers claim_bounty:{hotkey}:{issues joined by ","}:{timestamp}.
type ClaimRequest struct {
	Hotkey    string   `json:"hotkey"`
	Issues    []string `json:"issues,omitempty"`
	IssueURL  string   `json:"issue_url,omitempty"`
	Signature string   `json:"signature"`
	Timestamp int64    `json:"timestamp"`
}

func (r ClaimRequest) refs() []string {
	if len(r.Issues) > 0 {
		return r.Issues
	}
	if r.IssueURL != "" {
		return []string{r.IssueURL}
	}
	return nil
}

// ClaimedIssue is an issue whose claim proposal was submitted
type ClaimedIssue struct {
	Issue      string           `json:"issue"`
	ProposalID string           `json:"proposal_id"`
	Status     consensus.Status `json:"status"`
}

// RejectedIssue is an issue refused before entering Pending
type RejectedIssue struct {
	Issue   string `json:"issue"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClaimResult reports the outcome of a batch claim per issue
type ClaimResult struct {
	Claimed  []ClaimedIssue  `json:"claimed"`
	Rejected []RejectedIssue `json:"rejected"`
}

// Claim proposes a Pending claim for each issue. Issues failing the
// submission checks are listed as rejected; a storage failure aborts.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	refs := req.refs()
	if req.Hotkey == "" {
		return nil, apperr.ErrInvalidPayload.With("hotkey is required")
	}
	if len(refs) == 0 {
		return nil, apperr.ErrInvalidPayload.With("no issues to claim")
	}
	drift := e.now().Sub(time.Unix(req.Timestamp, 0))
	if drift > e.cfg.Skew || drift < -e.cfg.Skew {
		return nil, apperr.ErrExpiredTimestamp.With("timestamp %d is %s away from server time", req.Timestamp, drift.Round(time.Second))
	}
	if !e.cfg.Verifier.Verify(identity.ClaimMessage(req.Hotkey, refs, req.Timestamp), req.Signature, req.Hotkey) {
		return nil, apperr.ErrInvalidSignature.With("signature does not verify for hotkey %s", req.Hotkey)
	}

	result := &ClaimResult{Claimed: []ClaimedIssue{}, Rejected: []RejectedIssue{}}
	for _, ref := range refs {
		id, err := ledger.ParseIssueID(ref)
		if err == nil {
			var p *consensus.Proposal
			p, err = e.submit(ctx, KindClaim, ClaimPayload{Issue: id, Hotkey: req.Hotkey}, e.cfg.Self)
			if err == nil {
				result.Claimed = append(result.Claimed, ClaimedIssue{Issue: id.String(), ProposalID: p.ID, Status: p.Status})
				continue
			}
		}
		var ae *apperr.Error
		if !errors.As(err, &ae) || ae.Kind == apperr.KindStorage {
			return nil, err
		}
		result.Rejected = append(result.Rejected, RejectedIssue{Issue: ref, Code: ae.Code, Message: ae.Message})
	}

	slog.Info("Claims submitted",
		"hotkey", req.Hotkey,
		"claimed", len(result.Claimed),
		"rejected", len(result.Rejected),
	)
	return result, nil
}

func (e *Engine) submit(ctx context.Context, kind string, v any, proposer string) (*consensus.Proposal, error) {
	payload, err := encodePayload(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return e.coord.Submit(ctx, kind, payload, proposer)
}

// ProposeSync publishes observed issue facts and star counts
func (e *Engine) ProposeSync(ctx context.Context, sp SyncPayload, proposer string) (*consensus.Proposal, error) {
	sp.normalize()
	return e.submit(ctx, KindSync, sp, e.proposer(proposer))
}

// ProposeResolution evaluates hotkey's claim on id against the accepted
// facts and proposes the resulting terminal state.
func (e *Engine) ProposeResolution(ctx context.Context, id ledger.IssueID, hotkey, proposer string) (*consensus.Proposal, error) {
	s, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	state, err := s.Ledger.Evaluate(id, hotkey)
	if err != nil {
		return nil, err
	}
	if state == ledger.StatePending {
		return nil, apperr.ErrInvalidPayload.With("issue %s is not closed yet", id)
	}
	return e.submit(ctx, KindResolve, ResolvePayload{Issue: id, Hotkey: hotkey, State: state}, e.proposer(proposer))
}

// ProposeTimeout proposes a new proposal timeout
func (e *Engine) ProposeTimeout(ctx context.Context, seconds int64, proposer string) (*consensus.Proposal, error) {
	if err := consensus.ValidateTimeout(time.Duration(seconds) * time.Second); err != nil {
		return nil, err
	}
	return e.submit(ctx, KindTimeoutConfig, TimeoutPayload{Seconds: seconds}, e.proposer(proposer))
}

// Vote casts an explicit vote on any proposal
func (e *Engine) Vote(ctx context.Context, id, voter string, approve bool) (*consensus.Proposal, error) {
	return e.coord.Vote(ctx, id, e.proposer(voter), approve)
}

// VoteChecked votes on a proposal after this node's own fact check
func (e *Engine) VoteChecked(ctx context.Context, id, voter string) (*consensus.Proposal, error) {
	p, err := e.coord.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	approve, err := e.FactCheck(ctx, p)
	if err != nil {
		return nil, err
	}
	return e.coord.Vote(ctx, id, e.proposer(voter), approve)
}

// FactCheck reports whether this node independently agrees with p
func (e *Engine) FactCheck(ctx context.Context, p *consensus.Proposal) (bool, error) {
	s, err := e.snapshot(ctx)
	if err != nil {
		return false, err
	}

	switch p.Kind {
	case KindRegister:
		var req registry.Request
		if err := decodePayload(p.Payload, &req); err != nil {
			return false, nil
		}
		if !e.cfg.Verifier.Verify(identity.RegisterMessage(req.GitHubUsername, req.Timestamp), req.Signature, req.Hotkey) {
			return false, nil
		}
		return s.Registry.Check(req) == nil, nil

	case KindClaim:
		var c ClaimPayload
		if err := decodePayload(p.Payload, &c); err != nil {
			return false, nil
		}
		return s.Ledger.CheckClaim(c.Issue, c.Hotkey, usernameOf(s, c.Hotkey)) == nil, nil

	case KindResolve:
		var rp ResolvePayload
		if err := decodePayload(p.Payload, &rp); err != nil {
			return false, nil
		}
		facts, err := e.observe(ctx, s, rp.Issue)
		if err != nil {
			return false, err
		}
		if facts == nil {
			return false, nil
		}
		local := ledger.Evaluate(*facts, s.Ledger.Label())
		if local == ledger.StateValid {
			// Duplicate only behind another hotkey's accepted Valid claim
			if rec, ok := s.Ledger.Record(rp.Issue); ok {
				if holder, ok := rec.ValidHolder(); ok && holder != rp.Hotkey {
					local = ledger.StateDuplicate
				}
			}
		}
		switch rp.State {
		case ledger.StateValid, ledger.StateDuplicate, ledger.StateInvalid:
			return rp.State == local, nil
		}
		return false, nil

	case KindSync:
		var sp SyncPayload
		if err := decodePayload(p.Payload, &sp); err != nil {
			return false, nil
		}
		src := e.factSource()
		if src == nil {
			// no independent source: accept well-formed facts for target repos
			for _, f := range sp.Issues {
				if _, ok := s.Ledger.Multiplier(f.Issue); !ok {
					return false, nil
				}
			}
			return true, nil
		}
		for _, f := range sp.Issues {
			observed, err := src.IssueFacts(ctx, f.Issue)
			if err != nil {
				return false, fmt.Errorf("failed to observe %s: %w", f.Issue, err)
			}
			if !sameFacts(observed, f.Facts) {
				return false, nil
			}
		}
		for _, r := range sp.Stars {
			n, err := src.StarCount(ctx, r.GitHubUsername)
			if err != nil {
				return false, fmt.Errorf("failed to count stars of %s: %w", r.GitHubUsername, err)
			}
			if n != r.Count {
				return false, nil
			}
		}
		return true, nil

	case KindTimeoutConfig:
		var tp TimeoutPayload
		if err := decodePayload(p.Payload, &tp); err != nil {
			return false, nil
		}
		return consensus.ValidateTimeout(time.Duration(tp.Seconds)*time.Second) == nil, nil
	}
	return false, nil
}

// observe prefers the node's own fact source over the accepted facts
func (e *Engine) observe(ctx context.Context, s *State, id ledger.IssueID) (*ledger.Facts, error) {
	if src := e.factSource(); src != nil {
		f, err := src.IssueFacts(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to observe %s: %w", id, err)
		}
		return &f, nil
	}
	rec, ok := s.Ledger.Record(id)
	if !ok || rec.Facts == nil {
		return nil, nil
	}
	return rec.Facts, nil
}

func sameFacts(a, b ledger.Facts) bool {
	if a.Closed != b.Closed || !strings.EqualFold(a.Author, b.Author) {
		return false
	}
	la := SyncPayload{Issues: []IssueFacts{{Facts: a}}}
	lb := SyncPayload{Issues: []IssueFacts{{Facts: b}}}
	la.normalize()
	lb.normalize()
	return reflect.DeepEqual(la.Issues[0].Facts.Labels, lb.Issues[0].Facts.Labels)
}

// ReviewPending fact-checks and votes on every pending proposal this node
// has not voted on yet. It returns the number of votes cast.
func (e *Engine) ReviewPending(ctx context.Context) (int, error) {
	pending, err := e.coord.List(ctx, consensus.Filter{Status: consensus.StatusPending})
	if err != nil {
		return 0, err
	}
	votes := 0
	for _, p := range pending {
		if p.HasVoted(e.cfg.Self) {
			continue
		}
		approve, err := e.FactCheck(ctx, p)
		if err != nil {
			slog.Warn("Fact check failed", "proposal_id", p.ID, "kind", p.Kind, "error", err)
			continue
		}
		if _, err := e.coord.Vote(ctx, p.ID, e.cfg.Self, approve); err != nil {
			if apperr.KindOf(err) == apperr.KindStorage {
				return votes, err
			}
			slog.Debug("Vote not counted", "proposal_id", p.ID, "error", err)
			continue
		}
		votes++
	}
	return votes, nil
}

// ResolveClosed proposes resolutions for pending claims whose accepted
// facts show a closed issue. It returns the number of proposals made.
func (e *Engine) ResolveClosed(ctx context.Context) (int, error) {
	claims, err := e.PendingIssues(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range claims {
		_, err := e.ProposeResolution(ctx, c.Issue, c.Hotkey, e.cfg.Self)
		switch {
		case err == nil:
			n++
		case apperr.KindOf(err) == apperr.KindStorage:
			return n, err
		default:
			slog.Debug("Resolution not proposed", "issue", c.Issue.String(), "hotkey", c.Hotkey, "error", err)
		}
	}
	return n, nil
}
