// Package consensus gates every ledger mutation behind a propose/vote
// round among a fixed validator set.
//
// Proposals live in the shared store under proposal:<id>. Acceptance, the
// accepted log entry and the ledger views written by the Applier commit in
// one store transaction, so a proposal is applied exactly once.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/apperr"
	"github.com/skridlevsky/openchaos-bounty/internal/metrics"
	"github.com/skridlevsky/openchaos-bounty/internal/store"
)

// KeyAcceptedHead holds the decision time of the newest accepted proposal
const KeyAcceptedHead = "accepted_head"

// Applier folds accepted proposals into the ledger
type Applier interface {
	// Check validates a new proposal against the accepted state and returns
	// the logical key it targets. Proposals sharing a non-empty key conflict.
	Check(r store.Reader, kind string, payload []byte) (key string, err error)
	// Apply writes the effect of an accepted proposal inside tx. A domain
	// error marks the proposal Rejected; Apply must return it before
	// writing anything.
	Apply(tx store.Txn, p *Proposal) error
}

// Config holds coordinator settings
type Config struct {
	Validators     []string
	Quorum         int // 0 means majority of Validators
	DefaultTimeout time.Duration
	SweepInterval  time.Duration
	Now            func() time.Time
	Metrics        *metrics.Metrics
}

// Coordinator runs the propose/vote protocol
type Coordinator struct {
	store      store.Store
	applier    Applier
	validators []string
	members    map[string]bool
	quorum     int
	timeout    time.Duration
	sweepEvery time.Duration
	now        func() time.Time
	metrics    *metrics.Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a coordinator over st
func New(st store.Store, applier Applier, cfg Config) (*Coordinator, error) {
	members := make(map[string]bool, len(cfg.Validators))
	var validators []string
	for _, v := range cfg.Validators {
		if v == "" || members[v] {
			continue
		}
		members[v] = true
		validators = append(validators, v)
	}
	if len(validators) == 0 {
		return nil, fmt.Errorf("validator set is empty")
	}
	sort.Strings(validators)

	quorum := cfg.Quorum
	if quorum == 0 {
		quorum = len(validators)/2 + 1
	}
	if quorum < 1 || quorum > len(validators) {
		return nil, fmt.Errorf("quorum %d invalid for %d validators", quorum, len(validators))
	}

	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if err := ValidateTimeout(timeout); err != nil {
		return nil, err
	}
	sweepEvery := cfg.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = 15 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Coordinator{
		store:      st,
		applier:    applier,
		validators: validators,
		members:    members,
		quorum:     quorum,
		timeout:    timeout,
		sweepEvery: sweepEvery,
		now:        func() time.Time { return now().UTC() },
		metrics:    cfg.Metrics,
		stopCh:     make(chan struct{}),
	}, nil
}

// Quorum returns the number of approvals needed for acceptance
func (c *Coordinator) Quorum() int {
	return c.quorum
}

// Validators returns the validator set, sorted
func (c *Coordinator) Validators() []string {
	return append([]string(nil), c.validators...)
}

// IsValidator reports whether id belongs to the validator set
func (c *Coordinator) IsValidator(id string) bool {
	return c.members[id]
}

// Timeout returns the proposal timeout currently in force
func (c *Coordinator) Timeout(ctx context.Context) (time.Duration, error) {
	var d time.Duration
	err := c.store.View(ctx, func(r store.Reader) error {
		var err error
		d, err = ReadTimeout(r, c.timeout)
		return err
	})
	if err != nil {
		return 0, apperr.Storage("read timeout", err)
	}
	return d, nil
}

// round collects what happened inside one transaction attempt so metrics
// and logs are emitted only after commit.
type round struct {
	submitted []string
	decided   []*Proposal
	votes     []bool
}

// Submit proposes payload on behalf of proposer and returns immediately.
// The proposer's submission counts as its approval. Submitting a payload
// that is already pending adds the proposer's approval to it, and
// resubmitting after expiry or rejection opens a fresh attempt.
func (c *Coordinator) Submit(ctx context.Context, kind string, payload []byte, proposer string) (*Proposal, error) {
	if !c.IsValidator(proposer) {
		return nil, apperr.ErrUnknownValidator.With("%s is not in the validator set", proposer)
	}

	var (
		out    *Proposal
		result error
		rd     round
	)
	err := c.store.Update(ctx, func(tx store.Txn) error {
		out, result, rd = nil, nil, round{}
		now := c.now()

		previous := ""
		for {
			id := ProposalID(kind, payload, previous)
			p, err := loadProposal(tx, id)
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			if err != nil {
				return err
			}
			if p.Status == StatusPending && now.After(p.Deadline) {
				if err := c.expire(tx, p, now, &rd); err != nil {
					return err
				}
			}
			switch p.Status {
			case StatusPending:
				out = p
				result, err = c.castVote(tx, p, proposer, true, now, &rd)
				return err
			case StatusAccepted:
				out = p
				return nil
			}
			previous = id
		}

		key, err := c.applier.Check(tx, kind, payload)
		if err != nil {
			return err
		}
		timeout, err := ReadTimeout(tx, c.timeout)
		if err != nil {
			return err
		}
		p := &Proposal{
			ID:        ProposalID(kind, payload, previous),
			Kind:      kind,
			Key:       key,
			Payload:   append([]byte(nil), payload...),
			Proposer:  proposer,
			Votes:     []Vote{{Voter: proposer, Approve: true, At: now}},
			CreatedAt: now,
			Deadline:  now.Add(timeout),
			Status:    StatusPending,
			Previous:  previous,
		}
		rd.submitted = append(rd.submitted, kind)
		rd.votes = append(rd.votes, true)
		if err := c.evaluate(tx, p, now, &rd); err != nil {
			return err
		}
		out = p
		return c.save(tx, p)
	})
	if err != nil {
		return nil, apperr.Storage("submit proposal", err)
	}
	c.report(rd)
	return out, result
}

// Vote records voter's verdict. The first vote of a voter stands; repeats
// are absorbed. Voting on an accepted proposal is a no-op, voting on an
// expired or rejected one returns the matching consensus error along with
// the proposal.
func (c *Coordinator) Vote(ctx context.Context, id, voter string, approve bool) (*Proposal, error) {
	if !c.IsValidator(voter) {
		return nil, apperr.ErrUnknownValidator.With("%s is not in the validator set", voter)
	}

	var (
		out    *Proposal
		result error
		rd     round
	)
	err := c.store.Update(ctx, func(tx store.Txn) error {
		out, result, rd = nil, nil, round{}
		p, err := loadProposal(tx, id)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.ErrProposalNotFound.With("proposal %s not found", id)
		}
		if err != nil {
			return err
		}
		out = p
		result, err = c.castVote(tx, p, voter, approve, c.now(), &rd)
		return err
	})
	if err != nil {
		return nil, apperr.Storage("vote", err)
	}
	c.report(rd)
	return out, result
}

// castVote adds a vote and re-evaluates p. The returned result is the
// caller-facing outcome; the error return is for store failures only.
func (c *Coordinator) castVote(tx store.Txn, p *Proposal, voter string, approve bool, now time.Time, rd *round) (result error, err error) {
	if p.Status == StatusPending && now.After(p.Deadline) {
		if err := c.expire(tx, p, now, rd); err != nil {
			return nil, err
		}
	}
	switch p.Status {
	case StatusAccepted:
		return nil, nil
	case StatusExpired:
		return apperr.ErrProposalExpired.With("proposal %s expired at %s", p.ID, p.Deadline.Format(time.RFC3339)), nil
	case StatusRejected:
		return rejection(p), nil
	}
	if p.HasVoted(voter) {
		return nil, nil
	}
	p.Votes = append(p.Votes, Vote{Voter: voter, Approve: approve, At: now})
	rd.votes = append(rd.votes, approve)
	if err := c.evaluate(tx, p, now, rd); err != nil {
		return nil, err
	}
	return nil, c.save(tx, p)
}

// save writes p and keeps the pending index of its logical key in step
func (c *Coordinator) save(tx store.Txn, p *Proposal) error {
	if err := store.SetJSON(tx, store.ProposalKey(p.ID), p); err != nil {
		return err
	}
	if p.Key == "" {
		return nil
	}
	if p.Status == StatusPending {
		return tx.Set(store.PendingKey(p.Key, p.ID), nil)
	}
	return tx.Delete(store.PendingKey(p.Key, p.ID))
}

func rejection(p *Proposal) error {
	switch p.Reason {
	case apperr.ErrConflictingProposal.Code:
		return apperr.ErrConflictingProposal.With("proposal %s lost to a conflicting proposal", p.ID)
	case apperr.ErrQuorumNotReached.Code:
		return apperr.ErrQuorumNotReached.With("proposal %s can no longer reach quorum", p.ID)
	}
	return apperr.ErrConflictingProposal.With("proposal %s was rejected: %s", p.ID, p.Reason)
}

// evaluate decides p if its tally allows. It does not save p itself.
func (c *Coordinator) evaluate(tx store.Txn, p *Proposal, now time.Time, rd *round) error {
	if p.Status != StatusPending {
		return nil
	}
	switch {
	case p.Approvals() >= c.quorum:
		return c.accept(tx, p, now, rd)
	case p.Rejections() > len(c.validators)-c.quorum:
		c.decide(p, StatusRejected, apperr.ErrQuorumNotReached.Code, now, rd)
	}
	return nil
}

func (c *Coordinator) accept(tx store.Txn, p *Proposal, now time.Time, rd *round) error {
	decided, err := c.nextDecision(tx, now)
	if err != nil {
		return err
	}
	p.Status = StatusAccepted
	p.DecidedAt = &decided
	if err := c.applier.Apply(tx, p); err != nil {
		kind := apperr.KindOf(err)
		if kind != apperr.KindValidation && kind != apperr.KindConsensus {
			return err
		}
		p.Status = StatusPending
		p.DecidedAt = nil
		reason := apperr.ErrConflictingProposal.Code
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Kind == apperr.KindValidation {
			reason = ae.Code
		}
		c.decide(p, StatusRejected, reason, now, rd)
		slog.Info("Proposal no longer applies", "id", p.ID, "kind", p.Kind, "error", err)
		return nil
	}
	rd.decided = append(rd.decided, p)

	if err := store.SetJSON(tx, store.AcceptedKey(decided.UnixNano(), p.ID), p); err != nil {
		return err
	}
	if err := tx.Set(KeyAcceptedHead, []byte(strconv.FormatInt(decided.UnixNano(), 10))); err != nil {
		return err
	}
	if p.Key == "" {
		return nil
	}
	return c.rejectConflicts(tx, p, now, rd)
}

// nextDecision returns a decision time strictly after the newest accepted
// entry so the log order matches commit order even with skewed clocks.
func (c *Coordinator) nextDecision(tx store.Txn, now time.Time) (time.Time, error) {
	raw, err := tx.Get(KeyAcceptedHead)
	if errors.Is(err, store.ErrNotFound) {
		return now, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	head, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse accepted head: %w", err)
	}
	if now.UnixNano() <= head {
		return time.Unix(0, head+1).UTC(), nil
	}
	return now, nil
}

// rejectConflicts rejects the other pending proposals sharing winner's
// logical key, found through the pending index
func (c *Coordinator) rejectConflicts(tx store.Txn, winner *Proposal, now time.Time, rd *round) error {
	prefix := store.PendingPrefix(winner.Key)
	entries, err := tx.List(prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		id := strings.TrimPrefix(e.Key, prefix)
		if id == winner.ID {
			continue
		}
		p, err := loadProposal(tx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if p.Key != winner.Key || p.Status != StatusPending {
			continue
		}
		c.decide(p, StatusRejected, apperr.ErrConflictingProposal.Code, now, rd)
		if err := c.save(tx, p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) expire(tx store.Txn, p *Proposal, now time.Time, rd *round) error {
	c.decide(p, StatusExpired, apperr.ErrProposalExpired.Code, now, rd)
	return c.save(tx, p)
}

func (c *Coordinator) decide(p *Proposal, status Status, reason string, now time.Time, rd *round) {
	decided := now
	p.Status = status
	p.Reason = reason
	p.DecidedAt = &decided
	rd.decided = append(rd.decided, p)
}

// Sweep expires every pending proposal past its deadline and returns how
// many it expired.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	var (
		expired, pending int
		rd               round
	)
	err := c.store.Update(ctx, func(tx store.Txn) error {
		expired, pending, rd = 0, 0, round{}
		now := c.now()
		entries, err := tx.List(store.PrefixProposal)
		if err != nil {
			return err
		}
		for _, e := range entries {
			p, err := decodeProposal(e.Value)
			if err != nil {
				return err
			}
			if p.Status != StatusPending {
				continue
			}
			if !now.After(p.Deadline) {
				pending++
				continue
			}
			if err := c.expire(tx, p, now, &rd); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, apperr.Storage("sweep proposals", err)
	}
	c.report(rd)
	c.metrics.SetPending(pending)
	return expired, nil
}

// Get returns a proposal by id
func (c *Coordinator) Get(ctx context.Context, id string) (*Proposal, error) {
	raw, err := c.store.Get(ctx, store.ProposalKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrProposalNotFound.With("proposal %s not found", id)
	}
	if err != nil {
		return nil, apperr.Storage("get proposal", err)
	}
	return decodeProposal(raw)
}

// Filter selects proposals in List. Zero fields match everything.
type Filter struct {
	Kind   string
	Status Status
}

// List returns matching proposals ordered by creation time, then id
func (c *Coordinator) List(ctx context.Context, f Filter) ([]*Proposal, error) {
	entries, err := c.store.List(ctx, store.PrefixProposal)
	if err != nil {
		return nil, apperr.Storage("list proposals", err)
	}
	out := make([]*Proposal, 0, len(entries))
	for _, e := range entries {
		p, err := decodeProposal(e.Value)
		if err != nil {
			return nil, err
		}
		if f.Kind != "" && p.Kind != f.Kind {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Run starts the background sweeper
func (c *Coordinator) Run(ctx context.Context) {
	slog.Info("Proposal sweeper starting",
		"validators", len(c.validators),
		"quorum", c.quorum,
		"interval", c.sweepEvery,
	)
	c.wg.Add(1)
	go c.sweepLoop(ctx)
}

// Stop shuts down the sweeper. Safe to call multiple times.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		slog.Info("Proposal sweeper stopped")
	})
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := c.Sweep(ctx)
			if err != nil {
				slog.Error("Failed to sweep proposals", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Expired proposals", "count", n)
			}
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) report(rd round) {
	for _, kind := range rd.submitted {
		c.metrics.ProposalSubmitted(kind)
	}
	for _, approve := range rd.votes {
		c.metrics.VoteRecorded(approve)
	}
	for _, p := range rd.decided {
		c.metrics.ProposalDecided(p.Kind, string(p.Status))
		slog.Info("Proposal decided",
			"id", p.ID,
			"kind", p.Kind,
			"status", p.Status,
			"reason", p.Reason,
			"approvals", p.Approvals(),
			"rejections", p.Rejections(),
		)
	}
}

func loadProposal(r store.Reader, id string) (*Proposal, error) {
	raw, err := r.Get(store.ProposalKey(id))
	if err != nil {
		return nil, err
	}
	return decodeProposal(raw)
}
