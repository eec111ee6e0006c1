package engine

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/apperr"
	"github.com/skridlevsky/openchaos-bounty/internal/consensus"
	"github.com/skridlevsky/openchaos-bounty/internal/identity"
	"github.com/skridlevsky/openchaos-bounty/internal/ledger"
	"github.com/skridlevsky/openchaos-bounty/internal/registry"
	"github.com/skridlevsky/openchaos-bounty/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type miner struct {
	hotkey string
	priv   ed25519.PrivateKey
}

func newMiner(t *testing.T) miner {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return miner{hotkey: identity.EncodeHotkey(pub), priv: priv}
}

func (m miner) register(username string, ts int64) registry.Request {
	return registry.Request{
		Hotkey:         m.hotkey,
		GitHubUsername: username,
		Signature:      identity.Sign(m.priv, identity.RegisterMessage(username, ts)),
		Timestamp:      ts,
	}
}

func (m miner) claim(ts int64, issues ...string) ClaimRequest {
	return ClaimRequest{
		Hotkey:    m.hotkey,
		Issues:    issues,
		Signature: identity.Sign(m.priv, identity.ClaimMessage(m.hotkey, issues, ts)),
		Timestamp: ts,
	}
}

type harness struct {
	t   *testing.T
	e   *Engine
	st  store.Store
	clk *clock
	ctx context.Context
}

func newHarness(t *testing.T, validators []string, quorum int) *harness {
	t.Helper()
	st := store.NewMemory()
	clk := &clock{t: time.Unix(1000, 0).UTC()}
	e, err := New(st, Config{
		Self:  validators[0],
		Repos: map[string]float64{"ownerA/repoA": 4.0, "ownerB/repoB": 1.0},
		Now:   clk.now,
	}, consensus.Config{
		Validators:     validators,
		Quorum:         quorum,
		DefaultTimeout: time.Minute,
	})
	require.NoError(t, err)
	return &harness{t: t, e: e, st: st, clk: clk, ctx: context.Background()}
}

// approve votes with the other validators until p is accepted
func (h *harness) approve(p *consensus.Proposal, voters ...string) *consensus.Proposal {
	h.t.Helper()
	var err error
	for _, v := range voters {
		if p.Status != consensus.StatusPending {
			break
		}
		p, err = h.e.Vote(h.ctx, p.ID, v, true)
		require.NoError(h.t, err)
	}
	require.Equal(h.t, consensus.StatusAccepted, p.Status)
	return p
}

func (h *harness) sync(facts ...IssueFacts) {
	h.t.Helper()
	p, err := h.e.ProposeSync(h.ctx, SyncPayload{Issues: facts}, "")
	require.NoError(h.t, err)
	h.approve(p, "v2", "v3")
}

var issue42 = ledger.NewIssueID("ownerA", "repoA", 42)

func closedValid(id ledger.IssueID, author string) IssueFacts {
	return IssueFacts{Issue: id, Facts: ledger.Facts{Closed: true, Labels: []string{"valid"}, Author: author}}
}

func TestRegistrationScenario(t *testing.T) {
	h := newHarness(t, []string{"v1", "v2", "v3"}, 2)
	H, H2 := newMiner(t), newMiner(t)

	p, err := h.e.Register(h.ctx, H.register("octocat", 1000))
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusPending, p.Status)
	h.approve(p, "v2")

	h.clk.t = time.Unix(1100, 0).UTC()
	_, err = h.e.Register(h.ctx, H2.register("octocat", 1100))
	assert.ErrorIs(t, err, apperr.ErrUsernameTaken)

	raw, err := h.st.Get(h.ctx, store.GitHubKey("octocat"))
	require.NoError(t, err)
	var owner string
	require.NoError(t, json.Unmarshal(raw, &owner))
	assert.Equal(t, H.hotkey, owner)

	var hotkeys []string
	require.NoError(t, store.GetJSON(readerOf(h), store.KeyRegisteredHotkeys, &hotkeys))
	assert.Equal(t, []string{H.hotkey}, hotkeys)
}

func TestRegister_RejectsBadRequests(t *testing.T) {
	h := newHarness(t, []string{"v1"}, 1)
	H := newMiner(t)

	_, err := h.e.Register(h.ctx, H.register("octocat", 1000+301))
	assert.ErrorIs(t, err, apperr.ErrExpiredTimestamp)

	req := H.register("octocat", 1000)
	req.Signature = H.register("other", 1000).Signature
	_, err = h.e.Register(h.ctx, req)
	assert.ErrorIs(t, err, apperr.ErrInvalidSignature)

	entries, err := h.st.List(h.ctx, "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestValidClaimScenario(t *testing.T) {
	h := newHarness(t, []string{"v1", "v2", "v3"}, 2)
	H := newMiner(t)

	h.approve(must(h.e.Register(h.ctx, H.register("OctoCat", 1000))), "v2")
	h.sync(closedValid(issue42, "octocat"))

	before, err := h.e.Status(h.ctx, H.hotkey, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, before.Standing.NetPoints)

	res, err := h.e.Claim(h.ctx, H.claim(1000, "ownerA/repoA#42"))
	require.NoError(t, err)
	require.Len(t, res.Claimed, 1)
	assert.Empty(t, res.Rejected)
	claim, err := h.e.Proposal(h.ctx, res.Claimed[0].ProposalID)
	require.NoError(t, err)
	h.approve(claim, "v2")

	pending, err := h.e.PendingIssues(h.ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 4.0, pending[0].Multiplier)

	h.clk.t = h.clk.t.Add(time.Minute)
	res2, err := h.e.ProposeResolution(h.ctx, issue42, H.hotkey, "")
	require.NoError(t, err)
	h.approve(res2, "v2")

	after, err := h.e.Status(h.ctx, H.hotkey, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 4.0, after.Standing.NetPoints-before.Standing.NetPoints)
	assert.Equal(t, 1, after.Standing.ValidIssues)
	assert.Equal(t, uint16(65535), after.Standing.Weight)

	weights, err := h.e.Weights(h.ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, weights, 1)
	assert.Equal(t, uint16(65535), weights[0].Weight)

	// views
	var rec ledger.IssueRecord
	require.NoError(t, store.GetJSON(readerOf(h), issue42.Key(), &rec))
	require.Len(t, rec.Claims, 1)
	assert.Equal(t, ledger.StateValid, rec.Claims[0].State)
	var bal Balance
	require.NoError(t, store.GetJSON(readerOf(h), store.BalanceKey(H.hotkey), &bal))
	assert.Equal(t, 1, bal.Valid)
	assert.Equal(t, 4.0, bal.ValidPoints)
	var lb Leaderboard
	require.NoError(t, store.GetJSON(readerOf(h), store.KeyLeaderboard, &lb))
	require.Len(t, lb.Standings, 1)
	assert.Equal(t, "linear", lb.Strategy)

	// resubmitting the same claim returns the accepted proposal
	again, err := h.e.Claim(h.ctx, H.claim(1000, "ownerA/repoA#42"))
	require.NoError(t, err)
	require.Len(t, again.Claimed, 1)
	assert.Equal(t, claim.ID, again.Claimed[0].ProposalID)
	assert.Equal(t, consensus.StatusAccepted, again.Claimed[0].Status)

	// outside the 24h window the points drop out, the claim stays
	later, err := h.e.Status(h.ctx, H.hotkey, h.clk.t.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, later.Standing.NetPoints)
	details, err := h.e.Hotkey(h.ctx, H.hotkey)
	require.NoError(t, err)
	assert.Len(t, details.Claims, 1)
}

func TestClaimBatchRejections(t *testing.T) {
	h := newHarness(t, []string{"v1"}, 1)
	H := newMiner(t)

	must(h.e.Register(h.ctx, H.register("octocat", 1000)))
	h.sync(
		closedValid(issue42, "octocat"),
		closedValid(ledger.NewIssueID("ownerA", "repoA", 43), "someoneelse"),
	)

	res, err := h.e.Claim(h.ctx, H.claim(1000,
		"ownerA/repoA#42",
		"ownerA/repoA#43",
		"ownerZ/repoZ#1",
		"ownerA/repoA#99",
		"not an issue",
	))
	require.NoError(t, err)
	require.Len(t, res.Claimed, 1)
	assert.Equal(t, consensus.StatusAccepted, res.Claimed[0].Status)

	codes := map[string]string{}
	for _, r := range res.Rejected {
		codes[r.Issue] = r.Code
	}
	assert.Equal(t, map[string]string{
		"ownerA/repoA#43": apperr.ErrAuthorMismatch.Code,
		"ownerZ/repoZ#1":  apperr.ErrUnknownRepo.Code,
		"ownerA/repoA#99": apperr.ErrUnknownIssue.Code,
		"not an issue":    apperr.ErrInvalidPayload.Code,
	}, codes)

	// unregistered hotkey
	stranger := newMiner(t)
	res, err = h.e.Claim(h.ctx, stranger.claim(1000, "ownerA/repoA#42"))
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, apperr.ErrNotRegistered.Code, res.Rejected[0].Code)

	// bad signature fails the whole request
	req := H.claim(1000, "ownerA/repoA#42")
	req.Issues = []string{"ownerA/repoA#43"}
	_, err = h.e.Claim(h.ctx, req)
	assert.ErrorIs(t, err, apperr.ErrInvalidSignature)

	_, err = h.e.Claim(h.ctx, ClaimRequest{Hotkey: H.hotkey})
	assert.ErrorIs(t, err, apperr.ErrInvalidPayload)
}

func TestFirstAcceptedResolutionWins(t *testing.T) {
	h := newHarness(t, []string{"v1", "v2", "v3"}, 2)
	H1, H2 := newMiner(t), newMiner(t)

	// H1 holds octocat, claims, then moves to another username so H2 can
	// take octocat and claim the same issue
	h.approve(must(h.e.Register(h.ctx, H1.register("octocat", 1000))), "v2")
	h.sync(closedValid(issue42, "octocat"))
	res, err := h.e.Claim(h.ctx, H1.claim(1000, "ownerA/repoA#42"))
	require.NoError(t, err)
	h.approve(must(h.e.Proposal(h.ctx, res.Claimed[0].ProposalID)), "v2")

	h.approve(must(h.e.Register(h.ctx, H1.register("octo-alt", 1000))), "v2")
	h.approve(must(h.e.Register(h.ctx, H2.register("octocat", 1000))), "v2")
	res, err = h.e.Claim(h.ctx, H2.claim(1000, "ownerA/repoA#42"))
	require.NoError(t, err)
	h.approve(must(h.e.Proposal(h.ctx, res.Claimed[0].ProposalID)), "v2")

	// H1 submitted first but H2's resolution reaches quorum first
	r1, err := h.e.ProposeResolution(h.ctx, issue42, H1.hotkey, "")
	require.NoError(t, err)
	r2, err := h.e.ProposeResolution(h.ctx, issue42, H2.hotkey, "")
	require.NoError(t, err)
	h.approve(r2, "v2")
	h.approve(r1, "v2")

	d1, err := h.e.Hotkey(h.ctx, H1.hotkey)
	require.NoError(t, err)
	d2, err := h.e.Hotkey(h.ctx, H2.hotkey)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateDuplicate, d1.Claims[0].State)
	assert.Equal(t, ledger.StateValid, d2.Claims[0].State)

	invalid, err := h.e.Invalid(h.ctx)
	require.NoError(t, err)
	require.Len(t, invalid, 1)
	assert.Equal(t, H1.hotkey, invalid[0].Hotkey)

	// the freed username moved with the re-registration
	_, err = h.st.Get(h.ctx, store.GitHubKey("octo-alt"))
	require.NoError(t, err)
}

func TestExpiredProposalLeavesLedgerUnchanged(t *testing.T) {
	h := newHarness(t, []string{"v1", "v2", "v3", "v4", "v5"}, 3)
	H := newMiner(t)

	p, err := h.e.Register(h.ctx, H.register("octocat", 1000))
	require.NoError(t, err)
	_, err = h.e.Vote(h.ctx, p.ID, "v2", true)
	require.NoError(t, err)

	h.clk.t = h.clk.t.Add(2 * time.Minute)
	n, err := h.e.Coordinator().Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.e.Vote(h.ctx, p.ID, "v3", true)
	assert.ErrorIs(t, err, apperr.ErrProposalExpired)

	_, err = h.e.Status(h.ctx, H.hotkey, time.Time{})
	assert.ErrorIs(t, err, apperr.ErrNotRegistered)
	_, err = h.st.Get(h.ctx, store.UserKey(H.hotkey))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, []string{"v1"}, 1)
	H := newMiner(t)

	must(h.e.Register(h.ctx, H.register("octocat", 1000)))
	h.sync(closedValid(issue42, "octocat"))
	res, err := h.e.Claim(h.ctx, H.claim(1000, "ownerA/repoA#42"))
	require.NoError(t, err)
	require.Len(t, res.Claimed, 1)
	resolved := must(h.e.ProposeResolution(h.ctx, issue42, H.hotkey, ""))

	once, err := h.e.Leaderboard(h.ctx, time.Time{})
	require.NoError(t, err)

	// redeliver every accepted entry under a later key
	entries, err := h.st.List(h.ctx, store.PrefixAccepted)
	require.NoError(t, err)
	require.NoError(t, h.st.Update(h.ctx, func(tx store.Txn) error {
		for i, e := range entries {
			if err := tx.Set(store.AcceptedKey(time.Now().Add(time.Hour).UnixNano()+int64(i), "replay"+e.Key), e.Value); err != nil {
				return err
			}
		}
		return nil
	}))
	// applying an accepted proposal again is absorbed
	require.NoError(t, h.st.Update(h.ctx, func(tx store.Txn) error {
		return h.e.Apply(tx, resolved)
	}))

	h.e.mu.Lock()
	h.e.cached = nil
	h.e.mu.Unlock()
	twice, err := h.e.Leaderboard(h.ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	issues, err := h.e.Issues(h.ctx)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Len(t, issues[0].Claims, 1)
}

func TestTimeoutThroughConsensus(t *testing.T) {
	h := newHarness(t, []string{"v1", "v2", "v3"}, 2)

	ts, err := h.e.Timeout(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(60), ts.Seconds)
	assert.Equal(t, "default", ts.Source)

	_, err = h.e.ProposeTimeout(h.ctx, 5, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidPayload)

	p, err := h.e.ProposeTimeout(h.ctx, 600, "")
	require.NoError(t, err)

	// a single validator cannot change it alone
	ts, err = h.e.Timeout(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(60), ts.Seconds)
	assert.Len(t, ts.Pending, 1)

	h.approve(p, "v2")
	ts, err = h.e.Timeout(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(600), ts.Seconds)
	assert.Equal(t, "consensus", ts.Source)
	assert.Equal(t, p.ID, ts.ProposalID)

	next, err := h.e.Register(h.ctx, newMiner(t).register("someone", 1000))
	require.NoError(t, err)
	assert.Equal(t, h.clk.t.Add(10*time.Minute), next.Deadline)
}

func TestVoteChecked(t *testing.T) {
	h := newHarness(t, []string{"v1", "v2", "v3"}, 2)
	H := newMiner(t)

	h.approve(must(h.e.Register(h.ctx, H.register("octocat", 1000))), "v2")
	h.sync(IssueFacts{Issue: issue42, Facts: ledger.Facts{Closed: true, Labels: []string{"wontfix"}, Author: "octocat"}})
	res, err := h.e.Claim(h.ctx, H.claim(1000, "ownerA/repoA#42"))
	require.NoError(t, err)
	h.approve(must(h.e.Proposal(h.ctx, res.Claimed[0].ProposalID)), "v2")

	// a dishonest proposer claims Valid; the other validators disagree
	payload, err := encodePayload(ResolvePayload{Issue: issue42, Hotkey: H.hotkey, State: ledger.StateValid})
	require.NoError(t, err)
	bad, err := h.e.Coordinator().Submit(h.ctx, KindResolve, payload, "v3")
	require.NoError(t, err)

	ok, err := h.e.FactCheck(h.ctx, bad)
	require.NoError(t, err)
	assert.False(t, ok)

	bad, err = h.e.VoteChecked(h.ctx, bad.ID, "v1")
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusPending, bad.Status)
	bad, err = h.e.VoteChecked(h.ctx, bad.ID, "v2")
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusRejected, bad.Status)

	// the honest resolution goes through
	good, err := h.e.ProposeResolution(h.ctx, issue42, H.hotkey, "v2")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateInvalid, decodeResolve(t, good).State)
	good, err = h.e.VoteChecked(h.ctx, good.ID, "v1")
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusAccepted, good.Status)
}

func TestFactCheck_DuplicateNeedsValidHolder(t *testing.T) {
	h := newHarness(t, []string{"v1", "v2", "v3"}, 2)
	H := newMiner(t)

	h.approve(must(h.e.Register(h.ctx, H.register("octocat", 1000))), "v2")
	h.sync(closedValid(issue42, "octocat"))
	res, err := h.e.Claim(h.ctx, H.claim(1000, "ownerA/repoA#42"))
	require.NoError(t, err)
	h.approve(must(h.e.Proposal(h.ctx, res.Claimed[0].ProposalID)), "v2")

	// the only claimant cannot be a duplicate
	dup, err := h.e.submit(h.ctx, KindResolve, ResolvePayload{Issue: issue42, Hotkey: H.hotkey, State: ledger.StateDuplicate}, "v3")
	require.NoError(t, err)
	ok, err := h.e.FactCheck(h.ctx, dup)
	require.NoError(t, err)
	assert.False(t, ok)

	dup, err = h.e.VoteChecked(h.ctx, dup.ID, "v1")
	require.NoError(t, err)
	assert.Equal(t, consensus.StatusPending, dup.Status)

	// even when a quorum waves it through, the claim lands Valid
	h.approve(dup, "v2", "v3")
	d, err := h.e.Hotkey(h.ctx, H.hotkey)
	require.NoError(t, err)
	require.Len(t, d.Claims, 1)
	assert.Equal(t, ledger.StateValid, d.Claims[0].State)
}

func TestApplyReusesCachedState(t *testing.T) {
	h := newHarness(t, []string{"v1", "v2", "v3"}, 2)
	A, B := newMiner(t), newMiner(t)

	h.approve(must(h.e.Register(h.ctx, A.register("alice", 1000))), "v2")
	before, err := h.e.snapshot(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, before.Registry.Len())

	require.NoError(t, h.st.View(h.ctx, func(r store.Reader) error {
		s, shared, err := h.e.stateAt(r)
		require.NoError(t, err)
		assert.True(t, shared)
		assert.Same(t, before, s)
		return nil
	}))

	// accepting the next proposal starts from a copy of the cached fold
	h.approve(must(h.e.Register(h.ctx, B.register("bob", 1000))), "v2")
	assert.Equal(t, 1, before.Registry.Len())
	_, ok := before.Registry.Lookup(B.hotkey)
	assert.False(t, ok)

	after, err := h.e.snapshot(h.ctx)
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.Equal(t, 2, after.Registry.Len())
	assert.Equal(t, before.Accepted+1, after.Accepted)
}

type fakeSource struct {
	facts map[string]ledger.Facts
	stars map[string]int
}

func (f fakeSource) IssueFacts(_ context.Context, id ledger.IssueID) (ledger.Facts, error) {
	return f.facts[id.Key()], nil
}

func (f fakeSource) StarCount(_ context.Context, username string) (int, error) {
	return f.stars[strings.ToLower(username)], nil
}

func TestFactCheck_SyncStars(t *testing.T) {
	h := newHarness(t, []string{"v1", "v2", "v3"}, 2)
	h.e.SetFactSource(fakeSource{
		facts: map[string]ledger.Facts{issue42.Key(): closedValid(issue42, "octocat").Facts},
		stars: map[string]int{"octocat": 1},
	})

	check := func(sp SyncPayload) bool {
		t.Helper()
		payload, err := encodePayload(sp)
		require.NoError(t, err)
		p, err := h.e.Coordinator().Submit(h.ctx, KindSync, payload, "v2")
		require.NoError(t, err)
		ok, err := h.e.FactCheck(h.ctx, p)
		require.NoError(t, err)
		return ok
	}

	honest := SyncPayload{
		Issues: []IssueFacts{closedValid(issue42, "octocat")},
		Stars:  []StarRecord{{GitHubUsername: "OctoCat", Count: 1}},
	}
	assert.True(t, check(honest))

	inflated := SyncPayload{
		Issues: []IssueFacts{closedValid(issue42, "octocat")},
		Stars:  []StarRecord{{GitHubUsername: "octocat", Count: 1000}},
	}
	assert.False(t, check(inflated))

	// a user this node never saw starring anything
	assert.False(t, check(SyncPayload{Stars: []StarRecord{{GitHubUsername: "mallory", Count: 2}}}))
	assert.True(t, check(SyncPayload{Stars: []StarRecord{{GitHubUsername: "mallory", Count: 0}}}))
}

func TestReviewPendingAndResolveClosed(t *testing.T) {
	h := newHarness(t, []string{"v1", "v2", "v3"}, 2)
	H := newMiner(t)

	// another validator proposes; this node reviews and votes
	req := H.register("octocat", 1000)
	payload, err := encodePayload(req)
	require.NoError(t, err)
	_, err = h.e.Coordinator().Submit(h.ctx, KindRegister, payload, "v2")
	require.NoError(t, err)

	n, err := h.e.ReviewPending(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = h.e.Status(h.ctx, H.hotkey, time.Time{})
	require.NoError(t, err)

	h.sync(closedValid(issue42, "octocat"))
	res, err := h.e.Claim(h.ctx, H.claim(1000, "ownerA/repoA#42"))
	require.NoError(t, err)
	h.approve(must(h.e.Proposal(h.ctx, res.Claimed[0].ProposalID)), "v2")

	n, err = h.e.ResolveClosed(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := h.e.Proposals(h.ctx, KindResolve, consensus.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestStatsAndStars(t *testing.T) {
	h := newHarness(t, []string{"v1"}, 1)
	A, B := newMiner(t), newMiner(t)

	must(h.e.Register(h.ctx, A.register("alice", 1000)))
	must(h.e.Register(h.ctx, B.register("bob", 1000)))
	must(h.e.ProposeSync(h.ctx, SyncPayload{
		Issues: []IssueFacts{closedValid(issue42, "alice")},
		Stars:  []StarRecord{{GitHubUsername: "Bob", Count: 2}},
	}, ""))
	res, err := h.e.Claim(h.ctx, A.claim(1000, "ownerA/repoA#42"))
	require.NoError(t, err)
	require.Len(t, res.Claimed, 1)
	must(h.e.ProposeResolution(h.ctx, issue42, A.hotkey, ""))

	st, err := h.e.Stats(h.ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, st.RegisteredHotkeys)
	assert.Equal(t, 2, st.ActiveMiners)
	assert.Equal(t, 1, st.ValidClaims)
	assert.Equal(t, 1, st.SyncedIssues)
	assert.Equal(t, 2, st.TargetRepos)

	board, err := h.e.Leaderboard(h.ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, A.hotkey, board[0].Hotkey)
	assert.Equal(t, 4.0, board[0].NetPoints)
	assert.Equal(t, 0.5, board[1].StarBonus)
	// 4.0 and 0.5 share 65535
	assert.Equal(t, uint16(58253), board[0].Weight)
	assert.Equal(t, uint16(7281), board[1].Weight)

	var stars int
	require.NoError(t, store.GetJSON(readerOf(h), store.StarsKey("bob"), &stars))
	assert.Equal(t, 2, stars)
}

func must(p *consensus.Proposal, err error) *consensus.Proposal {
	if err != nil {
		panic(err)
	}
	return p
}

func decodeResolve(t *testing.T, p *consensus.Proposal) ResolvePayload {
	t.Helper()
	var rp ResolvePayload
	require.NoError(t, json.Unmarshal(p.Payload, &rp))
	return rp
}

// readerOf exposes the store through the transaction reader interface
func readerOf(h *harness) store.Reader {
	return storeReader{h}
}

type storeReader struct{ h *harness }

func (r storeReader) Get(key string) ([]byte, error) { return r.h.st.Get(r.h.ctx, key) }

func (r storeReader) List(prefix string) ([]store.Entry, error) { return r.h.st.List(r.h.ctx, prefix) }
