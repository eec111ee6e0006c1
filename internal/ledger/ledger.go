// Package ledger holds per-issue claim records and the claim state machine.
//
// A Ledger is an in-memory projection. It is only mutated by applying
// Accepted proposals, in acceptance order.
package ledger

import (
	"sort"
	"strings"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/apperr"
)

// DefaultLabel is the qualifying label when none is configured
const DefaultLabel = "valid"

// Ledger tracks issues of the configured target repositories
type Ledger struct {
	label  string
	repos  map[string]float64
	issues map[string]*IssueRecord
}

// New creates a ledger for the given target repositories (owner/repo →
// multiplier). Non-positive multipliers default to 1.0.
func New(repos map[string]float64, label string) *Ledger {
	if label == "" {
		label = DefaultLabel
	}
	norm := make(map[string]float64, len(repos))
	for name, mult := range repos {
		if mult <= 0 {
			mult = 1.0
		}
		norm[strings.ToLower(name)] = mult
	}
	return &Ledger{
		label:  label,
		repos:  norm,
		issues: make(map[string]*IssueRecord),
	}
}

// Clone returns a copy whose records and claims can be changed without
// affecting l. Facts are shared; SetFacts replaces them rather than editing.
func (l *Ledger) Clone() *Ledger {
	out := &Ledger{
		label:  l.label,
		repos:  l.repos,
		issues: make(map[string]*IssueRecord, len(l.issues)),
	}
	for key, r := range l.issues {
		cp := *r
		cp.Claims = append([]Claim(nil), r.Claims...)
		out.issues[key] = &cp
	}
	return out
}

// Label returns the qualifying label
func (l *Ledger) Label() string {
	return l.label
}

// Multiplier returns the repo multiplier, or false for non-target repos
func (l *Ledger) Multiplier(id IssueID) (float64, bool) {
	m, ok := l.repos[id.RepoName()]
	return m, ok
}

// Repos returns the target repositories sorted by name
func (l *Ledger) Repos() []string {
	out := make([]string, 0, len(l.repos))
	for name := range l.repos {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Record returns the record for id
func (l *Ledger) Record(id IssueID) (*IssueRecord, bool) {
	r, ok := l.issues[id.Key()]
	return r, ok
}

func (l *Ledger) record(id IssueID) *IssueRecord {
	r, ok := l.issues[id.Key()]
	if !ok {
		r = &IssueRecord{Issue: id}
		l.issues[id.Key()] = r
	}
	return r
}

// SetFacts replaces the synced facts of an issue. Claims are untouched.
func (l *Ledger) SetFacts(id IssueID, facts Facts, at time.Time) error {
	if _, ok := l.Multiplier(id); !ok {
		return apperr.ErrUnknownRepo.With("%s is not a target repository", id.RepoName())
	}
	r := l.record(id)
	f := facts
	r.Facts = &f
	r.SyncedAt = at.UTC()
	return nil
}

// CheckClaim runs the submission-time checks for hotkey claiming id.
// username is the hotkey's registered username, empty when unregistered.
func (l *Ledger) CheckClaim(id IssueID, hotkey, username string) error {
	if username == "" {
		return apperr.ErrNotRegistered.With("hotkey %s is not registered", hotkey)
	}
	if _, ok := l.Multiplier(id); !ok {
		return apperr.ErrUnknownRepo.With("%s is not a target repository", id.RepoName())
	}
	r, ok := l.issues[id.Key()]
	if !ok || r.Facts == nil {
		return apperr.ErrUnknownIssue.With("issue %s has not been synced", id)
	}
	if !strings.EqualFold(r.Facts.Author, username) {
		return apperr.ErrAuthorMismatch.With("issue %s was opened by %s, not %s", id, r.Facts.Author, username)
	}
	if c, ok := r.Resolved(); ok {
		return apperr.ErrAlreadyResolved.With("issue %s is already resolved as %s", id, c.State)
	}
	return nil
}

// AddClaim records a Pending claim. A claim that already exists for the
// same hotkey is left as is.
func (l *Ledger) AddClaim(id IssueID, hotkey, username string, at time.Time) error {
	if r, ok := l.issues[id.Key()]; ok {
		if _, exists := r.Claim(hotkey); exists {
			return nil
		}
	}
	if err := l.CheckClaim(id, hotkey, username); err != nil {
		return err
	}
	mult, _ := l.Multiplier(id)
	r := l.record(id)
	r.Claims = append(r.Claims, Claim{
		Issue:       id,
		Hotkey:      hotkey,
		State:       StatePending,
		SubmittedAt: at.UTC(),
		Multiplier:  mult,
	})
	return nil
}

// Evaluate applies the resolution rule to facts. Pending means the issue
// is not closed yet. A Valid result may still become Duplicate when
// resolved against the ledger.
func Evaluate(facts Facts, label string) State {
	if !facts.Closed {
		return StatePending
	}
	if facts.HasLabel(label) {
		return StateValid
	}
	return StateInvalid
}

// Evaluate runs the resolution rule for hotkey's claim on id against the
// locally synced facts, including the Duplicate check.
func (l *Ledger) Evaluate(id IssueID, hotkey string) (State, error) {
	r, ok := l.issues[id.Key()]
	if !ok || r.Facts == nil {
		return "", apperr.ErrUnknownIssue.With("issue %s has not been synced", id)
	}
	st := Evaluate(*r.Facts, l.label)
	if st == StateValid {
		if holder, ok := r.ValidHolder(); ok && holder != hotkey {
			return StateDuplicate, nil
		}
	}
	return st, nil
}

// Resolve moves hotkey's Pending claim on id to state. Valid and Duplicate
// are decided by the ledger: the result is Duplicate exactly when another
// hotkey already holds the Valid claim. Re-resolving a claim to the state it
// already has is a no-op.
func (l *Ledger) Resolve(id IssueID, hotkey string, state State, at time.Time) (State, error) {
	if !state.Terminal() {
		return "", apperr.ErrInvalidPayload.With("cannot resolve to %s", state)
	}
	r, ok := l.issues[id.Key()]
	if !ok {
		return "", apperr.ErrUnknownIssue.With("issue %s has not been synced", id)
	}
	c, ok := r.Claim(hotkey)
	if !ok {
		return "", apperr.ErrInvalidPayload.With("hotkey %s has no claim on %s", hotkey, id)
	}
	if state == StateValid || state == StateDuplicate {
		state = StateValid
		if holder, ok := r.ValidHolder(); ok && holder != hotkey {
			state = StateDuplicate
		}
	}
	if c.State.Terminal() {
		if c.State == state {
			return state, nil
		}
		return "", apperr.ErrAlreadyResolved.With("claim of %s on %s is already %s", hotkey, id, c.State)
	}
	resolved := at.UTC()
	c.State = state
	c.ResolvedAt = &resolved
	return state, nil
}

// Issues returns all records ordered by key
func (l *Ledger) Issues() []*IssueRecord {
	keys := make([]string, 0, len(l.issues))
	for k := range l.issues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*IssueRecord, len(keys))
	for i, k := range keys {
		out[i] = l.issues[k]
	}
	return out
}

// Claims returns every claim, ordered by issue key then hotkey
func (l *Ledger) Claims() []Claim {
	var out []Claim
	for _, r := range l.Issues() {
		out = append(out, r.Claims...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := out[i].Issue.Key(), out[j].Issue.Key()
		if ki != kj {
			return ki < kj
		}
		return out[i].Hotkey < out[j].Hotkey
	})
	return out
}

// ClaimsByState returns the claims in any of the given states
func (l *Ledger) ClaimsByState(states ...State) []Claim {
	var out []Claim
	for _, c := range l.Claims() {
		for _, s := range states {
			if c.State == s {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// ClaimsFor returns hotkey's claims
func (l *Ledger) ClaimsFor(hotkey string) []Claim {
	var out []Claim
	for _, c := range l.Claims() {
		if c.Hotkey == hotkey {
			out = append(out, c)
		}
	}
	return out
}
