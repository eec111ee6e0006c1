// Package engine wires the registry, the claim ledger and scoring behind
// the consensus coordinator.
//
// Ledger state is never mutated in place. Every read rebuilds it by folding
// the accepted proposal log in acceptance order, and every accepted
// proposal writes the derived key-value views in the same transaction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/apperr"
	"github.com/skridlevsky/openchaos-bounty/internal/consensus"
	"github.com/skridlevsky/openchaos-bounty/internal/identity"
	"github.com/skridlevsky/openchaos-bounty/internal/ledger"
	"github.com/skridlevsky/openchaos-bounty/internal/metrics"
	"github.com/skridlevsky/openchaos-bounty/internal/registry"
	"github.com/skridlevsky/openchaos-bounty/internal/scoring"
	"github.com/skridlevsky/openchaos-bounty/internal/store"
)

// Config holds engine settings
type Config struct {
	// Self is this node's validator id, used as proposer
	Self     string
	Repos    map[string]float64
	Label    string
	Policy   registry.Policy
	Skew     time.Duration
	Strategy scoring.Strategy
	// StarCap caps the star bonus in points; zero disables the cap
	StarCap  float64
	Verifier identity.Verifier
	Now      func() time.Time
	Metrics  *metrics.Metrics
}

// Engine is the validator-side entry point for every ledger operation
type Engine struct {
	store   store.Store
	coord   *consensus.Coordinator
	cfg     Config
	scoring scoring.Config
	now     func() time.Time

	mu     sync.Mutex
	cached *State
	facts  FactSource
}

// New creates an engine and its coordinator. consensusCfg.Now and Metrics
// default to the engine's.
func New(st store.Store, cfg Config, consensusCfg consensus.Config) (*Engine, error) {
	if cfg.Self == "" {
		return nil, fmt.Errorf("validator id is required")
	}
	if len(cfg.Repos) == 0 {
		return nil, fmt.Errorf("at least one target repository is required")
	}
	if cfg.Verifier == nil {
		cfg.Verifier = identity.Ed25519{}
	}
	if cfg.Strategy == nil {
		cfg.Strategy = scoring.Linear{}
	}
	if !cfg.Policy.Valid() {
		cfg.Policy = registry.PolicyReplace
	}
	if cfg.Skew <= 0 {
		cfg.Skew = registry.DefaultSkew
	}
	if cfg.Label == "" {
		cfg.Label = ledger.DefaultLabel
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		store: st,
		cfg:   cfg,
		scoring: scoring.Config{
			Strategy: cfg.Strategy,
			StarCap:  scoring.ToMicro(cfg.StarCap),
		},
		now: func() time.Time { return now().UTC() },
	}

	if consensusCfg.Now == nil {
		consensusCfg.Now = now
	}
	if consensusCfg.Metrics == nil {
		consensusCfg.Metrics = cfg.Metrics
	}
	coord, err := consensus.New(st, e, consensusCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	if !coord.IsValidator(cfg.Self) {
		return nil, fmt.Errorf("validator %s is not in the validator set", cfg.Self)
	}
	e.coord = coord
	return e, nil
}

// Coordinator exposes the consensus coordinator for lifecycle control
func (e *Engine) Coordinator() *consensus.Coordinator {
	return e.coord
}

// Self returns this node's validator id
func (e *Engine) Self() string {
	return e.cfg.Self
}

// State is the ledger rebuilt from the accepted log
type State struct {
	Registry *registry.Registry
	Ledger   *ledger.Ledger
	// Stars maps lowercase username to starred target repository count
	Stars   map[string]int
	Timeout *consensus.TimeoutConfig
	Applied map[string]bool
	// Head is the raw accepted_head value the state was folded at
	Head     string
	Accepted int
}

func (e *Engine) emptyState() *State {
	return &State{
		Registry: registry.New(e.cfg.Policy),
		Ledger:   ledger.New(e.cfg.Repos, e.cfg.Label),
		Stars:    make(map[string]int),
		Applied:  make(map[string]bool),
	}
}

// fold rebuilds the state from the accepted log visible to r
func (e *Engine) fold(r store.Reader) (*State, error) {
	s := e.emptyState()
	head, err := r.Get(consensus.KeyAcceptedHead)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	s.Head = string(head)

	entries, err := r.List(store.PrefixAccepted)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		p, err := consensus.DecodeAccepted(entry.Value)
		if err != nil {
			return nil, err
		}
		if s.Applied[p.ID] {
			continue
		}
		if err := e.applyTo(s, p); err != nil {
			// Only reachable when target repositories were reconfigured
			// after the proposal was accepted.
			slog.Warn("Skipping accepted proposal during replay",
				"id", p.ID,
				"kind", p.Kind,
				"error", err,
			)
		}
	}
	return s, nil
}

// snapshot returns the current state, reusing the last fold while the
// accepted log is unchanged. Callers must not mutate it.
func (e *Engine) snapshot(ctx context.Context) (*State, error) {
	var s *State
	err := e.store.View(ctx, func(r store.Reader) error {
		var err error
		s, _, err = e.stateAt(r)
		return err
	})
	if err != nil {
		return nil, apperr.Storage("load ledger", err)
	}
	e.mu.Lock()
	e.cached = s
	e.mu.Unlock()
	return s, nil
}

// stateAt returns the state at r's accepted head. shared reports that it is
// the cached fold, which callers must not mutate.
func (e *Engine) stateAt(r store.Reader) (s *State, shared bool, err error) {
	head, err := r.Get(consensus.KeyAcceptedHead)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	e.mu.Lock()
	cached := e.cached
	e.mu.Unlock()
	if cached != nil && cached.Head == string(head) {
		return cached, true, nil
	}
	s, err = e.fold(r)
	return s, false, err
}

// clone copies s so a proposal can be applied without touching the cache
func (s *State) clone() *State {
	out := &State{
		Registry: s.Registry.Clone(),
		Ledger:   s.Ledger.Clone(),
		Stars:    make(map[string]int, len(s.Stars)),
		Timeout:  s.Timeout,
		Applied:  make(map[string]bool, len(s.Applied)),
		Head:     s.Head,
		Accepted: s.Accepted,
	}
	for u, n := range s.Stars {
		out.Stars[u] = n
	}
	for id := range s.Applied {
		out.Applied[id] = true
	}
	return out
}

// Check implements consensus.Applier
func (e *Engine) Check(r store.Reader, kind string, payload []byte) (string, error) {
	key, err := logicalKey(kind, payload)
	if err != nil {
		return "", err
	}
	s, shared, err := e.stateAt(r)
	if err != nil {
		return "", err
	}
	if !shared {
		// Check runs before anything is accepted in its transaction, so the
		// fold matches a committed head
		e.mu.Lock()
		e.cached = s
		e.mu.Unlock()
	}

	switch kind {
	case KindRegister:
		var req registry.Request
		if err := decodePayload(payload, &req); err != nil {
			return "", err
		}
		if !e.cfg.Verifier.Verify(identity.RegisterMessage(req.GitHubUsername, req.Timestamp), req.Signature, req.Hotkey) {
			return "", apperr.ErrInvalidSignature.With("signature does not verify for hotkey %s", req.Hotkey)
		}
		return key, s.Registry.Check(req)

	case KindClaim:
		var c ClaimPayload
		if err := decodePayload(payload, &c); err != nil {
			return "", err
		}
		return key, s.Ledger.CheckClaim(c.Issue, c.Hotkey, usernameOf(s, c.Hotkey))

	case KindResolve:
		var rp ResolvePayload
		if err := decodePayload(payload, &rp); err != nil {
			return "", err
		}
		if !rp.State.Terminal() {
			return "", apperr.ErrInvalidPayload.With("cannot resolve to %s", rp.State)
		}
		rec, ok := s.Ledger.Record(rp.Issue)
		if !ok {
			return "", apperr.ErrUnknownIssue.With("issue %s has not been synced", rp.Issue)
		}
		c, ok := rec.Claim(rp.Hotkey)
		if !ok {
			return "", apperr.ErrInvalidPayload.With("hotkey %s has no claim on %s", rp.Hotkey, rp.Issue)
		}
		if c.State.Terminal() {
			return "", apperr.ErrAlreadyResolved.With("claim of %s on %s is already %s", rp.Hotkey, rp.Issue, c.State)
		}
		return key, nil

	case KindSync:
		var sp SyncPayload
		if err := decodePayload(payload, &sp); err != nil {
			return "", err
		}
		if len(sp.Issues) == 0 && len(sp.Stars) == 0 {
			return "", apperr.ErrInvalidPayload.With("sync payload is empty")
		}
		for _, f := range sp.Issues {
			if _, ok := s.Ledger.Multiplier(f.Issue); !ok {
				return "", apperr.ErrUnknownRepo.With("%s is not a target repository", f.Issue.RepoName())
			}
		}
		return key, nil

	case KindTimeoutConfig:
		var tp TimeoutPayload
		if err := decodePayload(payload, &tp); err != nil {
			return "", err
		}
		return key, consensus.ValidateTimeout(time.Duration(tp.Seconds) * time.Second)
	}
	return "", apperr.ErrInvalidPayload.With("unknown proposal kind %q", kind)
}

// Apply implements consensus.Applier. The proposal is validated against
// the state at tx's accepted head, so exactly against what is durable.
func (e *Engine) Apply(tx store.Txn, p *consensus.Proposal) error {
	s, shared, err := e.stateAt(tx)
	if err != nil {
		return err
	}
	if s.Applied[p.ID] {
		return nil
	}
	if shared {
		s = s.clone()
	}
	prior := priorView(s, p)
	if err := e.applyTo(s, p); err != nil {
		return err
	}
	if err := e.writeViews(tx, s, p, prior); err != nil {
		return fmt.Errorf("failed to write views: %w", err)
	}
	e.publish(s)
	return nil
}

// applyTo folds one accepted proposal into s. On error s is unchanged.
func (e *Engine) applyTo(s *State, p *consensus.Proposal) error {
	at := p.CreatedAt
	if p.DecidedAt != nil {
		at = *p.DecidedAt
	}

	switch p.Kind {
	case KindRegister:
		var req registry.Request
		if err := decodePayload(p.Payload, &req); err != nil {
			return err
		}
		if !e.cfg.Verifier.Verify(identity.RegisterMessage(req.GitHubUsername, req.Timestamp), req.Signature, req.Hotkey) {
			return apperr.ErrInvalidSignature.With("signature does not verify for hotkey %s", req.Hotkey)
		}
		if err := s.Registry.Apply(req, at); err != nil {
			return err
		}

	case KindClaim:
		var c ClaimPayload
		if err := decodePayload(p.Payload, &c); err != nil {
			return err
		}
		if err := s.Ledger.AddClaim(c.Issue, c.Hotkey, usernameOf(s, c.Hotkey), p.CreatedAt); err != nil {
			return err
		}

	case KindResolve:
		var rp ResolvePayload
		if err := decodePayload(p.Payload, &rp); err != nil {
			return err
		}
		if _, err := s.Ledger.Resolve(rp.Issue, rp.Hotkey, rp.State, at); err != nil {
			return err
		}

	case KindSync:
		var sp SyncPayload
		if err := decodePayload(p.Payload, &sp); err != nil {
			return err
		}
		for _, f := range sp.Issues {
			if _, ok := s.Ledger.Multiplier(f.Issue); !ok {
				return apperr.ErrUnknownRepo.With("%s is not a target repository", f.Issue.RepoName())
			}
		}
		for _, f := range sp.Issues {
			if err := s.Ledger.SetFacts(f.Issue, f.Facts, at); err != nil {
				return err
			}
		}
		for _, star := range sp.Stars {
			s.Stars[strings.ToLower(star.GitHubUsername)] = star.Count
		}

	case KindTimeoutConfig:
		var tp TimeoutPayload
		if err := decodePayload(p.Payload, &tp); err != nil {
			return err
		}
		if err := consensus.ValidateTimeout(time.Duration(tp.Seconds) * time.Second); err != nil {
			return err
		}
		s.Timeout = &consensus.TimeoutConfig{Seconds: tp.Seconds, UpdatedAt: at, ProposalID: p.ID}

	default:
		return apperr.ErrInvalidPayload.With("unknown proposal kind %q", p.Kind)
	}

	s.Applied[p.ID] = true
	s.Accepted++
	return nil
}

func (e *Engine) publish(s *State) {
	counts := map[string]int{
		string(ledger.StatePending):   0,
		string(ledger.StateValid):     0,
		string(ledger.StateInvalid):   0,
		string(ledger.StateDuplicate): 0,
	}
	for _, c := range s.Ledger.Claims() {
		counts[string(c.State)]++
	}
	e.cfg.Metrics.SetLedger(s.Registry.Len(), counts)
}

func usernameOf(s *State, hotkey string) string {
	reg, ok := s.Registry.Lookup(hotkey)
	if !ok {
		return ""
	}
	return reg.GitHubUsername
}

// starsByHotkey maps star records onto registered hotkeys
func starsByHotkey(s *State) map[string]int {
	out := make(map[string]int, len(s.Stars))
	for username, n := range s.Stars {
		if hk, ok := s.Registry.HotkeyFor(username); ok {
			out[hk] = n
		}
	}
	return out
}

func (e *Engine) aggregates(s *State, at time.Time) []scoring.Aggregate {
	return scoring.Compute(scoring.Snapshot{
		Hotkeys: s.Registry.Hotkeys(),
		Claims:  s.Ledger.Claims(),
		Stars:   starsByHotkey(s),
	}, e.scoring, at)
}
