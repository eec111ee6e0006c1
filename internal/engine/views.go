package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/consensus"
	"github.com/skridlevsky/openchaos-bounty/internal/ledger"
	"github.com/skridlevsky/openchaos-bounty/internal/registry"
	"github.com/skridlevsky/openchaos-bounty/internal/scoring"
	"github.com/skridlevsky/openchaos-bounty/internal/store"
)

// Balance is the lifetime tally stored at balance:<hotkey>. Scoring never
// reads it; it exists for external readers of the store.
type Balance struct {
	Hotkey      string    `json:"hotkey"`
	Pending     int       `json:"pending"`
	Valid       int       `json:"valid"`
	Invalid     int       `json:"invalid"`
	Duplicate   int       `json:"duplicate"`
	ValidPoints float64   `json:"valid_points"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Standing is one leaderboard row, scored over the 24h window
type Standing struct {
	Rank             int     `json:"rank"`
	Hotkey           string  `json:"hotkey"`
	GitHubUsername   string  `json:"github_username"`
	ValidIssues      int     `json:"valid_issues"`
	InvalidIssues    int     `json:"invalid_issues"`
	DuplicateIssues  int     `json:"duplicate_issues"`
	ValidPoints      float64 `json:"valid_points"`
	StarBonus        float64 `json:"star_bonus"`
	InvalidPenalty   float64 `json:"invalid_penalty"`
	DuplicatePenalty float64 `json:"duplicate_penalty"`
	NetPoints        float64 `json:"net_points"`
	RawWeight        float64 `json:"raw_weight"`
	Weight           uint16  `json:"weight"`
}

// Leaderboard is the value stored at leaderboard
type Leaderboard struct {
	ComputedAt time.Time  `json:"computed_at"`
	Strategy   string     `json:"strategy"`
	Standings  []Standing `json:"standings"`
}

// prior captures what a proposal is about to overwrite
type prior struct {
	username string
}

func priorView(s *State, p *consensus.Proposal) prior {
	if p.Kind != KindRegister {
		return prior{}
	}
	var req registry.Request
	if decodePayload(p.Payload, &req) != nil {
		return prior{}
	}
	if reg, ok := s.Registry.Lookup(req.Hotkey); ok {
		return prior{username: reg.Username()}
	}
	return prior{}
}

// writeViews refreshes the keys touched by p plus the leaderboard
func (e *Engine) writeViews(tx store.Txn, s *State, p *consensus.Proposal, before prior) error {
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
		reg, _ := s.Registry.Lookup(req.Hotkey)
		if err := store.SetJSON(tx, store.UserKey(reg.Hotkey), reg); err != nil {
			return err
		}
		if before.username != "" && before.username != reg.Username() {
			if err := tx.Delete(store.GitHubKey(before.username)); err != nil {
				return err
			}
		}
		if err := store.SetJSON(tx, store.GitHubKey(reg.Username()), reg.Hotkey); err != nil {
			return err
		}
		if err := store.SetJSON(tx, store.KeyRegisteredHotkeys, s.Registry.Hotkeys()); err != nil {
			return err
		}
		if err := writeBalance(tx, s, reg.Hotkey, at); err != nil {
			return err
		}

	case KindClaim, KindResolve:
		var c ClaimPayload
		if err := decodePayload(p.Payload, &c); err != nil {
			return err
		}
		rec, _ := s.Ledger.Record(c.Issue)
		if err := store.SetJSON(tx, c.Issue.Key(), rec); err != nil {
			return err
		}
		if err := writeBalance(tx, s, c.Hotkey, at); err != nil {
			return err
		}

	case KindSync:
		var sp SyncPayload
		if err := decodePayload(p.Payload, &sp); err != nil {
			return err
		}
		for _, f := range sp.Issues {
			rec, _ := s.Ledger.Record(f.Issue)
			if err := store.SetJSON(tx, f.Issue.Key(), rec); err != nil {
				return err
			}
		}
		if len(sp.Issues) > 0 {
			if err := store.SetJSON(tx, store.KeySyncedIssues, syncedIssues(s)); err != nil {
				return err
			}
		}
		for _, star := range sp.Stars {
			username := strings.ToLower(star.GitHubUsername)
			if err := store.SetJSON(tx, store.StarsKey(username), s.Stars[username]); err != nil {
				return err
			}
		}

	case KindTimeoutConfig:
		if err := store.SetJSON(tx, store.KeyTimeoutConfig, s.Timeout); err != nil {
			return err
		}
	}

	return store.SetJSON(tx, store.KeyLeaderboard, Leaderboard{
		ComputedAt: at,
		Strategy:   e.scoring.Strategy.Name(),
		Standings:  e.standings(s, at),
	})
}

func writeBalance(tx store.Txn, s *State, hotkey string, at time.Time) error {
	b := Balance{Hotkey: hotkey, UpdatedAt: at}
	for _, c := range s.Ledger.ClaimsFor(hotkey) {
		switch c.State {
		case ledger.StatePending:
			b.Pending++
		case ledger.StateValid:
			b.Valid++
			b.ValidPoints += c.Multiplier
		case ledger.StateInvalid:
			b.Invalid++
		case ledger.StateDuplicate:
			b.Duplicate++
		}
	}
	return store.SetJSON(tx, store.BalanceKey(hotkey), b)
}

func syncedIssues(s *State) []string {
	var out []string
	for _, rec := range s.Ledger.Issues() {
		if rec.Facts != nil {
			out = append(out, rec.Issue.Key())
		}
	}
	return out
}

// standings scores every registered hotkey at time at, ordered by net
// points descending then hotkey.
func (e *Engine) standings(s *State, at time.Time) []Standing {
	aggs := e.aggregates(s, at)
	weights := scoring.Weights(aggs)
	out := make([]Standing, len(aggs))
	for i, a := range aggs {
		out[i] = Standing{
			Hotkey:           a.Hotkey,
			GitHubUsername:   usernameOf(s, a.Hotkey),
			ValidIssues:      a.Valid,
			InvalidIssues:    a.Invalid,
			DuplicateIssues:  a.Duplicate,
			ValidPoints:      scoring.FromMicro(a.ValidPoints),
			StarBonus:        scoring.FromMicro(a.StarBonus),
			InvalidPenalty:   scoring.FromMicro(a.InvalidPenalty),
			DuplicatePenalty: scoring.FromMicro(a.DuplicatePenalty),
			NetPoints:        scoring.FromMicro(a.NetPoints),
			RawWeight:        float64(a.RawWeight) / float64(scoring.RawUnit),
			Weight:           weights[i].Weight,
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].NetPoints != out[j].NetPoints {
			return out[i].NetPoints > out[j].NetPoints
		}
		return out[i].Hotkey < out[j].Hotkey
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
