// Package scoring turns a ledger snapshot into per-hotkey aggregates and
// the quantized weight vector.
//
// Every quantity is fixed-point integer arithmetic. Points are counted in
// micro-points and raw weights in units of 1e-8, so independently running
// validators produce the same vector bit for bit.
package scoring

import (
	"math"
	"math/bits"
	"sort"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/ledger"
)

const (
	// Micro is one point in micro-points
	Micro int64 = 1_000_000
	// RawUnit is a raw weight of 1.0
	RawUnit int64 = 100_000_000
	// MaxWeight is the quantization budget of the exported vector
	MaxWeight = 65535
	// Window is how far back terminal claims count
	Window = 24 * time.Hour
	// StarBonus is the bonus per starred target repository
	StarBonus = Micro / 4
)

// ToMicro converts a decimal point value such as a repo multiplier
func ToMicro(points float64) int64 {
	return int64(math.Round(points * float64(Micro)))
}

// FromMicro converts micro-points back to points for display
func FromMicro(micro int64) float64 {
	return float64(micro) / float64(Micro)
}

// Aggregate is the derived per-hotkey summary. It is never stored as
// ground truth.
type Aggregate struct {
	Hotkey           string
	Valid            int
	Invalid          int
	Duplicate        int
	ValidPoints      int64 // micro
	StarBonus        int64 // micro
	InvalidPenalty   int64 // micro
	DuplicatePenalty int64 // micro
	NetPoints        int64 // micro
	RawWeight        int64 // RawUnit
}

// Totals are the cross-hotkey figures some strategies depend on
type Totals struct {
	Valid int
}

// Strategy maps an aggregate to a raw weight in RawUnit
type Strategy interface {
	Name() string
	RawWeight(a Aggregate, t Totals) int64
}

// Config parameterizes a scoring pass
type Config struct {
	Strategy Strategy
	// StarCap limits the star bonus, in micro-points. Zero means no cap.
	StarCap int64
}

// Snapshot is the ledger state a scoring pass reads
type Snapshot struct {
	Hotkeys []string
	Claims  []ledger.Claim
	// Stars maps hotkey to the number of starred target repositories
	Stars map[string]int
}

// InWindow reports whether a terminal claim resolved within Window of at
func InWindow(c ledger.Claim, at time.Time) bool {
	if !c.State.Terminal() || c.ResolvedAt == nil {
		return false
	}
	r := *c.ResolvedAt
	return !r.After(at) && r.After(at.Add(-Window))
}

// Compute builds the aggregate of every registered hotkey, ordered by
// hotkey. Claims of unregistered hotkeys are ignored.
func Compute(s Snapshot, cfg Config, at time.Time) []Aggregate {
	if cfg.Strategy == nil {
		cfg.Strategy = Linear{}
	}

	hotkeys := append([]string(nil), s.Hotkeys...)
	sort.Strings(hotkeys)
	index := make(map[string]int, len(hotkeys))
	aggs := make([]Aggregate, len(hotkeys))
	for i, hk := range hotkeys {
		index[hk] = i
		aggs[i].Hotkey = hk
	}

	var totals Totals
	for _, c := range s.Claims {
		i, ok := index[c.Hotkey]
		if !ok || !InWindow(c, at) {
			continue
		}
		switch c.State {
		case ledger.StateValid:
			aggs[i].Valid++
			aggs[i].ValidPoints += ToMicro(c.Multiplier)
			totals.Valid++
		case ledger.StateInvalid:
			aggs[i].Invalid++
		case ledger.StateDuplicate:
			aggs[i].Duplicate++
		}
	}

	for i := range aggs {
		a := &aggs[i]
		a.StarBonus = int64(s.Stars[a.Hotkey]) * StarBonus
		if cfg.StarCap > 0 && a.StarBonus > cfg.StarCap {
			a.StarBonus = cfg.StarCap
		}
		a.InvalidPenalty = Penalty(a.Invalid, a.Valid)
		a.DuplicatePenalty = Penalty(a.Duplicate, a.Valid)
		a.NetPoints = a.ValidPoints + a.StarBonus - a.InvalidPenalty - a.DuplicatePenalty
		a.RawWeight = max(cfg.Strategy.RawWeight(*a, totals), 0)
	}
	return aggs
}

// Penalty is max(0, bad - valid) points, in micro-points
func Penalty(bad, valid int) int64 {
	if bad <= valid {
		return 0
	}
	return int64(bad-valid) * Micro
}

// Weight is one entry of the exported vector
type Weight struct {
	Hotkey string `json:"hotkey"`
	Weight uint16 `json:"weight"`
}

// Weights normalizes raw weights over all aggregates and quantizes them to
// floor(raw_i × 65535 / Σraw). The remainder is dropped. Output keeps the
// hotkey order of aggs, which Compute sorts lexicographically.
func Weights(aggs []Aggregate) []Weight {
	var sum uint64
	for _, a := range aggs {
		if a.RawWeight > 0 {
			sum += uint64(a.RawWeight)
		}
	}
	out := make([]Weight, len(aggs))
	for i, a := range aggs {
		out[i].Hotkey = a.Hotkey
		if sum == 0 || a.RawWeight <= 0 {
			continue
		}
		hi, lo := bits.Mul64(uint64(a.RawWeight), MaxWeight)
		q, _ := bits.Div64(hi, lo, sum)
		out[i].Weight = uint16(q)
	}
	return out
}
