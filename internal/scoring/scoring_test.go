package scoring

import (
	"math/rand"
	"testing"
	"time"

	"github.com/skridlevsky/openchaos-bounty/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

func claim(hotkey string, st ledger.State, mult float64, resolved time.Time) ledger.Claim {
	return ledger.Claim{
		Issue:      ledger.NewIssueID("o", "r", rand.Intn(1_000_000)+1),
		Hotkey:     hotkey,
		State:      st,
		ResolvedAt: &resolved,
		Multiplier: mult,
	}
}

func TestWeights_NetPointsScenario(t *testing.T) {
	snap := Snapshot{
		Hotkeys: []string{"C", "A", "B"},
		Claims: []ledger.Claim{
			claim("A", ledger.StateValid, 10, now.Add(-time.Hour)),
			claim("B", ledger.StateValid, 5, now.Add(-time.Hour)),
			claim("C", ledger.StateValid, 2, now.Add(-time.Hour)),
		},
	}
	aggs := Compute(snap, Config{}, now)
	require.Len(t, aggs, 3)
	assert.Equal(t, 10*Micro, aggs[0].NetPoints)
	assert.Equal(t, 5*Micro, aggs[1].NetPoints)
	assert.Equal(t, 2*Micro, aggs[2].NetPoints)

	w := Weights(aggs)
	// exact floor of raw*65535/sum, see Quantization in DESIGN.md
	assert.Equal(t, []Weight{
		{Hotkey: "A", Weight: 38550},
		{Hotkey: "B", Weight: 19275},
		{Hotkey: "C", Weight: 7710},
	}, w)
}

func TestWeights_AllZero(t *testing.T) {
	aggs := Compute(Snapshot{Hotkeys: []string{"A", "B"}}, Config{}, now)
	for _, w := range Weights(aggs) {
		assert.Zero(t, w.Weight)
	}
}

func TestWeights_BudgetHolds(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	states := []ledger.State{ledger.StateValid, ledger.StateInvalid, ledger.StateDuplicate, ledger.StatePending}
	for round := 0; round < 200; round++ {
		var snap Snapshot
		snap.Stars = map[string]int{}
		n := r.Intn(8) + 1
		for i := 0; i < n; i++ {
			hk := string(rune('a' + i))
			snap.Hotkeys = append(snap.Hotkeys, hk)
			snap.Stars[hk] = r.Intn(4)
			for j := r.Intn(12); j > 0; j-- {
				st := states[r.Intn(len(states))]
				age := time.Duration(r.Intn(30)) * time.Hour
				snap.Claims = append(snap.Claims, claim(hk, st, float64(r.Intn(4)+1)/2, now.Add(-age)))
			}
		}
		for _, s := range []Strategy{Linear{}, Adaptive{}, Logarithmic{}} {
			var sum int
			for _, w := range Weights(Compute(snap, Config{Strategy: s, StarCap: Micro}, now)) {
				sum += int(w.Weight)
			}
			require.LessOrEqual(t, sum, MaxWeight, s.Name())
		}
	}
}

func TestPenaltyMonotonic(t *testing.T) {
	for valid := 0; valid < 5; valid++ {
		prev := int64(0)
		for invalid := 0; invalid < 10; invalid++ {
			p := Penalty(invalid, valid)
			assert.GreaterOrEqual(t, p, int64(0))
			assert.GreaterOrEqual(t, p, prev)
			prev = p
		}
	}
	assert.Equal(t, 2*Micro, Penalty(3, 1))
}

func TestCompute_WindowAndPenalties(t *testing.T) {
	snap := Snapshot{
		Hotkeys: []string{"H"},
		Claims: []ledger.Claim{
			claim("H", ledger.StateValid, 4, now.Add(-time.Hour)),
			claim("H", ledger.StateValid, 1, now.Add(-25*time.Hour)), // outside window
			claim("H", ledger.StateInvalid, 1, now.Add(-time.Minute)),
			claim("H", ledger.StateInvalid, 1, now.Add(-time.Minute)),
			claim("H", ledger.StateInvalid, 1, now.Add(-time.Minute)),
			claim("H", ledger.StateDuplicate, 1, now.Add(-time.Minute)),
			claim("H", ledger.StateValid, 1, now.Add(time.Minute)), // after evaluation time
			{Hotkey: "H", State: ledger.StatePending, Multiplier: 1},
			claim("X", ledger.StateValid, 1, now), // unregistered
		},
		Stars: map[string]int{"H": 3},
	}
	aggs := Compute(snap, Config{}, now)
	require.Len(t, aggs, 1)
	a := aggs[0]
	assert.Equal(t, 1, a.Valid)
	assert.Equal(t, 3, a.Invalid)
	assert.Equal(t, 1, a.Duplicate)
	assert.Equal(t, 4*Micro, a.ValidPoints)
	assert.Equal(t, 3*Micro/4, a.StarBonus)
	assert.Equal(t, 2*Micro, a.InvalidPenalty)
	assert.Zero(t, a.DuplicatePenalty)
	assert.Equal(t, 4*Micro+3*Micro/4-2*Micro, a.NetPoints)
	assert.Equal(t, a.NetPoints*2, a.RawWeight)
}

func TestCompute_StarCapAndNegativeNet(t *testing.T) {
	snap := Snapshot{
		Hotkeys: []string{"A", "B"},
		Claims: []ledger.Claim{
			claim("B", ledger.StateInvalid, 1, now),
			claim("B", ledger.StateInvalid, 1, now),
		},
		Stars: map[string]int{"A": 10},
	}
	aggs := Compute(snap, Config{StarCap: Micro}, now)
	assert.Equal(t, Micro, aggs[0].StarBonus)
	assert.Equal(t, -2*Micro, aggs[1].NetPoints)
	assert.Zero(t, aggs[1].RawWeight)

	w := Weights(aggs)
	assert.Equal(t, uint16(MaxWeight), w[0].Weight)
	assert.Zero(t, w[1].Weight)
}

func TestAdaptive(t *testing.T) {
	s := Adaptive{}
	// below the threshold each issue is worth 0.01, capped at total/250
	assert.Equal(t, RawUnit*4/250, s.RawWeight(Aggregate{Valid: 4}, Totals{Valid: 4}))
	assert.Equal(t, RawUnit*3/100, s.RawWeight(Aggregate{Valid: 3}, Totals{Valid: 80}))
	// above the threshold the per-issue weight shrinks
	assert.Equal(t, 50*(RawUnit/200), s.RawWeight(Aggregate{Valid: 50}, Totals{Valid: 200}))
	// total ceiling at 1.0
	assert.Equal(t, RawUnit, s.RawWeight(Aggregate{Valid: 400}, Totals{Valid: 400}))
	assert.Zero(t, s.RawWeight(Aggregate{}, Totals{Valid: 10}))
}

func TestLogarithmic(t *testing.T) {
	s := Logarithmic{}
	assert.Equal(t, RawUnit/10, s.RawWeight(Aggregate{Valid: 1}, Totals{}))
	assert.Equal(t, RawUnit*3/10, s.RawWeight(Aggregate{Valid: 7}, Totals{}))
	assert.Zero(t, s.RawWeight(Aggregate{}, Totals{}))
}

func TestStrategyByName(t *testing.T) {
	for name, want := range map[string]string{"": "linear", "LINEAR": "linear", "adaptive": "adaptive", "log": "logarithmic"} {
		s, err := StrategyByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, s.Name())
	}
	_, err := StrategyByName("quadratic")
	assert.Error(t, err)
}
