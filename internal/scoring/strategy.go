package scoring

import (
	"fmt"
	"math"
	"strings"
)

// Linear is the default net-points model: raw = net_points × 0.02
type Linear struct{}

func (Linear) Name() string { return "linear" }

func (Linear) RawWeight(a Aggregate, _ Totals) int64 {
	if a.NetPoints <= 0 {
		return 0
	}
	// micro-points × 0.02 in RawUnit is micro-points × 2
	return a.NetPoints * 2
}

// Adaptive spreads a fixed daily emission over the claim volume. Each
// valid issue is worth 0.01 up to 100 issues a day, then 1/total. A user
// is capped at min(total/250, 1.0).
type Adaptive struct{}

const (
	adaptiveThreshold = 100
	adaptiveCeiling   = 250
)

func (Adaptive) Name() string { return "adaptive" }

func (Adaptive) RawWeight(a Aggregate, t Totals) int64 {
	if a.Valid == 0 || t.Valid == 0 {
		return 0
	}
	perIssue := RawUnit / 100
	if t.Valid > adaptiveThreshold {
		perIssue = RawUnit / int64(t.Valid)
	}
	weight := int64(a.Valid) * perIssue
	limit := min(int64(t.Valid)*RawUnit/adaptiveCeiling, RawUnit)
	return min(weight, limit)
}

// Logarithmic gives diminishing returns: log2(1 + valid) / 10
type Logarithmic struct{}

func (Logarithmic) Name() string { return "logarithmic" }

func (Logarithmic) RawWeight(a Aggregate, _ Totals) int64 {
	if a.Valid == 0 {
		return 0
	}
	return int64(math.Round(math.Log2(1+float64(a.Valid)) / 10 * float64(RawUnit)))
}

// StrategyByName resolves a configured strategy name
func StrategyByName(name string) (Strategy, error) {
	switch strings.ToLower(name) {
	case "", "linear":
		return Linear{}, nil
	case "adaptive":
		return Adaptive{}, nil
	case "logarithmic", "log":
		return Logarithmic{}, nil
	}
	return nil, fmt.Errorf("unknown scoring strategy %q", name)
}
