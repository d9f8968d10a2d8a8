// Package planner selects which segments to compact. Both planners are pure
// functions over a snapshot of segments: they never mutate segments or touch
// storage.
package planner

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer/segment"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-index/pkg/errors"
)

// Strategy names a merge planning policy.
type Strategy string

const (
	StrategyKnapsack Strategy = "knapsack"
	StrategyGreedy   Strategy = "greedy"
)

// ParseStrategy accepts the config spelling of a strategy, case-insensitive.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyKnapsack, "dp":
		return StrategyKnapsack, nil
	case StrategyGreedy:
		return StrategyGreedy, nil
	default:
		return "", fmt.Errorf("%w: %q", apperrors.ErrUnknownStrategy, s)
	}
}

// Candidate is one segment scored for the knapsack planner.
type Candidate struct {
	Segment *segment.Segment
	Cost    int
	Benefit int
}

// Score computes the knapsack cost and benefit of a segment. Cost is the
// size estimate floored at 1; benefit inflates cost by ten times the deleted
// ratio so segments full of tombstones are preferred.
func Score(s *segment.Segment) Candidate {
	cost := s.SizeBytesEstimate()
	if cost < 1 {
		cost = 1
	}
	benefit := int(math.Round(float64(cost) * (1 + s.DeletedRatio()*10)))
	return Candidate{Segment: s, Cost: cost, Benefit: benefit}
}

// Knapsack picks the subset of segs with the highest total benefit whose
// total cost fits within budget, solved as a 0/1 knapsack with a bottom-up
// table. An item is only taken when it strictly improves the best value at
// that capacity, so earlier items win ties. The table width is capped at the
// total cost of segs, so oversized budgets cost no extra memory.
func Knapsack(segs []*segment.Segment, budget int) []*segment.Segment {
	if budget <= 0 || len(segs) == 0 {
		return nil
	}
	items := make([]Candidate, len(segs))
	for i, s := range segs {
		items[i] = Score(s)
	}
	n := len(items)
	total := 0
	for _, it := range items {
		total += it.Cost
	}
	// Every subset fits once the budget covers the total cost.
	budget = min(budget, total)
	dp := make([][]int, n+1)
	take := make([][]bool, n+1)
	for i := range dp {
		dp[i] = make([]int, budget+1)
		take[i] = make([]bool, budget+1)
	}
	for i := 1; i <= n; i++ {
		it := items[i-1]
		for w := 0; w <= budget; w++ {
			dp[i][w] = dp[i-1][w]
			if it.Cost <= w {
				if v := dp[i-1][w-it.Cost] + it.Benefit; v > dp[i][w] {
					dp[i][w] = v
					take[i][w] = true
				}
			}
		}
	}

	chosen := make([]*segment.Segment, 0)
	w := budget
	for i := n; i >= 1; i-- {
		if take[i][w] {
			chosen = append(chosen, items[i-1].Segment)
			w -= items[i-1].Cost
		}
	}
	return chosen
}

// Greedy returns up to maxPick segments ordered by deleted ratio, highest
// first. Segments with equal ratios keep their input order.
func Greedy(segs []*segment.Segment, maxPick int) []*segment.Segment {
	if maxPick <= 0 || len(segs) == 0 {
		return nil
	}
	type ranked struct {
		seg   *segment.Segment
		ratio float64
	}
	all := make([]ranked, len(segs))
	for i, s := range segs {
		all[i] = ranked{seg: s, ratio: s.DeletedRatio()}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].ratio > all[j].ratio
	})
	if maxPick > len(all) {
		maxPick = len(all)
	}
	out := make([]*segment.Segment, maxPick)
	for i := range out {
		out[i] = all[i].seg
	}
	return out
}

// Plan dispatches to the planner for strategy. limit is the byte budget for
// knapsack and the pick count for greedy.
func Plan(strategy Strategy, segs []*segment.Segment, limit int) ([]*segment.Segment, error) {
	switch strategy {
	case StrategyKnapsack:
		return Knapsack(segs, limit), nil
	case StrategyGreedy:
		return Greedy(segs, limit), nil
	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownStrategy, strategy)
	}
}
