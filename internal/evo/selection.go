package evo

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"archipelago/internal/model"
)

// Selector picks k members of a population and returns their indices.
// Selectors never modify the population.
type Selector interface {
	Name() string
	SelectIndices(rng *rand.Rand, pop []model.Individual, k int) []int
}

// SelectionSpec is the configuration form of a selector.
type SelectionSpec struct {
	Type      string `json:"type" yaml:"type"`
	TournSize int    `json:"tournsize,omitempty" yaml:"tournsize,omitempty"`
}

func NewSelector(spec SelectionSpec) (Selector, error) {
	switch strings.ToLower(spec.Type) {
	case "", "tournament", "seltournament":
		size := spec.TournSize
		if size <= 0 {
			size = 3
		}
		return TournamentSelector{TournSize: size}, nil
	case "best", "selbest":
		return BestSelector{}, nil
	case "worst", "selworst":
		return WorstSelector{}, nil
	case "random", "selrandom":
		return RandomSelector{}, nil
	case "roulette", "selroulette":
		return RouletteSelector{}, nil
	default:
		return nil, fmt.Errorf("unsupported selection: %s", spec.Type)
	}
}

// Select returns copies of the selected individuals.
func Select(s Selector, rng *rand.Rand, pop []model.Individual, k int) []model.Individual {
	idx := s.SelectIndices(rng, pop, k)
	out := make([]model.Individual, len(idx))
	for i, j := range idx {
		out[i] = pop[j].Clone()
	}
	return out
}

// ranked returns population indices ordered best first. Ties keep their
// population order.
func ranked(pop []model.Individual) []int {
	idx := make([]int, len(pop))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return pop[idx[a]].Fitness.Compare(pop[idx[b]].Fitness) > 0
	})
	return idx
}

// BestSelector returns the k best distinct indices.
type BestSelector struct{}

func (BestSelector) Name() string {
	return "best"
}

func (BestSelector) SelectIndices(_ *rand.Rand, pop []model.Individual, k int) []int {
	if k > len(pop) {
		k = len(pop)
	}
	return ranked(pop)[:k]
}

// WorstSelector returns the k worst distinct indices.
type WorstSelector struct{}

func (WorstSelector) Name() string {
	return "worst"
}

func (WorstSelector) SelectIndices(_ *rand.Rand, pop []model.Individual, k int) []int {
	if k > len(pop) {
		k = len(pop)
	}
	order := ranked(pop)
	out := make([]int, k)
	for i := 0; i < k; i++ {
		out[i] = order[len(order)-1-i]
	}
	return out
}

// RandomSelector draws k indices uniformly with replacement.
type RandomSelector struct{}

func (RandomSelector) Name() string {
	return "random"
}

func (RandomSelector) SelectIndices(rng *rand.Rand, pop []model.Individual, k int) []int {
	if len(pop) == 0 {
		return nil
	}
	out := make([]int, k)
	for i := range out {
		out[i] = rng.IntN(len(pop))
	}
	return out
}

// TournamentSelector runs k tournaments of TournSize aspirants drawn with
// replacement and keeps each winner.
type TournamentSelector struct {
	TournSize int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) SelectIndices(rng *rand.Rand, pop []model.Individual, k int) []int {
	if len(pop) == 0 {
		return nil
	}
	size := s.TournSize
	if size <= 0 {
		size = 1
	}
	out := make([]int, k)
	for i := range out {
		best := rng.IntN(len(pop))
		for j := 1; j < size; j++ {
			candidate := rng.IntN(len(pop))
			if pop[candidate].Fitness.Compare(pop[best].Fitness) > 0 {
				best = candidate
			}
		}
		out[i] = best
	}
	return out
}

// RouletteSelector draws k indices with probability proportional to the
// weighted first objective, shifted so the worst scored member has weight
// zero. Failed members (invalid, non-finite or carrying the failure
// sentinel) have no score and are never drawn while any member is scored.
// When the scored members tie the draw is uniform over them.
type RouletteSelector struct{}

func (RouletteSelector) Name() string {
	return "roulette"
}

func (RouletteSelector) SelectIndices(rng *rand.Rand, pop []model.Individual, k int) []int {
	if len(pop) == 0 {
		return nil
	}
	order := ranked(pop)
	scores := make([]float64, len(order))
	scored := make([]int, 0, len(order))
	floor := math.Inf(1)
	for i, j := range order {
		v, ok := primaryScore(pop[j])
		if !ok {
			continue
		}
		scores[i] = v
		scored = append(scored, i)
		floor = min(floor, v)
	}
	total := 0.0
	for _, i := range scored {
		scores[i] -= floor
		total += scores[i]
	}

	out := make([]int, k)
	for i := range out {
		if total <= 0 || math.IsInf(total, 0) {
			if len(scored) == 0 {
				out[i] = rng.IntN(len(pop))
			} else {
				out[i] = order[scored[rng.IntN(len(scored))]]
			}
			continue
		}
		target := rng.Float64() * total
		acc := 0.0
		out[i] = order[scored[len(scored)-1]]
		for _, n := range scored {
			acc += scores[n]
			if acc > target {
				out[i] = order[n]
				break
			}
		}
	}
	return out
}

// primaryScore is the weighted first objective. ok is false for members
// whose evaluation failed.
func primaryScore(ind model.Individual) (float64, bool) {
	if !ind.Fitness.Valid {
		return 0, false
	}
	weighted := ind.Fitness.Weighted()
	if len(weighted) == 0 {
		return 0, false
	}
	v := weighted[0]
	if math.IsNaN(v) || math.Abs(v) >= sentinelMagnitude {
		return 0, false
	}
	return v, true
}

// sentinelMagnitude bounds ordinary scores. The failure sentinel is
// ±math.MaxFloat64 and anything this large is treated the same.
const sentinelMagnitude = 1e300
