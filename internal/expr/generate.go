package expr

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"archipelago/internal/model"
)

// Generator builds a random expression with a height in [Min, Max].
type Generator interface {
	Name() string
	Generate(rng *rand.Rand, ps *PrimitiveSet) model.Expression
}

type FullGenerator struct {
	Min int
	Max int
}

func (FullGenerator) Name() string {
	return "full"
}

func (g FullGenerator) Generate(rng *rand.Rand, ps *PrimitiveSet) model.Expression {
	return generate(rng, ps, g.Min, g.Max, func(height, depth int) bool {
		return depth == height
	})
}

type GrowGenerator struct {
	Min int
	Max int
}

func (GrowGenerator) Name() string {
	return "grow"
}

func (g GrowGenerator) Generate(rng *rand.Rand, ps *PrimitiveSet) model.Expression {
	terminals := float64(ps.TerminalCount())
	ratio := terminals / (terminals + float64(len(ps.primitives)))
	return generate(rng, ps, g.Min, g.Max, func(height, depth int) bool {
		return depth == height || (depth >= g.Min && rng.Float64() < ratio)
	})
}

// HalfAndHalfGenerator picks full or grow with equal probability per tree.
type HalfAndHalfGenerator struct {
	Min int
	Max int
}

func (HalfAndHalfGenerator) Name() string {
	return "halfAndHalf"
}

func (g HalfAndHalfGenerator) Generate(rng *rand.Rand, ps *PrimitiveSet) model.Expression {
	if rng.IntN(2) == 0 {
		return GrowGenerator(g).Generate(rng, ps)
	}
	return FullGenerator(g).Generate(rng, ps)
}

func NewGenerator(kind string, min, max int) (Generator, error) {
	if min < 0 || max < min {
		return nil, fmt.Errorf("invalid generator height range [%d, %d]", min, max)
	}
	switch strings.ToLower(kind) {
	case "", "halfandhalf", "genhalfandhalf":
		return HalfAndHalfGenerator{Min: min, Max: max}, nil
	case "full", "genfull":
		return FullGenerator{Min: min, Max: max}, nil
	case "grow", "gengrow":
		return GrowGenerator{Min: min, Max: max}, nil
	default:
		return nil, fmt.Errorf("unsupported expression generator: %s", kind)
	}
}

func generate(rng *rand.Rand, ps *PrimitiveSet, min, max int, terminal func(height, depth int) bool) model.Expression {
	height := min + rng.IntN(max-min+1)
	out := make(model.Expression, 0, 16)
	stack := []int{0}
	for len(stack) > 0 {
		depth := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if terminal(height, depth) {
			out = append(out, ps.RandomTerminal(rng))
			continue
		}
		prim := ps.RandomPrimitive(rng)
		out = append(out, prim)
		for i := 0; i < prim.Arity; i++ {
			stack = append(stack, depth+1)
		}
	}
	return out
}
