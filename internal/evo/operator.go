package evo

import (
	"math/rand/v2"

	"archipelago/internal/expr"
	"archipelago/internal/model"
)

// Mutator returns a mutated copy of an expression. The input is never
// modified.
type Mutator interface {
	Name() string
	Mutate(rng *rand.Rand, ps *expr.PrimitiveSet, e model.Expression) model.Expression
}
