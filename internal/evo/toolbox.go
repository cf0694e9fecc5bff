package evo

import (
	"errors"
	"math/rand/v2"

	"archipelago/internal/expr"
	"archipelago/internal/fitness"
	"archipelago/internal/model"
)

// Toolbox bundles the operators one island evolves with. It is built once
// from configuration and passed by value; nothing is looked up by name at
// run time.
type Toolbox struct {
	Primitives  *expr.PrimitiveSet
	Generator   expr.Generator
	Select      Selector
	Mutator     Mutator
	Evaluator   fitness.Evaluator
	HeightLimit int
}

func (tb Toolbox) Validate() error {
	if tb.Primitives == nil {
		return errors.New("toolbox: primitive set is required")
	}
	if err := tb.Primitives.Validate(); err != nil {
		return err
	}
	if tb.Generator == nil {
		return errors.New("toolbox: expression generator is required")
	}
	if tb.Select == nil {
		return errors.New("toolbox: selector is required")
	}
	if tb.Mutator == nil {
		return errors.New("toolbox: mutator is required")
	}
	if tb.Evaluator == nil {
		return errors.New("toolbox: evaluator is required")
	}
	return nil
}

// NewPopulation generates n individuals with unevaluated fitness.
func (tb Toolbox) NewPopulation(rng *rand.Rand, n int) []model.Individual {
	pop := make([]model.Individual, n)
	for i := range pop {
		pop[i] = model.Individual{Expr: tb.Generator.Generate(rng, tb.Primitives)}
	}
	return pop
}

// Mate crosses two expressions. A child taller than HeightLimit is replaced
// by a copy of a randomly chosen parent.
func (tb Toolbox) Mate(rng *rand.Rand, a, b model.Expression) (model.Expression, model.Expression) {
	ca, cb := CxOnePoint(rng, a, b)
	parents := [2]model.Expression{a, b}
	ca = tb.limit(rng, ca, parents[:])
	cb = tb.limit(rng, cb, parents[:])
	return ca, cb
}

// Mutate applies the configured mutator under the same height limit as Mate.
func (tb Toolbox) Mutate(rng *rand.Rand, e model.Expression) model.Expression {
	return tb.limit(rng, tb.Mutator.Mutate(rng, tb.Primitives, e), []model.Expression{e})
}

func (tb Toolbox) limit(rng *rand.Rand, child model.Expression, parents []model.Expression) model.Expression {
	if tb.HeightLimit <= 0 || expr.Height(child) <= tb.HeightLimit {
		return child
	}
	return parents[rng.IntN(len(parents))].Clone()
}
