package evo

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"archipelago/internal/expr"
	"archipelago/internal/model"
)

// MutatorSpec is the configuration form of a mutator. Sub lists the
// alternatives of a multiMutOr; Prob is the share of an alternative.
type MutatorSpec struct {
	Type string        `json:"type" yaml:"type"`
	Prob float64       `json:"prob,omitempty" yaml:"prob,omitempty"`
	Mode string        `json:"mode,omitempty" yaml:"mode,omitempty"`
	Min  int           `json:"min,omitempty" yaml:"min,omitempty"`
	Max  int           `json:"max,omitempty" yaml:"max,omitempty"`
	Sub  []MutatorSpec `json:"submutators,omitempty" yaml:"submutators,omitempty"`
}

// NewMutator builds a mutator. fallback generates replacement subtrees for
// mutUniform when the MutatorSpec gives no height range of its own.
func NewMutator(spec MutatorSpec, fallback expr.Generator) (Mutator, error) {
	switch strings.ToLower(spec.Type) {
	case "", "mutuniform", "uniform":
		gen := fallback
		if spec.Max > 0 {
			g, err := expr.NewGenerator("full", spec.Min, spec.Max)
			if err != nil {
				return nil, err
			}
			gen = g
		}
		if gen == nil {
			return nil, errors.New("mutUniform requires a subtree generator")
		}
		return UniformMutation{Generator: gen}, nil
	case "mutshrink", "shrink":
		return ShrinkMutation{}, nil
	case "mutnodereplacement", "nodereplacement":
		return NodeReplacementMutation{}, nil
	case "mutephemeral", "ephemeral":
		switch strings.ToLower(spec.Mode) {
		case "", "one":
			return EphemeralMutation{All: false}, nil
		case "all":
			return EphemeralMutation{All: true}, nil
		default:
			return nil, fmt.Errorf("unsupported mutEphemeral mode: %s", spec.Mode)
		}
	case "mutinsert", "insert":
		return InsertMutation{}, nil
	case "multimutor":
		return newMultiMutOr(spec, fallback)
	default:
		return nil, fmt.Errorf("unsupported mutator: %s", spec.Type)
	}
}

// UniformMutation replaces a random subtree with a freshly generated one.
type UniformMutation struct {
	Generator expr.Generator
}

func (UniformMutation) Name() string {
	return "mutUniform"
}

func (m UniformMutation) Mutate(rng *rand.Rand, ps *expr.PrimitiveSet, e model.Expression) model.Expression {
	if len(e) == 0 {
		return e.Clone()
	}
	begin := rng.IntN(len(e))
	end := expr.SearchSubtree(e, begin)
	return expr.Replace(e, begin, end, m.Generator.Generate(rng, ps))
}

// ShrinkMutation replaces a random primitive with one of its arguments.
type ShrinkMutation struct{}

func (ShrinkMutation) Name() string {
	return "mutShrink"
}

func (ShrinkMutation) Mutate(rng *rand.Rand, _ *expr.PrimitiveSet, e model.Expression) model.Expression {
	if len(e) < 3 || expr.Height(e) <= 1 {
		return e.Clone()
	}
	var prims []int
	for i := 1; i < len(e); i++ {
		if e[i].Arity > 0 {
			prims = append(prims, i)
		}
	}
	if len(prims) == 0 {
		return e.Clone()
	}
	at := prims[rng.IntN(len(prims))]
	args := make([]int, 0, e[at].Arity)
	next := at + 1
	for i := 0; i < e[at].Arity; i++ {
		args = append(args, next)
		next = expr.SearchSubtree(e, next)
	}
	arg := args[rng.IntN(len(args))]
	sub := e[arg:expr.SearchSubtree(e, arg)].Clone()
	return expr.Replace(e, at, expr.SearchSubtree(e, at), sub)
}

// NodeReplacementMutation swaps one node for another of the same arity.
type NodeReplacementMutation struct{}

func (NodeReplacementMutation) Name() string {
	return "mutNodeReplacement"
}

func (NodeReplacementMutation) Mutate(rng *rand.Rand, ps *expr.PrimitiveSet, e model.Expression) model.Expression {
	out := e.Clone()
	if len(out) < 2 {
		return out
	}
	at := rng.IntN(len(out))
	if out[at].IsTerminal() {
		out[at] = ps.RandomTerminal(rng)
		return out
	}
	if repl, ok := ps.RandomPrimitiveWithArity(rng, out[at].Arity); ok {
		out[at] = repl
	}
	return out
}

// EphemeralMutation resamples one (or, with All, every) ephemeral constant.
type EphemeralMutation struct {
	All bool
}

func (EphemeralMutation) Name() string {
	return "mutEphemeral"
}

func (m EphemeralMutation) Mutate(rng *rand.Rand, ps *expr.PrimitiveSet, e model.Expression) model.Expression {
	out := e.Clone()
	var eph []int
	for i, n := range out {
		if n.Kind != model.NodeConstant {
			continue
		}
		if _, ok := ps.Ephemeral(n.Name); ok {
			eph = append(eph, i)
		}
	}
	if len(eph) == 0 {
		return out
	}
	if !m.All {
		pick := rng.IntN(len(eph))
		eph = eph[pick : pick+1]
	}
	for _, i := range eph {
		out[i] = ps.Resample(rng, out[i])
	}
	return out
}

// InsertMutation grows the tree by placing a new primitive above a random
// subtree; the primitive's other arguments are random terminals.
type InsertMutation struct{}

func (InsertMutation) Name() string {
	return "mutInsert"
}

func (InsertMutation) Mutate(rng *rand.Rand, ps *expr.PrimitiveSet, e model.Expression) model.Expression {
	if len(e) == 0 {
		return e.Clone()
	}
	begin := rng.IntN(len(e))
	end := expr.SearchSubtree(e, begin)
	node := ps.RandomPrimitive(rng)
	position := rng.IntN(node.Arity)

	sub := model.Expression{node}
	for i := 0; i < node.Arity; i++ {
		if i == position {
			sub = append(sub, e[begin:end]...)
			continue
		}
		sub = append(sub, ps.RandomTerminal(rng))
	}
	return expr.Replace(e, begin, end, sub)
}

// MultiMutOr applies exactly one of its alternatives, chosen by cumulative
// probability. A draw above the total leaves the expression unchanged.
type MultiMutOr struct {
	mutators   []Mutator
	cumulative []float64
}

func newMultiMutOr(spec MutatorSpec, fallback expr.Generator) (*MultiMutOr, error) {
	if len(spec.Sub) == 0 {
		return nil, errors.New("multiMutOr requires submutators")
	}
	m := &MultiMutOr{}
	total := 0.0
	for i, sub := range spec.Sub {
		if strings.EqualFold(sub.Type, "multiMutOr") {
			return nil, fmt.Errorf("submutator %d: multiMutOr cannot nest", i)
		}
		if sub.Prob < 0 {
			return nil, fmt.Errorf("submutator %d: probability must be >= 0", i)
		}
		mut, err := NewMutator(sub, fallback)
		if err != nil {
			return nil, fmt.Errorf("submutator %d: %w", i, err)
		}
		total += sub.Prob
		m.mutators = append(m.mutators, mut)
		m.cumulative = append(m.cumulative, total)
	}
	if total > 1.0+1e-9 {
		return nil, fmt.Errorf("multiMutOr probabilities must add to <= 1.0, got %g", total)
	}
	return m, nil
}

func (*MultiMutOr) Name() string {
	return "multiMutOr"
}

func (m *MultiMutOr) Mutate(rng *rand.Rand, ps *expr.PrimitiveSet, e model.Expression) model.Expression {
	draw := rng.Float64()
	for i, p := range m.cumulative {
		if draw <= p {
			return m.mutators[i].Mutate(rng, ps, e)
		}
	}
	return e.Clone()
}

// CxOnePoint swaps a random subtree of a with a random subtree of b. The
// roots are never chosen.
func CxOnePoint(rng *rand.Rand, a, b model.Expression) (model.Expression, model.Expression) {
	if len(a) < 2 || len(b) < 2 {
		return a.Clone(), b.Clone()
	}
	ia := 1 + rng.IntN(len(a)-1)
	ib := 1 + rng.IntN(len(b)-1)
	ea := expr.SearchSubtree(a, ia)
	eb := expr.SearchSubtree(b, ib)
	return expr.Replace(a, ia, ea, b[ib:eb]), expr.Replace(b, ib, eb, a[ia:ea])
}
