package expr

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archipelago/internal/model"
)

func testSet(t *testing.T) *PrimitiveSet {
	t.Helper()
	ps := NewPrimitiveSet([]string{"x", "y"})
	for _, name := range []string{"add", "sub", "mul", "div", "neg", "sin"} {
		require.NoError(t, ps.AddPrimitive(name))
	}
	require.NoError(t, ps.AddEphemeral("rand", -1, 1))
	ps.AddConstant("one", 1)
	return ps
}

func prim(name string, arity int) model.Node {
	return model.Node{Kind: model.NodePrimitive, Name: name, Arity: arity}
}

func variable(name string, idx int) model.Node {
	return model.Node{Kind: model.NodeVariable, Name: name, Index: idx}
}

func constant(v float64) model.Node {
	return model.Node{Kind: model.NodeConstant, Name: "c", Value: v}
}

func TestAddPrimitiveUnknown(t *testing.T) {
	ps := NewPrimitiveSet([]string{"x"})
	err := ps.AddPrimitive("frobnicate")
	require.ErrorIs(t, err, ErrUnknownPrimitive)
}

func TestAddPrimitiveRenamesInverseTrig(t *testing.T) {
	ps := NewPrimitiveSet([]string{"x"})
	require.NoError(t, ps.AddPrimitive("ArcTan2"))
	p, ok := ps.Primitive("atan2")
	require.True(t, ok)
	assert.Equal(t, 2, p.Arity)
}

func TestEvaluate(t *testing.T) {
	ps := testSet(t)
	// add(x, mul(y, 2))
	e := model.Expression{prim("add", 2), variable("x", 0), prim("mul", 2), variable("y", 1), constant(2)}
	out, err := ps.Evaluate(e, [][]float64{{1, 2, 3}, {10, 20, 30}}, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{21, 42, 63}, out)
}

func TestEvaluateReturnsNonFiniteValues(t *testing.T) {
	ps := testSet(t)
	e := model.Expression{prim("div", 2), variable("x", 0), constant(0)}
	out, err := ps.Evaluate(e, [][]float64{{1}}, 1)
	require.NoError(t, err)
	assert.True(t, math.IsInf(out[0], 1))
}

func TestEvaluateRejectsMalformed(t *testing.T) {
	ps := testSet(t)
	_, err := ps.Evaluate(model.Expression{prim("add", 2), variable("x", 0)}, [][]float64{{1}}, 1)
	require.ErrorIs(t, err, ErrMalformedExpression)
}

func TestEvaluateRejectsUnregisteredPrimitive(t *testing.T) {
	ps := testSet(t)
	_, err := ps.Evaluate(model.Expression{prim("cos", 1), variable("x", 0)}, [][]float64{{1}}, 1)
	require.ErrorIs(t, err, ErrUnknownPrimitive)
}

func TestSearchSubtreeAndHeight(t *testing.T) {
	e := model.Expression{prim("add", 2), variable("x", 0), prim("mul", 2), variable("y", 1), constant(2)}
	assert.Equal(t, 5, SearchSubtree(e, 0))
	assert.Equal(t, 2, SearchSubtree(e, 1))
	assert.Equal(t, 5, SearchSubtree(e, 2))
	assert.Equal(t, 2, Height(e))
	assert.Equal(t, 0, Height(model.Expression{variable("x", 0)}))
}

func TestReplace(t *testing.T) {
	e := model.Expression{prim("add", 2), variable("x", 0), variable("y", 1)}
	out := Replace(e, 2, 3, model.Expression{prim("neg", 1), constant(3)})
	assert.Equal(t, "add(x, neg(3))", Format(out, nil, false))
	assert.Equal(t, "add(x, y)", Format(e, nil, false))
}

func TestGeneratorsProduceWellFormedTreesWithinHeight(t *testing.T) {
	ps := testSet(t)
	rng := rand.New(rand.NewPCG(1, 2))
	for _, kind := range []string{"full", "grow", "halfAndHalf"} {
		gen, err := NewGenerator(kind, 1, 4)
		require.NoError(t, err)
		for i := 0; i < 200; i++ {
			e := gen.Generate(rng, ps)
			require.True(t, WellFormed(e), "%s produced malformed tree %v", kind, e)
			h := Height(e)
			assert.LessOrEqual(t, h, 4)
		}
	}
}

func TestFullGeneratorHitsExactHeight(t *testing.T) {
	ps := testSet(t)
	rng := rand.New(rand.NewPCG(3, 4))
	gen := FullGenerator{Min: 3, Max: 3}
	for i := 0; i < 50; i++ {
		assert.Equal(t, 3, Height(gen.Generate(rng, ps)))
	}
}

func TestGeneratorDeterministicForSameStream(t *testing.T) {
	ps := testSet(t)
	gen := HalfAndHalfGenerator{Min: 1, Max: 3}
	a := gen.Generate(rand.New(rand.NewPCG(9, 9)), ps)
	b := gen.Generate(rand.New(rand.NewPCG(9, 9)), ps)
	assert.True(t, a.Equal(b))
}

func TestNewGeneratorRejectsBadRange(t *testing.T) {
	_, err := NewGenerator("full", 3, 1)
	require.Error(t, err)
	_, err = NewGenerator("ramped", 1, 2)
	require.Error(t, err)
}

func TestFormatSubstitutesNames(t *testing.T) {
	e := model.Expression{prim("sub", 2), prim("neg", 1), variable("ARG0", 0), prim("sin", 1), variable("ARG1", 1)}
	assert.Equal(t, "sub(neg(rho), sin(T))", Format(e, []string{"rho", "T"}, false))
	assert.Equal(t, "(-(rho) - sin(T))", Format(e, []string{"rho", "T"}, true))
	assert.Equal(t, "sub(neg(ARG0), sin(ARG1))", Format(e, nil, false))
}

func TestResampleOnlyTouchesEphemerals(t *testing.T) {
	ps := testSet(t)
	rng := rand.New(rand.NewPCG(5, 5))
	fixed := model.Node{Kind: model.NodeConstant, Name: "one", Value: 1}
	assert.Equal(t, fixed, ps.Resample(rng, fixed))

	eph := model.Node{Kind: model.NodeConstant, Name: "rand", Value: 5}
	got := ps.Resample(rng, eph)
	assert.GreaterOrEqual(t, got.Value, -1.0)
	assert.LessOrEqual(t, got.Value, 1.0)
}
