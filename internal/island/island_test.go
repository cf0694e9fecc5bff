package island

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archipelago/internal/archive"
	"archipelago/internal/model"
)

func TestRNGStateRoundTripReproducesSequence(t *testing.T) {
	rng := NewRNG(42, 3)
	for i := 0; i < 17; i++ {
		rng.Uint64()
	}
	state, err := rng.State()
	require.NoError(t, err)

	want := make([]uint64, 32)
	for i := range want {
		want[i] = rng.Uint64()
	}

	resumed := NewRNG(0, 0)
	require.NoError(t, resumed.Restore(state))
	for i := range want {
		assert.Equal(t, want[i], resumed.Uint64(), "draw %d", i)
	}
}

func TestRNGStreamsDifferPerRank(t *testing.T) {
	a := NewRNG(7, 0)
	b := NewRNG(7, 1)
	assert.NotEqual(t, a.Uint64(), b.Uint64())
}

func TestRNGRestoreRejectsGarbage(t *testing.T) {
	require.Error(t, NewRNG(1, 1).Restore([]byte("nope")))
}

func TestEntropySeedNonZero(t *testing.T) {
	seed, err := EntropySeed()
	require.NoError(t, err)
	assert.NotZero(t, seed)
}

func TestNewValidatesRank(t *testing.T) {
	arch := archive.NewHallOfFame(1)
	_, err := New(3, 3, nil, arch, NewRNG(1, 1))
	require.Error(t, err)
	_, err = New(0, 0, nil, arch, NewRNG(1, 1))
	require.Error(t, err)
	_, err = New(0, 1, nil, nil, NewRNG(1, 1))
	require.Error(t, err)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	pop := []model.Individual{
		{Expr: model.Expression{{Kind: model.NodeVariable, Name: "x"}}, Fitness: model.Fitness{Values: []float64{1.5}, Weights: []float64{-1}, Valid: true}},
		{Expr: model.Expression{{Kind: model.NodeConstant, Name: "c", Value: 2}}, Fitness: model.Fitness{Values: []float64{0.25}, Weights: []float64{-1}, Valid: true}},
	}
	arch := archive.NewHallOfFame(4)
	arch.Update(pop)
	isl, err := New(1, 2, pop, arch, NewRNG(9, 1))
	require.NoError(t, err)
	isl.RNG.Uint64()

	progress := Progress{Generation: 30, MigrationCounter: 10, CheckpointCounter: 0, MigrationRound: 2}
	cp, err := isl.Snapshot("run-1", progress)
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Rank)
	assert.Equal(t, 2, cp.GroupSize)

	restored, gotProgress, err := Restore(cp, 2)
	require.NoError(t, err)
	assert.Equal(t, progress, gotProgress)
	assert.Empty(t, cmp.Diff(isl.Population, restored.Population, cmpopts.EquateEmpty()))
	assert.Empty(t, cmp.Diff(isl.Archive.Items(), restored.Archive.Items(), cmpopts.EquateEmpty()))
	assert.Equal(t, isl.RNG.Uint64(), restored.RNG.Uint64())
}

func TestRestoreRejectsDifferentGroupSize(t *testing.T) {
	isl, err := New(0, 2, nil, archive.NewHallOfFame(1), NewRNG(1, 0))
	require.NoError(t, err)
	cp, err := isl.Snapshot("run", Progress{})
	require.NoError(t, err)

	_, _, err = Restore(cp, 3)
	require.Error(t, err)
}
