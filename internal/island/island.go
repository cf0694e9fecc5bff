package island

import (
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"

	"archipelago/internal/archive"
	"archipelago/internal/model"
)

// RNG is an island's pseudo-random stream. Its full state fits in a few
// bytes, so a checkpoint can capture and restore it exactly.
type RNG struct {
	*rand.Rand
	src *rand.PCG
}

// NewRNG seeds a stream. Islands share the run seed and use their rank as
// the stream selector, so every island draws a different sequence.
func NewRNG(seed, stream uint64) *RNG {
	src := rand.NewPCG(seed, stream)
	return &RNG{Rand: rand.New(src), src: src}
}

func (r *RNG) State() ([]byte, error) {
	return r.src.MarshalBinary()
}

func (r *RNG) Restore(state []byte) error {
	if err := r.src.UnmarshalBinary(state); err != nil {
		return fmt.Errorf("restore rng state: %w", err)
	}
	return nil
}

// EntropySeed returns a random non-zero seed for runs configured with seed 0.
func EntropySeed() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := crand.Read(buf[:]); err != nil {
			return 0, err
		}
		if seed := binary.LittleEndian.Uint64(buf[:]); seed != 0 {
			return seed, nil
		}
	}
}

// Progress is the loop position persisted alongside an island.
type Progress struct {
	Generation        int
	MigrationCounter  int
	CheckpointCounter int
	MigrationRound    int
}

// Island is one rank's evolutionary state. It is owned by a single goroutine
// and shared with other islands only through explicit message exchange.
type Island struct {
	Rank       int
	Size       int
	Population []model.Individual
	Archive    archive.Archive
	RNG        *RNG
}

func New(rank, size int, population []model.Individual, arch archive.Archive, rng *RNG) (*Island, error) {
	if size <= 0 {
		return nil, fmt.Errorf("group size must be > 0, got %d", size)
	}
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("rank %d out of range [0, %d)", rank, size)
	}
	if arch == nil {
		return nil, errors.New("archive is required")
	}
	if rng == nil {
		return nil, errors.New("rng is required")
	}
	return &Island{Rank: rank, Size: size, Population: population, Archive: arch, RNG: rng}, nil
}

// Snapshot captures the island and loop position as a checkpoint record.
func (i *Island) Snapshot(runID string, progress Progress) (model.Checkpoint, error) {
	state, err := i.RNG.State()
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("capture rng state: %w", err)
	}
	return model.Checkpoint{
		RunID:             runID,
		Rank:              i.Rank,
		GroupSize:         i.Size,
		Generation:        progress.Generation,
		MigrationCounter:  progress.MigrationCounter,
		CheckpointCounter: progress.CheckpointCounter,
		MigrationRound:    progress.MigrationRound,
		Population:        model.CloneIndividuals(i.Population),
		Archive:           i.Archive.Snapshot(),
		RNGState:          state,
	}, nil
}

// Restore rebuilds an island from a checkpoint. The archive in the
// checkpoint replaces any archive the caller had prepared.
func Restore(cp model.Checkpoint, size int) (*Island, Progress, error) {
	if cp.GroupSize != 0 && cp.GroupSize != size {
		return nil, Progress{}, fmt.Errorf("checkpoint for rank %d was written by a group of %d, current group has %d", cp.Rank, cp.GroupSize, size)
	}
	arch, err := archive.FromSnapshot(cp.Archive)
	if err != nil {
		return nil, Progress{}, fmt.Errorf("restore archive: %w", err)
	}
	rng := NewRNG(0, 0)
	if err := rng.Restore(cp.RNGState); err != nil {
		return nil, Progress{}, err
	}
	isl, err := New(cp.Rank, size, model.CloneIndividuals(cp.Population), arch, rng)
	if err != nil {
		return nil, Progress{}, err
	}
	progress := Progress{
		Generation:        cp.Generation,
		MigrationCounter:  cp.MigrationCounter,
		CheckpointCounter: cp.CheckpointCounter,
		MigrationRound:    cp.MigrationRound,
	}
	return isl, progress, nil
}
