// Package migration exchanges individuals between islands arranged in a
// ring. Each round every rank sends k emigrants to its successor and
// receives k immigrants from its predecessor.
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"

	"archipelago/internal/evo"
	"archipelago/internal/logging"
	"archipelago/internal/metrics"
	"archipelago/internal/model"
	"archipelago/internal/transport"
)

var (
	ErrBadBatch        = errors.New("invalid migration batch")
	ErrTooManyMigrants = errors.New("more migrants than population members")
)

// Report describes one completed round.
type Report struct {
	Round    int
	Sent     int
	Received int
	Replaced int
	// Collisions counts immigrants appended because their replacement
	// target had already been overwritten in the same round.
	Collisions int
}

type Ring struct {
	Group     transport.Group
	Emigrants evo.Selector
	// Replacement picks the members overwritten by immigrants. Nil
	// replaces the emigrants themselves.
	Replacement evo.Selector
	Metrics     *metrics.Metrics
	Logger      *logging.Logger

	round int
}

// Round is the number of rounds completed so far.
func (r *Ring) Round() int {
	return r.round
}

// SetRound restores the round counter after a resume.
func (r *Ring) SetRound(round int) {
	r.round = round
}

// Migrate runs one round. The returned population is a new slice; pop is
// not modified. Every rank of the group must call Migrate with the same k.
func (r *Ring) Migrate(ctx context.Context, rng *rand.Rand, pop []model.Individual, k int) ([]model.Individual, Report, error) {
	report := Report{Round: r.round}
	if r.Group == nil || r.Emigrants == nil {
		return nil, report, errors.New("migration ring is not configured")
	}
	if k < 0 {
		return nil, report, fmt.Errorf("negative migrant count %d", k)
	}
	if k > len(pop) {
		return nil, report, fmt.Errorf("%w: %d > %d", ErrTooManyMigrants, k, len(pop))
	}
	logger := r.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	rank, size := r.Group.Rank(), r.Group.Size()

	emigrants := r.Emigrants.SelectIndices(rng, pop, k)
	if len(emigrants) != k {
		return nil, report, fmt.Errorf("emigrant selector %s returned %d of %d", r.Emigrants.Name(), len(emigrants), k)
	}
	targets := emigrants
	if r.Replacement != nil {
		targets = r.Replacement.SelectIndices(rng, pop, k)
		if len(targets) != k {
			return nil, report, fmt.Errorf("replacement selector %s returned %d of %d", r.Replacement.Name(), len(targets), k)
		}
	}

	batch := model.MigrationBatch{Source: rank, Round: r.round, Individuals: make([]model.Individual, k)}
	for i, idx := range emigrants {
		batch.Individuals[i] = pop[idx].Clone()
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return nil, report, fmt.Errorf("encode migration batch: %w", err)
	}
	if logger.Enabled(logging.LevelDebug) {
		logger.PrintOut(logging.LevelDebug, "replacement targets", "round", r.round, "targets", targets)
		logger.PrintPopulation(logging.LevelDebug, "emigrants", batch.Individuals)
	}

	// The send must not block: every rank sends before any rank receives.
	req := r.Group.Isend(ctx, transport.Next(rank, size), transport.TagMigration, payload)
	data, err := r.Group.Recv(ctx, transport.Prev(rank, size), transport.TagMigration)
	if err != nil {
		return nil, report, fmt.Errorf("receive immigrants: %w", err)
	}
	if err := req.Wait(ctx); err != nil {
		return nil, report, fmt.Errorf("send emigrants: %w", err)
	}
	report.Sent = k

	var incoming model.MigrationBatch
	if err := json.Unmarshal(data, &incoming); err != nil {
		return nil, report, fmt.Errorf("%w: %v", ErrBadBatch, err)
	}
	if err := r.checkBatch(incoming, transport.Prev(rank, size), k); err != nil {
		return nil, report, err
	}
	report.Received = len(incoming.Individuals)
	logger.PrintPopulation(logging.LevelDebug, "immigrants", incoming.Individuals)

	out := model.CloneIndividuals(pop)
	used := make(map[int]bool, k)
	for i, target := range targets {
		immigrant := incoming.Individuals[i]
		if target < 0 || target >= len(pop) || used[target] {
			out = append(out, immigrant)
			report.Collisions++
			continue
		}
		used[target] = true
		out[target] = immigrant
		report.Replaced++
	}

	if report.Collisions > 0 {
		logger.PrintOut(logging.LevelWarn, "replacement targets collided, immigrants appended",
			"round", r.round, "collisions", report.Collisions, "population_size", len(out))
	}
	r.Metrics.ObserveMigration(report.Sent, report.Received, report.Collisions)
	r.round++
	return out, report, nil
}

func (r *Ring) checkBatch(b model.MigrationBatch, source, k int) error {
	switch {
	case b.Source != source:
		return fmt.Errorf("%w: from rank %d, expected %d", ErrBadBatch, b.Source, source)
	case b.Round != r.round:
		return fmt.Errorf("%w: round %d, expected %d", ErrBadBatch, b.Round, r.round)
	case len(b.Individuals) != k:
		return fmt.Errorf("%w: %d immigrants, expected %d", ErrBadBatch, len(b.Individuals), k)
	}
	return nil
}
