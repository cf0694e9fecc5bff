package platform

import (
	"context"
	"errors"
	"time"

	"archipelago/internal/evo"
	"archipelago/internal/island"
	"archipelago/internal/logging"
	"archipelago/internal/metrics"
	"archipelago/internal/migration"
	"archipelago/internal/storage"
)

type LoopConfig struct {
	NumGenerations      int
	StopFrequency       int
	MigrationFrequency  int
	NumMigrants         int
	CheckpointFrequency int
	// ExactBlockParity runs a full StopFrequency block even when fewer
	// generations remain.
	ExactBlockParity bool
}

// LoopStats counts what one Run did. Generations includes any overshoot of
// the final block.
type LoopStats struct {
	Blocks      int
	Generations int
	Migrations  int
	Checkpoints int
}

// GenerationLoop advances an island block by block and decides after each
// block whether to migrate and whether to checkpoint.
type GenerationLoop struct {
	Config LoopConfig
	Engine *evo.Engine
	// Ring is consulted only when the island's group has more than one rank.
	Ring *migration.Ring
	// Store receives checkpoints. Nil or a zero CheckpointFrequency disables
	// saving.
	Store   storage.CheckpointStore
	RunID   string
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

func (l *GenerationLoop) validate() error {
	if l.Engine == nil {
		return errors.New("generation loop: engine is required")
	}
	if l.Config.StopFrequency <= 0 {
		return errors.New("generation loop: stop frequency must be > 0")
	}
	if l.Config.NumGenerations < 0 {
		return errors.New("generation loop: generation count must be >= 0")
	}
	return nil
}

// Run continues from progress until NumGenerations are done and returns the
// final progress. isl.Population is replaced after every block.
func (l *GenerationLoop) Run(ctx context.Context, isl *island.Island, progress island.Progress) (island.Progress, LoopStats, error) {
	var stats LoopStats
	if err := l.validate(); err != nil {
		return progress, stats, stageError(isl.Rank, StageSetup, err)
	}
	logger := l.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	cfg := l.Config
	if l.Ring != nil {
		l.Ring.SetRound(progress.MigrationRound)
	}

	for progress.Generation < cfg.NumGenerations {
		block := cfg.StopFrequency
		if remaining := cfg.NumGenerations - progress.Generation; !cfg.ExactBlockParity && remaining < block {
			block = remaining
		}
		logger.PrintOut(logging.LevelInfo, "starting generation", "generation", progress.Generation, "block", block)
		logger.PrintPopulation(logging.LevelInfoExtra, "hall of fame", isl.Archive.Items())

		offset := progress.Generation
		l.Engine.OnGeneration = func(gs evo.GenerationStats) {
			l.Metrics.ObserveGeneration(gs.Evaluations, gs.Failures)
			logger.PrintOut(logging.LevelInfoExtra, "generation",
				"gen", offset+gs.Generation,
				"nevals", gs.Evaluations,
				"failures", gs.Failures,
				"fitness_avg", gs.Fitness.Avg,
				"fitness_min", gs.Fitness.Min,
				"fitness_max", gs.Fitness.Max,
				"size_avg", gs.Size.Avg,
			)
		}
		started := time.Now()
		pop, err := l.Engine.Advance(ctx, isl.RNG.Rand, isl.Population, isl.Archive, block)
		l.Engine.OnGeneration = nil
		if err != nil {
			return progress, stats, stageError(isl.Rank, StageEvolve, err)
		}
		isl.Population = pop
		progress.Generation += block
		stats.Blocks++
		stats.Generations += block
		l.Metrics.ObserveBlock(time.Since(started), len(isl.Population), isl.Archive.Len())
		logger.PrintPopulation(logging.LevelDebug, "population", isl.Population)

		progress.MigrationCounter += block
		if progress.MigrationCounter >= cfg.MigrationFrequency && isl.Size > 1 && l.Ring != nil {
			progress.MigrationCounter = 0
			pop, report, err := l.Ring.Migrate(ctx, isl.RNG.Rand, isl.Population, cfg.NumMigrants)
			if err != nil {
				return progress, stats, stageError(isl.Rank, StageMigrate, err)
			}
			isl.Population = pop
			progress.MigrationRound = l.Ring.Round()
			stats.Migrations++
			logger.PrintOut(logging.LevelInfoExtra, "migration round complete",
				"round", report.Round, "sent", report.Sent, "received", report.Received, "collisions", report.Collisions)
		}

		progress.CheckpointCounter += block
		if l.Store != nil && cfg.CheckpointFrequency > 0 && progress.CheckpointCounter >= cfg.CheckpointFrequency {
			progress.CheckpointCounter = 0
			if err := l.checkpoint(ctx, isl, progress, logger); err != nil {
				return progress, stats, stageError(isl.Rank, StageCheckpoint, err)
			}
			stats.Checkpoints++
		}
	}
	return progress, stats, nil
}

func (l *GenerationLoop) checkpoint(ctx context.Context, isl *island.Island, progress island.Progress, logger *logging.Logger) error {
	started := time.Now()
	cp, err := isl.Snapshot(l.RunID, progress)
	if err != nil {
		return err
	}
	if err := l.Store.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	l.Metrics.ObserveCheckpoint(time.Since(started))
	logger.PrintOut(logging.LevelInfoExtra, "checkpoint saved",
		"generation", progress.Generation, "location", storage.Location(l.Store, isl.Rank))
	return nil
}
