package platform

import (
	"context"
	"errors"
	"fmt"

	"archipelago/internal/config"
	"archipelago/internal/evo"
	"archipelago/internal/island"
	"archipelago/internal/logging"
	"archipelago/internal/metrics"
	"archipelago/internal/migration"
	"archipelago/internal/model"
	"archipelago/internal/storage"
	"archipelago/internal/transport"
)

// Runner runs one rank from start to finish: build or restore the island,
// run the generation loop, then take part in the final gather.
type Runner struct {
	Config  config.Config
	Toolbox evo.Toolbox
	Group   transport.Group
	// Store receives checkpoints while running.
	Store storage.CheckpointStore
	// Resume, when set, is asked for this rank's checkpoint before the run.
	// A missing checkpoint starts a fresh island.
	Resume storage.CheckpointStore
	RunID  string
	// Seed is the run seed shared by every rank; zero draws one from the
	// operating system.
	Seed    uint64
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

type Result struct {
	Rank       int
	Resumed    bool
	Progress   island.Progress
	Stats      LoopStats
	Population []model.Individual
	// Archive is the coordinator's merged archive on rank 0 and the local
	// archive elsewhere.
	Archive []model.Individual
}

func (r *Runner) Run(ctx context.Context) (Result, error) {
	if r.Group == nil {
		return Result{}, errors.New("runner: group is required")
	}
	rank := r.Group.Rank()
	result := Result{Rank: rank}
	logger := r.Logger
	if logger == nil {
		logger = logging.FromContext(ctx)
	}
	if n := r.Config.Islands.NumIslands; n != 0 && n != r.Group.Size() {
		return result, stageError(rank, StageSetup,
			fmt.Errorf("%w: configured for %d islands, group has %d ranks", transport.ErrGroupMismatch, n, r.Group.Size()))
	}

	isl, progress, resumed, err := r.prepare(ctx, logger)
	if err != nil {
		return result, err
	}
	result.Resumed = resumed
	logger.PrintPopulation(logging.LevelDebug, "initial population", isl.Population)

	engine, err := evo.NewEngine(EngineConfig(r.Config), r.Toolbox)
	if err != nil {
		return result, stageError(rank, StageSetup, err)
	}
	emigrants, replacement, err := MigrationSelectors(r.Config.Islands)
	if err != nil {
		return result, stageError(rank, StageSetup, err)
	}
	loop := &GenerationLoop{
		Config: LoopConfig{
			NumGenerations:      r.Config.Algo.NumGenerations,
			StopFrequency:       r.Config.Algo.StopFrequency,
			MigrationFrequency:  r.Config.Islands.MigrationFreq,
			NumMigrants:         r.Config.Islands.NumMigrants,
			CheckpointFrequency: r.Config.Checkpoints.Frequency,
			ExactBlockParity:    r.Config.Algo.ExactBlockParity,
		},
		Engine: engine,
		Ring: &migration.Ring{
			Group:       r.Group,
			Emigrants:   emigrants,
			Replacement: replacement,
			Metrics:     r.Metrics,
			Logger:      logger,
		},
		RunID:   r.RunID,
		Logger:  logger,
		Metrics: r.Metrics,
	}
	if r.Config.Checkpoints.Enabled() {
		loop.Store = r.Store
	}

	progress, stats, err := loop.Run(ctx, isl, progress)
	result.Progress = progress
	result.Stats = stats
	if err != nil {
		return result, err
	}

	agg := &Aggregator{Group: r.Group, Logger: logger}
	if err := agg.Gather(ctx, isl); err != nil {
		return result, stageError(rank, StageGather, err)
	}
	result.Population = isl.Population
	result.Archive = isl.Archive.Items()
	if rank == coordinatorRank {
		logger.PrintPopulation(logging.LevelCritical, "final hall of fame", result.Archive)
	}
	return result, nil
}

// prepare restores this rank's checkpoint when one exists and otherwise
// seeds a fresh island.
func (r *Runner) prepare(ctx context.Context, logger *logging.Logger) (*island.Island, island.Progress, bool, error) {
	rank, size := r.Group.Rank(), r.Group.Size()
	if r.Resume != nil {
		cp, ok, err := r.Resume.LoadCheckpoint(ctx, rank)
		if err != nil {
			return nil, island.Progress{}, false, stageError(rank, StageLoad, err)
		}
		if ok {
			if cp.GroupSize != 0 && cp.GroupSize != size {
				return nil, island.Progress{}, false, stageError(rank, StageLoad,
					fmt.Errorf("%w: checkpoint written by a group of %d, group has %d", transport.ErrGroupMismatch, cp.GroupSize, size))
			}
			isl, progress, err := island.Restore(cp, size)
			if err != nil {
				return nil, island.Progress{}, false, stageError(rank, StageLoad, err)
			}
			logger.PrintOut(logging.LevelInfoExtra, "loaded checkpoint",
				"location", storage.Location(r.Resume, rank), "generation", progress.Generation, "run", cp.RunID)
			return isl, progress, true, nil
		}
		logger.PrintOut(logging.LevelInfo, "no checkpoint for rank, starting fresh", "location", storage.Location(r.Resume, rank))
	}

	seed := r.Seed
	if seed == 0 {
		var err error
		if seed, err = island.EntropySeed(); err != nil {
			return nil, island.Progress{}, false, stageError(rank, StageSetup, err)
		}
	}
	rng := island.NewRNG(seed, uint64(rank))
	arch, err := NewArchive(r.Config)
	if err != nil {
		return nil, island.Progress{}, false, stageError(rank, StageSetup, err)
	}
	pop := r.Toolbox.NewPopulation(rng.Rand, r.Config.Algo.InitialPopulationSize)
	isl, err := island.New(rank, size, pop, arch, rng)
	if err != nil {
		return nil, island.Progress{}, false, stageError(rank, StageSetup, err)
	}
	return isl, island.Progress{}, false, nil
}
