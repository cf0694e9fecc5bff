package evo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"

	"archipelago/internal/archive"
	"archipelago/internal/fitness"
	"archipelago/internal/model"
)

const (
	AlgorithmSimple        = "eaSimple"
	AlgorithmMuPlusLambda  = "eaMuPlusLambda"
	AlgorithmMuCommaLambda = "eaMuCommaLambda"
)

const defaultEvaluateWorkers = 1

type EngineConfig struct {
	Algorithm string
	CXPB      float64
	MUTPB     float64
	Mu        int
	Lambda    int
	Workers   int
}

// Summary is the min/avg/max of one per-individual quantity.
type Summary struct {
	Avg float64 `json:"avg"`
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// GenerationStats describes the population after one generation. Fitness
// uses the raw value of the first objective.
type GenerationStats struct {
	Generation  int     `json:"gen"`
	Evaluations int     `json:"nevals"`
	Failures    int     `json:"failures"`
	Fitness     Summary `json:"fitness"`
	Size        Summary `json:"size"`
}

// Engine advances one island's population a given number of generations.
// All randomness comes from the rng passed to Advance and is drawn on the
// calling goroutine, so results do not depend on the worker count.
type Engine struct {
	cfg          EngineConfig
	tb           Toolbox
	OnGeneration func(GenerationStats)
}

func NewEngine(cfg EngineConfig, tb Toolbox) (*Engine, error) {
	if err := tb.Validate(); err != nil {
		return nil, err
	}
	if cfg.CXPB < 0 || cfg.CXPB > 1 || cfg.MUTPB < 0 || cfg.MUTPB > 1 {
		return nil, fmt.Errorf("crossover and mutation probabilities must be in [0, 1]")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultEvaluateWorkers
	}
	switch strings.ToLower(cfg.Algorithm) {
	case "", strings.ToLower(AlgorithmSimple):
		cfg.Algorithm = AlgorithmSimple
	case strings.ToLower(AlgorithmMuPlusLambda), strings.ToLower(AlgorithmMuCommaLambda):
		if strings.EqualFold(cfg.Algorithm, AlgorithmMuPlusLambda) {
			cfg.Algorithm = AlgorithmMuPlusLambda
		} else {
			cfg.Algorithm = AlgorithmMuCommaLambda
		}
		if cfg.Mu <= 0 || cfg.Lambda <= 0 {
			return nil, fmt.Errorf("%s requires mu and lambda > 0", cfg.Algorithm)
		}
		if cfg.CXPB+cfg.MUTPB > 1 {
			return nil, fmt.Errorf("%s requires cxpb + mutpb <= 1", cfg.Algorithm)
		}
		if cfg.Algorithm == AlgorithmMuCommaLambda && cfg.Lambda < cfg.Mu {
			return nil, fmt.Errorf("eaMuCommaLambda requires lambda >= mu")
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", cfg.Algorithm)
	}
	return &Engine{cfg: cfg, tb: tb}, nil
}

func (e *Engine) Config() EngineConfig {
	return e.cfg
}

func (e *Engine) Toolbox() Toolbox {
	return e.tb
}

// Advance runs generations generations and returns the new population.
// Unevaluated members of pop are evaluated first and the archive sees the
// starting population before any variation.
func (e *Engine) Advance(ctx context.Context, rng *rand.Rand, pop []model.Individual, arch archive.Archive, generations int) ([]model.Individual, error) {
	if rng == nil {
		return nil, errors.New("random source is required")
	}
	if arch == nil {
		return nil, errors.New("archive is required")
	}
	population := model.CloneIndividuals(pop)
	if _, _, err := e.Evaluate(ctx, population); err != nil {
		return nil, err
	}
	arch.Update(population)

	for gen := 1; gen <= generations; gen++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var offspring []model.Individual
		switch e.cfg.Algorithm {
		case AlgorithmSimple:
			offspring = Select(e.tb.Select, rng, population, len(population))
			e.varAnd(rng, offspring)
		default:
			offspring = e.varOr(rng, population, e.cfg.Lambda)
		}

		evals, failures, err := e.Evaluate(ctx, offspring)
		if err != nil {
			return nil, err
		}
		arch.Update(offspring)

		switch e.cfg.Algorithm {
		case AlgorithmSimple:
			population = offspring
		case AlgorithmMuPlusLambda:
			population = Select(e.tb.Select, rng, append(population, offspring...), e.cfg.Mu)
		case AlgorithmMuCommaLambda:
			population = Select(e.tb.Select, rng, offspring, e.cfg.Mu)
		}

		if e.OnGeneration != nil {
			stats := Statistics(population)
			stats.Generation = gen
			stats.Evaluations = evals
			stats.Failures = failures
			e.OnGeneration(stats)
		}
	}
	return population, nil
}

// varAnd applies crossover to consecutive pairs and then mutation to each
// member, each with its own probability.
func (e *Engine) varAnd(rng *rand.Rand, offspring []model.Individual) {
	for i := 1; i < len(offspring); i += 2 {
		if rng.Float64() < e.cfg.CXPB {
			a, b := e.tb.Mate(rng, offspring[i-1].Expr, offspring[i].Expr)
			offspring[i-1].Expr, offspring[i].Expr = a, b
			offspring[i-1].Fitness.Invalidate()
			offspring[i].Fitness.Invalidate()
		}
	}
	for i := range offspring {
		if rng.Float64() < e.cfg.MUTPB {
			offspring[i].Expr = e.tb.Mutate(rng, offspring[i].Expr)
			offspring[i].Fitness.Invalidate()
		}
	}
}

// varOr produces lambda children, each from exactly one of crossover,
// mutation or reproduction.
func (e *Engine) varOr(rng *rand.Rand, pop []model.Individual, lambda int) []model.Individual {
	offspring := make([]model.Individual, 0, lambda)
	for len(offspring) < lambda {
		draw := rng.Float64()
		switch {
		case draw < e.cfg.CXPB && len(pop) >= 2:
			i := rng.IntN(len(pop))
			j := rng.IntN(len(pop) - 1)
			if j >= i {
				j++
			}
			child, _ := e.tb.Mate(rng, pop[i].Expr, pop[j].Expr)
			offspring = append(offspring, model.Individual{Expr: child})
		case draw < e.cfg.CXPB+e.cfg.MUTPB:
			parent := pop[rng.IntN(len(pop))]
			offspring = append(offspring, model.Individual{Expr: e.tb.Mutate(rng, parent.Expr)})
		default:
			offspring = append(offspring, pop[rng.IntN(len(pop))].Clone())
		}
	}
	return offspring
}

// Evaluate scores every member whose fitness is invalid, in place. A failed
// outcome is recorded as the worst-value sentinel and counted.
func (e *Engine) Evaluate(ctx context.Context, pop []model.Individual) (int, int, error) {
	type job struct {
		idx  int
		expr model.Expression
	}
	type result struct {
		idx     int
		outcome fitness.Outcome
		err     error
	}

	pending := make([]int, 0, len(pop))
	for i := range pop {
		if !pop[i].Fitness.Valid {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}

	jobs := make(chan job)
	results := make(chan result, len(pending))

	workerCount := e.cfg.Workers
	if workerCount > len(pending) {
		workerCount = len(pending)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					results <- result{idx: j.idx, err: err}
					continue
				}
				results <- result{idx: j.idx, outcome: e.tb.Evaluator.Evaluate(j.expr)}
			}
		}()
	}

	for _, idx := range pending {
		jobs <- job{idx: idx, expr: pop[idx].Expr}
	}
	close(jobs)

	wg.Wait()
	close(results)

	weights := e.tb.Evaluator.Weights()
	failures := 0
	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		values := res.outcome.Values
		if res.outcome.Failed || len(values) != len(weights) {
			values = fitness.Worst(weights)
			failures++
		}
		pop[res.idx].Fitness = model.Fitness{
			Values:  append([]float64(nil), values...),
			Weights: append([]float64(nil), weights...),
			Valid:   true,
		}
	}
	if firstErr != nil {
		return 0, 0, firstErr
	}
	return len(pending), failures, nil
}

// Statistics summarises fitness and size over a population.
func Statistics(pop []model.Individual) GenerationStats {
	var stats GenerationStats
	if len(pop) == 0 {
		return stats
	}
	fit := Summary{Min: math.Inf(1), Max: math.Inf(-1)}
	size := Summary{Min: math.Inf(1), Max: math.Inf(-1)}
	counted := 0
	for _, ind := range pop {
		l := float64(ind.Len())
		size.Avg += l
		size.Min = math.Min(size.Min, l)
		size.Max = math.Max(size.Max, l)
		if !ind.Fitness.Valid || len(ind.Fitness.Values) == 0 {
			continue
		}
		v := ind.Fitness.Values[0]
		fit.Avg += v
		fit.Min = math.Min(fit.Min, v)
		fit.Max = math.Max(fit.Max, v)
		counted++
	}
	size.Avg /= float64(len(pop))
	if counted > 0 {
		fit.Avg /= float64(counted)
	} else {
		fit = Summary{}
	}
	stats.Fitness = fit
	stats.Size = size
	return stats
}
