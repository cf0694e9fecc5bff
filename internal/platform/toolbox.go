package platform

import (
	"errors"
	"fmt"
	"strings"

	"archipelago/internal/archive"
	"archipelago/internal/config"
	"archipelago/internal/dataset"
	"archipelago/internal/evo"
	"archipelago/internal/expr"
	"archipelago/internal/fitness"
	"archipelago/internal/logging"
)

// LoadData reads the configured input file, applies the data filters in
// order and picks the input and target columns.
func LoadData(cfg config.Config) (fitness.Data, error) {
	table, err := dataset.ReadFile(cfg.InputPath())
	if err != nil {
		return fitness.Data{}, err
	}
	filters := make([]dataset.Filter, 0, len(cfg.Filters))
	for _, spec := range cfg.Filters {
		f, err := dataset.NewFilter(spec)
		if err != nil {
			return fitness.Data{}, err
		}
		filters = append(filters, f)
	}
	table, err = dataset.ApplyFilters(table, filters)
	if err != nil {
		return fitness.Data{}, err
	}
	return SelectData(table, cfg.InVars, cfg.TargetVar)
}

func SelectData(table dataset.Table, inVars []string, targetVar string) (fitness.Data, error) {
	inputs, err := table.Select(inVars)
	if err != nil {
		return fitness.Data{}, err
	}
	target, err := table.Column(targetVar)
	if err != nil {
		return fitness.Data{}, err
	}
	return fitness.Data{Inputs: inputs, Target: target}, nil
}

// BuildToolbox assembles the operators named in cfg. Unknown primitives are
// reported and skipped; everything else that cannot be built is an error.
func BuildToolbox(cfg config.Config, data fitness.Data, logger *logging.Logger) (evo.Toolbox, error) {
	ps := expr.NewPrimitiveSet(cfg.InVars)
	for _, name := range cfg.Primitives {
		if err := ps.AddPrimitive(name); err != nil {
			if errors.Is(err, expr.ErrUnknownPrimitive) {
				logger.PrintOut(logging.LevelWarn, "skipping unknown primitive", "name", name)
				continue
			}
			return evo.Toolbox{}, err
		}
	}
	for _, c := range cfg.Constants {
		switch strings.ToLower(c.Type) {
		case "constant":
			ps.AddConstant(c.Name, c.Value)
		case "ephemeral":
			if err := ps.AddEphemeral(c.Name, c.Min, c.Max); err != nil {
				return evo.Toolbox{}, err
			}
		default:
			return evo.Toolbox{}, fmt.Errorf("unsupported constant type: %s", c.Type)
		}
	}

	gen, err := expr.NewGenerator(cfg.Expr.Type, cfg.Expr.Min, cfg.Expr.Max)
	if err != nil {
		return evo.Toolbox{}, err
	}
	sel, err := evo.NewSelector(cfg.Selection)
	if err != nil {
		return evo.Toolbox{}, err
	}
	mut, err := evo.NewMutator(cfg.Mutator, gen)
	if err != nil {
		return evo.Toolbox{}, err
	}
	errFunc, err := fitness.NewErrorFunc(cfg.ErrorFunc, ps, data)
	if err != nil {
		return evo.Toolbox{}, err
	}
	var evaluator fitness.Evaluator = errFunc
	if strings.EqualFold(cfg.HOF.Type, archive.KindParetoFront) {
		evaluator = fitness.Pareto{Inner: errFunc}
	}

	tb := evo.Toolbox{
		Primitives:  ps,
		Generator:   gen,
		Select:      sel,
		Mutator:     mut,
		Evaluator:   evaluator,
		HeightLimit: cfg.DepthLimit,
	}
	if err := tb.Validate(); err != nil {
		return evo.Toolbox{}, err
	}
	return tb, nil
}

func NewArchive(cfg config.Config) (archive.Archive, error) {
	return archive.New(cfg.HOF.Type, cfg.HOF.Size)
}

func EngineConfig(cfg config.Config) evo.EngineConfig {
	return evo.EngineConfig{
		Algorithm: cfg.Algo.Type,
		CXPB:      cfg.Algo.CXPB,
		MUTPB:     cfg.Algo.MUTPB,
		Mu:        cfg.Algo.Mu,
		Lambda:    cfg.Algo.Lambda,
		Workers:   cfg.Workers,
	}
}

// MigrationSelectors builds the emigrant selector and the optional
// replacement selector.
func MigrationSelectors(cfg config.IslandsConfig) (evo.Selector, evo.Selector, error) {
	emigrants, err := evo.NewSelector(cfg.EmigrantSelect)
	if err != nil {
		return nil, nil, fmt.Errorf("emigrant selection: %w", err)
	}
	if cfg.ReplacementSelect == nil {
		return emigrants, nil, nil
	}
	replacement, err := evo.NewSelector(*cfg.ReplacementSelect)
	if err != nil {
		return nil, nil, fmt.Errorf("replacement selection: %w", err)
	}
	return emigrants, replacement, nil
}
