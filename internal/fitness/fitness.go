package fitness

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"archipelago/internal/expr"
	"archipelago/internal/model"
)

var ErrZeroTarget = errors.New("relative error cannot handle zero target values")

// Outcome is the result of evaluating one expression. A Failed outcome
// carries no values; the engine replaces it with the worst-value sentinel.
type Outcome struct {
	Values []float64
	Failed bool
	Reason string
}

func Ok(values ...float64) Outcome {
	return Outcome{Values: values}
}

func Failed(reason string) Outcome {
	return Outcome{Failed: true, Reason: reason}
}

// Evaluator scores expressions. Implementations must be safe for concurrent
// use and deterministic.
type Evaluator interface {
	Name() string
	Weights() []float64
	Evaluate(e model.Expression) Outcome
}

// Worst returns the sentinel fitness for a failed evaluation: the largest
// finite value against the direction of each weight.
func Worst(weights []float64) []float64 {
	out := make([]float64, len(weights))
	for i, w := range weights {
		if w >= 0 {
			out[i] = -math.MaxFloat64
		} else {
			out[i] = math.MaxFloat64
		}
	}
	return out
}

// Data is the evaluation input: one column per configured input variable
// and the target column.
type Data struct {
	Inputs [][]float64
	Target []float64
}

func (d Data) Rows() int {
	return len(d.Target)
}

type metric func(pred, target []float64) float64

// ErrorFunc compares an expression's predictions with the target column.
type ErrorFunc struct {
	name   string
	weight float64
	ps     *expr.PrimitiveSet
	data   Data
	score  metric
}

func (f *ErrorFunc) Name() string {
	return f.name
}

func (f *ErrorFunc) Weights() []float64 {
	return []float64{f.weight}
}

func (f *ErrorFunc) Evaluate(e model.Expression) Outcome {
	pred, err := f.ps.Evaluate(e, f.data.Inputs, f.data.Rows())
	if err != nil {
		return Failed(err.Error())
	}
	for _, v := range pred {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Failed("non-finite prediction")
		}
	}
	score := f.score(pred, f.data.Target)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return Failed("non-finite error")
	}
	return Ok(score)
}

// NewErrorFunc builds a named error function. Names are matched
// case-insensitively.
func NewErrorFunc(name string, ps *expr.PrimitiveSet, data Data) (*ErrorFunc, error) {
	if ps == nil {
		return nil, errors.New("primitive set is required")
	}
	if data.Rows() == 0 {
		return nil, errors.New("evaluation data has no rows")
	}
	for i, col := range data.Inputs {
		if len(col) != data.Rows() {
			return nil, fmt.Errorf("input column %d has %d rows, target has %d", i, len(col), data.Rows())
		}
	}

	f := &ErrorFunc{name: name, weight: -1, ps: ps, data: data}
	switch strings.ToLower(name) {
	case "rsquared":
		f.weight = 1
		f.score = rSquared(data.Target)
	case "avgabserrorsquared":
		f.score = avgSquaredError
	case "totalabserrorsquared":
		f.score = totalSquaredError
	case "maxabserrorsquared":
		f.score = maxSquaredError
	case "avgrelerror", "totrelerror", "maxrelerror":
		for _, v := range data.Target {
			if v == 0 {
				return nil, fmt.Errorf("%s: %w", name, ErrZeroTarget)
			}
		}
		switch strings.ToLower(name) {
		case "avgrelerror":
			f.score = avgRelError
		case "totrelerror":
			f.score = totRelError
		default:
			f.score = maxRelError
		}
	default:
		return nil, fmt.Errorf("unsupported error function: %s", name)
	}
	return f, nil
}

func totalSquaredError(pred, target []float64) float64 {
	sum := 0.0
	for i := range pred {
		d := pred[i] - target[i]
		sum += d * d
	}
	return sum
}

func avgSquaredError(pred, target []float64) float64 {
	return totalSquaredError(pred, target) / float64(len(pred))
}

func maxSquaredError(pred, target []float64) float64 {
	out := 0.0
	for i := range pred {
		d := pred[i] - target[i]
		out = math.Max(out, d*d)
	}
	return out
}

func relErrors(pred, target []float64) []float64 {
	out := make([]float64, len(pred))
	for i := range pred {
		out[i] = math.Abs(pred[i]-target[i]) / target[i]
	}
	return out
}

func totRelError(pred, target []float64) float64 {
	sum := 0.0
	for _, v := range relErrors(pred, target) {
		sum += v
	}
	return sum
}

func avgRelError(pred, target []float64) float64 {
	return totRelError(pred, target) / float64(len(pred))
}

func maxRelError(pred, target []float64) float64 {
	out := math.Inf(-1)
	for _, v := range relErrors(pred, target) {
		out = math.Max(out, v)
	}
	return out
}

func rSquared(target []float64) metric {
	mean := 0.0
	for _, v := range target {
		mean += v
	}
	mean /= float64(len(target))
	variance := 0.0
	for _, v := range target {
		variance += (v - mean) * (v - mean)
	}
	return func(pred, target []float64) float64 {
		return 1 - totalSquaredError(pred, target)/variance
	}
}

// Pareto adds expression size as a minimised second objective.
type Pareto struct {
	Inner Evaluator
}

func (p Pareto) Name() string {
	return "pareto(" + p.Inner.Name() + ")"
}

func (p Pareto) Weights() []float64 {
	return append(p.Inner.Weights(), -1)
}

func (p Pareto) Evaluate(e model.Expression) Outcome {
	out := p.Inner.Evaluate(e)
	if out.Failed {
		return out
	}
	return Ok(append(append([]float64(nil), out.Values...), float64(len(e)))...)
}
