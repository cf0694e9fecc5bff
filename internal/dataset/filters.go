package dataset

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
)

var ErrNotGrid = errors.New("data is not a full grid")

type Filter interface {
	Name() string
	Apply(t Table) (Table, error)
}

// FilterSpec is the configuration form of a filter. Fractions are removal
// fractions and default to 0.5 only when absent, so an explicit 0 keeps
// every point.
type FilterSpec struct {
	Type            string   `json:"type" yaml:"type"`
	Seed            uint64   `json:"seed,omitempty" yaml:"seed,omitempty"`
	RemovalFraction *float64 `json:"removalFraction,omitempty" yaml:"removalFraction,omitempty"`
	RemainingPoints int      `json:"remainingPoints,omitempty" yaml:"remainingPoints,omitempty"`

	// gridRandom and gridRegular
	XAxisName        string   `json:"xAxisName,omitempty" yaml:"xAxisName,omitempty"`
	YAxisName        string   `json:"yAxisName,omitempty" yaml:"yAxisName,omitempty"`
	XRemovalFraction *float64 `json:"xRemovalFraction,omitempty" yaml:"xRemovalFraction,omitempty"`
	YRemovalFraction *float64 `json:"yRemovalFraction,omitempty" yaml:"yRemovalFraction,omitempty"`
	XRemainingPoints int      `json:"xRemainingPoints,omitempty" yaml:"xRemainingPoints,omitempty"`
	YRemainingPoints int      `json:"yRemainingPoints,omitempty" yaml:"yRemainingPoints,omitempty"`
	// StartValue seeds gridRegular's running sum. Negative draws it at
	// random from Seed.
	StartValue *float64 `json:"startValue,omitempty" yaml:"startValue,omitempty"`

	// removeCold
	RhoAxisName string   `json:"rhoAxisName,omitempty" yaml:"rhoAxisName,omitempty"`
	TAxisName   string   `json:"TAxisName,omitempty" yaml:"TAxisName,omitempty"`
	RemoveZero  bool     `json:"removeZero,omitempty" yaml:"removeZero,omitempty"`
	Functions   []string `json:"functions,omitempty" yaml:"functions,omitempty"`
}

const (
	defaultRemovalFraction = 0.5
	defaultXAxis           = "rho"
	defaultYAxis           = "T"
)

// Fraction is a convenience for filling FilterSpec's optional fields.
func Fraction(v float64) *float64 {
	return &v
}

func fractionOr(name string, v *float64) (float64, error) {
	if v == nil {
		return defaultRemovalFraction, nil
	}
	if *v < 0 || *v > 1 {
		return 0, fmt.Errorf("%s must be in [0, 1], got %g", name, *v)
	}
	return *v, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func NewFilter(spec FilterSpec) (Filter, error) {
	switch strings.ToLower(spec.Type) {
	case "fullrandom":
		fraction, err := fractionOr("fullRandom removalFraction", spec.RemovalFraction)
		if err != nil {
			return nil, err
		}
		return FullRandom{Seed: spec.Seed, RemovalFraction: fraction, RemainingPoints: spec.RemainingPoints}, nil
	case "gridrandom", "gridregular":
		x, err := fractionOr(spec.Type+" xRemovalFraction", spec.XRemovalFraction)
		if err != nil {
			return nil, err
		}
		y, err := fractionOr(spec.Type+" yRemovalFraction", spec.YRemovalFraction)
		if err != nil {
			return nil, err
		}
		axes := GridAxes{
			XName:            orDefault(spec.XAxisName, defaultXAxis),
			YName:            orDefault(spec.YAxisName, defaultYAxis),
			XRemovalFraction: x,
			YRemovalFraction: y,
			XRemainingPoints: spec.XRemainingPoints,
			YRemainingPoints: spec.YRemainingPoints,
		}
		if strings.EqualFold(spec.Type, "gridRandom") {
			return GridRandom{Seed: spec.Seed, Axes: axes}, nil
		}
		start := -1.0
		if spec.StartValue != nil {
			start = *spec.StartValue
		}
		return GridRegular{Seed: spec.Seed, StartValue: start, Axes: axes}, nil
	case "removecold":
		return RemoveCold{
			RhoName:    orDefault(spec.RhoAxisName, defaultXAxis),
			TName:      orDefault(spec.TAxisName, defaultYAxis),
			RemoveZero: spec.RemoveZero,
			Functions:  append([]string(nil), spec.Functions...),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported data filter: %s", spec.Type)
	}
}

// newRand returns a generator seeded with seed, or from the runtime's
// entropy when seed is 0.
func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, 0))
}

// keepCount is how many of n points survive. remaining > 0 takes
// precedence over fraction.
func keepCount(n int, fraction float64, remaining int) int {
	if remaining > 0 {
		return remaining
	}
	return n - int(float64(n)*fraction)
}

// FullRandom drops rows uniformly at random. RemainingPoints > 0 takes
// precedence over RemovalFraction. Seed 0 draws from the runtime's entropy.
type FullRandom struct {
	Seed            uint64
	RemovalFraction float64
	RemainingPoints int
}

func (FullRandom) Name() string {
	return "fullRandom"
}

func (f FullRandom) Apply(t Table) (Table, error) {
	start := t.Rows()
	keep := keepCount(start, f.RemovalFraction, f.RemainingPoints)
	if start <= keep {
		return t.Clone(), nil
	}

	rng := newRand(f.Seed)
	rows := make([]int, start)
	for i := range rows {
		rows[i] = i
	}
	rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
	kept := rows[:keep]
	slices.Sort(kept)
	return t.takeRows(kept), nil
}

// takeRows copies the given rows, in order, into a new table.
func (t Table) takeRows(rows []int) Table {
	out := Table{Labels: append([]string(nil), t.Labels...), Columns: make([][]float64, len(t.Columns))}
	for c, col := range t.Columns {
		next := make([]float64, len(rows))
		for i, r := range rows {
			next[i] = col[r]
		}
		out.Columns[c] = next
	}
	return out
}

// uniqueSorted returns the distinct values of v in ascending order.
func uniqueSorted(v []float64) []float64 {
	out := append([]float64(nil), v...)
	slices.Sort(out)
	return slices.Compact(out)
}

// grid is a table laid out row-major over two axes, x varying fastest.
type grid struct {
	nx, ny int
}

func gridOf(t Table, xName, yName string) (grid, error) {
	xs, err := t.Column(xName)
	if err != nil {
		return grid{}, err
	}
	ys, err := t.Column(yName)
	if err != nil {
		return grid{}, err
	}
	g := grid{nx: len(uniqueSorted(xs)), ny: len(uniqueSorted(ys))}
	if g.nx*g.ny != t.Rows() {
		return grid{}, fmt.Errorf("%w: %d rows over %d %s values and %d %s values",
			ErrNotGrid, t.Rows(), g.nx, xName, g.ny, yName)
	}
	return g, nil
}

// rows lists the table rows at the kept axis indices, y major.
func (g grid) rows(xs, ys []int) []int {
	out := make([]int, 0, len(xs)*len(ys))
	for _, y := range ys {
		for _, x := range xs {
			out = append(out, y*g.nx+x)
		}
	}
	return out
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// GridAxes names the two axes of a grid filter and how much of each to
// thin out.
type GridAxes struct {
	XName, YName                       string
	XRemovalFraction, YRemovalFraction float64
	XRemainingPoints, YRemainingPoints int
}

// GridRandom removes whole grid lines picked at random. The lowest and
// highest value of each axis always stay, so the result is a smaller but
// uneven grid.
type GridRandom struct {
	Seed uint64
	Axes GridAxes
}

func (GridRandom) Name() string {
	return "gridRandom"
}

func (f GridRandom) Apply(t Table) (Table, error) {
	g, err := gridOf(t, f.Axes.XName, f.Axes.YName)
	if err != nil {
		return Table{}, err
	}
	rng := newRand(f.Seed)
	xs := randomAxis(rng, g.nx, f.Axes.XRemovalFraction, f.Axes.XRemainingPoints)
	ys := randomAxis(rng, g.ny, f.Axes.YRemovalFraction, f.Axes.YRemainingPoints)
	return t.takeRows(g.rows(xs, ys)), nil
}

func randomAxis(rng *rand.Rand, n int, fraction float64, remaining int) []int {
	keep := keepCount(n, fraction, remaining)
	if n <= 2 || keep >= n {
		return allIndices(n)
	}
	interior := allIndices(n)[1 : n-1]
	drop := min(n-keep, len(interior))
	for i := 0; i < drop; i++ {
		j := rng.IntN(len(interior))
		interior = append(interior[:j], interior[j+1:]...)
	}
	out := append([]int{0}, interior...)
	return append(out, n-1)
}

// GridRegular removes grid lines at an even stride. A running sum grows by
// the keep rate at every interior index and the index is kept each time
// the sum reaches one. The axis end points always stay, so slightly more
// points survive than the fraction asks for.
type GridRegular struct {
	Seed uint64
	// StartValue is the running sum's initial value. 0 always drops the
	// first interior index and 1 always keeps it. Negative draws it from
	// [0, 1).
	StartValue float64
	Axes       GridAxes
}

func (GridRegular) Name() string {
	return "gridRegular"
}

func (f GridRegular) Apply(t Table) (Table, error) {
	g, err := gridOf(t, f.Axes.XName, f.Axes.YName)
	if err != nil {
		return Table{}, err
	}
	start := f.StartValue
	if start < 0 {
		start = newRand(f.Seed).Float64()
	}
	xs := regularAxis(g.nx, keepRate(g.nx, f.Axes.XRemovalFraction, f.Axes.XRemainingPoints), start)
	ys := regularAxis(g.ny, keepRate(g.ny, f.Axes.YRemovalFraction, f.Axes.YRemainingPoints), start)
	return t.takeRows(g.rows(xs, ys)), nil
}

// keepRate turns a remaining point count into a rate over the n axis
// values. The two end points are not part of the stride.
func keepRate(n int, fraction float64, remaining int) float64 {
	if remaining >= 3 {
		return float64(remaining-2) / float64(n)
	}
	return 1 - fraction
}

func regularAxis(n int, rate, start float64) []int {
	if n <= 2 || rate >= 1 {
		return allIndices(n)
	}
	out := []int{0}
	sum := start
	for i := 1; i < n-1; i++ {
		sum += rate
		if sum >= 1 {
			out = append(out, i)
			sum--
		}
	}
	return append(out, n-1)
}

// RemoveCold subtracts the lowest isotherm from every function column of a
// rho by T grid, rho varying fastest. Functions empty means every column
// other than the two axes. RemoveZero then drops the lowest isotherm,
// which is all zeros, from every column.
type RemoveCold struct {
	RhoName, TName string
	RemoveZero     bool
	Functions      []string
}

func (RemoveCold) Name() string {
	return "removeCold"
}

func (f RemoveCold) Apply(t Table) (Table, error) {
	g, err := gridOf(t, f.RhoName, f.TName)
	if err != nil {
		return Table{}, err
	}
	funcs := f.Functions
	if len(funcs) == 0 {
		for _, label := range t.Labels {
			if label != f.RhoName && label != f.TName {
				funcs = append(funcs, label)
			}
		}
	}

	out := t.Clone()
	for _, name := range funcs {
		idx := slices.Index(out.Labels, name)
		if idx < 0 {
			return Table{}, fmt.Errorf("%w: %s", ErrUnknownColumn, name)
		}
		col := out.Columns[idx]
		cold := append([]float64(nil), col[:g.nx]...)
		for y := 0; y < g.ny; y++ {
			for x := 0; x < g.nx; x++ {
				col[y*g.nx+x] -= cold[x]
			}
		}
	}
	if f.RemoveZero {
		return out.takeRows(g.rows(allIndices(g.nx), allIndices(g.ny)[1:])), nil
	}
	return out, nil
}

// ApplyFilters runs filters in order.
func ApplyFilters(t Table, filters []Filter) (Table, error) {
	for _, f := range filters {
		next, err := f.Apply(t)
		if err != nil {
			return Table{}, fmt.Errorf("%s filter: %w", f.Name(), err)
		}
		t = next
	}
	return t, nil
}
