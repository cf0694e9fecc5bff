package expr

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"archipelago/internal/model"
)

var ErrUnknownPrimitive = errors.New("unknown primitive")

// Primitive is a named function node. Exactly one of Unary or Binary is set,
// matching Arity.
type Primitive struct {
	Name   string
	Arity  int
	Unary  func(float64) float64
	Binary func(a, b float64) float64
}

type primitiveSpec struct {
	name   string
	unary  func(float64) float64
	binary func(a, b float64) float64
}

// builtins maps configuration names to primitives. Several inverse
// trigonometric functions register under a shorter node name.
var builtins = map[string]primitiveSpec{
	"add":        {name: "add", binary: func(a, b float64) float64 { return a + b }},
	"sub":        {name: "sub", binary: func(a, b float64) float64 { return a - b }},
	"mul":        {name: "mul", binary: func(a, b float64) float64 { return a * b }},
	"div":        {name: "div", binary: func(a, b float64) float64 { return a / b }},
	"power":      {name: "power", binary: math.Pow},
	"arctan2":    {name: "atan2", binary: math.Atan2},
	"neg":        {name: "neg", unary: func(a float64) float64 { return -a }},
	"abs":        {name: "abs", unary: math.Abs},
	"exp":        {name: "exp", unary: math.Exp},
	"exp2":       {name: "exp2", unary: math.Exp2},
	"log":        {name: "log", unary: math.Log},
	"log2":       {name: "log2", unary: math.Log2},
	"log10":      {name: "log10", unary: math.Log10},
	"sqrt":       {name: "sqrt", unary: math.Sqrt},
	"square":     {name: "square", unary: func(a float64) float64 { return a * a }},
	"reciprocal": {name: "reciprocal", unary: func(a float64) float64 { return 1 / a }},
	"sin":        {name: "sin", unary: math.Sin},
	"cos":        {name: "cos", unary: math.Cos},
	"tan":        {name: "tan", unary: math.Tan},
	"arcsin":     {name: "asin", unary: math.Asin},
	"arccos":     {name: "acos", unary: math.Acos},
	"arctan":     {name: "atan", unary: math.Atan},
	"sinh":       {name: "sinh", unary: math.Sinh},
	"cosh":       {name: "cosh", unary: math.Cosh},
	"tanh":       {name: "tanh", unary: math.Tanh},
	"arcsinh":    {name: "asinh", unary: math.Asinh},
	"arccosh":    {name: "acosh", unary: math.Acosh},
	"arctanh":    {name: "atanh", unary: math.Atanh},
}

// BuiltinNames lists every primitive name accepted by AddPrimitive.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Ephemeral struct {
	Name string
	Min  float64
	Max  float64
}

// PrimitiveSet holds the functions and terminals expressions are built from.
// It is built once per run from configuration and is read-only afterwards.
type PrimitiveSet struct {
	vars       []string
	primitives []Primitive
	byName     map[string]Primitive
	constants  []model.Node
	ephemerals []Ephemeral
	ephByName  map[string]Ephemeral
}

func NewPrimitiveSet(varNames []string) *PrimitiveSet {
	return &PrimitiveSet{
		vars:      append([]string(nil), varNames...),
		byName:    make(map[string]Primitive),
		ephByName: make(map[string]Ephemeral),
	}
}

// AddPrimitive registers a builtin by configuration name, case-insensitive.
func (ps *PrimitiveSet) AddPrimitive(name string) error {
	spec, ok := builtins[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrimitive, name)
	}
	if _, exists := ps.byName[spec.name]; exists {
		return nil
	}
	p := Primitive{Name: spec.name, Unary: spec.unary, Binary: spec.binary, Arity: 1}
	if spec.binary != nil {
		p.Arity = 2
	}
	ps.primitives = append(ps.primitives, p)
	ps.byName[p.Name] = p
	return nil
}

func (ps *PrimitiveSet) AddConstant(name string, value float64) {
	ps.constants = append(ps.constants, model.Node{Kind: model.NodeConstant, Name: name, Value: value})
}

func (ps *PrimitiveSet) AddEphemeral(name string, min, max float64) error {
	if name == "" {
		return errors.New("ephemeral constant name is required")
	}
	if max < min {
		return fmt.Errorf("ephemeral %s: max %g < min %g", name, max, min)
	}
	if _, exists := ps.ephByName[name]; exists {
		return fmt.Errorf("ephemeral %s already registered", name)
	}
	e := Ephemeral{Name: name, Min: min, Max: max}
	ps.ephemerals = append(ps.ephemerals, e)
	ps.ephByName[name] = e
	return nil
}

func (ps *PrimitiveSet) VarNames() []string {
	return append([]string(nil), ps.vars...)
}

func (ps *PrimitiveSet) Primitives() []Primitive {
	return append([]Primitive(nil), ps.primitives...)
}

func (ps *PrimitiveSet) Primitive(name string) (Primitive, bool) {
	p, ok := ps.byName[name]
	return p, ok
}

func (ps *PrimitiveSet) Ephemeral(name string) (Ephemeral, bool) {
	e, ok := ps.ephByName[name]
	return e, ok
}

func (ps *PrimitiveSet) TerminalCount() int {
	return len(ps.vars) + len(ps.constants) + len(ps.ephemerals)
}

// RandomTerminal draws a variable, a fixed constant or a freshly sampled
// ephemeral constant with equal weight per registered terminal.
func (ps *PrimitiveSet) RandomTerminal(rng *rand.Rand) model.Node {
	n := rng.IntN(ps.TerminalCount())
	if n < len(ps.vars) {
		return model.Node{Kind: model.NodeVariable, Name: ps.vars[n], Index: n}
	}
	n -= len(ps.vars)
	if n < len(ps.constants) {
		return ps.constants[n]
	}
	return ps.sampleEphemeral(rng, ps.ephemerals[n-len(ps.constants)])
}

func (ps *PrimitiveSet) sampleEphemeral(rng *rand.Rand, e Ephemeral) model.Node {
	return model.Node{Kind: model.NodeConstant, Name: e.Name, Value: e.Min + rng.Float64()*(e.Max-e.Min)}
}

// Resample draws a new value for an ephemeral constant node. Other nodes are
// returned unchanged.
func (ps *PrimitiveSet) Resample(rng *rand.Rand, n model.Node) model.Node {
	if n.Kind != model.NodeConstant {
		return n
	}
	e, ok := ps.ephByName[n.Name]
	if !ok {
		return n
	}
	return ps.sampleEphemeral(rng, e)
}

func (ps *PrimitiveSet) RandomPrimitive(rng *rand.Rand) model.Node {
	p := ps.primitives[rng.IntN(len(ps.primitives))]
	return model.Node{Kind: model.NodePrimitive, Name: p.Name, Arity: p.Arity}
}

// RandomPrimitiveWithArity returns false when no primitive has that arity.
func (ps *PrimitiveSet) RandomPrimitiveWithArity(rng *rand.Rand, arity int) (model.Node, bool) {
	candidates := make([]Primitive, 0, len(ps.primitives))
	for _, p := range ps.primitives {
		if p.Arity == arity {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return model.Node{}, false
	}
	p := candidates[rng.IntN(len(candidates))]
	return model.Node{Kind: model.NodePrimitive, Name: p.Name, Arity: p.Arity}, true
}

func (ps *PrimitiveSet) Validate() error {
	if len(ps.primitives) == 0 {
		return errors.New("primitive set has no primitives")
	}
	if ps.TerminalCount() == 0 {
		return errors.New("primitive set has no terminals")
	}
	return nil
}
