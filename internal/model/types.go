package model

import (
	"math"
	"strconv"
	"strings"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type NodeKind string

const (
	NodePrimitive NodeKind = "primitive"
	NodeVariable  NodeKind = "variable"
	NodeConstant  NodeKind = "constant"
)

// Node is one symbol of a prefix-ordered expression.
type Node struct {
	Kind  NodeKind `json:"kind"`
	Name  string   `json:"name"`
	Arity int      `json:"arity,omitempty"`
	Index int      `json:"index,omitempty"`
	Value float64  `json:"value,omitempty"`
}

func (n Node) IsTerminal() bool {
	return n.Kind != NodePrimitive
}

// Expression is a tree stored in prefix order. Every primitive node is
// followed by exactly Arity subtrees.
type Expression []Node

func (e Expression) Clone() Expression {
	if e == nil {
		return nil
	}
	return append(Expression(nil), e...)
}

// Equal compares the fields Key renders. Constant values compare as
// numbers except that every NaN equals every other NaN.
func (e Expression) Equal(other Expression) bool {
	if len(e) != len(other) {
		return false
	}
	for i := range e {
		if !e[i].same(other[i]) {
			return false
		}
	}
	return true
}

func (n Node) same(o Node) bool {
	if n.Kind != o.Kind {
		return false
	}
	switch n.Kind {
	case NodePrimitive:
		return n.Name == o.Name && n.Arity == o.Arity
	case NodeVariable:
		return n.Index == o.Index
	case NodeConstant:
		return n.Name == o.Name && (n.Value == o.Value || math.IsNaN(n.Value) && math.IsNaN(o.Value))
	default:
		return n.Name == o.Name
	}
}

// Key renders the expression as a canonical prefix string. Two expressions
// have the same key exactly when they are Equal.
func (e Expression) Key() string {
	var b strings.Builder
	for i, n := range e {
		if i > 0 {
			b.WriteByte(' ')
		}
		switch n.Kind {
		case NodePrimitive:
			b.WriteString(n.Name)
			b.WriteByte('/')
			b.WriteString(strconv.Itoa(n.Arity))
		case NodeVariable:
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n.Index))
		case NodeConstant:
			b.WriteString(n.Name)
			b.WriteByte('=')
			v := n.Value
			if v == 0 {
				v = 0 // folds -0
			}
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		default:
			b.WriteByte('?')
			b.WriteString(n.Name)
		}
	}
	return b.String()
}

// Fitness is a vector of objective values. Weights carry the sign of each
// objective: positive values are maximised, negative values minimised.
type Fitness struct {
	Values  []float64 `json:"values,omitempty"`
	Weights []float64 `json:"weights,omitempty"`
	Valid   bool      `json:"valid"`
}

func (f Fitness) Clone() Fitness {
	return Fitness{
		Values:  append([]float64(nil), f.Values...),
		Weights: append([]float64(nil), f.Weights...),
		Valid:   f.Valid,
	}
}

func (f *Fitness) Invalidate() {
	f.Values = nil
	f.Valid = false
}

// Weighted returns the objective values multiplied by their weights, so that
// larger is always better.
func (f Fitness) Weighted() []float64 {
	out := make([]float64, len(f.Values))
	for i, v := range f.Values {
		w := 1.0
		if i < len(f.Weights) {
			w = f.Weights[i]
		}
		out[i] = v * w
	}
	return out
}

// Compare orders fitnesses lexicographically on weighted values. It returns
// 1 when f is better than other, -1 when worse and 0 when tied. An invalid
// fitness is worse than any valid one.
func (f Fitness) Compare(other Fitness) int {
	switch {
	case !f.Valid && !other.Valid:
		return 0
	case !f.Valid:
		return -1
	case !other.Valid:
		return 1
	}
	a := f.Weighted()
	b := other.Weighted()
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] > b[i] {
			return 1
		}
		if a[i] < b[i] {
			return -1
		}
	}
	switch {
	case len(a) > len(b):
		return 1
	case len(a) < len(b):
		return -1
	}
	return 0
}

func (f Fitness) Better(other Fitness) bool {
	return f.Compare(other) > 0
}

// Dominates reports Pareto dominance: no objective is worse and at least
// one is strictly better.
func (f Fitness) Dominates(other Fitness) bool {
	if !f.Valid || !other.Valid {
		return false
	}
	a := f.Weighted()
	b := other.Weighted()
	if len(a) != len(b) {
		return false
	}
	strictly := false
	for i := range a {
		if a[i] < b[i] {
			return false
		}
		if a[i] > b[i] {
			strictly = true
		}
	}
	return strictly
}

// Individual is one candidate expression and its fitness. Identity is
// structural: two individuals are equal when their expressions are.
type Individual struct {
	Expr    Expression `json:"expr"`
	Fitness Fitness    `json:"fitness"`
}

func (i Individual) Clone() Individual {
	return Individual{Expr: i.Expr.Clone(), Fitness: i.Fitness.Clone()}
}

func (i Individual) Equal(other Individual) bool {
	return i.Expr.Equal(other.Expr)
}

func (i Individual) Key() string {
	return i.Expr.Key()
}

func (i Individual) Len() int {
	return len(i.Expr)
}

func CloneIndividuals(in []Individual) []Individual {
	if in == nil {
		return nil
	}
	out := make([]Individual, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}
