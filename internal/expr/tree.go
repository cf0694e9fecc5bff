package expr

import (
	"errors"
	"fmt"

	"archipelago/internal/model"
)

var ErrMalformedExpression = errors.New("malformed expression")

// SearchSubtree returns the end (exclusive) of the subtree rooted at begin.
func SearchSubtree(e model.Expression, begin int) int {
	end := begin + 1
	total := e[begin].Arity
	for end < len(e) && total > 0 {
		total += e[end].Arity - 1
		end++
	}
	return end
}

// Height is the length of the longest root-to-leaf path; a single terminal
// has height 0.
func Height(e model.Expression) int {
	stack := []int{0}
	maxDepth := 0
	for _, n := range e {
		if len(stack) == 0 {
			break
		}
		depth := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if depth > maxDepth {
			maxDepth = depth
		}
		for i := 0; i < n.Arity; i++ {
			stack = append(stack, depth+1)
		}
	}
	return maxDepth
}

// Replace returns a new expression with e[begin:end] swapped for sub.
func Replace(e model.Expression, begin, end int, sub model.Expression) model.Expression {
	out := make(model.Expression, 0, len(e)-(end-begin)+len(sub))
	out = append(out, e[:begin]...)
	out = append(out, sub...)
	out = append(out, e[end:]...)
	return out
}

// WellFormed reports whether e is exactly one complete prefix tree.
func WellFormed(e model.Expression) bool {
	if len(e) == 0 {
		return false
	}
	open := 1
	for i, n := range e {
		if open == 0 {
			return false
		}
		open += n.Arity - 1
		if open < 0 || (open == 0 && i != len(e)-1) {
			return false
		}
	}
	return open == 0
}

// Evaluate computes e over column data and returns one value per row.
// Columns are indexed by variable Index. Non-finite values are returned as
// they are; deciding what they mean is the caller's business.
func (ps *PrimitiveSet) Evaluate(e model.Expression, columns [][]float64, rows int) ([]float64, error) {
	if !WellFormed(e) {
		return nil, ErrMalformedExpression
	}
	out, next, err := ps.eval(e, 0, columns, rows)
	if err != nil {
		return nil, err
	}
	if next != len(e) {
		return nil, ErrMalformedExpression
	}
	return out, nil
}

func (ps *PrimitiveSet) eval(e model.Expression, at int, columns [][]float64, rows int) ([]float64, int, error) {
	n := e[at]
	switch n.Kind {
	case model.NodeVariable:
		if n.Index < 0 || n.Index >= len(columns) {
			return nil, 0, fmt.Errorf("variable %s: column %d out of range", n.Name, n.Index)
		}
		col := columns[n.Index]
		if len(col) < rows {
			return nil, 0, fmt.Errorf("variable %s: column has %d rows, want %d", n.Name, len(col), rows)
		}
		return append([]float64(nil), col[:rows]...), at + 1, nil
	case model.NodeConstant:
		out := make([]float64, rows)
		for i := range out {
			out[i] = n.Value
		}
		return out, at + 1, nil
	case model.NodePrimitive:
		p, ok := ps.byName[n.Name]
		if !ok || p.Arity != n.Arity {
			return nil, 0, fmt.Errorf("%w: %s/%d", ErrUnknownPrimitive, n.Name, n.Arity)
		}
		left, next, err := ps.eval(e, at+1, columns, rows)
		if err != nil {
			return nil, 0, err
		}
		if p.Arity == 1 {
			for i, v := range left {
				left[i] = p.Unary(v)
			}
			return left, next, nil
		}
		right, next, err := ps.eval(e, next, columns, rows)
		if err != nil {
			return nil, 0, err
		}
		for i := range left {
			left[i] = p.Binary(left[i], right[i])
		}
		return left, next, nil
	default:
		return nil, 0, fmt.Errorf("%w: node kind %q", ErrMalformedExpression, n.Kind)
	}
}
