package expr

import (
	"strconv"
	"strings"

	"archipelago/internal/model"
)

var infixOperators = map[string]string{
	"add":   "+",
	"sub":   "-",
	"mul":   "*",
	"div":   "/",
	"power": "**",
}

// Format renders e by walking the tree. Variables are substituted with
// names[Index] when available. With infix set, arithmetic primitives are
// written as operators; otherwise every primitive is written as a call.
func Format(e model.Expression, names []string, infix bool) string {
	if !WellFormed(e) {
		return "<malformed>"
	}
	var b strings.Builder
	format(&b, e, 0, names, infix)
	return b.String()
}

func format(b *strings.Builder, e model.Expression, at int, names []string, infix bool) int {
	n := e[at]
	switch n.Kind {
	case model.NodeVariable:
		if n.Index >= 0 && n.Index < len(names) && names[n.Index] != "" {
			b.WriteString(names[n.Index])
		} else {
			b.WriteString(n.Name)
		}
		return at + 1
	case model.NodeConstant:
		b.WriteString(strconv.FormatFloat(n.Value, 'g', -1, 64))
		return at + 1
	}

	if infix {
		if op, ok := infixOperators[n.Name]; ok && n.Arity == 2 {
			b.WriteByte('(')
			next := format(b, e, at+1, names, infix)
			b.WriteString(" " + op + " ")
			next = format(b, e, next, names, infix)
			b.WriteByte(')')
			return next
		}
		if n.Name == "neg" && n.Arity == 1 {
			b.WriteString("-(")
			next := format(b, e, at+1, names, infix)
			b.WriteByte(')')
			return next
		}
	}

	b.WriteString(n.Name)
	b.WriteByte('(')
	next := at + 1
	for i := 0; i < n.Arity; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		next = format(b, e, next, names, infix)
	}
	b.WriteByte(')')
	return next
}
