package sparql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/store"
)

// Binding maps variable names to bound terms.
type Binding map[string]rdf.Term

// Ask evaluates an ASK query against a graph.
func Ask(g *store.Graph, q *Query) (bool, error) {
	if q.Form != FormAsk {
		return false, fmt.Errorf("%w: not an ASK query", ErrSyntax)
	}
	found := false
	err := solve(g, q, func(Binding) bool {
		found = true
		return false
	})
	return found, err
}

// Select evaluates a SELECT query against a graph and returns all solutions.
func Select(g *store.Graph, q *Query) ([]Binding, error) {
	if q.Form != FormSelect {
		return nil, fmt.Errorf("%w: not a SELECT query", ErrSyntax)
	}
	var out []Binding
	err := solve(g, q, func(b Binding) bool {
		projected := make(Binding, len(q.Vars))
		if len(q.Vars) == 0 {
			for k, v := range b {
				projected[k] = v
			}
		} else {
			for _, v := range q.Vars {
				if t, ok := b[v]; ok {
					projected[v] = t
				}
			}
		}
		out = append(out, projected)
		return true
	})
	return out, err
}

// solve joins the basic graph pattern left to right with backtracking,
// applying filters as soon as their variable is bound. emit returns false to
// stop enumeration (enough for ASK).
func solve(g *store.Graph, q *Query, emit func(Binding) bool) error {
	binding := make(Binding)
	var walk func(i int) (bool, error)
	walk = func(i int) (bool, error) {
		if i == len(q.Patterns) {
			ok, err := filtersHold(binding, q.Filters, true)
			if err != nil || !ok {
				return true, err
			}
			return emit(binding), nil
		}
		pat := q.Patterns[i]
		s, sv := resolve(binding, pat.S)
		p, _ := resolve(binding, pat.P)
		o, ov := resolve(binding, pat.O)
		for _, t := range g.Match(s, p, o) {
			undo := bind(binding, pat, sv, ov, t)
			ok, err := filtersHold(binding, q.Filters, false)
			if err != nil {
				return false, err
			}
			if ok {
				cont, err := walk(i + 1)
				if err != nil || !cont {
					undo()
					return cont, err
				}
			}
			undo()
		}
		return true, nil
	}
	_, err := walk(0)
	return err
}

// resolve turns a pattern node into a concrete term (or nil wildcard) and
// reports whether it is an unbound variable.
func resolve(b Binding, n Node) (rdf.Term, bool) {
	switch n.Kind {
	case KindVar:
		if t, ok := b[n.Value]; ok {
			return t, false
		}
		return nil, true
	case KindIRI:
		return store.IRI(n.Value), false
	default:
		if n.Datatype != "" {
			return store.TypedLit(n.Value, n.Datatype), false
		}
		return store.Lit(n.Value), false
	}
}

func bind(b Binding, pat Pattern, sv, ov bool, t rdf.Triple) func() {
	var bound []string
	if sv {
		b[pat.S.Value] = t.Subj
		bound = append(bound, pat.S.Value)
	}
	if pat.P.Kind == KindVar {
		if _, ok := b[pat.P.Value]; !ok {
			b[pat.P.Value] = t.Pred
			bound = append(bound, pat.P.Value)
		}
	}
	if ov {
		b[pat.O.Value] = t.Obj
		bound = append(bound, pat.O.Value)
	}
	return func() {
		for _, v := range bound {
			delete(b, v)
		}
	}
}

// filtersHold applies every filter whose variable is bound. When final is
// true, a filter over an unbound variable fails the solution, which makes a
// guard over a missing variable evaluate to false.
func filtersHold(b Binding, filters []Filter, final bool) (bool, error) {
	for _, f := range filters {
		term, bound := b[f.Var]
		if !bound {
			if final {
				return false, nil
			}
			continue
		}
		ok, err := Compare(store.Text(term), f.Op, f.Value.Value)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Compare applies a filter operator to two raw values. Booleans compare as
// booleans for equality operators, numbers numerically, everything else as
// strings (lexicographic for inequalities).
func Compare(actual, op, expected string) (bool, error) {
	if ab, aok := parseBool(actual); aok {
		if eb, eok := parseBool(expected); eok {
			switch op {
			case "=":
				return ab == eb, nil
			case "!=":
				return ab != eb, nil
			}
		}
	}
	if an, err1 := strconv.ParseFloat(actual, 64); err1 == nil {
		if en, err2 := strconv.ParseFloat(expected, 64); err2 == nil {
			return compareOrdered(an, en, op)
		}
	}
	return compareOrdered(actual, expected, op)
}

func compareOrdered[T string | float64](a, e T, op string) (bool, error) {
	switch op {
	case "=":
		return a == e, nil
	case "!=":
		return a != e, nil
	case ">":
		return a > e, nil
	case ">=":
		return a >= e, nil
	case "<":
		return a < e, nil
	case "<=":
		return a <= e, nil
	default:
		return false, fmt.Errorf("%w: operator %q", ErrSyntax, op)
	}
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}
