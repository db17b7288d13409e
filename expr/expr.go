// Package expr evaluates sequence-flow guards and the restricted expression
// grammar used across the engine. A guard is one of:
//
//   - ${IDENT OP LITERAL} — lowered to a SPARQL ASK over the instance's
//     variable triples,
//   - ${IDENT} — a truthy test on a single variable,
//   - a full SPARQL ASK body — passed through with ${instance} substituted,
//   - empty — unconditionally true.
//
// Missing variables make a guard false; default flows are never evaluated.
package expr

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/sparql"
	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/vocabulary/run"
)

// ErrBadExpression reports a guard outside the restricted grammar.
var ErrBadExpression = errors.New("unsupported condition expression")

var (
	guardPattern = regexp.MustCompile(
		`^\$\{\s*(\w+)\s*(>=|<=|!=|==|gte|lte|neq|eq|gt|lt|>|<|=)\s*(.+?)\s*\}$`)
	truthyPattern = regexp.MustCompile(`^\$\{\s*(\w+)\s*\}$`)
	instancePlaceholder = "${instance}"
)

// operator normalization to the SPARQL filter set.
var operators = map[string]string{
	"==": "=", "eq": "=", "=": "=",
	"!=": "!=", "neq": "!=",
	">": ">", "gt": ">",
	">=": ">=", "gte": ">=",
	"<": "<", "lt": "<",
	"<=": "<=", "lte": "<=",
}

// Evaluator evaluates guards against the inst graph.
type Evaluator struct {
	inst *store.Graph
}

// New creates an evaluator over the instance graph.
func New(inst *store.Graph) *Evaluator {
	return &Evaluator{inst: inst}
}

// Eval evaluates a guard for the given instance.
func (e *Evaluator) Eval(instance rdf.IRI, expression string) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return true, nil
	}

	if sparql.IsAsk(expression) {
		text := strings.ReplaceAll(expression, instancePlaceholder, "<"+instance.String()+">")
		q, err := sparql.Parse(text)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrBadExpression, err)
		}
		return sparql.Ask(e.inst, q)
	}

	if m := guardPattern.FindStringSubmatch(expression); m != nil {
		q, err := Lower(instance, m[1], m[2], m[3])
		if err != nil {
			return false, err
		}
		return sparql.Ask(e.inst, q)
	}

	if m := truthyPattern.FindStringSubmatch(expression); m != nil {
		return e.truthy(instance, m[1]), nil
	}

	return false, fmt.Errorf("%w: %q", ErrBadExpression, expression)
}

// Lower builds the ASK query for a ${IDENT OP LITERAL} guard:
//
//	ASK { <instance> var:IDENT ?v . FILTER(?v OP literal) }
//
// Unquoted numbers type as xsd:decimal, true/false as xsd:boolean and quoted
// text as xsd:string.
func Lower(instance rdf.IRI, ident, op, literal string) (*sparql.Query, error) {
	normalized, ok := operators[op]
	if !ok {
		return nil, fmt.Errorf("%w: operator %q", ErrBadExpression, op)
	}
	value := typeLiteral(literal)
	return &sparql.Query{
		Form: sparql.FormAsk,
		Patterns: []sparql.Pattern{{
			S: sparql.Node{Kind: sparql.KindIRI, Value: instance.String()},
			P: sparql.Node{Kind: sparql.KindIRI, Value: run.VarNS + ident},
			O: sparql.Node{Kind: sparql.KindVar, Value: "v"},
		}},
		Filters: []sparql.Filter{{Var: "v", Op: normalized, Value: value}},
	}, nil
}

func typeLiteral(raw string) sparql.Node {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 2 {
		if (raw[0] == '"' && raw[len(raw)-1] == '"') || (raw[0] == '\'' && raw[len(raw)-1] == '\'') {
			return sparql.Node{Kind: sparql.KindLiteral, Value: raw[1 : len(raw)-1], Datatype: run.XSDString}
		}
	}
	lower := strings.ToLower(raw)
	if lower == "true" || lower == "false" {
		return sparql.Node{Kind: sparql.KindLiteral, Value: lower, Datatype: run.XSDBoolean}
	}
	if _, err := strconv.ParseFloat(raw, 64); err == nil {
		return sparql.Node{Kind: sparql.KindLiteral, Value: raw, Datatype: run.XSDDecimal}
	}
	// Unquoted non-numeric text compares as a string.
	return sparql.Node{Kind: sparql.KindLiteral, Value: raw, Datatype: run.XSDString}
}

// truthy reports whether a variable exists and is neither false, zero nor
// empty.
func (e *Evaluator) truthy(instance rdf.IRI, name string) bool {
	val := e.inst.Value(instance, store.IRI(run.VarNS+name))
	if val == nil {
		return false
	}
	switch strings.ToLower(store.Text(val)) {
	case "", "false", "0":
		return false
	}
	return true
}

// EvalInt resolves an integer expression: either a literal integer or a
// ${name} variable reference. Multi-instance cardinality uses it.
func (e *Evaluator) EvalInt(instance rdf.IRI, expression string) (int, error) {
	expression = strings.TrimSpace(expression)
	if n, err := strconv.Atoi(expression); err == nil {
		return n, nil
	}
	if m := truthyPattern.FindStringSubmatch(expression); m != nil {
		val := e.inst.Value(instance, store.IRI(run.VarNS+m[1]))
		if val == nil {
			return 0, fmt.Errorf("%w: variable %q not set", ErrBadExpression, m[1])
		}
		n, err := strconv.Atoi(store.Text(val))
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer", ErrBadExpression, m[1])
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: %q is not an integer expression", ErrBadExpression, expression)
}
