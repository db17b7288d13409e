// Package sparql implements the restricted SPARQL subset the engine needs:
// ASK and SELECT queries over one named graph, with a basic graph pattern
// and value FILTERs. Gateway guards lower to ASK queries in this subset, and
// the read-only queryGraph control operation accepts it directly.
//
// The subset is deliberately small. Supported:
//
//	PREFIX pfx: <iri>
//	ASK { pattern . pattern . FILTER(?v >= 100) }
//	SELECT ?a ?b WHERE { pattern . ... }
//
// Terms are IRIs (<...> or prefixed names), variables (?name) and literals
// (quoted strings with optional ^^datatype, bare numbers, true/false).
package sparql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/c360studio/semflow/vocabulary/bpmn"
	"github.com/c360studio/semflow/vocabulary/run"
)

// Form distinguishes query forms.
type Form int

const (
	// FormAsk is a boolean query.
	FormAsk Form = iota
	// FormSelect projects variable bindings.
	FormSelect
)

// NodeKind distinguishes pattern term kinds.
type NodeKind int

const (
	// KindVar is a variable term (?name).
	KindVar NodeKind = iota
	// KindIRI is an IRI term.
	KindIRI
	// KindLiteral is a literal term with an optional datatype.
	KindLiteral
)

// Node is one term of a triple pattern or a filter operand.
type Node struct {
	Kind     NodeKind
	Value    string
	Datatype string // literal datatype IRI, empty for plain strings
}

// Pattern is one triple pattern of the basic graph pattern.
type Pattern struct {
	S, P, O Node
}

// Filter constrains a bound variable: FILTER(?v OP literal).
type Filter struct {
	Var   string
	Op    string // one of = != > >= < <=
	Value Node
}

// Query is a parsed restricted query.
type Query struct {
	Form     Form
	Vars     []string // projected variables for SELECT, in order
	Patterns []Pattern
	Filters  []Filter
}

// DefaultPrefixes are always in scope, matching the engine vocabularies.
var DefaultPrefixes = map[string]string{
	"var":  run.VarNS,
	"flow": run.NS,
	"bpmn": bpmn.NS,
	"rdf":  "http://www.w3.org/1999/02/22-rdf-syntax-ns#",
	"xsd":  "http://www.w3.org/2001/XMLSchema#",
}

// ErrSyntax reports a malformed query.
var ErrSyntax = errors.New("sparql syntax error")

// IsAsk reports whether the text looks like a full SPARQL query rather than
// a guard expression; the condition evaluator uses it to decide between
// passthrough and lowering.
func IsAsk(text string) bool {
	upper := strings.ToUpper(strings.TrimSpace(text))
	return strings.HasPrefix(upper, "ASK") || strings.HasPrefix(upper, "PREFIX")
}

// Parse parses a restricted SPARQL query.
func Parse(text string) (*Query, error) {
	lex := newLexer(text)
	prefixes := make(map[string]string, len(DefaultPrefixes))
	for k, v := range DefaultPrefixes {
		prefixes[k] = v
	}
	p := &parser{lex: lex, prefixes: prefixes}
	return p.parse()
}

type parser struct {
	lex      *lexer
	prefixes map[string]string
}

func (p *parser) parse() (*Query, error) {
	q := &Query{}
	for {
		tok, err := p.lex.next()
		if err != nil {
			return nil, err
		}
		switch {
		case tok.is(tokWord, "PREFIX"):
			if err := p.parsePrefix(); err != nil {
				return nil, err
			}
		case tok.is(tokWord, "ASK"):
			q.Form = FormAsk
			return q, p.parseBody(q)
		case tok.is(tokWord, "SELECT"):
			q.Form = FormSelect
			if err := p.parseProjection(q); err != nil {
				return nil, err
			}
			return q, p.parseBody(q)
		default:
			return nil, fmt.Errorf("%w: unexpected %q", ErrSyntax, tok.text)
		}
	}
}

func (p *parser) parsePrefix() error {
	name, err := p.lex.next()
	if err != nil {
		return err
	}
	if name.kind != tokPrefixedName || name.local != "" {
		return fmt.Errorf("%w: bad prefix declaration %q", ErrSyntax, name.text)
	}
	iri, err := p.lex.next()
	if err != nil {
		return err
	}
	if iri.kind != tokIRI {
		return fmt.Errorf("%w: prefix %q needs an IRI", ErrSyntax, name.text)
	}
	p.prefixes[name.prefix] = iri.text
	return nil
}

func (p *parser) parseProjection(q *Query) error {
	for {
		tok, err := p.lex.peek()
		if err != nil {
			return err
		}
		switch {
		case tok.kind == tokVar:
			p.lex.consume()
			q.Vars = append(q.Vars, tok.text)
		case tok.is(tokPunct, "*"):
			p.lex.consume()
		case tok.is(tokWord, "WHERE"):
			p.lex.consume()
			return nil
		case tok.is(tokPunct, "{"):
			return nil
		default:
			return fmt.Errorf("%w: unexpected %q in projection", ErrSyntax, tok.text)
		}
	}
}

func (p *parser) parseBody(q *Query) error {
	open, err := p.lex.next()
	if err != nil {
		return err
	}
	if !open.is(tokPunct, "{") {
		return fmt.Errorf("%w: expected '{', got %q", ErrSyntax, open.text)
	}
	for {
		tok, err := p.lex.peek()
		if err != nil {
			return err
		}
		switch {
		case tok.is(tokPunct, "}"):
			p.lex.consume()
			return nil
		case tok.is(tokPunct, "."):
			p.lex.consume()
		case tok.is(tokWord, "FILTER"):
			p.lex.consume()
			f, err := p.parseFilter()
			if err != nil {
				return err
			}
			q.Filters = append(q.Filters, f)
		default:
			pat, err := p.parsePattern()
			if err != nil {
				return err
			}
			q.Patterns = append(q.Patterns, pat)
		}
	}
}

func (p *parser) parsePattern() (Pattern, error) {
	s, err := p.parseNode()
	if err != nil {
		return Pattern{}, err
	}
	pr, err := p.parseNode()
	if err != nil {
		return Pattern{}, err
	}
	o, err := p.parseNode()
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{S: s, P: pr, O: o}, nil
}

func (p *parser) parseFilter() (Filter, error) {
	open, err := p.lex.next()
	if err != nil {
		return Filter{}, err
	}
	if !open.is(tokPunct, "(") {
		return Filter{}, fmt.Errorf("%w: FILTER needs '('", ErrSyntax)
	}
	v, err := p.lex.next()
	if err != nil {
		return Filter{}, err
	}
	if v.kind != tokVar {
		return Filter{}, fmt.Errorf("%w: FILTER needs a variable, got %q", ErrSyntax, v.text)
	}
	op, err := p.lex.next()
	if err != nil {
		return Filter{}, err
	}
	if op.kind != tokOp {
		return Filter{}, fmt.Errorf("%w: FILTER needs an operator, got %q", ErrSyntax, op.text)
	}
	val, err := p.parseNode()
	if err != nil {
		return Filter{}, err
	}
	if val.Kind == KindVar {
		return Filter{}, fmt.Errorf("%w: FILTER against a variable is unsupported", ErrSyntax)
	}
	closing, err := p.lex.next()
	if err != nil {
		return Filter{}, err
	}
	if !closing.is(tokPunct, ")") {
		return Filter{}, fmt.Errorf("%w: FILTER needs ')'", ErrSyntax)
	}
	return Filter{Var: v.text, Op: op.text, Value: val}, nil
}

func (p *parser) parseNode() (Node, error) {
	tok, err := p.lex.next()
	if err != nil {
		return Node{}, err
	}
	switch tok.kind {
	case tokVar:
		return Node{Kind: KindVar, Value: tok.text}, nil
	case tokIRI:
		return Node{Kind: KindIRI, Value: tok.text}, nil
	case tokPrefixedName:
		base, ok := p.prefixes[tok.prefix]
		if !ok {
			return Node{}, fmt.Errorf("%w: unknown prefix %q", ErrSyntax, tok.prefix)
		}
		return Node{Kind: KindIRI, Value: base + tok.local}, nil
	case tokString:
		n := Node{Kind: KindLiteral, Value: tok.text, Datatype: run.XSDString}
		dt, err := p.lex.peek()
		if err == nil && dt.kind == tokDatatype {
			p.lex.consume()
			if dt.prefix != "" {
				base, ok := p.prefixes[dt.prefix]
				if !ok {
					return Node{}, fmt.Errorf("%w: unknown prefix %q", ErrSyntax, dt.prefix)
				}
				n.Datatype = base + dt.local
			} else {
				n.Datatype = dt.text
			}
		}
		return n, nil
	case tokNumber:
		return Node{Kind: KindLiteral, Value: tok.text, Datatype: run.XSDDecimal}, nil
	case tokWord:
		lower := strings.ToLower(tok.text)
		if lower == "true" || lower == "false" {
			return Node{Kind: KindLiteral, Value: lower, Datatype: run.XSDBoolean}, nil
		}
		return Node{}, fmt.Errorf("%w: unexpected word %q", ErrSyntax, tok.text)
	default:
		return Node{}, fmt.Errorf("%w: unexpected %q", ErrSyntax, tok.text)
	}
}
