package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/vocabulary/run"
)

// IRI builds an rdf.IRI from a vocabulary constant. It panics on malformed
// input; all callers pass compile-time constants or ids derived from them.
func IRI(s string) rdf.IRI {
	iri, err := rdf.NewIRI(s)
	if err != nil {
		panic(fmt.Sprintf("store: invalid IRI %q: %v", s, err))
	}
	return iri
}

// Lit builds a plain string literal.
func Lit(s string) rdf.Literal {
	return rdf.NewTypedLiteral(s, IRI(run.XSDString))
}

// TypedLit builds a literal with an explicit XSD datatype IRI.
func TypedLit(v, datatype string) rdf.Literal {
	return rdf.NewTypedLiteral(v, IRI(datatype))
}

// IntLit builds an xsd:integer literal.
func IntLit(n int) rdf.Literal {
	return rdf.NewTypedLiteral(strconv.Itoa(n), IRI(run.XSDInteger))
}

// BoolLit builds an xsd:boolean literal.
func BoolLit(b bool) rdf.Literal {
	return rdf.NewTypedLiteral(strconv.FormatBool(b), IRI(run.XSDBoolean))
}

// TimeLit builds an xsd:dateTime literal in RFC 3339 form.
func TimeLit(t time.Time) rdf.Literal {
	return rdf.NewTypedLiteral(t.UTC().Format(time.RFC3339Nano), IRI(run.XSDDateTime))
}

// Text returns the raw value of a term: the IRI string or the literal value.
// It returns "" for nil.
func Text(t rdf.Term) string {
	if t == nil {
		return ""
	}
	return t.String()
}

// TextInt parses a term's value as an int, returning def when absent or
// unparsable.
func TextInt(t rdf.Term, def int) int {
	if t == nil {
		return def
	}
	n, err := strconv.Atoi(t.String())
	if err != nil {
		return def
	}
	return n
}

// TextTime parses a term's value as an RFC 3339 timestamp.
func TextTime(t rdf.Term) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, t.String())
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// key returns the canonical N-Triples form of a term, used for index keys
// and equality. Distinct term kinds never collide: IRIs serialize in angle
// brackets, literals quoted.
func key(t rdf.Term) string {
	return t.Serialize(rdf.NTriples)
}

func tripleKey(t rdf.Triple) string {
	return key(t.Subj) + " " + key(t.Pred) + " " + key(t.Obj)
}

// TermsEqual reports whether two terms are the same IRI or literal.
func TermsEqual(a, b rdf.Term) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return key(a) == key(b)
}
