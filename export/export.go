// Package export serializes a named graph into standard RDF formats.
package export

import (
	"fmt"
	"sort"
	"strings"

	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/vocabulary/bpmn"
	"github.com/c360studio/semflow/vocabulary/run"
)

// Format specifies the output serialization format.
type Format string

const (
	FormatTurtle   Format = "turtle"
	FormatNTriples Format = "ntriples"
	FormatJSONLD   Format = "jsonld"
)

// FormatInfo provides metadata about an export format.
type FormatInfo struct {
	Name      Format
	MIMEType  string
	Extension string
}

// Formats maps each supported format to its metadata.
var Formats = map[Format]FormatInfo{
	FormatTurtle:   {Name: FormatTurtle, MIMEType: "text/turtle", Extension: ".ttl"},
	FormatNTriples: {Name: FormatNTriples, MIMEType: "application/n-triples", Extension: ".nt"},
	FormatJSONLD:   {Name: FormatJSONLD, MIMEType: "application/ld+json", Extension: ".jsonld"},
}

// Info returns metadata for a format.
func Info(format Format) (FormatInfo, bool) {
	info, ok := Formats[format]
	return info, ok
}

const (
	rdfNS = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"
	xsdNS = "http://www.w3.org/2001/XMLSchema#"
)

// defaultPrefixes returns the namespace prefixes used by Turtle and JSON-LD
// output. Longer namespaces come before their proper prefixes during
// compaction, handled by sorting in prefixList.
func defaultPrefixes() map[string]string {
	return map[string]string{
		"rdf":  rdfNS,
		"xsd":  xsdNS,
		"bpmn": bpmn.NS,
		"run":  run.Base,
		"var":  run.VarNS,
	}
}

// Graph serializes every triple of g into the requested format. Output is
// deterministic: subjects and predicates are sorted.
func Graph(g *store.Graph, format Format) (string, error) {
	triples := g.All()
	switch format {
	case FormatTurtle:
		return toTurtle(triples), nil
	case FormatNTriples:
		return toNTriples(triples), nil
	case FormatJSONLD:
		return toJSONLD(triples), nil
	default:
		return "", fmt.Errorf("unsupported format %q", format)
	}
}

// bySubject groups triples per subject, subjects in sorted order.
func bySubject(triples []rdf.Triple) ([]string, map[string][]rdf.Triple) {
	grouped := make(map[string][]rdf.Triple)
	for _, t := range triples {
		key := store.Text(t.Subj)
		grouped[key] = append(grouped[key], t)
	}
	subjects := make([]string, 0, len(grouped))
	for s := range grouped {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	for _, ts := range grouped {
		sort.Slice(ts, func(i, j int) bool {
			pi, pj := store.Text(ts[i].Pred), store.Text(ts[j].Pred)
			if pi != pj {
				return pi < pj
			}
			return store.Text(ts[i].Obj) < store.Text(ts[j].Obj)
		})
	}
	return subjects, grouped
}

type prefixPair struct{ prefix, ns string }

// prefixList returns prefixes sorted longest namespace first so compaction
// picks the most specific match.
func prefixList(prefixes map[string]string) []prefixPair {
	out := make([]prefixPair, 0, len(prefixes))
	for p, ns := range prefixes {
		out = append(out, prefixPair{p, ns})
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i].ns) > len(out[j].ns) })
	return out
}

// compactIRI rewrites an IRI to prefix:local form when a known namespace
// matches and the local part is a valid Turtle name.
func compactIRI(iri string, prefixes []prefixPair) string {
	for _, p := range prefixes {
		if rest, ok := strings.CutPrefix(iri, p.ns); ok && isLocalName(rest) {
			return p.prefix + ":" + rest
		}
	}
	return "<" + iri + ">"
}

func isLocalName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

func toTurtle(triples []rdf.Triple) string {
	var sb strings.Builder
	prefixes := defaultPrefixes()
	names := make([]string, 0, len(prefixes))
	for p := range prefixes {
		names = append(names, p)
	}
	sort.Strings(names)
	for _, p := range names {
		fmt.Fprintf(&sb, "@prefix %s: <%s> .\n", p, prefixes[p])
	}
	sb.WriteString("\n")

	compact := prefixList(prefixes)
	subjects, grouped := bySubject(triples)
	for _, subj := range subjects {
		ts := grouped[subj]
		fmt.Fprintf(&sb, "%s\n", compactIRI(subj, compact))
		for i, t := range ts {
			terminator := " ;"
			if i == len(ts)-1 {
				terminator = " ."
			}
			pred := store.Text(t.Pred)
			if pred == rdfNS+"type" {
				fmt.Fprintf(&sb, "    a %s%s\n", turtleObject(t.Obj, compact), terminator)
				continue
			}
			fmt.Fprintf(&sb, "    %s %s%s\n", compactIRI(pred, compact), turtleObject(t.Obj, compact), terminator)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func turtleObject(o rdf.Term, compact []prefixPair) string {
	switch o := o.(type) {
	case rdf.IRI:
		return compactIRI(o.String(), compact)
	case rdf.Literal:
		lex := escapeString(o.String())
		dt := o.DataType.String()
		if dt == "" || dt == xsdNS+"string" {
			return `"` + lex + `"`
		}
		return `"` + lex + `"^^` + compactIRI(dt, compact)
	default:
		return `"` + escapeString(store.Text(o)) + `"`
	}
}

func toNTriples(triples []rdf.Triple) string {
	var sb strings.Builder
	subjects, grouped := bySubject(triples)
	for _, subj := range subjects {
		for _, t := range grouped[subj] {
			fmt.Fprintf(&sb, "<%s> <%s> %s .\n", subj, store.Text(t.Pred), ntObject(t.Obj))
		}
	}
	return sb.String()
}

func ntObject(o rdf.Term) string {
	switch o := o.(type) {
	case rdf.IRI:
		return "<" + o.String() + ">"
	case rdf.Literal:
		lex := escapeString(o.String())
		dt := o.DataType.String()
		if dt == "" || dt == xsdNS+"string" {
			return `"` + lex + `"`
		}
		return `"` + lex + `"^^<` + dt + `>`
	default:
		return `"` + escapeString(store.Text(o)) + `"`
	}
}

func toJSONLD(triples []rdf.Triple) string {
	var sb strings.Builder
	prefixes := defaultPrefixes()
	names := make([]string, 0, len(prefixes))
	for p := range prefixes {
		names = append(names, p)
	}
	sort.Strings(names)

	sb.WriteString("{\n  \"@context\": {\n")
	for i, p := range names {
		fmt.Fprintf(&sb, "    %q: %q", p, prefixes[p])
		if i < len(names)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("  },\n  \"@graph\": [\n")

	subjects, grouped := bySubject(triples)
	for si, subj := range subjects {
		sb.WriteString("    {\n")
		fmt.Fprintf(&sb, "      \"@id\": %q", subj)
		for _, t := range grouped[subj] {
			sb.WriteString(",\n")
			pred := store.Text(t.Pred)
			if pred == rdfNS+"type" {
				fmt.Fprintf(&sb, "      \"@type\": %q", store.Text(t.Obj))
				continue
			}
			fmt.Fprintf(&sb, "      %q: %s", pred, jsonldObject(t.Obj))
		}
		sb.WriteString("\n    }")
		if si < len(subjects)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("  ]\n}\n")
	return sb.String()
}

func jsonldObject(o rdf.Term) string {
	switch o := o.(type) {
	case rdf.IRI:
		return fmt.Sprintf("{\"@id\": %q}", o.String())
	case rdf.Literal:
		dt := o.DataType.String()
		if dt == "" || dt == xsdNS+"string" {
			return fmt.Sprintf("%q", o.String())
		}
		return fmt.Sprintf("{\"@value\": %q, \"@type\": %q}", o.String(), dt)
	default:
		return fmt.Sprintf("%q", store.Text(o))
	}
}

// escapeString escapes special characters for RDF serialization.
func escapeString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return s
}
