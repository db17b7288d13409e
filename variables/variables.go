// Package variables implements the typed variable store layered on the inst
// graph. A variable is identified by (instance, scope, name); scopes are the
// instance itself, a subprocess node (for scoped subprocesses) or a token
// (for multi-instance locals). Lookup walks scopes innermost outward.
//
// Every set also maintains a denormalized guard triple
// (instance, var:name, value) so condition ASK queries stay a single
// pattern; the guard triple always reflects the innermost live value.
package variables

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/vocabulary/run"
)

// DefaultMaxBytes caps variable values at 1 MiB.
const DefaultMaxBytes = 1 << 20

var (
	// ErrNotFound is returned when a variable is not set in any scope.
	ErrNotFound = errors.New("variable not found")

	// ErrTooLarge is returned for values above the configured size cap.
	ErrTooLarge = errors.New("variable value too large")

	// ErrBadDatatype is returned for datatypes outside the XSD set.
	ErrBadDatatype = errors.New("unsupported variable datatype")
)

// allowed XSD datatypes for variables.
var xsdDatatypes = map[string]struct{}{
	run.XSDString:   {},
	run.XSDInteger:  {},
	run.XSDDecimal:  {},
	run.XSDBoolean:  {},
	run.XSDDateTime: {},
}

// Value is the wire form of a variable.
type Value struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Datatype string `json:"datatype"`
}

// Store reads and writes variables in the inst graph. Callers serialize
// writes per instance; the graph's write lock makes each set atomic.
type Store struct {
	inst     *store.Graph
	maxBytes int
}

// New creates a variable store. maxBytes <= 0 selects DefaultMaxBytes.
func New(inst *store.Graph, maxBytes int) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Store{inst: inst, maxBytes: maxBytes}
}

// Infer converts a Go value (typically decoded JSON) into its lexical form
// and XSD datatype.
func Infer(v any) (string, string) {
	switch val := v.(type) {
	case nil:
		return "", run.XSDString
	case bool:
		return strconv.FormatBool(val), run.XSDBoolean
	case string:
		return val, run.XSDString
	case int:
		return strconv.Itoa(val), run.XSDInteger
	case int64:
		return strconv.FormatInt(val, 10), run.XSDInteger
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10), run.XSDInteger
		}
		return strconv.FormatFloat(val, 'f', -1, 64), run.XSDDecimal
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), run.XSDDateTime
	default:
		return fmt.Sprintf("%v", val), run.XSDString
	}
}

// Set writes a variable in the given scope, replacing any existing value
// atomically (remove-then-insert inside one graph update). A nil scope
// selects the instance scope. An empty datatype defaults to xsd:string.
func (s *Store) Set(instance rdf.IRI, name, value, datatype string, scope rdf.Term) error {
	if name == "" {
		return errors.New("variable name is required")
	}
	if len(value) > s.maxBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(value), s.maxBytes)
	}
	if datatype == "" {
		datatype = run.XSDString
	}
	if _, ok := xsdDatatypes[datatype]; !ok {
		return fmt.Errorf("%w: %s", ErrBadDatatype, datatype)
	}
	if scope == nil {
		scope = instance
	}
	lit := store.TypedLit(value, datatype)

	return s.inst.Update(func(tx *store.Tx) error {
		s.removeInScope(tx, instance, name, scope)

		varIRI := store.IRI(run.VariableNS + uuid.NewString())
		tx.Add(
			rdf.Triple{Subj: varIRI, Pred: store.IRI(run.RDFType), Obj: store.IRI(run.ClassVariable)},
			rdf.Triple{Subj: varIRI, Pred: store.IRI(run.VarName), Obj: store.Lit(name)},
			rdf.Triple{Subj: varIRI, Pred: store.IRI(run.VarValue), Obj: lit},
			rdf.Triple{Subj: varIRI, Pred: store.IRI(run.VarScope), Obj: scope.(rdf.Object)},
			rdf.Triple{Subj: instance, Pred: store.IRI(run.HasVariable), Obj: varIRI},
		)

		// Guard triple mirrors the latest write.
		tx.Set(instance, store.IRI(run.VarNS+name), lit)
		return nil
	})
}

// Get resolves a variable by walking scopePath innermost-first, then the
// instance scope. scopePath holds the token's active scopes, innermost last.
func (s *Store) Get(instance rdf.IRI, name string, scopePath []rdf.Term) (Value, error) {
	for i := len(scopePath) - 1; i >= 0; i-- {
		if v, ok := s.inScope(instance, name, scopePath[i]); ok {
			return v, nil
		}
	}
	if v, ok := s.inScope(instance, name, instance); ok {
		return v, nil
	}
	return Value{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Unset removes a variable from a scope and recomputes the guard triple
// from the remaining scopes.
func (s *Store) Unset(instance rdf.IRI, name string, scope rdf.Term) error {
	if scope == nil {
		scope = instance
	}
	return s.inst.Update(func(tx *store.Tx) error {
		s.removeInScope(tx, instance, name, scope)
		s.refreshGuard(tx, instance, name)
		return nil
	})
}

// DropScope removes every variable of a scope, used on scoped-subprocess
// exit and multi-instance teardown.
func (s *Store) DropScope(instance rdf.IRI, scope rdf.Term) error {
	return s.inst.Update(func(tx *store.Tx) error {
		var names []string
		for _, varIRI := range tx.Objects(instance, store.IRI(run.HasVariable)) {
			if !store.TermsEqual(tx.Value(varIRI, store.IRI(run.VarScope)), scope) {
				continue
			}
			names = append(names, store.Text(tx.Value(varIRI, store.IRI(run.VarName))))
			tx.Remove(varIRI, nil, nil)
			tx.Remove(instance, store.IRI(run.HasVariable), varIRI)
		}
		for _, name := range names {
			s.refreshGuard(tx, instance, name)
		}
		return nil
	})
}

// Scope returns all variables of one scope. Used for snapshots and for
// call-activity variable mapping.
func (s *Store) Scope(instance rdf.IRI, scope rdf.Term) []Value {
	if scope == nil {
		scope = instance
	}
	var out []Value
	for _, varIRI := range s.inst.Objects(instance, store.IRI(run.HasVariable)) {
		if !store.TermsEqual(s.inst.Value(varIRI, store.IRI(run.VarScope)), scope) {
			continue
		}
		if v, ok := s.read(varIRI); ok {
			out = append(out, v)
		}
	}
	return out
}

// Snapshot captures a scope's variables for later restore.
func (s *Store) Snapshot(instance rdf.IRI, scope rdf.Term) []Value {
	return s.Scope(instance, scope)
}

// RestoreSnapshot replaces a scope's variables with the snapshot contents.
func (s *Store) RestoreSnapshot(instance rdf.IRI, scope rdf.Term, snap []Value) error {
	if err := s.DropScope(instance, scope); err != nil {
		return err
	}
	for _, v := range snap {
		if err := s.Set(instance, v.Name, v.Value, v.Datatype, scope); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) inScope(instance rdf.IRI, name string, scope rdf.Term) (Value, bool) {
	for _, varIRI := range s.inst.Objects(instance, store.IRI(run.HasVariable)) {
		if store.Text(s.inst.Value(varIRI, store.IRI(run.VarName))) != name {
			continue
		}
		if !store.TermsEqual(s.inst.Value(varIRI, store.IRI(run.VarScope)), scope) {
			continue
		}
		return s.read(varIRI)
	}
	return Value{}, false
}

func (s *Store) read(varIRI rdf.Term) (Value, bool) {
	name := s.inst.Value(varIRI, store.IRI(run.VarName))
	val := s.inst.Value(varIRI, store.IRI(run.VarValue))
	if name == nil || val == nil {
		return Value{}, false
	}
	datatype := run.XSDString
	if lit, ok := val.(rdf.Literal); ok {
		datatype = lit.DataType.String()
	}
	return Value{Name: store.Text(name), Value: store.Text(val), Datatype: datatype}, true
}

// removeInScope deletes the (instance, scope, name) variable node inside an
// open transaction.
func (s *Store) removeInScope(tx *store.Tx, instance rdf.IRI, name string, scope rdf.Term) {
	for _, varIRI := range tx.Objects(instance, store.IRI(run.HasVariable)) {
		if store.Text(tx.Value(varIRI, store.IRI(run.VarName))) != name {
			continue
		}
		if !store.TermsEqual(tx.Value(varIRI, store.IRI(run.VarScope)), scope) {
			continue
		}
		tx.Remove(varIRI, nil, nil)
		tx.Remove(instance, store.IRI(run.HasVariable), varIRI)
	}
}

// refreshGuard recomputes the denormalized guard triple for name from any
// surviving variable node, preferring non-instance scopes (innermost wins is
// approximated by last write order).
func (s *Store) refreshGuard(tx *store.Tx, instance rdf.IRI, name string) {
	var fallback rdf.Term
	for _, varIRI := range tx.Objects(instance, store.IRI(run.HasVariable)) {
		if store.Text(tx.Value(varIRI, store.IRI(run.VarName))) != name {
			continue
		}
		fallback = tx.Value(varIRI, store.IRI(run.VarValue))
	}
	if fallback == nil {
		tx.Remove(instance, store.IRI(run.VarNS+name), nil)
		return
	}
	tx.Set(instance, store.IRI(run.VarNS+name), fallback.(rdf.Object))
}

// FormatValue renders a Value for template substitution: booleans and
// numbers keep their lexical form, strings pass through.
func FormatValue(v Value) string {
	return strings.TrimSpace(v.Value)
}
