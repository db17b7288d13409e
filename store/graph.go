package store

import (
	"sync"

	"github.com/knakk/rdf"
)

// Graph is a named RDF graph with single-writer, many-reader concurrency.
// Triples keep insertion order, so definition elements match in the order
// they were deployed; gateways rely on this to evaluate flows in definition
// order.
type Graph struct {
	name string

	mu      sync.RWMutex
	triples []rdf.Triple
	index   map[string]int      // triple key -> position in triples
	bySubj  map[string][]int    // subject key -> positions
	deleted map[int]struct{}    // tombstones, compacted lazily
}

// NewGraph creates an empty named graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:    name,
		index:   make(map[string]int),
		bySubj:  make(map[string][]int),
		deleted: make(map[int]struct{}),
	}
}

// Name returns the graph IRI.
func (g *Graph) Name() string { return g.name }

// Tx exposes the mutation surface inside an Update callback. All Tx methods
// run under the graph write lock already held by Update.
type Tx struct{ g *Graph }

// Update runs fn under the graph's write lock. This is the only way to
// mutate the graph, which gives callers a natural compare-and-set: read old
// state and write new state with no interleaved writer.
func (g *Graph) Update(fn func(tx *Tx) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(&Tx{g: g})
}

// Add inserts triples, ignoring exact duplicates.
func (tx *Tx) Add(triples ...rdf.Triple) {
	for _, t := range triples {
		k := tripleKey(t)
		if _, ok := tx.g.index[k]; ok {
			continue
		}
		pos := len(tx.g.triples)
		tx.g.triples = append(tx.g.triples, t)
		tx.g.index[k] = pos
		sk := key(t.Subj)
		tx.g.bySubj[sk] = append(tx.g.bySubj[sk], pos)
	}
}

// Remove deletes all triples matching the pattern (nil is a wildcard) and
// returns the number removed.
func (tx *Tx) Remove(s, p, o rdf.Term) int {
	removed := 0
	tx.g.scan(s, p, o, func(pos int, t rdf.Triple) bool {
		delete(tx.g.index, tripleKey(t))
		tx.g.deleted[pos] = struct{}{}
		removed++
		return true
	})
	if len(tx.g.deleted) > len(tx.g.triples)/2 {
		tx.g.compact()
	}
	return removed
}

// Set replaces the object of (s, p, *) with o: remove-then-insert as one
// atomic step under the write lock.
func (tx *Tx) Set(s rdf.Subject, p rdf.Predicate, o rdf.Object) {
	tx.Remove(s, p, nil)
	tx.Add(rdf.Triple{Subj: s, Pred: p, Obj: o})
}

// Match returns triples matching the pattern, in insertion order.
func (tx *Tx) Match(s, p, o rdf.Term) []rdf.Triple {
	return tx.g.match(s, p, o)
}

// Value returns the first object of (s, p, *), or nil.
func (tx *Tx) Value(s, p rdf.Term) rdf.Term { return tx.g.value(s, p) }

// Objects returns all objects of (s, p, *).
func (tx *Tx) Objects(s, p rdf.Term) []rdf.Term { return tx.g.objects(s, p) }

// Subjects returns all distinct subjects of (*, p, o).
func (tx *Tx) Subjects(p, o rdf.Term) []rdf.Term { return tx.g.subjects(p, o) }

// Has reports whether any triple matches the pattern.
func (tx *Tx) Has(s, p, o rdf.Term) bool { return len(tx.g.match(s, p, o)) > 0 }

// compact rewrites the triple slice without tombstones. Caller holds the
// write lock.
func (g *Graph) compact() {
	live := make([]rdf.Triple, 0, len(g.triples)-len(g.deleted))
	g.index = make(map[string]int, len(g.triples))
	g.bySubj = make(map[string][]int)
	for pos, t := range g.triples {
		if _, dead := g.deleted[pos]; dead {
			continue
		}
		np := len(live)
		live = append(live, t)
		g.index[tripleKey(t)] = np
		sk := key(t.Subj)
		g.bySubj[sk] = append(g.bySubj[sk], np)
	}
	g.triples = live
	g.deleted = make(map[int]struct{})
}

// scan visits live triples matching the pattern in insertion order. Caller
// holds at least a read lock. The visitor returns false to stop early.
func (g *Graph) scan(s, p, o rdf.Term, visit func(pos int, t rdf.Triple) bool) {
	matchOne := func(pos int) bool {
		if _, dead := g.deleted[pos]; dead {
			return true
		}
		t := g.triples[pos]
		if p != nil && !TermsEqual(t.Pred, p) {
			return true
		}
		if o != nil && !TermsEqual(t.Obj, o) {
			return true
		}
		if s != nil && !TermsEqual(t.Subj, s) {
			return true
		}
		return visit(pos, t)
	}
	if s != nil {
		for _, pos := range g.bySubj[key(s)] {
			if !matchOne(pos) {
				return
			}
		}
		return
	}
	for pos := range g.triples {
		if !matchOne(pos) {
			return
		}
	}
}

func (g *Graph) match(s, p, o rdf.Term) []rdf.Triple {
	var out []rdf.Triple
	g.scan(s, p, o, func(_ int, t rdf.Triple) bool {
		out = append(out, t)
		return true
	})
	return out
}

func (g *Graph) value(s, p rdf.Term) rdf.Term {
	var out rdf.Term
	g.scan(s, p, nil, func(_ int, t rdf.Triple) bool {
		out = t.Obj
		return false
	})
	return out
}

func (g *Graph) objects(s, p rdf.Term) []rdf.Term {
	var out []rdf.Term
	g.scan(s, p, nil, func(_ int, t rdf.Triple) bool {
		out = append(out, t.Obj)
		return true
	})
	return out
}

func (g *Graph) subjects(p, o rdf.Term) []rdf.Term {
	var out []rdf.Term
	seen := make(map[string]struct{})
	g.scan(nil, p, o, func(_ int, t rdf.Triple) bool {
		k := key(t.Subj)
		if _, ok := seen[k]; ok {
			return true
		}
		seen[k] = struct{}{}
		out = append(out, t.Subj)
		return true
	})
	return out
}

// Read-only surface. Each method takes the read lock; unbounded concurrent
// readers are safe alongside a single writer.

// Match returns triples matching the pattern (nil is a wildcard), in
// insertion order.
func (g *Graph) Match(s, p, o rdf.Term) []rdf.Triple {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.match(s, p, o)
}

// Value returns the first object of (s, p, *), or nil.
func (g *Graph) Value(s, p rdf.Term) rdf.Term {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value(s, p)
}

// Objects returns all objects of (s, p, *).
func (g *Graph) Objects(s, p rdf.Term) []rdf.Term {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.objects(s, p)
}

// Subjects returns all distinct subjects of (*, p, o).
func (g *Graph) Subjects(p, o rdf.Term) []rdf.Term {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.subjects(p, o)
}

// Has reports whether any triple matches the pattern.
func (g *Graph) Has(s, p, o rdf.Term) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	found := false
	g.scan(s, p, o, func(int, rdf.Triple) bool {
		found = true
		return false
	})
	return found
}

// Len returns the number of live triples.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.triples) - len(g.deleted)
}

// All returns a copy of every live triple in insertion order.
func (g *Graph) All() []rdf.Triple {
	return g.Match(nil, nil, nil)
}
