// Package store implements the named-graph RDF quadstore backing all engine
// state. Five logical graphs partition the data: defs, inst, tasks, log and
// timers. Each graph is independently locked and independently snapshotted;
// cross-graph consistency is the caller's responsibility.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/knakk/rdf"

	"github.com/c360studio/semflow/vocabulary/run"
)

// ErrUnknownGraph is returned for graph names outside the fixed partition.
var ErrUnknownGraph = errors.New("unknown named graph")

// GraphNames lists the five engine graphs in snapshot order.
var GraphNames = []string{
	run.GraphDefs,
	run.GraphInst,
	run.GraphTasks,
	run.GraphLog,
	run.GraphTimers,
}

// snapshot file names per graph IRI.
var snapshotFiles = map[string]string{
	run.GraphDefs:   "defs.nt",
	run.GraphInst:   "inst.nt",
	run.GraphTasks:  "tasks.nt",
	run.GraphLog:    "log.nt",
	run.GraphTimers: "timers.nt",
}

// Store holds the five named graphs and their snapshot directory.
type Store struct {
	dir    string
	graphs map[string]*Graph
	logger *slog.Logger
}

// New creates a store with empty graphs. dir may be empty for a purely
// in-memory store (snapshots disabled).
func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	graphs := make(map[string]*Graph, len(GraphNames))
	for _, name := range GraphNames {
		graphs[name] = NewGraph(name)
	}
	return &Store{dir: dir, graphs: graphs, logger: logger}
}

// Graph returns the named graph.
func (s *Store) Graph(name string) (*Graph, error) {
	g, ok := s.graphs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGraph, name)
	}
	return g, nil
}

// MustGraph returns the named graph, panicking on an unknown name. Engine
// internals use it with the fixed vocabulary constants.
func (s *Store) MustGraph(name string) *Graph {
	g, err := s.Graph(name)
	if err != nil {
		panic(err)
	}
	return g
}

// Defs, Inst, Tasks, Log and Timers are shorthands for the fixed graphs.
func (s *Store) Defs() *Graph   { return s.graphs[run.GraphDefs] }
func (s *Store) Inst() *Graph   { return s.graphs[run.GraphInst] }
func (s *Store) Tasks() *Graph  { return s.graphs[run.GraphTasks] }
func (s *Store) Log() *Graph    { return s.graphs[run.GraphLog] }
func (s *Store) Timers() *Graph { return s.graphs[run.GraphTimers] }

// Snapshot serializes the named graph as canonical N-Triples.
func (s *Store) Snapshot(name string) ([]byte, error) {
	g, err := s.Graph(name)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := rdf.NewTripleEncoder(&buf, rdf.NTriples)
	for _, t := range g.All() {
		if err := enc.Encode(t); err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close encoder for %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// Restore replaces the named graph's contents with the serialized triples.
func (s *Store) Restore(name string, data []byte) error {
	g, err := s.Graph(name)
	if err != nil {
		return err
	}
	dec := rdf.NewTripleDecoder(bytes.NewReader(data), rdf.NTriples)
	var triples []rdf.Triple
	for {
		t, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		triples = append(triples, t)
	}
	return g.Update(func(tx *Tx) error {
		tx.Remove(nil, nil, nil)
		tx.Add(triples...)
		return nil
	})
}

// Save writes the named graph's snapshot atomically: temp file then rename.
func (s *Store) Save(name string) error {
	if s.dir == "" {
		return nil
	}
	file, ok := snapshotFiles[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGraph, name)
	}
	data, err := s.Snapshot(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	path := filepath.Join(s.dir, file)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", file, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot %s: %w", file, err)
	}
	return nil
}

// SaveAll snapshots every graph.
func (s *Store) SaveAll() error {
	for _, name := range GraphNames {
		if err := s.Save(name); err != nil {
			return err
		}
	}
	return nil
}

// LoadAll restores every graph that has a snapshot file. Missing files are
// fine: the graph starts empty.
func (s *Store) LoadAll() error {
	if s.dir == "" {
		return nil
	}
	for _, name := range GraphNames {
		path := filepath.Join(s.dir, snapshotFiles[name])
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read snapshot %s: %w", path, err)
		}
		if err := s.Restore(name, data); err != nil {
			return err
		}
		s.logger.Debug("restored graph snapshot",
			"graph", name, "triples", s.graphs[name].Len())
	}
	return nil
}
