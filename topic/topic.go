// Package topic maps service-task topics to handlers. Handlers are either Go
// functions registered in process, or HTTP call descriptors loaded from YAML
// files. The engine resolves a task's topic here at execution time; an
// unresolvable topic fails the task, it never blocks it.
package topic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTopic is returned when no handler is registered for a topic.
var ErrUnknownTopic = errors.New("unknown topic")

// ErrInvocation wraps handler failures after retries are exhausted.
var ErrInvocation = errors.New("handler invocation failed")

// ErrBadTemplate is returned when a ${name} placeholder in a descriptor
// template resolves to neither a built-in nor an instance variable.
var ErrBadTemplate = errors.New("unresolved template placeholder")

// Request carries the invocation context into a handler. Variables is a
// read-only snapshot of the instance variables visible at the task's scope.
type Request struct {
	Instance  string
	Node      string
	Topic     string
	Variables map[string]any

	// CallbackID is set when the engine is prepared to wait for an
	// asynchronous completion. Handlers that go async forward it to the
	// external system, which later calls completeAsync with it.
	CallbackID string
}

// Result is what a handler produced. Variables are written back into the
// instance at the task's scope. Async means the handler only dispatched the
// work; the token stays parked until the callback arrives.
type Result struct {
	Variables map[string]any
	Async     bool
}

// Handler executes one service-task invocation.
type Handler interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

// Invoke calls fn.
func (fn HandlerFunc) Invoke(ctx context.Context, req Request) (Result, error) {
	return fn(ctx, req)
}

// Registry maps topics to handlers. Registration replaces silently, so a
// descriptor reload can swap handlers under a running engine.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	kinds    map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		kinds:    make(map[string]string),
	}
}

// Register binds a handler to a topic, replacing any previous binding.
func (r *Registry) Register(topic string, h Handler) {
	r.register(topic, h, "http")
}

// RegisterFunc binds a Go function to a topic.
func (r *Registry) RegisterFunc(topic string, fn HandlerFunc) {
	r.register(topic, fn, "function")
}

func (r *Registry) register(topic string, h Handler, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = h
	r.kinds[topic] = kind
}

// Unregister removes a topic binding.
func (r *Registry) Unregister(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, topic)
	delete(r.kinds, topic)
}

// Lookup resolves a topic to its handler.
func (r *Registry) Lookup(topic string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	return h, nil
}

// Info describes one registered topic.
type Info struct {
	Topic string `json:"topic"`
	Kind  string `json:"kind"`
}

// Topics lists registered topics sorted by name.
func (r *Registry) Topics() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.handlers))
	for topic := range r.handlers {
		out = append(out, Info{Topic: topic, Kind: r.kinds[topic]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Test invokes a handler with caller-supplied variables outside any process
// instance. Used by the topics test endpoint to verify wiring.
func (r *Registry) Test(ctx context.Context, topic string, vars map[string]any) (Result, error) {
	h, err := r.Lookup(topic)
	if err != nil {
		return Result{}, err
	}
	return h.Invoke(ctx, Request{Topic: topic, Variables: vars})
}
