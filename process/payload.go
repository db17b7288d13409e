// Package process manages deployed BPMN process definitions: the canonical
// deploy payload, validation, the defs-graph representation and the read
// model the executor consults. Definitions are immutable after deploy;
// retirement only flips their status.
package process

import (
	"errors"
	"fmt"

	"github.com/c360studio/semflow/vocabulary/bpmn"
)

// ErrBadDefinition rejects invalid or internally inconsistent definitions at
// deploy time. No state is mutated when it is returned.
var ErrBadDefinition = errors.New("bad process definition")

// ErrNotFound is returned for unknown definition ids.
var ErrNotFound = errors.New("process definition not found")

// ErrRetired is returned when starting an instance of a retired definition.
var ErrRetired = errors.New("process definition is retired")

// Node kinds accepted in deploy payloads, mapped to ontology classes.
var nodeClasses = map[string]string{
	"startEvent":             bpmn.StartEvent,
	"endEvent":               bpmn.EndEvent,
	"intermediateThrowEvent": bpmn.IntermediateThrowEvent,
	"intermediateCatchEvent": bpmn.IntermediateCatchEvent,
	"boundaryEvent":          bpmn.BoundaryEvent,
	"serviceTask":            bpmn.ServiceTask,
	"userTask":               bpmn.UserTask,
	"sendTask":               bpmn.SendTask,
	"receiveTask":            bpmn.ReceiveTask,
	"scriptTask":             bpmn.ScriptTask,
	"manualTask":             bpmn.ManualTask,
	"exclusiveGateway":       bpmn.ExclusiveGateway,
	"parallelGateway":        bpmn.ParallelGateway,
	"inclusiveGateway":       bpmn.InclusiveGateway,
	"eventBasedGateway":      bpmn.EventBasedGateway,
	"subProcess":             bpmn.SubProcess,
	"transaction":            bpmn.Transaction,
	"callActivity":           bpmn.CallActivity,
}

// classKinds is the reverse mapping, for export.
var classKinds = func() map[string]string {
	m := make(map[string]string, len(nodeClasses))
	for kind, class := range nodeClasses {
		m[class] = kind
	}
	return m
}()

// Event kinds accepted on event nodes.
var eventKinds = map[string]struct{}{
	"": {}, "none": {}, "message": {}, "timer": {}, "signal": {},
	"error": {}, "escalation": {}, "conditional": {}, "terminate": {},
	"cancel": {}, "compensation": {},
}

// Payload is the canonical definition payload accepted by deployDefinition.
// External converters produce it from BPMN XML; the original XML travels in
// Diagram as an opaque blob.
type Payload struct {
	ID       string        `json:"id,omitempty"`
	Name     string        `json:"name"`
	Version  int           `json:"version,omitempty"`
	Nodes    []Node        `json:"nodes"`
	Flows    []Flow        `json:"flows"`
	Messages []MessageDecl `json:"messages,omitempty"`
	Signals  []SignalDecl  `json:"signals,omitempty"`
	Errors   []ErrorDecl   `json:"errors,omitempty"`
	Diagram  string        `json:"diagram,omitempty"`
}

// Node is one flow node of the definition.
type Node struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`

	// Parent is the containing subprocess node id, empty at top level.
	Parent string `json:"parent,omitempty"`

	// Task attributes.
	Topic        string `json:"topic,omitempty"`
	Script       string `json:"script,omitempty"`
	ScriptFormat string `json:"scriptFormat,omitempty"`
	Assignee     string `json:"assignee,omitempty"`

	// Event attributes. Condition is the expression of a conditional event.
	EventKind      string `json:"eventKind,omitempty"`
	Condition      string `json:"condition,omitempty"`
	MessageRef     string `json:"messageRef,omitempty"`
	SignalRef      string `json:"signalRef,omitempty"`
	ErrorRef       string `json:"errorRef,omitempty"`
	TimerDuration  string `json:"timerDuration,omitempty"`
	TimerDate      string `json:"timerDate,omitempty"`
	AttachedTo     string `json:"attachedTo,omitempty"`
	CancelActivity *bool  `json:"cancelActivity,omitempty"`

	// Subprocess attributes.
	TriggeredByEvent bool     `json:"triggeredByEvent,omitempty"`
	CalledElement    string   `json:"calledElement,omitempty"`
	InVariables      []string `json:"inVariables,omitempty"`
	OutVariables     []string `json:"outVariables,omitempty"`

	// CompensationHandler is the node id run to compensate this activity.
	CompensationHandler string `json:"compensationHandler,omitempty"`

	Loop      *Loop      `json:"loop,omitempty"`
	Listeners []Listener `json:"listeners,omitempty"`
}

// Flow is one sequence flow.
type Flow struct {
	ID        string     `json:"id"`
	Source    string     `json:"source"`
	Target    string     `json:"target"`
	Condition string     `json:"condition,omitempty"`
	Default   bool       `json:"default,omitempty"`
	Listeners []Listener `json:"listeners,omitempty"`
}

// Loop declares multi-instance characteristics on an activity.
type Loop struct {
	Cardinality         string `json:"cardinality"`
	Sequential          bool   `json:"sequential,omitempty"`
	CompletionCondition string `json:"completionCondition,omitempty"`
}

// Listener is an execution or task listener declaration. Expression names a
// registered topic handler; Class and Delegate are stored verbatim.
type Listener struct {
	Event      string `json:"event"`
	Expression string `json:"expression,omitempty"`
	Class      string `json:"class,omitempty"`
	Delegate   string `json:"delegateExpression,omitempty"`
}

// MessageDecl declares a named message.
type MessageDecl struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SignalDecl declares a broadcast signal.
type SignalDecl struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ErrorDecl declares a named error with its code.
type ErrorDecl struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Code string `json:"code"`
}

// Validate checks internal consistency before any triple is written.
func (p *Payload) Validate() error {
	if len(p.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes", ErrBadDefinition)
	}
	nodes := make(map[string]*Node, len(p.Nodes))
	for i := range p.Nodes {
		n := &p.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("%w: node %d has no id", ErrBadDefinition, i)
		}
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrBadDefinition, n.ID)
		}
		if _, ok := nodeClasses[n.Kind]; !ok {
			return fmt.Errorf("%w: node %q has unknown kind %q", ErrBadDefinition, n.ID, n.Kind)
		}
		if _, ok := eventKinds[n.EventKind]; !ok {
			return fmt.Errorf("%w: node %q has unknown event kind %q", ErrBadDefinition, n.ID, n.EventKind)
		}
		if n.Kind == "callActivity" && n.CalledElement == "" {
			return fmt.Errorf("%w: call activity %q has no calledElement", ErrBadDefinition, n.ID)
		}
		nodes[n.ID] = n
	}
	hasStart := false
	noneStarts := 0
	for _, n := range p.Nodes {
		if n.Parent != "" {
			parent, ok := nodes[n.Parent]
			if !ok {
				return fmt.Errorf("%w: node %q references missing parent %q", ErrBadDefinition, n.ID, n.Parent)
			}
			if !isScopeKind(parent.Kind) {
				return fmt.Errorf("%w: parent %q of node %q is not a subprocess", ErrBadDefinition, n.Parent, n.ID)
			}
		}
		if n.Kind == "boundaryEvent" {
			if _, ok := nodes[n.AttachedTo]; !ok {
				return fmt.Errorf("%w: boundary event %q attached to missing node %q", ErrBadDefinition, n.ID, n.AttachedTo)
			}
		}
		if n.CompensationHandler != "" {
			if _, ok := nodes[n.CompensationHandler]; !ok {
				return fmt.Errorf("%w: node %q references missing compensation handler %q", ErrBadDefinition, n.ID, n.CompensationHandler)
			}
		}
		if n.Kind == "startEvent" && n.Parent == "" {
			hasStart = true
			if n.EventKind == "" || n.EventKind == "none" {
				noneStarts++
			}
		}
	}
	if !hasStart {
		return fmt.Errorf("%w: no top-level start event", ErrBadDefinition)
	}
	// startInstance without a start event id needs exactly one candidate.
	if noneStarts > 1 {
		return fmt.Errorf("%w: %d top-level none start events, start entry is ambiguous", ErrBadDefinition, noneStarts)
	}
	flows := make(map[string]struct{}, len(p.Flows))
	for _, f := range p.Flows {
		if f.ID == "" {
			return fmt.Errorf("%w: flow %s->%s has no id", ErrBadDefinition, f.Source, f.Target)
		}
		if _, dup := flows[f.ID]; dup {
			return fmt.Errorf("%w: duplicate flow id %q", ErrBadDefinition, f.ID)
		}
		flows[f.ID] = struct{}{}
		if _, ok := nodes[f.Source]; !ok {
			return fmt.Errorf("%w: flow %q has unknown source %q", ErrBadDefinition, f.ID, f.Source)
		}
		if _, ok := nodes[f.Target]; !ok {
			return fmt.Errorf("%w: flow %q has unknown target %q", ErrBadDefinition, f.ID, f.Target)
		}
	}
	return nil
}

func isScopeKind(kind string) bool {
	return kind == "subProcess" || kind == "transaction"
}
